package es

import (
	"context"
	"errors"
)

var ErrStoreNoEvents = errors.New("no events to store")

type (
	AppendResult struct {
		FirstSeq    uint64
		LastSeq     uint64
		LastVersion Version
	}

	// StreamSlice is a page of a stream read forward.
	StreamSlice struct {
		Events      []Envelope
		NextVersion Version
		IsEnd       bool
	}

	// CategorySlice is a page of the stream names of a category.
	CategorySlice struct {
		StreamNames []string
		Next        int
		IsEnd       bool
	}

	// EventStore is the append-only log. Streams are identified by name and
	// versions within a stream are gapless starting at 0.
	EventStore interface {
		// AppendToStream appends events if the stream is at expected, which
		// may be NoEventsNumber for a new stream or AnyVersion to skip the
		// check. A mismatch fails with ErrConcurrencyConflict.
		AppendToStream(ctx context.Context, streamName string, expected Version, events []Envelope) (*AppendResult, error)
		// ReadStreamForward returns up to count events starting at from. A
		// missing stream yields an empty end slice.
		ReadStreamForward(ctx context.Context, streamName string, from Version, count int) (*StreamSlice, error)
		StreamExists(ctx context.Context, streamName string) (bool, error)
		// ReadCategoryStreams pages through the streams of a category ordered
		// by creation. With asOf > 0 streams created after that global
		// position are left out.
		ReadCategoryStreams(ctx context.Context, category string, from, count int, asOf uint64) (*CategorySlice, error)
		// LastStreamInCategory returns the most recently created stream.
		LastStreamInCategory(ctx context.Context, category string) (string, bool, error)
	}

	// StreamSeqReader is implemented by stores that can resume a stream read
	// right after a known global position instead of seeking the version.
	// afterSeq is a hint: a store must still return events starting at from.
	StreamSeqReader interface {
		ReadStreamForwardAfter(ctx context.Context, streamName string, from Version, afterSeq uint64, count int) (*StreamSlice, error)
	}
)
