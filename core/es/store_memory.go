package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// InMemoryStore is a simple, correct (optimistic) store for tests/dev.
type InMemoryStore struct {
	mu         sync.RWMutex
	log        *slog.Logger
	seq        uint64
	streams    map[string][]Envelope
	categories map[string][]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		log:        slog.Default().With(slog.String("store", "memory")),
		streams:    map[string][]Envelope{},
		categories: map[string][]string{},
	}
}

func (s *InMemoryStore) AppendToStream(
	_ context.Context,
	streamName string,
	expected Version,
	events []Envelope,
) (*AppendResult, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("invalid envelope: %w", err)
		}
	}
	category, _, err := SplitStreamName(streamName)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[streamName]
	current := Version(len(stream) - 1)
	if expected != AnyVersion && expected != current {
		return nil, fmt.Errorf(
			"%w: stream %s is at version %d, expected %d",
			ErrConcurrencyConflict, streamName, current, expected,
		)
	}

	if len(stream) == 0 {
		s.categories[category] = append(s.categories[category], streamName)
	}

	res := &AppendResult{FirstSeq: s.seq + 1}
	for i, e := range events {
		s.seq++
		e.Seq = s.seq
		e.StreamName = streamName
		e.Version = current + Version(i+1)
		stream = append(stream, e)
	}
	s.streams[streamName] = stream
	res.LastSeq = s.seq
	res.LastVersion = Version(len(stream) - 1)

	s.log.Debug("appended", slog.String("stream", streamName), slog.Int("count", len(events)), res.LastVersion.SlogAttr())
	return res, nil
}

func (s *InMemoryStore) ReadStreamForward(
	_ context.Context,
	streamName string,
	from Version,
	count int,
) (*StreamSlice, error) {
	if from < 0 {
		from = 0
	}
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[streamName]
	start := min(int(from), len(stream))
	end := min(start+count, len(stream))
	return &StreamSlice{
		Events:      append([]Envelope(nil), stream[start:end]...),
		NextVersion: Version(end),
		IsEnd:       end == len(stream),
	}, nil
}

func (s *InMemoryStore) StreamExists(_ context.Context, streamName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams[streamName]) > 0, nil
}

func (s *InMemoryStore) ReadCategoryStreams(
	_ context.Context,
	category string,
	from, count int,
	asOf uint64,
) (*CategorySlice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := s.categories[category]
	if asOf > 0 {
		visible := make([]string, 0, len(names))
		for _, name := range names {
			if s.streams[name][0].Seq <= asOf {
				visible = append(visible, name)
			}
		}
		names = visible
	}

	start := min(max(from, 0), len(names))
	end := min(start+count, len(names))
	return &CategorySlice{
		StreamNames: append([]string(nil), names[start:end]...),
		Next:        end,
		IsEnd:       end == len(names),
	}, nil
}

func (s *InMemoryStore) LastStreamInCategory(_ context.Context, category string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := s.categories[category]
	if len(names) == 0 {
		return "", false, nil
	}
	return names[len(names)-1], true, nil
}

var _ EventStore = (*InMemoryStore)(nil)
