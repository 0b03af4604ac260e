package es

import (
	"context"
	"fmt"
	"iter"
)

type streamOpts struct {
	asOf     uint64
	pageSize int
}

type (
	StreamOption   interface{ applyToStream(*streamOpts) }
	AsOfOption     valueOption[uint64]
	StreamPageSize valueOption[int]
)

// WithAsOf enumerates the category as it was at the given global position:
// later streams are skipped and every aggregate is replayed up to seq.
func WithAsOf(seq uint64) AsOfOption { return AsOfOption{v: seq} }

func WithStreamPageSize(n int) StreamPageSize { return StreamPageSize{v: n} }

func (o AsOfOption) applyToStream(s *streamOpts)     { s.asOf = o.v }
func (o StreamPageSize) applyToStream(s *streamOpts) { s.pageSize = o.v }

// Stream enumerates the aggregates of a category in creation order. Streams
// created while the enumeration runs are not visited. Enumeration stops at
// the first error.
func (r *Repository) Stream(ctx context.Context, category string, opts ...StreamOption) iter.Seq2[Aggregate, error] {
	options := streamOpts{pageSize: r.pageSize}
	for _, opt := range opts {
		opt.applyToStream(&options)
	}

	return func(yield func(Aggregate, error) bool) {
		last, ok, err := r.store.LastStreamInCategory(ctx, category)
		if err != nil {
			yield(nil, fmt.Errorf("stream %s: %w", category, err))
			return
		}
		if !ok {
			return
		}

		from := 0
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := r.store.ReadCategoryStreams(ctx, category, from, options.pageSize, options.asOf)
			if err != nil {
				yield(nil, fmt.Errorf("stream %s: %w", category, err))
				return
			}
			for _, name := range page.StreamNames {
				agg, err := r.loadForStream(ctx, name, options.asOf)
				if !yield(agg, err) || err != nil {
					return
				}
				if name == last {
					return
				}
			}
			if page.IsEnd || len(page.StreamNames) == 0 {
				return
			}
			from = page.Next
		}
	}
}

func (r *Repository) loadForStream(ctx context.Context, streamName string, asOf uint64) (Aggregate, error) {
	if asOf == 0 {
		return r.TryGetByStreamNameEvenIfMissing(ctx, streamName)
	}
	return r.LoadAsOf(ctx, streamName, asOf)
}

