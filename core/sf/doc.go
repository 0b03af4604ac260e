// Package sf is a typed wrapper around golang.org/x/sync/singleflight.
//
// Concurrent callers of [Singleflight.Do] with the same key share a single
// execution of the function:
//
//	group := sf.New[*Snapshot]()
//	snap, shared, err := group.Do(streamName, func() (*Snapshot, error) {
//	    return load(ctx, streamName)
//	})
//
// A shared result is seen by several goroutines, so treat it as read-only.
package sf
