package es

import "log/slog"

// Version is the number of an event within its stream. The first event of a
// stream has version 0, so an aggregate that applied N events is at version N-1.
type Version int64

const (
	// NoEventsNumber is the version of a stream that has no events yet.
	NoEventsNumber Version = -1
	// AnyVersion disables the optimistic concurrency check on append.
	AnyVersion Version = -2
)

func (v Version) Int64() int64                           { return int64(v) }
func (v Version) Next() Version                          { return v + 1 }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Int64(key, int64(v)) }
