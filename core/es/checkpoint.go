package es

import "log/slog"

// Checkpoint is a position in the global log. EventPosition is the store-wide
// sequence, EventNumber the version of the event within its own stream.
// Checkpoints of a single subscription never go backwards.
type Checkpoint struct {
	EventPosition uint64  `json:"event_position"`
	EventNumber   Version `json:"event_number"`
}

// NoCheckpoint is the checkpoint of a subscription that has not seen any event.
var NoCheckpoint = Checkpoint{EventNumber: NoEventsNumber}

func (c Checkpoint) Less(o Checkpoint) bool {
	if c.EventPosition != o.EventPosition {
		return c.EventPosition < o.EventPosition
	}
	return c.EventNumber < o.EventNumber
}

func (c Checkpoint) SlogAttr() slog.Attr {
	return slog.Group(
		"checkpoint",
		slog.Uint64("position", c.EventPosition),
		c.EventNumber.SlogAttrWithKey("number"),
	)
}
