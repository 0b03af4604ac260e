package es

import (
	"log/slog"
	"maps"
	"time"
)

// EventMetadata travels with every persisted event.
type EventMetadata struct {
	EventID       string `json:"event_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	// CausationNumber is the ordinal of the event or command that caused this
	// event. Only numbers of upstream events take part in duplicate detection.
	CausationNumber *int64            `json:"causation_number,omitempty"`
	CausedByCommand bool              `json:"caused_by_command,omitempty"`
	CommitID        string            `json:"commit_id,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	Author          string            `json:"author,omitempty"`
	Context         map[string]string `json:"context,omitempty"`

	// EventNumber and Checkpoint are filled in when the event is read back.
	EventNumber *Version    `json:"-"`
	Checkpoint  *Checkpoint `json:"-"`
}

func (m EventMetadata) upstreamCausation() (int64, bool) {
	if m.CausationNumber == nil || m.CausedByCommand {
		return 0, false
	}
	return *m.CausationNumber, true
}

// Event is a decoded event bound to its stream.
type Event struct {
	StreamName string
	Type       string
	Payload    any
	Metadata   EventMetadata
}

func (e Event) SlogAttr() slog.Attr {
	return slog.Group(
		"event",
		slog.String("stream", e.StreamName),
		slog.String("type", e.Type),
		slog.String("id", e.Metadata.EventID),
	)
}

// Causation describes what triggered an update. It is copied into the
// metadata of every event the update raises.
type Causation struct {
	CorrelationID   string
	CausationID     string
	CausationNumber *int64
	// FromCommand marks causations originating from a command instead of an
	// upstream event.
	FromCommand bool
	Author      string
	Context     map[string]string
}

// CausedByEvent derives the causation of events raised while handling ev.
func CausedByEvent(ev Event) Causation {
	c := Causation{
		CorrelationID: ev.Metadata.CorrelationID,
		CausationID:   ev.Metadata.EventID,
		Author:        ev.Metadata.Author,
		Context:       maps.Clone(ev.Metadata.Context),
	}
	if ev.Metadata.EventNumber != nil {
		n := ev.Metadata.EventNumber.Int64()
		c.CausationNumber = &n
	}
	if c.CorrelationID == "" {
		c.CorrelationID = ev.Metadata.EventID
	}
	return c
}

// CausedByCommand derives the causation of events raised while handling a command.
func CausedByCommand(commandID, correlationID, author string) Causation {
	if correlationID == "" {
		correlationID = commandID
	}
	return Causation{
		CorrelationID: correlationID,
		CausationID:   commandID,
		FromCommand:   true,
		Author:        author,
	}
}

func (c Causation) metadata(eventID, commitID string, at time.Time) EventMetadata {
	m := EventMetadata{
		EventID:         eventID,
		CorrelationID:   c.CorrelationID,
		CausationID:     c.CausationID,
		CausedByCommand: c.FromCommand,
		CommitID:        commitID,
		Timestamp:       at,
		Author:          c.Author,
		Context:         maps.Clone(c.Context),
	}
	if c.CausationNumber != nil {
		n := *c.CausationNumber
		m.CausationNumber = &n
	}
	return m
}
