package es

import (
	"encoding/json"
	"fmt"
)

// Envelope is the unit of storage in the EventStore. It carries the encoded
// payload together with everything needed to route and replay it.
type Envelope struct {
	// ID is the unique event id, equal to Metadata.EventID.
	ID string `json:"id"`
	// Seq is the global position assigned by the store on append.
	Seq uint64 `json:"seq"`
	// Version is the event number within its stream.
	Version    Version         `json:"version"`
	StreamName string          `json:"stream"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	Metadata   EventMetadata   `json:"metadata"`
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is empty")
	}
	if e.StreamName == "" {
		return fmt.Errorf("envelope stream name is empty")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope type is empty")
	}
	if e.Metadata.Timestamp.IsZero() {
		return fmt.Errorf("envelope timestamp is zero")
	}
	return nil
}

func (e Envelope) Checkpoint() Checkpoint {
	return Checkpoint{EventPosition: e.Seq, EventNumber: e.Version}
}

type Decoder interface{ Decode(e Envelope) (any, error) }
