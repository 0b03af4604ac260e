package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/esrt/internal/codec"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

type (
	// SnapshotData is a serialized aggregate at a given version.
	SnapshotData struct {
		StreamName    string  `json:"stream_name" db:"stream_name"`
		Version       Version `json:"version" db:"version"`
		Payload       []byte  `json:"payload" db:"payload"`
		AggregateType string  `json:"aggregate_type" db:"aggregate_type"`
		PackagePath   string  `json:"package_path" db:"package_path"`
		ByteSize      int     `json:"byte_size" db:"byte_size"`
		SchemaVersion int     `json:"schema_version" db:"schema_version"`
	}

	// SnapshotSchema is the durable record of the schema of one aggregate type.
	SnapshotSchema struct {
		AggregateType     string `json:"aggregate_type" db:"aggregate_type"`
		PackagePath       string `json:"package_path" db:"package_path"`
		Version           int    `json:"version" db:"version"`
		Hash              string `json:"hash" db:"hash"`
		HasStaleSnapshots bool   `json:"has_stale_snapshots" db:"has_stale_snapshots"`
	}

	// Snapshottable aggregates serialize their own state instead of using JSON.
	Snapshottable interface {
		Snapshot() (data []byte, err error)
		RestoreSnapshot(data []byte) error
	}

	// SnapshotStore is the durable tier backend.
	SnapshotStore interface {
		GetSchemas(ctx context.Context) ([]SnapshotSchema, error)
		SaveSchemas(ctx context.Context, schemas ...SnapshotSchema) error
		// GetSnapshot returns the snapshot of a stream if it was written with
		// the given schema version, ErrSnapshotNotFound otherwise.
		GetSnapshot(ctx context.Context, aggType, streamName string, schemaVersion int) (*SnapshotData, error)
		// GetStaleSnapshot returns any snapshot of aggType not written with the
		// given schema version, ErrSnapshotNotFound when there is none left.
		GetStaleSnapshot(ctx context.Context, aggType string, schemaVersion int) (*SnapshotData, error)
		// SaveSnapshots upserts by stream name. A snapshot never replaces one of
		// the same schema version with a higher aggregate version.
		SaveSnapshots(ctx context.Context, snapshots ...SnapshotData) error
		DeleteSnapshot(ctx context.Context, aggType, streamName string) error
	}
)

func (s *SnapshotData) SlogAttr() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("stream", s.StreamName),
		slog.String("type", s.AggregateType),
		s.Version.SlogAttr(),
		slog.Int("schema_version", s.SchemaVersion),
		slog.Int("size", s.ByteSize),
	)
}

// replaces reports whether s may overwrite existing in a durable store.
func (s *SnapshotData) replaces(existing *SnapshotData) bool {
	return existing == nil ||
		existing.SchemaVersion != s.SchemaVersion ||
		existing.Version <= s.Version
}

type snapshotPayload struct {
	Meta  AggregateMetadata `json:"meta"`
	State json.RawMessage   `json:"state"`
}

// Serialize captures agg together with its bookkeeping.
func (f *Factory) Serialize(agg Aggregate) (*SnapshotData, error) {
	at, err := f.TypeOf(agg)
	if err != nil {
		return nil, err
	}

	var state []byte
	if s, ok := agg.(Snapshottable); ok {
		state, err = s.Snapshot()
		if err == nil {
			state, err = json.Marshal(state)
		}
	} else {
		state, err = codec.Default.Marshal(agg)
	}
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", agg.base().streamName, err)
	}

	payload, err := codec.Default.Marshal(snapshotPayload{Meta: agg.base().GetMetadata(), State: state})
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", agg.base().streamName, err)
	}
	return &SnapshotData{
		StreamName:    agg.base().streamName,
		Version:       agg.base().GetVersion(),
		Payload:       payload,
		AggregateType: at.Name,
		PackagePath:   at.PkgPath,
		ByteSize:      len(payload),
	}, nil
}

// Deserialize restores a fresh aggregate instance from a snapshot.
func (f *Factory) Deserialize(data *SnapshotData) (Aggregate, error) {
	at, err := f.TypeByName(data.AggregateType)
	if err != nil {
		return nil, err
	}

	var p snapshotPayload
	if err := codec.Default.Unmarshal(data.Payload, &p); err != nil {
		return nil, fmt.Errorf("deserialize %s: %w", data.StreamName, err)
	}

	agg := f.instance(at, p.Meta.ID)
	if s, ok := agg.(Snapshottable); ok {
		var raw []byte
		if err = json.Unmarshal(p.State, &raw); err == nil {
			err = s.RestoreSnapshot(raw)
		}
	} else {
		err = codec.Default.Unmarshal(p.State, agg)
	}
	if err != nil {
		return nil, fmt.Errorf("deserialize %s: %w", data.StreamName, err)
	}
	agg.base().restore(p.Meta)
	return agg, nil
}
