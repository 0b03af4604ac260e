package es

import (
	"context"
	"log/slog"

	"github.com/codewandler/esrt/core/reflector"
)

// ForeignKey references another aggregate that must exist when an event is committed.
type ForeignKey struct {
	Category string
	ID       string
}

func (fk ForeignKey) StreamName() string { return StreamName(fk.Category, fk.ID) }

// ForeignKeyTo references the aggregate of type T with the given id.
func ForeignKeyTo[T Aggregate](id string) ForeignKey {
	sample := reflector.TypeInfoFor[T]().New().(Aggregate)
	return ForeignKey{Category: categoryOf(sample), ID: id}
}

// ForeignKeyDeclarer is implemented by events that reference other aggregates.
type ForeignKeyDeclarer interface {
	ForeignKeys() []ForeignKey
}

// ForeignKeyResolver decides whether a referenced stream exists. The
// repository resolves references against itself unless configured otherwise.
type ForeignKeyResolver interface {
	Exists(ctx context.Context, streamName string) (bool, error)
}

func (r *Repository) validateForeignKeys(ctx context.Context, streamName string, events []Event) error {
	seen := map[string]bool{}
	var missing []ForeignKey
	for _, ev := range events {
		d, ok := ev.Payload.(ForeignKeyDeclarer)
		if !ok {
			continue
		}
		for _, fk := range d.ForeignKeys() {
			name := fk.StreamName()
			if seen[name] || name == streamName {
				continue
			}
			seen[name] = true
			exists, err := r.fk.Exists(ctx, name)
			if err != nil {
				return err
			}
			if !exists {
				missing = append(missing, fk)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	r.metrics.ForeignKeyViolation(categoryOfStream(streamName))
	r.log.Debug("foreign key violation", slog.String("stream", streamName), slog.Int("missing", len(missing)))
	return &ForeignKeyViolationError{StreamName: streamName, Missing: missing}
}
