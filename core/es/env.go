package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/esrt/internal/codec"
)

// Env wires an event store, a factory and a repository with its snapshot
// tiers. The durable snapshot worker runs until Shutdown.
type Env struct {
	ctx          context.Context
	id           string
	done         chan struct{}
	shutdownOnce sync.Once
	cancelCtx    context.CancelFunc
	log          *slog.Logger
	store        EventStore
	registry     *EventRegistry
	factory      *Factory
	repo         *Repository
}

func (e *Env) Repository() *Repository  { return e.repo }
func (e *Env) Store() EventStore        { return e.store }
func (e *Env) Factory() *Factory        { return e.factory }
func (e *Env) Registry() *EventRegistry { return e.registry }

func NewEnv(opts ...EnvOption) (e *Env, err error) {
	var (
		id      = gonanoid.Must(6)
		options = newEnvOptions(opts...)
	)

	log := options.log.With(slog.String("env", id))

	e = &Env{
		id:       id,
		log:      log,
		store:    options.store,
		registry: NewRegistry(),
		done:     make(chan struct{}),
	}
	e.ctx, e.cancelCtx = context.WithCancel(options.ctx)

	for _, s := range options.events {
		e.registry.Register(s.t, s.ctor)
		e.log.Debug("registered event", slog.String("type", s.t))
	}

	e.factory = NewFactory(e.registry, options.factoryOpts...)
	for _, agg := range options.aggregates {
		if err := e.factory.Register(agg); err != nil {
			e.cancelCtx()
			return nil, err
		}
		e.log.Debug("registered aggregate", slog.String("type", fmt.Sprintf("%T", agg)))
	}

	repoOpts := append([]RepositoryOption{WithLog(log)}, options.repoOpts...)
	e.repo = NewRepository(e.store, e.factory, repoOpts...)
	if err := e.repo.Start(e.ctx); err != nil {
		e.cancelCtx()
		return nil, fmt.Errorf("start repository: %w", err)
	}

	context.AfterFunc(e.ctx, func() {
		e.log.Info("shutting down")
		e.repo.Stop()
		e.log.Info("env shutdown")
		close(e.done)
	})

	return e, nil
}

// Shutdown stops the snapshot worker after flushing its queue.
func (e *Env) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.cancelCtx()
		<-e.done
	})
}

// Append writes raw events to a stream, bypassing aggregates. It is meant
// for seeding and for simulating writers in other processes.
func (e *Env) Append(ctx context.Context, streamName string, expect Version, events ...any) error {
	_, err := e.AppendWithResult(ctx, streamName, expect, events...)
	return err
}

func (e *Env) AppendWithResult(
	ctx context.Context,
	streamName string,
	expect Version,
	events ...any,
) (*AppendResult, error) {
	now := time.Now().UTC()
	envelopes := make([]Envelope, 0, len(events))
	for _, ev := range events {
		data, err := codec.Default.Marshal(ev)
		if err != nil {
			return nil, err
		}
		eventID := e.factory.newID()
		envelopes = append(envelopes, Envelope{
			ID:         eventID,
			StreamName: streamName,
			Type:       EventTypeOf(ev),
			Data:       data,
			Metadata:   EventMetadata{EventID: eventID, Timestamp: now},
		})
	}
	return e.store.AppendToStream(ctx, streamName, expect, envelopes)
}
