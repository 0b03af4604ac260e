package es

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/codewandler/esrt/core/reflector"
)

const transactionCategory = "esrtTransactions"

type (
	TransactionStarted struct {
		TxID string `json:"transaction_id"`
	}
	TransactionCompleted struct {
		TxID      string `json:"transaction_id"`
		Committed bool   `json:"committed"`
	}
)

// transactionRecord is the durable trace of a transaction, so other
// processes can tell whether it is still running.
type transactionRecord struct {
	BaseAggregate
	Open      bool `json:"open"`
	Committed bool `json:"committed"`
}

func (t *transactionRecord) Category() string { return transactionCategory }

func (t *transactionRecord) RegisterHandlers(h *Handlers) {
	Handle(h, func(*TransactionStarted) { t.Open = true })
	Handle(h, func(e *TransactionCompleted) {
		t.Open = false
		t.Committed = e.Committed
	})
}

// TransactionPool tracks the transactions started by this process that did
// not complete yet.
type TransactionPool struct {
	mu   sync.RWMutex
	open map[string]time.Time
}

func NewTransactionPool() *TransactionPool {
	return &TransactionPool{open: map[string]time.Time{}}
}

func (p *TransactionPool) Add(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open[id] = time.Now()
}

func (p *TransactionPool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.open, id)
}

func (p *TransactionPool) Contains(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.open[id]
	return ok
}

func (p *TransactionPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.open)
}

func (p *TransactionPool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.open))
	for id := range p.open {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Transaction groups updates of several aggregates. Aggregates locked by a
// transaction only accept events that carry its id, see [InTransaction].
type Transaction struct {
	ID    string
	repo  *Repository
	cause Causation
}

// NewTransaction records a new transaction and adds it to the pool.
func (r *Repository) NewTransaction(ctx context.Context, c Causation) (*Transaction, error) {
	id := r.factory.newID()
	rec := r.factory.instance(r.transactionType(), id)
	if err := Update(rec, c, &TransactionStarted{TxID: id}); err != nil {
		return nil, err
	}
	if err := r.Commit(ctx, rec); err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	r.txPool.Add(id)
	r.metrics.OpenTransactions(r.txPool.Len())
	r.log.Debug("transaction started", slog.String("tx", id))
	return &Transaction{ID: id, repo: r, cause: c}, nil
}

func (r *Repository) transactionType() *AggregateType {
	at, _ := r.factory.TypeByName(reflector.TypeInfoFor[transactionRecord]().Name)
	return at
}

// Causation returns the causation events of this transaction are raised with.
func (t *Transaction) Causation() Causation { return t.cause }

// Lock makes agg accept only events of this transaction until Unlock.
func (t *Transaction) Lock(agg Aggregate) error {
	return Update(agg, t.cause, &LockAcquired{TxID: t.ID})
}

func (t *Transaction) Unlock(agg Aggregate) error {
	return Update(agg, t.cause, &LockReleased{TxID: t.ID})
}

// Commit marks the transaction completed.
func (t *Transaction) Commit(ctx context.Context) error { return t.complete(ctx, true) }

// Abort marks the transaction completed without success. Locks taken by the
// transaction must still be released by the caller.
func (t *Transaction) Abort(ctx context.Context) error { return t.complete(ctx, false) }

func (t *Transaction) complete(ctx context.Context, committed bool) error {
	r := t.repo
	rec, err := r.TryGetByStreamNameEvenIfMissing(ctx, StreamName(transactionCategory, t.ID))
	if err != nil {
		return err
	}
	if !rec.(*transactionRecord).Open {
		return fmt.Errorf("%w: transaction %s is not open", ErrInvalidOperation, t.ID)
	}
	if err := Update(rec, t.cause, &TransactionCompleted{TxID: t.ID, Committed: committed}); err != nil {
		return err
	}
	if err := r.Commit(ctx, rec); err != nil {
		return fmt.Errorf("complete transaction %s: %w", t.ID, err)
	}
	r.txPool.Remove(t.ID)
	r.metrics.OpenTransactions(r.txPool.Len())
	r.log.Debug("transaction completed", slog.String("tx", t.ID), slog.Bool("committed", committed))
	return nil
}

// TransactionPool exposes the transactions this process is running.
func (r *Repository) TransactionPool() *TransactionPool { return r.txPool }

// AwaitUntilTransactionGoesOffline blocks until the transaction is no longer
// running, in this or any other process.
func (r *Repository) AwaitUntilTransactionGoesOffline(ctx context.Context, txID string) error {
	ticker := time.NewTicker(r.txPoll)
	defer ticker.Stop()
	for {
		if !r.txPool.Contains(txID) {
			open, err := r.transactionOpen(ctx, txID)
			if err != nil {
				return err
			}
			if !open {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Repository) transactionOpen(ctx context.Context, txID string) (bool, error) {
	rec, err := r.TryGetByStreamNameEvenIfMissing(ctx, StreamName(transactionCategory, txID))
	if err != nil {
		return false, err
	}
	return rec.(*transactionRecord).Open, nil
}
