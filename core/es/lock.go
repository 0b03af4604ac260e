package es

import "fmt"

// lock events, applied by the aggregate itself
type (
	LockAcquired struct {
		TxID string `json:"transaction_id"`
	}
	LockReleased struct {
		TxID string `json:"transaction_id"`
	}
)

func (e LockAcquired) TransactionID() string { return e.TxID }
func (e LockReleased) TransactionID() string { return e.TxID }

func (e LockAcquired) Validate() error { return validateTxID(e.TxID) }
func (e LockReleased) Validate() error { return validateTxID(e.TxID) }

func validateTxID(id string) error {
	if id == "" {
		return fmt.Errorf("transaction id is required")
	}
	return nil
}

// TransactionalEvent is implemented by events raised on behalf of a
// transaction. Only such events may be raised on an aggregate locked by
// that transaction.
type TransactionalEvent interface {
	TransactionID() string
}

// InTransaction can be embedded into an event to make it transactional.
type InTransaction struct {
	TxID string `json:"transaction_id,omitempty"`
}

func (t InTransaction) TransactionID() string { return t.TxID }

// LockState tracks the transaction currently holding an aggregate.
type LockState struct {
	owner string
}

func (l *LockState) Owner() string { return l.owner }
func (l *LockState) Locked() bool  { return l.owner != "" }

// check rejects events from outside the owning transaction.
func (l *LockState) check(ev any) error {
	if l.owner == "" {
		return nil
	}
	if te, ok := ev.(TransactionalEvent); ok && te.TransactionID() == l.owner {
		return nil
	}
	return fmt.Errorf("%w: aggregate is locked by transaction %s", ErrConcurrencyConflict, l.owner)
}

func (l *LockState) acquire(e *LockAcquired) error {
	if l.owner != "" && l.owner != e.TxID {
		return fmt.Errorf("%w: aggregate is locked by transaction %s", ErrConcurrencyConflict, l.owner)
	}
	l.owner = e.TxID
	return nil
}

func (l *LockState) release(e *LockReleased) error {
	if l.owner != e.TxID {
		return fmt.Errorf("%w: transaction %s does not hold the lock", ErrInvalidOperation, e.TxID)
	}
	l.owner = ""
	return nil
}
