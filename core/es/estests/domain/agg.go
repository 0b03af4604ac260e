// Package domain holds the aggregates the repository tests run against.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codewandler/esrt/core/es"
)

var ErrCounterLimit = errors.New("counter cannot exceed 24")

// === Counter ===

type (
	TestAgg struct {
		es.BaseAggregate

		Counter        uint16 `json:"counter"`
		NumIncrements  int    `json:"num_increments"`
		NumResets      int    `json:"num_resets"`
		NumTotalEvents int    `json:"num_total_events"`
	}

	Incremented struct {
		es.InTransaction
		Inc   uint8 `json:"inc,omitempty"`
		Reset bool  `json:"reset,omitempty"`
	}

	Deleted struct{}
)

func (a *TestAgg) Snapshot() (data []byte, err error) { return json.Marshal(a) }
func (a *TestAgg) RestoreSnapshot(data []byte) error  { return json.Unmarshal(data, a) }

func (a *TestAgg) RegisterHandlers(h *es.Handlers) {
	es.Handle(h, func(e *Incremented) {
		a.NumTotalEvents++
		if e.Inc > 0 {
			a.Counter += uint16(e.Inc)
			a.NumIncrements++
		}
		if e.Reset {
			a.Counter = 0
			a.NumResets++
		}
	})
	es.Handle(h, func(*Deleted) { a.MarkDeleted() })
}

var _ es.Snapshottable = &TestAgg{}

func (a *TestAgg) Reset(c es.Causation) error { return es.Update(a, c, &Incremented{Reset: true}) }
func (a *TestAgg) Inc(c es.Causation) error   { return a.IncBy(c, 1) }
func (a *TestAgg) IncBy(c es.Causation, v uint8) error {
	if a.Counter+uint16(v) > 24 {
		return ErrCounterLimit
	}
	return es.Update(a, c, &Incremented{Inc: v})
}
func (a *TestAgg) Delete(c es.Causation) error { return es.Update(a, c, &Deleted{}) }

func (a *TestAgg) Count() int { return int(a.Counter) }

// === Customers and orders ===

type (
	Customer struct {
		es.BaseAggregate
		Name string `json:"name"`
	}

	CustomerRegistered struct {
		Name string `json:"name"`
	}
	CustomerRenamed struct {
		Name string `json:"name"`
	}
)

func (c *Customer) RegisterHandlers(h *es.Handlers) {
	es.Handle(h, func(e *CustomerRegistered) { c.Name = e.Name })
	es.Handle(h, func(e *CustomerRenamed) { c.Name = e.Name })
}

func (e CustomerRegistered) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("customer name is required")
	}
	return nil
}

type (
	Order struct {
		es.BaseAggregate
		CustomerID string      `json:"customer_id"`
		Lines      []OrderLine `json:"lines"`
		Archived   bool        `json:"archived"`

		// Total is derived once the order is rehydrated.
		Total int `json:"-"`
	}

	OrderLine struct {
		SKU      string `json:"sku"`
		Quantity int    `json:"quantity"`
		Price    int    `json:"price"`
	}

	OrderPlaced struct {
		CustomerID string      `json:"customer_id"`
		Lines      []OrderLine `json:"lines"`
	}
	OrderLineAdded struct {
		Line OrderLine `json:"line"`
	}
	OrderArchived struct{}
	OrderViewed   struct{}
)

func (e OrderPlaced) ForeignKeys() []es.ForeignKey {
	return []es.ForeignKey{es.ForeignKeyTo[*Customer](e.CustomerID)}
}

func (o *Order) RegisterHandlers(h *es.Handlers) {
	es.Handle(h, func(e *OrderPlaced) {
		o.CustomerID = e.CustomerID
		o.Lines = append(o.Lines, e.Lines...)
	})
	es.Handle(h, func(e *OrderLineAdded) { o.Lines = append(o.Lines, e.Line) })
	es.Handle(h, func(*OrderArchived) {
		o.Archived = true
		o.MarkDeleted()
	})
	es.Ignore[OrderViewed](h)
}

func (o *Order) FinalizeOutputState() {
	o.Total = 0
	for _, l := range o.Lines {
		o.Total += l.Quantity * l.Price
	}
}

// === Shipping saga ===

type (
	ShippingSaga struct {
		es.BaseAggregate
		OrderID string `json:"order_id"`
		Shipped bool   `json:"shipped"`
	}

	ShipOrder struct {
		OrderID string `json:"order_id"`
	}
	OrderShipped struct {
		OrderID string `json:"order_id"`
	}
)

func (ShipOrder) TargetSaga() string { return "shippingSagas" }

func (s *ShippingSaga) AggregateKind() es.Kind { return es.KindSaga }

func (s *ShippingSaga) RegisterHandlers(h *es.Handlers) {
	es.Handle(h, func(e *ShipOrder) { s.OrderID = e.OrderID })
	es.Handle(h, func(*OrderShipped) { s.Shipped = true })
}

// === Audit log ===

type (
	// AuditLog is write-only, its streams are never rehydrated for commits.
	AuditLog struct {
		es.BaseAggregate
	}

	AuditRecorded struct {
		Message string `json:"message"`
	}
)

func (a *AuditLog) AggregateKind() es.Kind { return es.KindStateless }
func (a *AuditLog) Category() string       { return "audit" }

func (a *AuditLog) RegisterHandlers(h *es.Handlers) {
	es.Ignore[AuditRecorded](h)
}
