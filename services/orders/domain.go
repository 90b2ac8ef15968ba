// Package orders implements the designer-order workflow: a homeowner
// commissions a designer, and the order moves through a fixed set of
// states driven by the participants, an admin or the scheduler.
package orders

import (
	"errors"
	"sort"
	"time"
)

// Status is the lifecycle state of a designer order.
type Status string

const (
	StatusRequested         Status = "requested"
	StatusAccepted          Status = "accepted"
	StatusInProgress        Status = "in_progress"
	StatusDelivered         Status = "delivered"
	StatusCompleted         Status = "completed"
	StatusRevisionRequested Status = "revision_requested"
	StatusDisputed          Status = "disputed"
	StatusRefunded          Status = "refunded"
	StatusCancelled         Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusRequested,
		StatusAccepted,
		StatusInProgress,
		StatusDelivered,
		StatusRevisionRequested,
		StatusDisputed,
		StatusCompleted,
		StatusRefunded,
		StatusCancelled,
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Actor is the party driving a transition.
type Actor string

const (
	ActorHomeowner Actor = "homeowner"
	ActorDesigner  Actor = "designer"
	ActorAdmin     Actor = "admin"
	ActorSystem    Actor = "system"
)

// transitions maps from -> to -> actors allowed to drive the edge.
var transitions = map[Status]map[Status][]Actor{
	StatusRequested: {
		StatusAccepted:  {ActorDesigner},
		StatusCancelled: {ActorHomeowner, ActorDesigner},
	},
	StatusAccepted: {
		StatusInProgress: {ActorDesigner},
		StatusCancelled:  {ActorHomeowner, ActorDesigner},
	},
	StatusInProgress: {
		StatusDelivered: {ActorDesigner},
	},
	StatusDelivered: {
		StatusCompleted:         {ActorHomeowner, ActorSystem},
		StatusRevisionRequested: {ActorHomeowner},
		StatusDisputed:          {ActorHomeowner},
	},
	StatusRevisionRequested: {
		StatusInProgress: {ActorDesigner},
		StatusDisputed:   {ActorHomeowner, ActorDesigner},
	},
	StatusDisputed: {
		StatusRefunded:  {ActorAdmin},
		StatusCompleted: {ActorAdmin},
	},
}

// Edge is one legal transition.
type Edge struct {
	From   Status  `json:"from"`
	To     Status  `json:"to"`
	Actors []Actor `json:"actors"`
}

// Edges returns the transition table ordered by source then target status.
func Edges() []Edge {
	rank := make(map[Status]int)
	for i, s := range AllStatuses() {
		rank[s] = i
	}

	var out []Edge
	for from, targets := range transitions {
		for to, actors := range targets {
			out = append(out, Edge{From: from, To: to, Actors: append([]Actor(nil), actors...)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return rank[out[i].From] < rank[out[j].From]
		}
		return rank[out[i].To] < rank[out[j].To]
	})
	return out
}

// EdgeExists reports whether from -> to is in the table.
func EdgeExists(from, to Status) bool {
	_, ok := transitions[from][to]
	return ok
}

// ActorAllowed reports whether actor may drive from -> to.
func ActorAllowed(from, to Status, actor Actor) bool {
	for _, a := range transitions[from][to] {
		if a == actor {
			return true
		}
	}
	return false
}

// Order is a designer engagement between a homeowner and a designer.
type Order struct {
	ID            string     `json:"id"`
	HomeownerID   string     `json:"homeowner_id"`
	DesignerID    string     `json:"designer_id"`
	Title         string     `json:"title"`
	Requirements  string     `json:"requirements"`
	PriceCents    int64      `json:"price_cents"`
	Currency      string     `json:"currency"`
	Status        Status     `json:"status"`
	RevisionCount int        `json:"revision_count"`
	MaxRevisions  int        `json:"max_revisions"`
	DeliveryURLs  []string   `json:"delivery_urls"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	AcceptedAt    *time.Time `json:"accepted_at,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
}

// Event records one status change.
type Event struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	From      Status    `json:"from_status"`
	To        Status    `json:"to_status"`
	Actor     Actor     `json:"actor"`
	ActorID   string    `json:"actor_id,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListFilter selects orders for List. Empty ParticipantID means all orders.
type ListFilter struct {
	ParticipantID string
	Status        Status
	Limit         int
	Offset        int
}

// Store errors.
var (
	ErrOrderNotFound = errors.New("designer order not found")
	// ErrStaleStatus means the stored status no longer matches the expected
	// one: another writer transitioned the order first.
	ErrStaleStatus = errors.New("designer order status changed concurrently")
)

// applyStatus moves o to status to at now, maintaining the per-state
// timestamps and the revision counter.
func (o *Order) applyStatus(to Status, now time.Time) {
	switch to {
	case StatusAccepted:
		o.AcceptedAt = &now
	case StatusDelivered:
		o.DeliveredAt = &now
	case StatusCompleted:
		o.CompletedAt = &now
	case StatusCancelled:
		o.CancelledAt = &now
	case StatusRevisionRequested:
		o.RevisionCount++
	}
	o.Status = to
	o.UpdatedAt = now
}

// counterparts returns who should hear about a transition made by actor.
func (o *Order) counterparts(actor Actor) []string {
	switch actor {
	case ActorHomeowner:
		return []string{o.DesignerID}
	case ActorDesigner:
		return []string{o.HomeownerID}
	default:
		return []string{o.HomeownerID, o.DesignerID}
	}
}
