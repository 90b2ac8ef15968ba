// Package supabase stores designer orders through the Supabase REST API.
package supabase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tradeloft/marketplace/services/orders"
	"github.com/tradeloft/marketplace/supabase/client"
)

// Table and function names
const (
	tableOrders       = "designer_orders"
	tableEvents       = "designer_order_events"
	fnCreateOrder     = "create_designer_order"
	fnTransitionOrder = "transition_designer_order"
)

// Ensure Repository implements orders.Store
var _ orders.Store = (*Repository)(nil)

// Repository provides designer-order data access over PostgREST. Writes go
// through SQL functions so the order row and its event commit together.
type Repository struct {
	client *client.Client
}

// NewRepository creates a new order repository.
func NewRepository(c *client.Client) *Repository {
	return &Repository{client: c}
}

// eventRow maps orders.Event onto the events table. created_at is set by
// the function so rows sort in commit order.
type eventRow struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	From    string `json:"from_status,omitempty"`
	To      string `json:"to_status"`
	Actor   string `json:"actor"`
	ActorID string `json:"actor_id,omitempty"`
	Note    string `json:"note,omitempty"`
}

func toEventRow(e *orders.Event) eventRow {
	return eventRow{
		ID:      e.ID,
		OrderID: e.OrderID,
		From:    string(e.From),
		To:      string(e.To),
		Actor:   string(e.Actor),
		ActorID: e.ActorID,
		Note:    e.Note,
	}
}

// =============================================================================
// Writes
// =============================================================================

// CreateOrder inserts the order together with its creation event.
func (r *Repository) CreateOrder(ctx context.Context, order *orders.Order, created *orders.Event) error {
	if order == nil || created == nil {
		return fmt.Errorf("order and event are required")
	}

	resp, err := r.client.RPC(ctx, fnCreateOrder, map[string]any{
		"p_order": order,
		"p_event": toEventRow(created),
	})
	if err != nil {
		return fmt.Errorf("create designer order: %w", err)
	}

	var rows []orders.Order
	if err := resp.Decode(&rows); err != nil {
		return fmt.Errorf("create designer order: %w", err)
	}
	if len(rows) > 0 {
		*order = rows[0]
	}
	return nil
}

// UpdateStatus applies the transition only if the stored status is still
// from. An empty result means another writer got there first.
func (r *Repository) UpdateStatus(ctx context.Context, order *orders.Order, from orders.Status, event *orders.Event) error {
	if order == nil || event == nil {
		return fmt.Errorf("order and event are required")
	}

	resp, err := r.client.RPC(ctx, fnTransitionOrder, map[string]any{
		"p_id":   order.ID,
		"p_from": string(from),
		"p_patch": map[string]any{
			"status":         order.Status,
			"revision_count": order.RevisionCount,
			"delivery_urls":  order.DeliveryURLs,
			"accepted_at":    order.AcceptedAt,
			"delivered_at":   order.DeliveredAt,
			"completed_at":   order.CompletedAt,
			"cancelled_at":   order.CancelledAt,
			"updated_at":     order.UpdatedAt,
		},
		"p_event": toEventRow(event),
	})
	if err != nil {
		return fmt.Errorf("transition designer order: %w", err)
	}

	var rows []orders.Order
	if err := resp.Decode(&rows); err != nil {
		return fmt.Errorf("transition designer order: %w", err)
	}
	if len(rows) == 0 {
		return orders.ErrStaleStatus
	}
	*order = rows[0]
	return nil
}

// =============================================================================
// Reads
// =============================================================================

// GetOrder fetches an order by ID.
func (r *Repository) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	resp, err := r.client.From(tableOrders).
		Select("*").
		Eq("id", id).
		Limit(1).
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("get designer order: %w", err)
	}

	var rows []orders.Order
	if err := resp.Decode(&rows); err != nil {
		return nil, fmt.Errorf("get designer order: %w", err)
	}
	if len(rows) == 0 {
		return nil, orders.ErrOrderNotFound
	}
	return &rows[0], nil
}

// ListOrders lists orders newest first.
func (r *Repository) ListOrders(ctx context.Context, filter orders.ListFilter) ([]orders.Order, error) {
	q := r.client.From(tableOrders).Select("*")
	if filter.ParticipantID != "" {
		if strings.ContainsAny(filter.ParticipantID, ",()") {
			return nil, fmt.Errorf("invalid participant id")
		}
		q = q.Or(fmt.Sprintf("homeowner_id.eq.%s,designer_id.eq.%s", filter.ParticipantID, filter.ParticipantID))
	}
	if filter.Status != "" {
		q = q.Eq("status", string(filter.Status))
	}

	resp, err := q.Order("created_at", false).
		Order("id", true).
		Limit(filter.Limit).
		Offset(filter.Offset).
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("list designer orders: %w", err)
	}

	var rows []orders.Order
	if err := resp.Decode(&rows); err != nil {
		return nil, fmt.Errorf("list designer orders: %w", err)
	}
	return rows, nil
}

// ListEvents returns an order's events oldest first.
func (r *Repository) ListEvents(ctx context.Context, orderID string) ([]orders.Event, error) {
	resp, err := r.client.From(tableEvents).
		Select("*").
		Eq("order_id", orderID).
		Order("created_at", true).
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("list designer order events: %w", err)
	}

	var rows []orders.Event
	if err := resp.Decode(&rows); err != nil {
		return nil, fmt.Errorf("list designer order events: %w", err)
	}
	return rows, nil
}

// ListDeliveredBefore returns delivered orders whose delivery predates cutoff,
// oldest delivery first.
func (r *Repository) ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]orders.Order, error) {
	resp, err := r.client.From(tableOrders).
		Select("*").
		Eq("status", string(orders.StatusDelivered)).
		Lt("delivered_at", cutoff.UTC().Format(time.RFC3339)).
		Order("delivered_at", true).
		Limit(limit).
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("list delivered orders: %w", err)
	}

	var rows []orders.Order
	if err := resp.Decode(&rows); err != nil {
		return nil, fmt.Errorf("list delivered orders: %w", err)
	}
	return rows, nil
}
