// Package postgres stores designer orders directly in Postgres with sqlx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tradeloft/marketplace/services/orders"
)

// Ensure Store implements orders.Store
var _ orders.Store = (*Store)(nil)

// Store implements orders.Store backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const orderColumns = `id, homeowner_id, designer_id, title, requirements, price_cents, currency,
	status, revision_count, max_revisions, delivery_urls, created_at, updated_at,
	accepted_at, delivered_at, completed_at, cancelled_at`

type orderRow struct {
	ID            string         `db:"id"`
	HomeownerID   string         `db:"homeowner_id"`
	DesignerID    string         `db:"designer_id"`
	Title         string         `db:"title"`
	Requirements  string         `db:"requirements"`
	PriceCents    int64          `db:"price_cents"`
	Currency      string         `db:"currency"`
	Status        string         `db:"status"`
	RevisionCount int            `db:"revision_count"`
	MaxRevisions  int            `db:"max_revisions"`
	DeliveryURLs  pq.StringArray `db:"delivery_urls"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
	AcceptedAt    sql.NullTime   `db:"accepted_at"`
	DeliveredAt   sql.NullTime   `db:"delivered_at"`
	CompletedAt   sql.NullTime   `db:"completed_at"`
	CancelledAt   sql.NullTime   `db:"cancelled_at"`
}

func (r orderRow) toOrder() orders.Order {
	urls := []string(r.DeliveryURLs)
	if urls == nil {
		urls = []string{}
	}
	return orders.Order{
		ID:            r.ID,
		HomeownerID:   r.HomeownerID,
		DesignerID:    r.DesignerID,
		Title:         r.Title,
		Requirements:  r.Requirements,
		PriceCents:    r.PriceCents,
		Currency:      r.Currency,
		Status:        orders.Status(r.Status),
		RevisionCount: r.RevisionCount,
		MaxRevisions:  r.MaxRevisions,
		DeliveryURLs:  urls,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		AcceptedAt:    timePtr(r.AcceptedAt),
		DeliveredAt:   timePtr(r.DeliveredAt),
		CompletedAt:   timePtr(r.CompletedAt),
		CancelledAt:   timePtr(r.CancelledAt),
	}
}

type eventRow struct {
	ID        string         `db:"id"`
	OrderID   string         `db:"order_id"`
	From      sql.NullString `db:"from_status"`
	To        string         `db:"to_status"`
	Actor     string         `db:"actor"`
	ActorID   sql.NullString `db:"actor_id"`
	Note      string         `db:"note"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r eventRow) toEvent() orders.Event {
	return orders.Event{
		ID:        r.ID,
		OrderID:   r.OrderID,
		From:      orders.Status(r.From.String),
		To:        orders.Status(r.To),
		Actor:     orders.Actor(r.Actor),
		ActorID:   r.ActorID.String,
		Note:      r.Note,
		CreatedAt: r.CreatedAt,
	}
}

// --- writes -----------------------------------------------------------------

func (s *Store) CreateOrder(ctx context.Context, order *orders.Order, created *orders.Event) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO designer_orders (id, homeowner_id, designer_id, title, requirements, price_cents,
				currency, status, revision_count, max_revisions, delivery_urls, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, order.ID, order.HomeownerID, order.DesignerID, order.Title, order.Requirements, order.PriceCents,
			order.Currency, string(order.Status), order.RevisionCount, order.MaxRevisions,
			pq.StringArray(order.DeliveryURLs), order.CreatedAt, order.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert designer order: %w", err)
		}
		return insertEvent(ctx, tx, created)
	})
}

// UpdateStatus writes the new state only where the row still has status
// from, then records the event in the same transaction.
func (s *Store) UpdateStatus(ctx context.Context, order *orders.Order, from orders.Status, event *orders.Event) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE designer_orders
			SET status = $3, revision_count = $4, delivery_urls = $5,
				accepted_at = $6, delivered_at = $7, completed_at = $8, cancelled_at = $9,
				updated_at = $10
			WHERE id = $1 AND status = $2
		`, order.ID, string(from), string(order.Status), order.RevisionCount,
			pq.StringArray(order.DeliveryURLs), order.AcceptedAt, order.DeliveredAt,
			order.CompletedAt, order.CancelledAt, order.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update designer order: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM designer_orders WHERE id = $1)`, order.ID); err != nil {
				return fmt.Errorf("check designer order: %w", err)
			}
			if !exists {
				return orders.ErrOrderNotFound
			}
			return orders.ErrStaleStatus
		}
		return insertEvent(ctx, tx, event)
	})
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, e *orders.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO designer_order_events (id, order_id, from_status, to_status, actor, actor_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.OrderID, nullString(string(e.From)), string(e.To), string(e.Actor),
		nullString(e.ActorID), e.Note, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert designer order event: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- reads ------------------------------------------------------------------

func (s *Store) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, `SELECT `+orderColumns+` FROM designer_orders WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orders.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get designer order: %w", err)
	}
	o := row.toOrder()
	return &o, nil
}

func (s *Store) ListOrders(ctx context.Context, filter orders.ListFilter) ([]orders.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM designer_orders WHERE TRUE`
	var args []interface{}
	if filter.ParticipantID != "" {
		args = append(args, filter.ParticipantID)
		query += fmt.Sprintf(` AND (homeowner_id = $%d OR designer_id = $%d)`, len(args), len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	var rows []orderRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list designer orders: %w", err)
	}
	return toOrders(rows), nil
}

func (s *Store) ListEvents(ctx context.Context, orderID string) ([]orders.Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, order_id, from_status, to_status, actor, actor_id, note, created_at
		FROM designer_order_events
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list designer order events: %w", err)
	}
	out := make([]orders.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEvent())
	}
	return out, nil
}

func (s *Store) ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]orders.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+orderColumns+`
		FROM designer_orders
		WHERE status = 'delivered' AND delivered_at < $1
		ORDER BY delivered_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list delivered orders: %w", err)
	}
	return toOrders(rows), nil
}

func toOrders(rows []orderRow) []orders.Order {
	out := make([]orders.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toOrder())
	}
	return out
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
