package orders

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tradeloft/marketplace/internal/config"
	svcerrors "github.com/tradeloft/marketplace/internal/errors"
	"github.com/tradeloft/marketplace/internal/logging"
	"github.com/tradeloft/marketplace/internal/metrics"
)

const (
	maxTitleChars        = 200
	maxRequirementsChars = 5000
	maxRevisionsCap      = 10
	maxDeliveryURLs      = 20
	maxNoteChars         = 1000
	defaultListLimit     = 50
	maxListLimit         = 100
	autoCompleteBatch    = 100
)

// Store persists orders and their event history. UpdateStatus must write
// the order and the event atomically, and only when the stored status still
// equals from.
type Store interface {
	CreateOrder(ctx context.Context, order *Order, created *Event) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]Order, error)
	UpdateStatus(ctx context.Context, order *Order, from Status, event *Event) error
	ListEvents(ctx context.Context, orderID string) ([]Event, error)
	ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]Order, error)
}

// Notifier is told about every committed transition.
type Notifier interface {
	OrderTransitioned(ctx context.Context, order Order, event Event, recipients []string)
}

// Caller identifies who is acting.
type Caller struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the caller holds the admin role.
func (c Caller) IsAdmin() bool { return c.Role == string(ActorAdmin) }

// CallerFromContext builds a Caller from the authenticated request context.
func CallerFromContext(ctx context.Context) Caller {
	return Caller{UserID: logging.GetUserID(ctx), Role: logging.GetRole(ctx)}
}

// CreateInput is the payload for Create.
type CreateInput struct {
	DesignerID   string `json:"designer_id"`
	Title        string `json:"title"`
	Requirements string `json:"requirements"`
	PriceCents   int64  `json:"price_cents"`
	Currency     string `json:"currency"`
	MaxRevisions *int   `json:"max_revisions"`
}

// TransitionInput is the payload for Transition.
type TransitionInput struct {
	To           Status   `json:"to"`
	Note         string   `json:"note"`
	DeliveryURLs []string `json:"delivery_urls"`
}

// Service implements the designer-order workflow.
type Service struct {
	store    Store
	notifier Notifier
	policy   config.OrderPolicy
	logger   *logging.Logger
	now      func() time.Time
	newID    func() string
}

// NewService creates the order service. notifier may be nil.
func NewService(store Store, notifier Notifier, policy config.OrderPolicy, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		store:    store,
		notifier: notifier,
		policy:   policy,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
	}
}

// =============================================================================
// Create / Read
// =============================================================================

// Create opens a new order in the requested state on behalf of the
// homeowner.
func (s *Service) Create(ctx context.Context, caller Caller, in CreateInput) (*Order, error) {
	if caller.UserID == "" {
		return nil, svcerrors.Unauthorized("")
	}

	in.Title = strings.TrimSpace(in.Title)
	in.DesignerID = strings.TrimSpace(in.DesignerID)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))

	switch {
	case in.Title == "":
		return nil, svcerrors.Validation("title", "title is required")
	case utf8.RuneCountInString(in.Title) > maxTitleChars:
		return nil, svcerrors.Validation("title", fmt.Sprintf("title must be at most %d characters", maxTitleChars))
	case utf8.RuneCountInString(in.Requirements) > maxRequirementsChars:
		return nil, svcerrors.Validation("requirements", fmt.Sprintf("requirements must be at most %d characters", maxRequirementsChars))
	case in.DesignerID == "":
		return nil, svcerrors.Validation("designer_id", "designer_id is required")
	case in.DesignerID == caller.UserID:
		return nil, svcerrors.Validation("designer_id", "you cannot commission yourself")
	case in.PriceCents < 0:
		return nil, svcerrors.Validation("price_cents", "price_cents must not be negative")
	}

	if in.Currency == "" {
		in.Currency = "USD"
	}
	if len(in.Currency) != 3 {
		return nil, svcerrors.Validation("currency", "currency must be a 3-letter ISO code")
	}

	maxRevisions := s.policy.DefaultMaxRevisions
	if in.MaxRevisions != nil {
		maxRevisions = *in.MaxRevisions
	}
	if maxRevisions < 0 || maxRevisions > maxRevisionsCap {
		return nil, svcerrors.Validation("max_revisions", fmt.Sprintf("max_revisions must be within 0..%d", maxRevisionsCap))
	}

	now := s.now()
	order := &Order{
		ID:           s.newID(),
		HomeownerID:  caller.UserID,
		DesignerID:   in.DesignerID,
		Title:        in.Title,
		Requirements: strings.TrimSpace(in.Requirements),
		PriceCents:   in.PriceCents,
		Currency:     in.Currency,
		Status:       StatusRequested,
		MaxRevisions: maxRevisions,
		DeliveryURLs: []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created := &Event{
		ID:        s.newID(),
		OrderID:   order.ID,
		To:        StatusRequested,
		Actor:     ActorHomeowner,
		ActorID:   caller.UserID,
		CreatedAt: now,
	}

	if err := s.store.CreateOrder(ctx, order, created); err != nil {
		return nil, svcerrors.Upstream("database", err)
	}

	s.logger.WithContext(ctx).WithField("order_id", order.ID).Info("designer order created")
	s.notify(ctx, *order, *created, []string{order.DesignerID})
	return order, nil
}

// Get returns an order visible to the caller. Orders the caller may not see
// are reported as not found.
func (s *Service) Get(ctx context.Context, caller Caller, id string) (*Order, error) {
	order, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(participantActors(order, caller)) == 0 {
		return nil, svcerrors.NotFound("designer order")
	}
	return order, nil
}

// List returns the caller's orders, newest first. Admins see every order.
func (s *Service) List(ctx context.Context, caller Caller, status Status, limit, offset int) ([]Order, error) {
	if caller.UserID == "" {
		return nil, svcerrors.Unauthorized("")
	}
	if status != "" && !status.Valid() {
		return nil, svcerrors.Validation("status", "unknown status "+string(status))
	}
	limit, offset = normalizePage(limit, offset)

	filter := ListFilter{Status: status, Limit: limit, Offset: offset}
	if !caller.IsAdmin() {
		filter.ParticipantID = caller.UserID
	}

	list, err := s.store.ListOrders(ctx, filter)
	if err != nil {
		return nil, svcerrors.Upstream("database", err)
	}
	if list == nil {
		list = []Order{}
	}
	return list, nil
}

// Events returns the order's history, oldest first.
func (s *Service) Events(ctx context.Context, caller Caller, id string) ([]Event, error) {
	if _, err := s.Get(ctx, caller, id); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return nil, svcerrors.Upstream("database", err)
	}
	if events == nil {
		events = []Event{}
	}
	return events, nil
}

// =============================================================================
// Transitions
// =============================================================================

// Transition moves an order to in.To on behalf of caller.
func (s *Service) Transition(ctx context.Context, caller Caller, id string, in TransitionInput) (*Order, error) {
	order, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	candidates := participantActors(order, caller)
	if len(candidates) == 0 {
		return nil, svcerrors.NotFound("designer order")
	}
	if !in.To.Valid() {
		return nil, svcerrors.Validation("to", "unknown status "+string(in.To))
	}
	if utf8.RuneCountInString(in.Note) > maxNoteChars {
		return nil, svcerrors.Validation("note", fmt.Sprintf("note must be at most %d characters", maxNoteChars))
	}

	from := order.Status
	if !EdgeExists(from, in.To) {
		metrics.RecordOrderTransition(string(from), string(in.To), "illegal")
		return nil, svcerrors.New(svcerrors.CodeIllegalTransition,
			fmt.Sprintf("cannot move order from %s to %s", from, in.To), http.StatusConflict).
			WithDetails("from", string(from)).
			WithDetails("to", string(in.To))
	}

	actor, ok := pickActor(from, in.To, candidates)
	if !ok {
		metrics.RecordOrderTransition(string(from), string(in.To), "forbidden")
		return nil, svcerrors.Forbidden(fmt.Sprintf("you may not move this order from %s to %s", from, in.To))
	}

	return s.apply(ctx, order, in, actor, caller.UserID)
}

// apply performs steps that follow authorization: per-target requirements,
// the compare-and-set write and the side effects.
func (s *Service) apply(ctx context.Context, order *Order, in TransitionInput, actor Actor, actorID string) (*Order, error) {
	from := order.Status
	next := *order
	next.DeliveryURLs = append([]string(nil), order.DeliveryURLs...)

	switch in.To {
	case StatusDelivered:
		urls, err := cleanDeliveryURLs(in.DeliveryURLs)
		if err != nil {
			return nil, err
		}
		next.DeliveryURLs = urls
	case StatusRevisionRequested:
		if order.RevisionCount >= order.MaxRevisions {
			metrics.RecordOrderTransition(string(from), string(in.To), "revision_limit")
			return nil, svcerrors.New(svcerrors.CodeRevisionLimit,
				fmt.Sprintf("all %d revisions have been used", order.MaxRevisions), http.StatusConflict).
				WithDetails("max_revisions", order.MaxRevisions)
		}
	}

	now := s.now()
	next.applyStatus(in.To, now)
	event := &Event{
		ID:        s.newID(),
		OrderID:   order.ID,
		From:      from,
		To:        in.To,
		Actor:     actor,
		ActorID:   actorID,
		Note:      strings.TrimSpace(in.Note),
		CreatedAt: now,
	}

	if err := s.store.UpdateStatus(ctx, &next, from, event); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			metrics.RecordOrderTransition(string(from), string(in.To), "conflict")
			return nil, svcerrors.Conflict("the order changed while you were editing it; reload and try again")
		}
		if errors.Is(err, ErrOrderNotFound) {
			return nil, svcerrors.NotFound("designer order")
		}
		metrics.RecordOrderTransition(string(from), string(in.To), "error")
		return nil, svcerrors.Upstream("database", err)
	}

	metrics.RecordOrderTransition(string(from), string(in.To), "ok")
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id": next.ID,
		"from":     from,
		"to":       in.To,
		"actor":    actor,
	}).Info("designer order transitioned")

	s.notify(ctx, next, *event, next.counterparts(actor))
	return &next, nil
}

// AutoComplete completes orders that have sat in delivered for longer than
// the configured window. It returns how many orders were completed.
func (s *Service) AutoComplete(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.policy.AutoCompleteAfter)
	completed := 0

	for {
		due, err := s.store.ListDeliveredBefore(ctx, cutoff, autoCompleteBatch)
		if err != nil {
			return completed, fmt.Errorf("list delivered orders: %w", err)
		}

		progressed := 0
		for i := range due {
			order := due[i]
			_, err := s.apply(ctx, &order, TransitionInput{To: StatusCompleted, Note: "auto-completed after delivery window"}, ActorSystem, "")
			switch {
			case err == nil:
				completed++
				progressed++
			case svcerrors.IsCode(err, svcerrors.CodeConflict):
				// A participant acted on it first.
			default:
				s.logger.WithContext(ctx).WithError(err).WithField("order_id", order.ID).Warn("auto-complete failed")
			}
		}

		if len(due) < autoCompleteBatch || progressed == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return completed, err
		}
	}

	if completed > 0 {
		s.logger.WithContext(ctx).WithField("count", completed).Info("auto-completed delivered orders")
	}
	return completed, nil
}

// RunAutoComplete adapts AutoComplete to a scheduled job.
func (s *Service) RunAutoComplete(ctx context.Context) error {
	_, err := s.AutoComplete(ctx)
	return err
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Service) load(ctx context.Context, id string) (*Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, svcerrors.NotFound("designer order")
	}
	order, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, svcerrors.NotFound("designer order")
	}
	if err != nil {
		return nil, svcerrors.Upstream("database", err)
	}
	return order, nil
}

func (s *Service) notify(ctx context.Context, order Order, event Event, recipients []string) {
	if s.notifier == nil {
		return
	}
	s.notifier.OrderTransitioned(ctx, order, event, recipients)
}

// participantActors lists the actors caller may act as on order.
func participantActors(order *Order, caller Caller) []Actor {
	if caller.UserID == "" {
		return nil
	}
	var actors []Actor
	if caller.UserID == order.HomeownerID {
		actors = append(actors, ActorHomeowner)
	}
	if caller.UserID == order.DesignerID {
		actors = append(actors, ActorDesigner)
	}
	if caller.IsAdmin() {
		actors = append(actors, ActorAdmin)
	}
	return actors
}

func pickActor(from, to Status, candidates []Actor) (Actor, bool) {
	for _, actor := range candidates {
		if ActorAllowed(from, to, actor) {
			return actor, true
		}
	}
	return "", false
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func cleanDeliveryURLs(raw []string) ([]string, error) {
	var urls []string
	for _, u := range raw {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") || parsed.Host == "" {
			return nil, svcerrors.Validation("delivery_urls", "delivery_urls must be absolute http(s) URLs")
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return nil, svcerrors.Validation("delivery_urls", "at least one delivery URL is required to deliver")
	}
	if len(urls) > maxDeliveryURLs {
		return nil, svcerrors.Validation("delivery_urls", fmt.Sprintf("at most %d delivery URLs", maxDeliveryURLs))
	}
	return urls, nil
}
