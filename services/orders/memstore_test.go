package orders

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store used by the service and handler tests.
type memStore struct {
	mu        sync.Mutex
	orders    map[string]Order
	events    map[string][]Event
	failWrite error
	// beforeUpdate runs inside UpdateStatus before the compare, letting a
	// test simulate a concurrent writer.
	beforeUpdate func(o *Order)
}

func newMemStore() *memStore {
	return &memStore{orders: map[string]Order{}, events: map[string][]Event{}}
}

func (m *memStore) CreateOrder(_ context.Context, order *Order, created *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	m.orders[order.ID] = *order
	m.events[order.ID] = append(m.events[order.ID], *created)
	return nil
}

func (m *memStore) GetOrder(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &o, nil
}

func (m *memStore) ListOrders(_ context.Context, f ListFilter) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if f.ParticipantID != "" && o.HomeownerID != f.ParticipantID && o.DesignerID != f.ParticipantID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) UpdateStatus(_ context.Context, order *Order, from Status, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	cur, ok := m.orders[order.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if m.beforeUpdate != nil {
		m.beforeUpdate(&cur)
		m.orders[order.ID] = cur
	}
	if cur.Status != from {
		return ErrStaleStatus
	}
	m.orders[order.ID] = *order
	m.events[order.ID] = append(m.events[order.ID], *event)
	return nil
}

func (m *memStore) ListEvents(_ context.Context, orderID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events[orderID]...), nil
}

func (m *memStore) ListDeliveredBefore(_ context.Context, cutoff time.Time, limit int) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if o.Status == StatusDelivered && o.DeliveredAt != nil && o.DeliveredAt.Before(cutoff) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeliveredAt.Before(*out[j].DeliveredAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// put stores o directly, bypassing the service.
func (m *memStore) put(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
}

type notification struct {
	order      Order
	event      Event
	recipients []string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) OrderTransitioned(_ context.Context, order Order, event Event, recipients []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{order: order, event: event, recipients: recipients})
}

func (n *recordingNotifier) last() notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return notification{}
	}
	return n.sent[len(n.sent)-1]
}
