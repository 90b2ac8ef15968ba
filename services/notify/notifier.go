package notify

import (
	"context"

	"github.com/tradeloft/marketplace/internal/logging"
	"github.com/tradeloft/marketplace/internal/metrics"
	"github.com/tradeloft/marketplace/services/orders"
)

// DefaultQueueSize bounds the pending notification queue.
const DefaultQueueSize = 256

// EmailLookup resolves a user's email address.
type EmailLookup interface {
	Email(ctx context.Context, userID string) (string, error)
}

type job struct {
	order      orders.Order
	event      orders.Event
	recipients []string
	traceID    string
}

// Notifier emails order participants from a background worker.
type Notifier struct {
	mailer Mailer
	emails EmailLookup
	appURL string
	queue  chan job
	logger *logging.Logger
}

var _ orders.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier. queueSize <= 0 uses DefaultQueueSize.
func NewNotifier(mailer Mailer, emails EmailLookup, appURL string, queueSize int, logger *logging.Logger) *Notifier {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Notifier{
		mailer: mailer,
		emails: emails,
		appURL: appURL,
		queue:  make(chan job, queueSize),
		logger: logger,
	}
}

// OrderTransitioned queues emails for recipients. It never blocks; when
// the queue is full the notification is dropped.
func (n *Notifier) OrderTransitioned(ctx context.Context, order orders.Order, event orders.Event, recipients []string) {
	if len(recipients) == 0 {
		return
	}
	j := job{order: order, event: event, recipients: recipients, traceID: logging.GetTraceID(ctx)}
	select {
	case n.queue <- j:
		metrics.RecordNotification("queued")
	default:
		metrics.RecordNotification("dropped")
		n.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"order_id": order.ID,
			"status":   event.To,
		}).Warn("notification queue full, dropping")
	}
}

// Pending reports queued notifications.
func (n *Notifier) Pending() int { return len(n.queue) }

// Run drains the queue until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-n.queue:
			n.deliver(ctx, j)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, j job) {
	if j.traceID != "" {
		ctx = logging.WithTraceID(ctx, j.traceID)
	}
	log := n.logger.WithContext(ctx).WithField("order_id", j.order.ID)

	msg, err := renderOrderEmail(n.appURL, j.order, j.event)
	if err != nil {
		metrics.RecordNotification("failed")
		log.WithError(err).Error("notification not rendered")
		return
	}

	for _, userID := range j.recipients {
		addr, err := n.emails.Email(ctx, userID)
		if err != nil {
			metrics.RecordNotification("failed")
			log.WithError(err).WithField("recipient", userID).Warn("recipient email lookup failed")
			continue
		}
		if addr == "" {
			metrics.RecordNotification("skipped")
			continue
		}

		msg.To = []string{addr}
		if err := n.mailer.Send(ctx, msg); err != nil {
			metrics.RecordNotification("failed")
			log.WithError(err).WithField("recipient", userID).Warn("notification email failed")
			continue
		}
		metrics.RecordNotification("sent")
	}
}
