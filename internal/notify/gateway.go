// Package notify reports job and sequence progress to callers. The Gateway
// accepts notifications without blocking and a single delivery worker hands
// them to each Transport in order. Transport failures are logged and counted
// but never reach the code that emitted the notification.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

// DefaultQueueSize bounds the number of undelivered notifications.
const DefaultQueueSize = 256

// drainTimeout bounds delivery of queued notifications after shutdown starts.
const drainTimeout = 5 * time.Second

// Transport delivers a notification to one destination.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, n model.Notification) error
}

// Options configures a Gateway.
type Options struct {
	QueueSize int
	Retry     RetryPolicy
}

// Gateway is the fire-and-forget notification entry point.
type Gateway struct {
	queue      chan model.Notification
	transports []Transport
	retry      RetryPolicy
	logger     *slog.Logger
}

// NewGateway creates a Gateway delivering to the given transports.
func NewGateway(logger *slog.Logger, opts Options, transports ...Transport) *Gateway {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Gateway{
		queue:      make(chan model.Notification, opts.QueueSize),
		transports: transports,
		retry:      opts.Retry.normalized(),
		logger:     logger,
	}
}

// NotifyProgress reports a progress update.
func (g *Gateway) NotifyProgress(p model.ProgressUpdate) {
	g.enqueue(model.Notification{Kind: model.KindProgress, Progress: &p})
}

// NotifyError reports an error notice.
func (g *Gateway) NotifyError(e model.ErrorNotice) {
	g.enqueue(model.Notification{Kind: model.KindError, Error: &e})
}

// NotifyComplete reports a completion notice.
func (g *Gateway) NotifyComplete(c model.CompletionNotice) {
	g.enqueue(model.Notification{Kind: model.KindComplete, Completion: &c})
}

func (g *Gateway) enqueue(n model.Notification) {
	n.ID = model.NewID()
	n.CreatedAt = time.Now().UTC()
	select {
	case g.queue <- n:
		notificationsEnqueued.WithLabelValues(n.Kind).Inc()
	default:
		notificationsDropped.WithLabelValues("queue_full").Inc()
		g.logger.Warn("notification queue full, dropping",
			"kind", n.Kind, "subject", n.Subject(), "notification_id", n.ID)
	}
}

// Pending returns the number of queued, undelivered notifications.
func (g *Gateway) Pending() int {
	return len(g.queue)
}

// Run delivers queued notifications until ctx is cancelled, then makes a
// bounded attempt to deliver whatever is still queued.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		select {
		case n := <-g.queue:
			g.deliver(ctx, n)
		case <-ctx.Done():
			g.drain()
			return nil
		}
	}
}

func (g *Gateway) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case n := <-g.queue:
			g.deliver(ctx, n)
		default:
			return
		}
	}
}

func (g *Gateway) deliver(ctx context.Context, n model.Notification) {
	for _, t := range g.transports {
		err := g.retry.Do(ctx, func(ctx context.Context) error {
			return t.Deliver(ctx, n)
		})
		if err != nil {
			notificationsFailed.WithLabelValues(t.Name()).Inc()
			g.logger.Error("notification delivery failed",
				"transport", t.Name(),
				"kind", n.Kind,
				"subject", n.Subject(),
				"notification_id", n.ID,
				"error", err,
			)
			continue
		}
		notificationsDelivered.WithLabelValues(t.Name()).Inc()
	}
}
