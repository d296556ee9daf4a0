package notify

import (
	"context"
	"sync"

	"github.com/seantiz/kiln/internal/model"
)

// subscriberBufferSize is the channel buffer for each notification subscriber.
// Notifications are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// AllTopic receives every notification and is never closed.
const AllTopic = "*"

// Broker fans notifications out to in-process subscribers, one topic per job
// or sequence id plus AllTopic. It is safe for concurrent use and implements
// Transport.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a job finishes) receive a closed channel instead of
// blocking forever. A marker is replaced when the same id starts again.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan model.Notification
	nextID int
	closed bool
}

// NewBroker creates a new broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Name implements Transport.
func (b *Broker) Name() string { return "broker" }

// Deliver implements Transport. It publishes to AllTopic and to the
// notification's subject, closing the subject's topic on a terminal
// notification. It never fails.
func (b *Broker) Deliver(_ context.Context, n model.Notification) error {
	subject := n.Subject()
	if subject != "" && startsRun(n) {
		b.reopen(subject)
	}
	b.Publish(AllTopic, n)
	if subject == "" {
		return nil
	}
	b.Publish(subject, n)
	if n.Terminal() {
		b.Close(subject)
	}
	return nil
}

// Subscribe returns a channel that receives notifications for the given topic
// and an unsubscribe function. If the topic has already been closed, the
// returned channel is immediately closed.
func (b *Broker) Subscribe(name string) (<-chan model.Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[int]chan model.Notification)}
		b.topics[name] = t
	}

	ch := make(chan model.Notification, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a notification to all subscribers of the given topic.
// Notifications are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(name string, n model.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- n:
		default:
			notificationsDropped.WithLabelValues("subscriber").Inc()
		}
	}
}

// Close signals that no more notifications will be published for the given
// topic. All subscriber channels are closed and future Subscribe calls return
// a closed channel. AllTopic cannot be closed.
func (b *Broker) Close(name string) {
	if name == AllTopic {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		b.topics[name] = &topic{subs: make(map[int]chan model.Notification), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Subscribers returns the number of open subscriptions on a topic.
func (b *Broker) Subscribers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return len(t.subs)
	}
	return 0
}

func (b *Broker) reopen(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok && t.closed {
		delete(b.topics, name)
	}
}

// startsRun reports whether n is the first progress update of a new run.
func startsRun(n model.Notification) bool {
	return n.Kind == model.KindProgress && n.Progress != nil &&
		n.Progress.Status == model.StatusRunning && n.Progress.Progress.Current == 0
}
