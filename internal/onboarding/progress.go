package onboarding

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Reporter receives progress events. Emit must never block the caller.
type Reporter interface {
	Emit(p Progress)
}

// ReporterFunc adapts a function to the Reporter interface
type ReporterFunc func(p Progress)

// Emit calls f(p)
func (f ReporterFunc) Emit(p Progress) {
	f(p)
}

// Subscription is one listener on a request's progress stream
type Subscription struct {
	requestID string
	ch        chan Progress
	broker    *Broker
	once      sync.Once
}

// Events returns the channel of progress events. It is closed after the
// terminal event or when the subscription is cancelled.
func (s *Subscription) Events() <-chan Progress {
	return s.ch
}

// Cancel stops delivery and releases the subscription
func (s *Subscription) Cancel() {
	s.broker.remove(s)
}

// Broker fans progress events out to subscribers keyed by request id.
// Each subscriber has its own buffer; an event that does not fit is dropped
// for that subscriber only, so a slow or departed listener never stalls a
// pipeline. Delivery order per subscriber matches emission order.
type Broker struct {
	mu         sync.RWMutex
	subs       map[string]map[*Subscription]struct{}
	last       map[string]Progress
	bufferSize int
	sinks      []Reporter
	log        *logrus.Logger
}

// NewBroker creates a broker with the given per-subscriber buffer.
// Sinks receive every event after subscribers and must not block.
func NewBroker(bufferSize int, log *logrus.Logger, sinks ...Reporter) *Broker {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Broker{
		subs:       make(map[string]map[*Subscription]struct{}),
		last:       make(map[string]Progress),
		bufferSize: bufferSize,
		sinks:      sinks,
		log:        log,
	}
}

// Subscribe registers a listener for requestID. The latest event, if any,
// is delivered first so late subscribers see the current state.
func (b *Broker) Subscribe(requestID string) *Subscription {
	sub := &Subscription{
		requestID: requestID,
		ch:        make(chan Progress, b.bufferSize),
		broker:    b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if last, ok := b.last[requestID]; ok {
		sub.ch <- last
		if last.Terminal {
			sub.close()
			return sub
		}
	}

	if _, ok := b.subs[requestID]; !ok {
		b.subs[requestID] = make(map[*Subscription]struct{})
	}
	b.subs[requestID][sub] = struct{}{}
	return sub
}

// Emit delivers p to every subscriber of p.RequestID without blocking.
// A terminal event closes the request's subscriptions.
func (b *Broker) Emit(p Progress) {
	b.mu.Lock()
	b.last[p.RequestID] = p
	for sub := range b.subs[p.RequestID] {
		select {
		case sub.ch <- p:
		default:
			b.log.WithFields(logrus.Fields{
				"request_id": p.RequestID,
				"stage":      p.Stage,
				"progress":   p.Percent,
			}).Debug("Dropped progress event for slow subscriber")
		}
	}
	if p.Terminal {
		b.closeLocked(p.RequestID)
	}
	b.mu.Unlock()

	for _, sink := range b.sinks {
		sink.Emit(p)
	}
}

// Last returns the most recent event emitted for requestID
func (b *Broker) Last(requestID string) (Progress, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.last[requestID]
	return p, ok
}

// Forget drops the retained last event for requestID
func (b *Broker) Forget(requestID string) {
	b.mu.Lock()
	delete(b.last, requestID)
	b.mu.Unlock()
}

// SubscriberCount returns the number of live subscriptions for requestID
func (b *Broker) SubscriberCount(requestID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[requestID])
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[sub.requestID]; ok {
		if _, ok := subs[sub]; ok {
			delete(subs, sub)
			sub.close()
		}
		if len(subs) == 0 {
			delete(b.subs, sub.requestID)
		}
	}
}

func (b *Broker) closeLocked(requestID string) {
	for sub := range b.subs[requestID] {
		sub.close()
	}
	delete(b.subs, requestID)
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}
