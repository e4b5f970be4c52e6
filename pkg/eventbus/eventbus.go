package eventbus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tradefresh/quote-engine/pkg/model"
)

// Handler receives one domain event.
type Handler func(event model.Event)

// EventBus fans a domain event out to the listeners subscribed to any of its
// topics at publish time. Each listener gets its own unbounded ordered queue
// drained by one goroutine, so Publish never blocks and never drops.
// Nothing is persisted: a listener that subscribes later misses the event.
type EventBus struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]*subscription
	nextID atomic.Uint64
	logger *zap.Logger
}

type subscription struct {
	id      uint64
	topics  []string
	handler Handler
	logger  *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []model.Event
	closed bool
	done   chan struct{}
}

// New creates a new EventBus.
func New(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		topics: make(map[string]map[uint64]*subscription),
		logger: logger,
	}
}

// Subscribe registers handler on every listed topic as a single listener and
// returns a func that removes it. Events already queued for the listener are
// still delivered before the func returns. Subscribing to model.TopicAll
// receives every event.
func (e *EventBus) Subscribe(handler Handler, topics ...string) (unsubscribe func()) {
	sub := &subscription{
		id:      e.nextID.Add(1),
		topics:  topics,
		handler: handler,
		logger:  e.logger,
		done:    make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	e.mu.Lock()
	for _, t := range topics {
		if e.topics[t] == nil {
			e.topics[t] = make(map[uint64]*subscription)
		}
		e.topics[t][sub.id] = sub
	}
	e.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			for _, t := range sub.topics {
				delete(e.topics[t], sub.id)
				if len(e.topics[t]) == 0 {
					delete(e.topics, t)
				}
			}
			e.mu.Unlock()
			sub.close()
			<-sub.done
		})
	}
}

func (s *subscription) push(ev model.Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			s.deliver(ev)
		}
	}
}

func (s *subscription) deliver(ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("eventbus.listener_panic",
				zap.Uint64("listener", s.id),
				zap.String("event_type", string(ev.Type)),
				zap.String("event_id", ev.ID.String()),
				zap.Any("panic", r))
		}
	}()
	s.handler(ev)
}

// Publish queues event for each listener on any of topics, once per listener
// even when it is subscribed to several of them. Delivery is asynchronous.
func (e *EventBus) Publish(event model.Event, topics ...string) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, sub := range e.collect(topics) {
		sub.push(event)
	}
}

func (e *EventBus) collect(topics []string) []*subscription {
	seen := make(map[uint64]struct{})
	var out []*subscription
	add := func(t string) {
		for id, sub := range e.topics[t] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, sub)
		}
	}
	for _, t := range topics {
		add(t)
	}
	add(model.TopicAll)
	return out
}

// HasSubscribers returns true if anyone listens on topic.
func (e *EventBus) HasSubscribers(topic string) bool {
	return e.SubscriberCount(topic) > 0
}

// SubscriberCount returns the number of listeners on topic.
func (e *EventBus) SubscriberCount(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.topics[topic])
}
