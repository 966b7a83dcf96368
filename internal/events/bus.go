// Package events fans out connection lifecycle and heart-rate events to
// any number of subscribers without blocking the publisher.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/gohrm/internal/hrm"
)

// Type identifies an event.
type Type string

const (
	Connected     Type = "connected"
	Disconnected  Type = "disconnected"
	ServicesReady Type = "services_ready"
	SampleDecoded Type = "sample_decoded"
	DecodeFailed  Type = "decode_failed"
	Reconnecting  Type = "reconnecting"
	GaveUp        Type = "gave_up"
	Unsupported   Type = "unsupported"
)

// Event is a single broadcast. Only the fields relevant to Type are set.
type Event struct {
	Type    Type
	Time    time.Time
	Address string
	Sample  hrm.Sample    // SampleDecoded
	Err     error         // DecodeFailed, GaveUp, Unsupported, Disconnected
	Attempt int           // Reconnecting, GaveUp
	Delay   time.Duration // Reconnecting
}

// Handler receives events. It runs on the subscriber's own goroutine.
type Handler func(Event)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(Event)
}

// Bus is an in-process, goroutine-safe event bus. Each subscriber has an
// unbounded FIFO mailbox drained by a dedicated goroutine, so Publish
// never blocks and per-subscriber ordering is preserved.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscriber
	nextID atomic.Uint64
	closed atomic.Bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates an event bus. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

type subscriber struct {
	id      uint64
	handler Handler
	types   map[Type]struct{} // empty means all

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	stopped bool // unsubscribed: drop queue, exit now
	closing bool // bus closed: drain queue, then exit
}

func (s *subscriber) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if !s.stopped && !s.closing {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) drainAndStop() {
	s.mu.Lock()
	s.closing = true
	s.cond.Signal()
	s.mu.Unlock()
}

// next blocks until an event is available. ok is false when the
// subscriber should exit.
func (s *subscriber) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.stopped && !s.closing {
		s.cond.Wait()
	}
	if s.stopped || len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return ev, true
}

func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	for {
		ev, ok := s.next()
		if !ok {
			return
		}
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(ev.Type),
				"panic", r,
			)
		}
	}()
	s.handler(ev)
}

// Subscribe registers handler for the given event types, or for every
// event when none are given. The returned function unsubscribes; it is
// idempotent and safe to call from inside the handler. Events still queued
// for the subscriber are discarded on unsubscribe.
func (b *Bus) Subscribe(handler Handler, types ...Type) (unsubscribe func()) {
	s := &subscriber{
		id:      b.nextID.Add(1),
		handler: handler,
		types:   make(map[Type]struct{}, len(types)),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, t := range types {
		s.types[t] = struct{}{}
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for i, sub := range b.subs {
				if sub.id == s.id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			s.stop()
		})
	}
}

// Publish enqueues ev for every matching subscriber registered right now.
// A zero Time is filled with the current time. Publish never blocks on
// handlers and is a no-op after Close.
func (b *Bus) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if !s.wants(ev.Type) {
			continue
		}
		e := ev
		if e.Type == SampleDecoded {
			e.Sample = ev.Sample.Clone()
		}
		s.push(e)
	}
}

// Len returns the number of registered subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops accepting events, lets every mailbox drain and waits for the
// subscriber goroutines to exit. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed.Swap(true) {
		b.mu.Unlock()
		return
	}
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.drainAndStop()
	}
	b.wg.Wait()
}
