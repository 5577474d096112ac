// Package changestream fans out commit-time document events to in-process
// subscribers. Grounded on spec §4.7: one dispatcher per engine, an unbounded
// consumer queue decoupling publish from fan-out, and per-subscriber sinks so
// a slow subscriber never blocks the writer or another subscriber. The sink's
// wait/signal shape is grounded on the teacher's concurrency/lock.go
// recordLock, which already uses a sync.Cond to park a waiter until another
// goroutine makes progress (here: until an event is pushed or the
// subscription is closed).
package changestream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foliadb/foliadb/errs"
)

// Op identifies the kind of document mutation an Event reports.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is one committed document mutation. Payload is nil unless at least
// one subscriber on Collection asked for it (Dispatcher.WantsPayload), so
// document stores can skip the decode/copy when nobody is watching payloads.
type Event struct {
	Collection string
	Op         Op
	DocID      []byte
	Payload    []byte
	TxnID      uint64
	LSN        uint64
	Timestamp  time.Time
}

// Dispatcher is a single in-process change-stream instance. Publish is
// wait-free from the writer's perspective: it appends to an internal
// unbounded queue and returns, leaving fan-out to the consumer goroutine
// started by Start.
type Dispatcher struct {
	logger zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool

	subMu       sync.RWMutex
	subs        map[string]map[uint64]*subscription
	payloadRefs map[string]int
	nextID      uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Dispatcher. Call Start to launch its consumer goroutine.
func New(logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		logger:      logger,
		subs:        make(map[string]map[uint64]*subscription),
		payloadRefs: make(map[string]int),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the background fan-out consumer. Safe to call at most once.
func (d *Dispatcher) Start() { go d.loop() }

// Stop cancels the consumer and drops any events still queued for fan-out,
// per §4.7 "dispose of the dispatcher cancels the consumer task and drops
// remaining events." Closes every live subscription's sink afterward so
// blocked Next callers unblock with an error rather than hanging forever.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.queue = nil
		d.cond.Broadcast()
		d.mu.Unlock()
		close(d.stopCh)
	})
	<-d.doneCh

	d.subMu.Lock()
	for _, byID := range d.subs {
		for _, s := range byID {
			s.sink.close()
		}
	}
	d.subs = make(map[string]map[uint64]*subscription)
	d.payloadRefs = make(map[string]int)
	d.subMu.Unlock()
}

func (d *Dispatcher) loop() {
	defer close(d.doneCh)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		e := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.fanOut(e)
	}
}

func (d *Dispatcher) fanOut(e Event) {
	d.subMu.RLock()
	byID := d.subs[e.Collection]
	targets := make([]*subscription, 0, len(byID))
	for _, s := range byID {
		targets = append(targets, s)
	}
	d.subMu.RUnlock()

	for _, s := range targets {
		ev := e
		if !s.capturePayload {
			ev.Payload = nil
		}
		s.sink.push(ev)
	}
}

// Publish enqueues e for fan-out. Called by the document store once a
// transaction's commit (and, for read-committed visibility, its checkpoint
// materialization) has landed. Never blocks on subscriber delivery.
func (d *Dispatcher) Publish(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, e)
	d.cond.Signal()
}

// WantsPayload reports whether any live subscriber on collection asked for
// payload capture, letting callers skip an otherwise wasted copy/decode.
func (d *Dispatcher) WantsPayload(collection string) bool {
	d.subMu.RLock()
	defer d.subMu.RUnlock()
	return d.payloadRefs[collection] > 0
}

// Subscribe registers a new subscription on collection. capturePayload
// requests that events include the document payload; when false, Payload is
// always nil on delivered events.
func (d *Dispatcher) Subscribe(collection string, capturePayload bool) *Subscription {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	d.nextID++
	sub := &subscription{
		id:             d.nextID,
		collection:     collection,
		capturePayload: capturePayload,
		sink:           newSink(),
	}
	if d.subs[collection] == nil {
		d.subs[collection] = make(map[uint64]*subscription)
	}
	d.subs[collection][sub.id] = sub
	if capturePayload {
		d.payloadRefs[collection]++
	}
	return &Subscription{dispatcher: d, impl: sub}
}

func (d *Dispatcher) unsubscribe(sub *subscription) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	byID, ok := d.subs[sub.collection]
	if !ok || byID[sub.id] == nil {
		// Already closed (or dropped by Stop): nothing left to release.
		sub.sink.close()
		return
	}
	delete(byID, sub.id)
	if len(byID) == 0 {
		delete(d.subs, sub.collection)
	}
	if sub.capturePayload {
		d.payloadRefs[sub.collection]--
	}
	sub.sink.close()
}

// Subscription is the caller-facing handle returned by Subscribe.
type Subscription struct {
	dispatcher *Dispatcher
	impl       *subscription
}

// Next blocks until an event is available, ctx is canceled, or the
// subscription is closed (by Close or by Dispatcher.Stop).
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	return s.impl.sink.next(ctx)
}

// Close removes the subscription from its dispatcher. Idempotent.
func (s *Subscription) Close() {
	s.dispatcher.unsubscribe(s.impl)
}

type subscription struct {
	id             uint64
	collection     string
	capturePayload bool
	sink           *sink
}

// sink is one subscriber's unbounded event queue. Modeled on
// concurrency.LockManager's recordLock: a mutex-guarded slice with a
// sync.Cond standing in for the channel a bounded design would use, so a
// slow consumer accumulates backlog in its own sink instead of blocking the
// dispatcher loop or any other subscriber.
type sink struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

func newSink() *sink {
	s := &sink{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *sink) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *sink) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// next waits for an event, honoring ctx cancellation. sync.Cond has no
// native context support, so a helper goroutine broadcasts when ctx is done,
// waking any Wait blocked on this sink.
func (s *sink) next(ctx context.Context) (Event, error) {
	if ctx != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.cond.Broadcast()
				s.mu.Unlock()
			case <-done:
			}
		}()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		if ctx != nil && ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return Event{}, errs.ErrClosed
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, nil
}
