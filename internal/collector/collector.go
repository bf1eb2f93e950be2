// Package collector aggregates events from the concurrent readers and fans
// them out to a single consumer through a FIFO delivery queue. It is the only
// state in the pipeline mutated by more than one goroutine.
package collector

import (
	"context"
	"log"
	"sync"

	"github.com/LayerDynamics/pytui-sub000/internal/event"
)

// DefaultQueueSize bounds the delivery queue. Producers never block on a full
// queue; the overflowing event is dropped with a diagnostic instead.
const DefaultQueueSize = 4096

// Envelope is one delivery-queue item: an event tagged with its kind.
type Envelope struct {
	Kind  event.Kind
	Event any
}

// Collector owns four ordered sequences (outputs, calls, returns, exceptions)
// plus the delivery queue. Insertion order within each sequence is preserved.
// All Add methods are safe to call concurrently.
type Collector struct {
	mu         sync.Mutex
	outputs    []event.OutputEvent
	calls      []event.CallEvent
	returns    []event.ReturnEvent
	exceptions []event.ExceptionEvent

	callIndex map[uint64]int  // call_id -> index into calls
	returned  map[uint64]bool // call_ids with an attributed return

	queue chan Envelope
}

// New creates a collector with the given delivery-queue capacity.
// A capacity <= 0 uses DefaultQueueSize.
func New(queueSize int) *Collector {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Collector{
		callIndex: make(map[uint64]int),
		returned:  make(map[uint64]bool),
		queue:     make(chan Envelope, queueSize),
	}
}

// AddOutput appends an output line and queues it for delivery.
func (c *Collector) AddOutput(ev event.OutputEvent) {
	c.mu.Lock()
	c.outputs = append(c.outputs, ev)
	c.mu.Unlock()
	c.deliver(Envelope{Kind: event.KindOutput, Event: ev})
}

// AddCall appends a call record and queues it for delivery. The agent-assigned
// call id is preserved verbatim.
func (c *Collector) AddCall(ev event.CallEvent) {
	c.mu.Lock()
	if _, dup := c.callIndex[ev.CallID]; !dup {
		c.callIndex[ev.CallID] = len(c.calls)
	}
	c.calls = append(c.calls, ev)
	c.mu.Unlock()
	c.deliver(Envelope{Kind: event.KindCall, Event: ev})
}

// AddReturn attributes a return to a previously ingested call. It reports
// false, without appending, when no matching call exists or the call already
// has a return; the caller decides whether the drop is worth reporting.
func (c *Collector) AddReturn(ev event.ReturnEvent) bool {
	c.mu.Lock()
	if _, ok := c.callIndex[ev.CallID]; !ok || c.returned[ev.CallID] {
		c.mu.Unlock()
		return false
	}
	c.returned[ev.CallID] = true
	c.returns = append(c.returns, ev)
	c.mu.Unlock()
	c.deliver(Envelope{Kind: event.KindReturn, Event: ev})
	return true
}

// AddException appends an exception record and queues it for delivery.
func (c *Collector) AddException(ev event.ExceptionEvent) {
	c.mu.Lock()
	c.exceptions = append(c.exceptions, ev)
	c.mu.Unlock()
	c.deliver(Envelope{Kind: event.KindException, Event: ev})
}

// deliver pushes onto the delivery queue without ever blocking a producer.
func (c *Collector) deliver(env Envelope) {
	select {
	case c.queue <- env:
	default:
		log.Printf("collector: delivery queue full, dropping %s event", env.Kind)
	}
}

// GetEvent pops the next queued envelope in FIFO order, blocking until one is
// available or the context is cancelled. This is the pipeline's only intended
// suspension point for a consumer.
func (c *Collector) GetEvent(ctx context.Context) (Envelope, error) {
	select {
	case env := <-c.queue:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Clear truncates all sequences and drains the queue. A consumer blocked in
// GetEvent stays pending; no sentinel is emitted and the queue is never
// closed.
func (c *Collector) Clear() {
	c.mu.Lock()
	c.outputs = nil
	c.calls = nil
	c.returns = nil
	c.exceptions = nil
	c.callIndex = make(map[uint64]int)
	c.returned = make(map[uint64]bool)
	c.mu.Unlock()

	for {
		select {
		case <-c.queue:
		default:
			return
		}
	}
}

// Outputs returns a copy of the ordered output sequence.
func (c *Collector) Outputs() []event.OutputEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.OutputEvent, len(c.outputs))
	copy(out, c.outputs)
	return out
}

// Calls returns a copy of the ordered call sequence.
func (c *Collector) Calls() []event.CallEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.CallEvent, len(c.calls))
	copy(out, c.calls)
	return out
}

// Returns returns a copy of the ordered return sequence.
func (c *Collector) Returns() []event.ReturnEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.ReturnEvent, len(c.returns))
	copy(out, c.returns)
	return out
}

// Exceptions returns a copy of the ordered exception sequence.
func (c *Collector) Exceptions() []event.ExceptionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.ExceptionEvent, len(c.exceptions))
	copy(out, c.exceptions)
	return out
}

// Counts reports the lengths of the four sequences, for one-shot inspection.
func (c *Collector) Counts() (outputs, calls, returns, exceptions int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outputs), len(c.calls), len(c.returns), len(c.exceptions)
}
