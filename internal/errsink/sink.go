// Package errsink decouples error reporting from the readers' hot I/O paths.
// Producers enqueue without blocking; a single drain goroutine turns entries
// into system-stream output events at its own pace.
package errsink

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/LayerDynamics/pytui-sub000/internal/collector"
	"github.com/LayerDynamics/pytui-sub000/internal/event"
)

// DefaultCapacity bounds the sink's queue.
const DefaultCapacity = 256

// Entry is one reported failure: where it happened and what went wrong.
type Entry struct {
	Context string
	Err     error
	At      time.Time
}

// Sink is a bounded queue of (context, error) pairs.
type Sink struct {
	ch chan Entry
}

// New creates a sink with the given capacity. A capacity <= 0 uses
// DefaultCapacity.
func New(capacity int) *Sink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sink{ch: make(chan Entry, capacity)}
}

// Report enqueues an error without blocking. When the queue is full the entry
// is dropped with a one-line diagnostic and Report returns false; the caller
// is never backpressured.
func (s *Sink) Report(source string, err error) bool {
	select {
	case s.ch <- Entry{Context: source, Err: err, At: time.Now()}:
		return true
	default:
		log.Printf("errsink: queue full, dropping [%s] %v", source, err)
		return false
	}
}

// Len reports how many entries are waiting to be drained.
func (s *Sink) Len() int {
	return len(s.ch)
}

// Drain converts queued entries into system-stream output events on the
// collector until the context is cancelled. Remaining entries are flushed on
// the way out so late reports from exiting readers are not lost.
func (s *Sink) Drain(ctx context.Context, col *collector.Collector) {
	for {
		select {
		case <-ctx.Done():
			s.flush(col)
			return
		case entry := <-s.ch:
			emit(col, entry)
		}
	}
}

func (s *Sink) flush(col *collector.Collector) {
	for {
		select {
		case entry := <-s.ch:
			emit(col, entry)
		default:
			return
		}
	}
}

func emit(col *collector.Collector, entry Entry) {
	col.AddOutput(event.OutputEvent{
		Content:   fmt.Sprintf("[%s] %v", entry.Context, entry.Err),
		Stream:    event.StreamSystem,
		Timestamp: float64(entry.At.UnixNano()) / float64(time.Second),
	})
}
