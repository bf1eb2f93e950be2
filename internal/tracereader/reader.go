// Package tracereader tails the IPC trace channel the worker's
// instrumentation agent writes to: a shared append-only file of
// newline-delimited JSON records. The agent may start writing well after the
// reader starts watching, so readiness is a bounded retry loop with backoff,
// not a single check.
package tracereader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/LayerDynamics/pytui-sub000/internal/collector"
	"github.com/LayerDynamics/pytui-sub000/internal/errsink"
	"github.com/LayerDynamics/pytui-sub000/internal/filter"
)

const (
	// DefaultPollInterval paces the tail loop between fsnotify wake-ups.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultRetryAttempts bounds the initial channel-liveness wait.
	DefaultRetryAttempts = 20
	// DefaultRetryDelay is the initial backoff step of the liveness wait.
	DefaultRetryDelay = 50 * time.Millisecond

	maxRetryDelay = time.Second
)

// Config holds the reader's tuning knobs.
type Config struct {
	Path          string
	PollInterval  time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
}

// Reader tails one trace channel file for the lifetime of one worker run.
// Consumption is offset-based: content already parsed is never re-read, so
// the retry loop cannot duplicate events.
type Reader struct {
	cfg     Config
	col     *collector.Collector
	sink    *errsink.Sink
	paused  *atomic.Bool
	filter  *filter.CallFilter
	offset  int64
	pending []byte // partial trailing line carried between reads
}

// New creates a reader for one run. The paused flag is shared with the
// supervisor; the filter may be nil.
func New(cfg Config, col *collector.Collector, sink *errsink.Sink, paused *atomic.Bool, f *filter.CallFilter) *Reader {
	cfg.withDefaults()
	return &Reader{
		cfg:    cfg,
		col:    col,
		sink:   sink,
		paused: paused,
		filter: f,
	}
}

// Run tails the channel until the context is cancelled, then performs a final
// drain and removes the channel file. It never returns an error across the
// supervisor boundary; all failure detail goes through the error sink.
func (r *Reader) Run(ctx context.Context) {
	// fsnotify cuts tail latency when it works; the poll ticker remains the
	// authoritative schedule either way.
	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(filepath.Dir(r.cfg.Path)); werr == nil {
			events = watcher.Events
		}
		defer watcher.Close()
	}

	r.awaitChannel(ctx, events)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.consume()
			r.flushPending()
			r.cleanup()
			return
		case <-ticker.C:
			r.consume()
		case ev, ok := <-events:
			if ok && ev.Name == r.cfg.Path {
				r.consume()
			}
		}
	}
}

// awaitChannel waits for the channel file to exist and hold data, retrying
// with multiplicative backoff. Exhausting the attempts is reported but not
// fatal: the tail loop keeps polling, so late data is still picked up.
func (r *Reader) awaitChannel(ctx context.Context, events chan fsnotify.Event) {
	delay := r.cfg.RetryDelay
	// Only an elapsed backoff step consumes an attempt; wake-ups for other
	// files in the directory just trigger a recheck.
	for attempt := 0; attempt < r.cfg.RetryAttempts; {
		if info, err := os.Stat(r.cfg.Path); err == nil && info.Size() > 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			attempt++
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		}
	}
	r.sink.Report("trace", fmt.Errorf("channel %s still empty after %d attempts", r.cfg.Path, r.cfg.RetryAttempts))
}

// consume reads any bytes appended since the last read and parses the
// complete lines among them.
func (r *Reader) consume() {
	f, err := os.Open(r.cfg.Path)
	if err != nil {
		return // not created yet, or already removed
	}
	defer f.Close()

	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		r.sink.Report("trace", fmt.Errorf("seek to %d: %w", r.offset, err))
		return
	}
	data, err := io.ReadAll(f)
	if err != nil {
		r.sink.Report("trace", fmt.Errorf("read channel: %w", err))
		return
	}
	if len(data) == 0 {
		return
	}
	r.offset += int64(len(data))

	buf := append(r.pending, data...)
	idx := bytes.LastIndexByte(buf, '\n')
	if idx < 0 {
		r.pending = buf
		return
	}
	r.pending = append([]byte(nil), buf[idx+1:]...)
	r.parseBatch(bytes.Split(buf[:idx], []byte{'\n'}))
}

// flushPending parses a trailing unterminated line during the final drain.
func (r *Reader) flushPending() {
	if len(r.pending) == 0 {
		return
	}
	r.parseBatch([][]byte{r.pending})
	r.pending = nil
}

// parseBatch classifies and forwards one batch of lines. Malformed lines are
// counted and reported, never raised. A batch that recognized zero calls gets
// one best-effort fallback scan over its failed lines.
func (r *Reader) parseBatch(lines [][]byte) {
	var malformed, calls int
	var failed [][]byte

	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			malformed++
			failed = append(failed, line)
			continue
		}
		rec := parseLine(line)
		switch rec.outcome {
		case outcomeMalformed:
			malformed++
			failed = append(failed, line)
		case outcomeSkipped:
			// unknown type or missing required fields
		case outcomeCall:
			calls++
			r.forwardCall(rec)
		case outcomeReturn:
			r.forwardReturn(rec)
		case outcomeException:
			r.forwardException(rec)
		}
	}

	if calls == 0 && len(failed) > 0 {
		r.fallbackScan(failed)
	}
	if malformed > 0 {
		r.sink.Report("trace", fmt.Errorf("%d malformed line(s) skipped", malformed))
	}
}

// fallbackScan tries to salvage call records from lines that failed strict
// parsing, by trimming leading garbage up to the first JSON-object marker.
// This is a safety net for channel start-up races; it must never panic.
func (r *Reader) fallbackScan(failed [][]byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.sink.Report("trace", fmt.Errorf("fallback scan: %v", rec))
		}
	}()

	for _, line := range failed {
		s := string(line)
		if !strings.Contains(s, `"type": "call"`) && !strings.Contains(s, `"type":"call"`) {
			continue
		}
		idx := strings.IndexByte(s, '{')
		if idx < 0 {
			continue
		}
		if rec := parseLine([]byte(s[idx:])); rec.outcome == outcomeCall {
			r.forwardCall(rec)
		}
	}
}

func (r *Reader) forwardCall(rec record) {
	if r.paused != nil && r.paused.Load() {
		return
	}
	if !r.filter.Match(rec.call) {
		return
	}
	r.col.AddCall(*rec.call)
}

func (r *Reader) forwardReturn(rec record) {
	if r.paused != nil && r.paused.Load() {
		return
	}
	if !r.col.AddReturn(*rec.ret) {
		r.sink.Report("trace", fmt.Errorf("return for unknown call_id %d dropped", rec.ret.CallID))
	}
}

func (r *Reader) forwardException(rec record) {
	if r.paused != nil && r.paused.Load() {
		return
	}
	r.col.AddException(*rec.exc)
}

// cleanup releases the channel resource on reader shutdown.
func (r *Reader) cleanup() {
	if err := os.Remove(r.cfg.Path); err != nil && !os.IsNotExist(err) {
		r.sink.Report("trace", fmt.Errorf("remove channel: %w", err))
	}
}
