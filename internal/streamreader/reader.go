// Package streamreader drains one OS pipe (stdout or stderr) of the worker
// process into the collector, one OutputEvent per line.
package streamreader

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"strings"
	"sync/atomic"

	"github.com/LayerDynamics/pytui-sub000/internal/collector"
	"github.com/LayerDynamics/pytui-sub000/internal/errsink"
	"github.com/LayerDynamics/pytui-sub000/internal/event"
)

// Reader tails a single pipe. One instance exists per stream; a failure in
// one never affects the other.
type Reader struct {
	stream event.Stream
	src    io.Reader
	col    *collector.Collector
	sink   *errsink.Sink
	paused *atomic.Bool
}

// New creates a reader for the named stream. The paused flag is shared with
// the supervisor; while set, freshly read lines are discarded instead of
// forwarded.
func New(stream event.Stream, src io.Reader, col *collector.Collector, sink *errsink.Sink, paused *atomic.Bool) *Reader {
	return &Reader{
		stream: stream,
		src:    src,
		col:    col,
		sink:   sink,
		paused: paused,
	}
}

// Run reads lines until EOF or error. Partial lines are buffered across reads
// by the underlying bufio.Reader; an unterminated final line is still
// emitted. The supervisor unblocks a pending read by terminating the worker,
// which closes the pipe.
//
// Run is meant to be launched as a goroutine; it never panics and never
// returns an error across the supervisor boundary.
func (r *Reader) Run() {
	br := bufio.NewReader(r.src)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			r.emit(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				r.sink.Report(string(r.stream), err)
			}
			return
		}
	}
}

func (r *Reader) emit(content string) {
	if r.paused != nil && r.paused.Load() {
		return
	}
	r.col.AddOutput(event.OutputEvent{
		Content:   content,
		Stream:    r.stream,
		Timestamp: event.Now(),
	})
}
