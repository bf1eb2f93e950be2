package errsink

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LayerDynamics/pytui-sub000/internal/collector"
	"github.com/LayerDynamics/pytui-sub000/internal/event"
)

func TestReportNeverBlocks(t *testing.T) {
	s := New(2)

	assert.True(t, s.Report("stdout", errors.New("boom")))
	assert.True(t, s.Report("stderr", errors.New("boom")))

	done := make(chan bool, 1)
	go func() {
		done <- s.Report("trace", errors.New("overflow"))
	}()

	select {
	case accepted := <-done:
		assert.False(t, accepted, "a full sink must drop, not block")
	case <-time.After(time.Second):
		t.Fatal("Report blocked on a full sink")
	}
}

func TestDrainEmitsSystemOutputEvents(t *testing.T) {
	s := New(8)
	col := collector.New(16)

	s.Report("trace", fmt.Errorf("3 malformed line(s) skipped"))
	s.Report("stderr", errors.New("read: broken pipe"))

	ctx, cancel := context.WithCancel(context.Background())
	drained := make(chan struct{})
	go func() {
		s.Drain(ctx, col)
		close(drained)
	}()

	require.Eventually(t, func() bool {
		return len(col.Outputs()) == 2
	}, time.Second, 10*time.Millisecond)

	outputs := col.Outputs()
	assert.Equal(t, event.StreamSystem, outputs[0].Stream)
	assert.Contains(t, outputs[0].Content, "[trace]")
	assert.Contains(t, outputs[0].Content, "malformed")
	assert.Contains(t, outputs[1].Content, "broken pipe")

	cancel()
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("Drain did not stop on context cancellation")
	}
}

func TestDrainFlushesPendingEntriesOnShutdown(t *testing.T) {
	s := New(8)
	col := collector.New(16)

	s.Report("monitor", errors.New("late report"))

	// Context is already cancelled: Drain must still flush what is queued.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Drain(ctx, col)

	require.Len(t, col.Outputs(), 1)
	assert.Contains(t, col.Outputs()[0].Content, "late report")
	assert.Zero(t, s.Len())
}
