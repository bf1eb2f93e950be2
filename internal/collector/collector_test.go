package collector

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LayerDynamics/pytui-sub000/internal/event"
)

func callEvent(id uint64) event.CallEvent {
	return event.CallEvent{
		CallID:       id,
		FunctionName: fmt.Sprintf("fn%d", id),
		Filename:     "worker.py",
		LineNo:       10,
		Timestamp:    event.Now(),
	}
}

func TestDeliveryQueueIsFIFO(t *testing.T) {
	c := New(16)

	c.AddOutput(event.OutputEvent{Content: "first", Stream: event.StreamStdout})
	c.AddCall(callEvent(1))
	c.AddOutput(event.OutputEvent{Content: "second", Stream: event.StreamStderr})

	ctx := context.Background()

	env, err := c.GetEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.KindOutput, env.Kind)
	assert.Equal(t, "first", env.Event.(event.OutputEvent).Content)

	env, err = c.GetEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.KindCall, env.Kind)

	env, err = c.GetEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", env.Event.(event.OutputEvent).Content)
}

func TestOutputOrderPreservedWithinStream(t *testing.T) {
	c := New(0)
	for i := 0; i < 50; i++ {
		c.AddOutput(event.OutputEvent{Content: fmt.Sprintf("line %d", i), Stream: event.StreamStdout})
	}

	outputs := c.Outputs()
	require.Len(t, outputs, 50)
	for i, out := range outputs {
		assert.Equal(t, fmt.Sprintf("line %d", i), out.Content)
	}
}

func TestReturnAttributedExactlyOnce(t *testing.T) {
	c := New(16)
	c.AddCall(callEvent(7))

	require.True(t, c.AddReturn(event.ReturnEvent{CallID: 7, FunctionName: "fn7", ReturnValue: "None"}))
	assert.False(t, c.AddReturn(event.ReturnEvent{CallID: 7, FunctionName: "fn7", ReturnValue: "None"}),
		"second return for the same call must be dropped")

	assert.Len(t, c.Returns(), 1)
}

func TestUnmatchedReturnDropped(t *testing.T) {
	c := New(16)

	assert.False(t, c.AddReturn(event.ReturnEvent{CallID: 99, FunctionName: "ghost"}))
	assert.Empty(t, c.Returns())

	// The drop must not appear on the delivery queue either.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.GetEvent(ctx)
	assert.Error(t, err)
}

func TestCallWithoutReturnIsNotAnError(t *testing.T) {
	c := New(16)
	c.AddCall(callEvent(1))
	c.AddCall(callEvent(2))
	require.True(t, c.AddReturn(event.ReturnEvent{CallID: 2, FunctionName: "fn2"}))

	assert.Len(t, c.Calls(), 2)
	assert.Len(t, c.Returns(), 1, "call 1 stays open")
}

func TestClearEmptiesSequencesAndQueue(t *testing.T) {
	c := New(16)
	c.AddOutput(event.OutputEvent{Content: "x", Stream: event.StreamStdout})
	c.AddCall(callEvent(1))
	c.AddReturn(event.ReturnEvent{CallID: 1})
	c.AddException(event.ExceptionEvent{ExceptionType: "ValueError"})

	c.Clear()

	outputs, calls, returns, exceptions := c.Counts()
	assert.Zero(t, outputs)
	assert.Zero(t, calls)
	assert.Zero(t, returns)
	assert.Zero(t, exceptions)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.GetEvent(ctx)
	assert.Error(t, err, "queue must be drained")
}

func TestClearResetsCallAttribution(t *testing.T) {
	c := New(16)
	c.AddCall(callEvent(5))
	c.Clear()

	// The old run's call ids are gone; a return for one is now unmatched.
	assert.False(t, c.AddReturn(event.ReturnEvent{CallID: 5}))
}

func TestPendingWaiterSurvivesClear(t *testing.T) {
	c := New(16)

	got := make(chan Envelope, 1)
	go func() {
		env, err := c.GetEvent(context.Background())
		if err == nil {
			got <- env
		}
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter block
	c.Clear()

	select {
	case <-got:
		t.Fatal("clear must not satisfy a pending waiter with a spurious event")
	case <-time.After(50 * time.Millisecond):
	}

	c.AddOutput(event.OutputEvent{Content: "after clear", Stream: event.StreamSystem})
	select {
	case env := <-got:
		assert.Equal(t, "after clear", env.Event.(event.OutputEvent).Content)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke after a post-clear event")
	}
}

func TestConcurrentProducers(t *testing.T) {
	c := New(4096)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.AddOutput(event.OutputEvent{
					Content: fmt.Sprintf("p%d-%d", p, i),
					Stream:  event.StreamStdout,
				})
			}
		}(p)
	}
	wg.Wait()

	assert.Len(t, c.Outputs(), 400)
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	c := New(2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			c.AddOutput(event.OutputEvent{Content: "x", Stream: event.StreamStdout})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer blocked on a full delivery queue")
	}

	// The sequence still holds every event even though the queue dropped some.
	assert.Len(t, c.Outputs(), 10)
}
