package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func collect(ch <-chan Event, n int, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case evt, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, evt)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	defer bus.Close()

	ch := bus.Subscribe("wf-1", 8)
	bus.Publish(Event{Type: EventWorkflowStarted, WorkflowID: "wf-1", Message: "started"})
	bus.Publish(Event{Type: EventTaskStarted, WorkflowID: "wf-1"})

	events := collect(ch, 2, time.Second)
	require.Len(t, events, 2)
	assert.Equal(t, EventWorkflowStarted, events[0].Type)
	assert.Equal(t, uint64(0), events[0].Seq)
	assert.Equal(t, uint64(1), events[1].Seq)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestSubscriberIsolationByWorkflow(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	defer bus.Close()

	ch := bus.Subscribe("wf-1", 8)
	bus.Publish(Event{Type: EventLog, WorkflowID: "wf-2"})

	events := collect(ch, 1, 100*time.Millisecond)
	assert.Empty(t, events)
}

func TestReplayThenLive(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventTaskProgress, WorkflowID: "wf-1"})
	}

	ch := bus.SubscribeWithReplay("wf-1", 0, 8)
	bus.Publish(Event{Type: EventTaskCompleted, WorkflowID: "wf-1"})

	events := collect(ch, 6, time.Second)
	require.Len(t, events, 6)
	for i, evt := range events {
		assert.Equal(t, uint64(i), evt.Seq)
	}
	assert.Equal(t, EventTaskCompleted, events[5].Type)
}

func TestReplaySinceSkipsOldEvents(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventLog, WorkflowID: "wf-1"})
	}
	ch := bus.SubscribeWithReplay("wf-1", 3, 8)

	events := collect(ch, 2, time.Second)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, uint64(4), events[1].Seq)
}

func TestRingEvictsOldestBeyondCapacity(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), WithCapacity(10))
	defer bus.Close()

	for i := 0; i < 25; i++ {
		bus.Publish(Event{Type: EventLog, WorkflowID: "wf-1"})
	}
	history := bus.History("wf-1")
	require.Len(t, history, 10)
	assert.Equal(t, uint64(15), history[0].Seq)
	assert.Equal(t, uint64(24), history[9].Seq)
}

func TestSlowSubscriberEvicted(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), WithDropThreshold(4))
	defer bus.Close()

	// Buffer of 1, never drained past the first event.
	ch := bus.Subscribe("wf-1", 1)
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: EventLog, WorkflowID: "wf-1"})
	}

	// The channel is eventually closed by eviction.
	var closed bool
	for i := 0; i < 20 && !closed; i++ {
		select {
		case _, ok := <-ch:
			if !ok {
				closed = true
			}
		case <-time.After(100 * time.Millisecond):
			i = 20
		}
	}
	assert.True(t, closed)
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), WithDropThreshold(1000))
	defer bus.Close()

	bus.Subscribe("wf-1", 1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(Event{Type: EventLog, WorkflowID: "wf-1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	defer bus.Close()

	ch := bus.Subscribe("wf-1", 4)
	bus.Unsubscribe("wf-1", ch)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestPruneDropsIdleHistory(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), WithRetention(time.Nanosecond))
	defer bus.Close()

	bus.Publish(Event{Type: EventLog, WorkflowID: "wf-1"})
	time.Sleep(10 * time.Millisecond)
	bus.prune()
	assert.Empty(t, bus.History("wf-1"))
}
