package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder collects handled events behind a mutex
type eventRecorder struct {
	mu     sync.Mutex
	events []*UnitEvent
}

func (r *eventRecorder) handler(ctx context.Context, event *UnitEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) states() []UnitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]UnitState, 0, len(r.events))
	for _, event := range r.events {
		states = append(states, event.State)
	}
	return states
}

func testEvent(state UnitState) *UnitEvent {
	unit := NewUnit("https://example.com/page", time.Minute)
	return NewUnitEvent(unit, state)
}

func TestEventBusPublishAndDeliver(t *testing.T) {
	eb := NewEventBus(16, 1)
	defer eb.Close()

	recorder := &eventRecorder{}
	sub, err := eb.Subscribe([]UnitState{StateRouted}, recorder.handler, 4)
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID)

	require.NoError(t, eb.Publish(testEvent(StateRouted)))

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, recorder.count())
	assert.Equal(t, StateRouted, recorder.states()[0])
}

func TestEventBusStateFiltering(t *testing.T) {
	eb := NewEventBus(16, 1)
	defer eb.Close()

	recorder := &eventRecorder{}
	_, err := eb.Subscribe([]UnitState{StateFetchFailed, StateTimedOut}, recorder.handler, 8)
	require.NoError(t, err)

	require.NoError(t, eb.Publish(testEvent(StateResolved)))
	require.NoError(t, eb.Publish(testEvent(StateFetchFailed)))
	require.NoError(t, eb.Publish(testEvent(StateRouted)))
	require.NoError(t, eb.Publish(testEvent(StateTimedOut)))

	time.Sleep(100 * time.Millisecond)

	states := recorder.states()
	require.Len(t, states, 2)
	assert.Contains(t, states, StateFetchFailed)
	assert.Contains(t, states, StateTimedOut)
}

func TestEventBusEmptyStatesMatchesAll(t *testing.T) {
	eb := NewEventBus(16, 1)
	defer eb.Close()

	recorder := &eventRecorder{}
	_, err := eb.Subscribe(nil, recorder.handler, 8)
	require.NoError(t, err)

	for _, state := range []UnitState{StateResolved, StateFetching, StateScored, StateRouted} {
		require.NoError(t, eb.Publish(testEvent(state)))
	}

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 4, recorder.count())
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	eb := NewEventBus(16, 2)
	defer eb.Close()

	first := &eventRecorder{}
	second := &eventRecorder{}

	_, err := eb.Subscribe([]UnitState{StateRouted}, first.handler, 4)
	require.NoError(t, err)
	_, err = eb.Subscribe(nil, second.handler, 4)
	require.NoError(t, err)

	require.NoError(t, eb.Publish(testEvent(StateRouted)))

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(16, 1)
	defer eb.Close()

	recorder := &eventRecorder{}
	sub, err := eb.Subscribe(nil, recorder.handler, 4)
	require.NoError(t, err)

	require.NoError(t, eb.Publish(testEvent(StateResolved)))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, recorder.count())

	require.NoError(t, eb.Unsubscribe(sub.ID))

	require.NoError(t, eb.Publish(testEvent(StateResolved)))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, recorder.count())
}

// Unsubscribing while publishes are in flight must not panic a
// delivery goroutine that already matched the subscription.
func TestEventBusUnsubscribeDuringPublish(t *testing.T) {
	eb := NewEventBus(256, 2)
	defer eb.Close()

	recorder := &eventRecorder{}
	sub, err := eb.Subscribe(nil, recorder.handler, 1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = eb.Publish(testEvent(StateResolved))
		}
	}()

	time.Sleep(time.Millisecond)
	require.NoError(t, eb.Unsubscribe(sub.ID))
	<-done

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), eb.GetStats().ActiveSubscribers)
}

func TestEventBusUnsubscribeUnknown(t *testing.T) {
	eb := NewEventBus(16, 1)
	defer eb.Close()

	err := eb.Unsubscribe("sub_does_not_exist")
	assert.Error(t, err)
}

func TestEventBusStats(t *testing.T) {
	eb := NewEventBus(16, 1)
	defer eb.Close()

	recorder := &eventRecorder{}
	_, err := eb.Subscribe(nil, recorder.handler, 8)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, eb.Publish(testEvent(StateRouted)))
	}

	time.Sleep(200 * time.Millisecond)

	stats := eb.GetStats()
	assert.Equal(t, int64(3), stats.EventsPublished)
	assert.Equal(t, int64(3), stats.EventsDelivered)
	assert.Equal(t, int64(1), stats.ActiveSubscribers)
	assert.Equal(t, int64(0), stats.EventsFailed)
}

func TestEventBusPublishNeverBlocks(t *testing.T) {
	// No workers, so nothing drains the one-slot buffer
	eb := NewEventBus(1, 0)
	defer eb.Close()

	require.NoError(t, eb.Publish(testEvent(StateResolved)))

	done := make(chan error, 1)
	go func() {
		done <- eb.Publish(testEvent(StateResolved))
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full buffer")
	}
}

func TestEventBusPublishAfterClose(t *testing.T) {
	eb := NewEventBus(16, 1)
	eb.Close()

	// Closed bus refuses new events once the buffer backs up; the
	// shutdown path must not panic
	for i := 0; i < 32; i++ {
		_ = eb.Publish(testEvent(StateResolved))
	}
}
