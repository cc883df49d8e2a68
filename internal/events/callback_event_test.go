package events

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusEvent struct {
	State string
	Err   string
}

func TestNewCallbackEvent(t *testing.T) {
	event := NewCallbackEvent[string](false)
	require.NotNil(t, event)
	assert.Equal(t, 0, event.ListenerCount())
}

func TestCallbackEvent_Listen_Notify_Basic(t *testing.T) {
	event := NewCallbackEvent[statusEvent](false)

	var received []statusEvent
	unregister := event.Listen(func(s statusEvent) {
		received = append(received, s)
	})

	event.Notify(statusEvent{State: "scanning"})
	event.Notify(statusEvent{State: "connected"})
	require.Len(t, received, 2)
	assert.Equal(t, "connected", received[1].State)

	unregister()
	event.Notify(statusEvent{State: "disconnected"})
	assert.Len(t, received, 2)
}

func TestCallbackEvent_ReplaysLastValue(t *testing.T) {
	event := NewCallbackEvent[statusEvent](true)

	_, ok := event.Last()
	assert.False(t, ok)

	event.Notify(statusEvent{State: "error", Err: "device not found"})

	var got statusEvent
	event.Listen(func(s statusEvent) { got = s })
	assert.Equal(t, "error", got.State)
	assert.Equal(t, "device not found", got.Err)

	last, ok := event.Last()
	require.True(t, ok)
	assert.Equal(t, "error", last.State)
}

func TestCallbackEvent_NoReplayWhenDisabled(t *testing.T) {
	event := NewCallbackEvent[int](false)
	event.Notify(5)

	called := false
	event.Listen(func(int) { called = true })
	assert.False(t, called)

	_, ok := event.Last()
	assert.False(t, ok)
}

func TestCallbackEvent_Listen_NilCallback(t *testing.T) {
	event := NewCallbackEvent[int](false)
	assert.Panics(t, func() {
		event.Listen(nil)
	})
}

func TestCallbackEvent_UnregisterDuringNotify(t *testing.T) {
	event := NewCallbackEvent[int](false)

	var unregister func()
	calls := 0
	unregister = event.Listen(func(int) {
		calls++
		unregister()
	})

	event.Notify(1)
	event.Notify(2)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, event.ListenerCount())
}

func TestCallbackEvent_ConcurrentAccess(t *testing.T) {
	event := NewCallbackEvent[int](true)
	var total atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unregister := event.Listen(func(v int) { total.Add(int64(v)) })
			event.Notify(1)
			unregister()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, event.ListenerCount())
	assert.Positive(t, total.Load())
}
