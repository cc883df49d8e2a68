package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleEvent struct {
	WorkoutID int64
	Speed     float64
}

func TestNewChannelEvent(t *testing.T) {
	event := NewChannelEvent[string](false)
	require.NotNil(t, event)
	assert.Equal(t, 0, event.ListenerCount())
	assert.False(t, event.sendLastEventOnListen)

	event2 := NewChannelEvent[int](true)
	assert.True(t, event2.sendLastEventOnListen)
}

func TestChannelEvent_Listen_Notify_Basic(t *testing.T) {
	event := NewChannelEvent[sampleEvent](false)

	ch := make(chan sampleEvent, 10)
	unregister := event.Listen(ch)
	assert.Equal(t, 1, event.ListenerCount())

	event.Notify(sampleEvent{WorkoutID: 1, Speed: 1.5})
	event.Notify(sampleEvent{WorkoutID: 1, Speed: 1.7})

	received := make([]sampleEvent, 0)
	for len(received) < 2 {
		select {
		case val := <-ch:
			received = append(received, val)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("Timeout waiting for events")
		}
	}
	assert.Equal(t, 1.5, received[0].Speed)
	assert.Equal(t, 1.7, received[1].Speed)

	unregister()
	assert.Equal(t, 0, event.ListenerCount())

	event.Notify(sampleEvent{WorkoutID: 2})
	select {
	case val := <-ch:
		t.Errorf("Unexpected value received after unregister: %v", val)
	default:
	}
}

func TestChannelEvent_UnregisterTwice(t *testing.T) {
	event := NewChannelEvent[int](false)
	unregister1 := event.Listen(make(chan int, 1))
	event.Listen(make(chan int, 1))

	unregister1()
	unregister1()
	assert.Equal(t, 1, event.ListenerCount())
}

func TestChannelEvent_SendLastEventOnListen(t *testing.T) {
	event := NewChannelEvent[string](true)

	// nothing notified yet
	early := make(chan string, 1)
	event.Listen(early)
	select {
	case v := <-early:
		t.Fatalf("unexpected replay %q", v)
	default:
	}

	event.Notify("connected")
	<-early

	late := make(chan string, 1)
	event.Listen(late)
	select {
	case v := <-late:
		assert.Equal(t, "connected", v)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected replay of last event")
	}
}

func TestChannelEvent_NoReplayWhenDisabled(t *testing.T) {
	event := NewChannelEvent[string](false)
	event.Notify("first")

	ch := make(chan string, 1)
	event.Listen(ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected replay %q", v)
	default:
	}
}

func TestChannelEvent_Listen_NilChannel(t *testing.T) {
	event := NewChannelEvent[int](false)
	assert.Panics(t, func() {
		event.Listen(nil)
	})
}

func TestChannelEvent_FullChannelIsDropped(t *testing.T) {
	event := NewChannelEvent[int](false)

	slow := make(chan int, 1)
	fast := make(chan int, 10)
	event.Listen(slow)
	event.Listen(fast)

	event.Notify(1)
	event.Notify(2)
	event.Notify(3)

	assert.Equal(t, 1, <-slow)
	assert.Len(t, fast, 3)
	assert.Equal(t, uint64(2), event.Dropped())
}

func TestChannelEvent_ConcurrentAccess(t *testing.T) {
	event := NewChannelEvent[int](true)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := make(chan int, 100)
			unregister := event.Listen(ch)
			for j := 0; j < 10; j++ {
				event.Notify(j)
			}
			unregister()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, event.ListenerCount())
}
