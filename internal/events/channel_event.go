package events

import (
	"sync"
	"sync/atomic"
)

// ChannelEvent fans a value out to registered channels. Delivery is
// best-effort: a listener whose channel is full misses the value, which is
// counted in Dropped.
type ChannelEvent[T any] struct {
	mu                    sync.RWMutex
	channels              map[uint64]chan<- T
	nextID                uint64
	sendLastEventOnListen bool
	lastEvent             *T
	dropped               atomic.Uint64
}

// NewChannelEvent creates a ChannelEvent. With sendLastEventOnListen set, the
// most recent value is replayed to each new listener.
func NewChannelEvent[T any](sendLastEventOnListen bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		channels:              make(map[uint64]chan<- T),
		sendLastEventOnListen: sendLastEventOnListen,
	}
}

// Listen registers ch and returns a function that removes it again
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.channels[id] = ch
	var replay *T
	if e.sendLastEventOnListen && e.lastEvent != nil {
		v := *e.lastEvent
		replay = &v
	}
	e.mu.Unlock()

	if replay != nil {
		e.send(ch, *replay)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.channels, id)
			e.mu.Unlock()
		})
	}
}

// Notify publishes value to every listener without blocking
func (e *ChannelEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.sendLastEventOnListen {
		v := value
		e.lastEvent = &v
	}
	targets := make([]chan<- T, 0, len(e.channels))
	for _, ch := range e.channels {
		targets = append(targets, ch)
	}
	e.mu.Unlock()

	for _, ch := range targets {
		e.send(ch, value)
	}
}

func (e *ChannelEvent[T]) send(ch chan<- T, value T) {
	select {
	case ch <- value:
	default:
		e.dropped.Add(1)
	}
}

func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.channels)
}

// Dropped returns how many deliveries were skipped because a listener was full
func (e *ChannelEvent[T]) Dropped() uint64 {
	return e.dropped.Load()
}
