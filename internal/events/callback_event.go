package events

import (
	"sync"
)

// CallbackEvent calls registered functions synchronously on Notify.
// Listeners run outside the lock and must not block for long since they run
// on the notifier's goroutine.
type CallbackEvent[T any] struct {
	mu                    sync.RWMutex
	listeners             map[uint64]func(T)
	nextID                uint64
	sendLastEventOnListen bool
	lastEvent             *T
}

func NewCallbackEvent[T any](sendLastEventOnListen bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{
		listeners:             make(map[uint64]func(T)),
		sendLastEventOnListen: sendLastEventOnListen,
	}
}

// Listen registers callback. If the event replays, callback is invoked
// immediately with the last value before Listen returns.
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = callback
	var replay *T
	if e.sendLastEventOnListen && e.lastEvent != nil {
		v := *e.lastEvent
		replay = &v
	}
	e.mu.Unlock()

	if replay != nil {
		callback(*replay)
	}

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *CallbackEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.sendLastEventOnListen {
		v := value
		e.lastEvent = &v
	}
	callbacks := make([]func(T), 0, len(e.listeners))
	for _, cb := range e.listeners {
		callbacks = append(callbacks, cb)
	}
	e.mu.Unlock()

	for _, cb := range callbacks {
		cb(value)
	}
}

// Last returns the most recently notified value. ok is false when nothing has
// been notified yet or the event does not retain values.
func (e *CallbackEvent[T]) Last() (value T, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastEvent == nil {
		return value, false
	}
	return *e.lastEvent, true
}

func (e *CallbackEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}
