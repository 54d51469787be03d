package events

import (
	"sync"
)

// CallbackEvent provides pub/sub behavior with type-safe callbacks
// T is the type of the argument passed to callback functions
type CallbackEvent[T any] struct {
	mu                    sync.RWMutex
	listeners             map[uint64]*callbackListener[T]
	nextID                uint64
	sendLastEventOnListen bool
	lastEvent             *T
	hasNotified           bool
}

type callbackListener[T any] struct {
	fn   func(T)
	once bool
}

// NewCallbackEvent creates a new CallbackEvent instance
// sendLastEventOnListen: if true, the CallbackEvent will remember the last Notify parameter
// and call new listeners immediately with that value if Notify has been called at least once
func NewCallbackEvent[T any](sendLastEventOnListen bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{
		listeners:             make(map[uint64]*callbackListener[T]),
		sendLastEventOnListen: sendLastEventOnListen,
	}
}

// Listen registers a callback function to be called when Notify is invoked
// Returns a deregistration function that can be called to remove the listener
// If sendLastEventOnListen is true and Notify has been called at least once,
// the callback will be called immediately with the last event value
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	return e.listen(callback, false)
}

// ListenOnce registers a callback that is removed after its first invocation.
// A replayed last event counts as the invocation.
func (e *CallbackEvent[T]) ListenOnce(callback func(T)) func() {
	return e.listen(callback, true)
}

func (e *CallbackEvent[T]) listen(callback func(T), once bool) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	e.mu.Lock()
	shouldSendLastEvent := e.sendLastEventOnListen && e.hasNotified && e.lastEvent != nil
	var lastEventCopy T
	if shouldSendLastEvent {
		lastEventCopy = *e.lastEvent
	}
	id := e.nextID
	e.nextID++
	if !(once && shouldSendLastEvent) {
		e.listeners[id] = &callbackListener[T]{fn: callback, once: once}
	}
	e.mu.Unlock()

	// outside the lock, the callback may call back into the event
	if shouldSendLastEvent {
		callback(lastEventCopy)
	}

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Notify calls all registered listener callbacks with the provided value
// This operation is thread-safe
func (e *CallbackEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.sendLastEventOnListen {
		if e.lastEvent == nil {
			e.lastEvent = new(T)
		}
		*e.lastEvent = value
		e.hasNotified = true
	}

	callbacks := make([]func(T), 0, len(e.listeners))
	for id, l := range e.listeners {
		callbacks = append(callbacks, l.fn)
		if l.once {
			delete(e.listeners, id)
		}
	}
	e.mu.Unlock()

	for _, callback := range callbacks {
		callback(value)
	}
}

// Clear removes every listener and forgets the last event
func (e *CallbackEvent[T]) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[uint64]*callbackListener[T])
	e.lastEvent = nil
	e.hasNotified = false
}

// ListenerCount returns the current number of registered listeners
func (e *CallbackEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}
