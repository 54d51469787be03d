package events

import (
	"sync"
)

// Emitter multiplexes named topics onto CallbackEvents.
// Services use it for the string-keyed events they publish
// ("pair-success", "stop-ride", ...).
type Emitter[T any] struct {
	mu     sync.Mutex
	topics map[string]*CallbackEvent[T]
	any    *CallbackEvent[Topic[T]]
}

// Topic pairs an event name with its payload for OnAny listeners
type Topic[T any] struct {
	Name  string
	Value T
}

func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{
		topics: make(map[string]*CallbackEvent[T]),
		any:    NewCallbackEvent[Topic[T]](false),
	}
}

func (e *Emitter[T]) topic(name string) *CallbackEvent[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.topics[name]
	if !ok {
		t = NewCallbackEvent[T](false)
		e.topics[name] = t
	}
	return t
}

// On registers fn for topic name and returns the deregistration function
func (e *Emitter[T]) On(name string, fn func(T)) func() {
	return e.topic(name).Listen(fn)
}

// Once registers fn for the next emission of topic name only
func (e *Emitter[T]) Once(name string, fn func(T)) func() {
	return e.topic(name).ListenOnce(fn)
}

// OnAny registers fn for every topic
func (e *Emitter[T]) OnAny(fn func(Topic[T])) func() {
	return e.any.Listen(fn)
}

// Emit notifies the listeners of topic name, then the OnAny listeners
func (e *Emitter[T]) Emit(name string, value T) {
	e.mu.Lock()
	t := e.topics[name]
	e.mu.Unlock()
	if t != nil {
		t.Notify(value)
	}
	e.any.Notify(Topic[T]{Name: name, Value: value})
}

// ListenerCount returns the number of listeners on topic name
func (e *Emitter[T]) ListenerCount(name string) int {
	e.mu.Lock()
	t := e.topics[name]
	e.mu.Unlock()
	if t == nil {
		return 0
	}
	return t.ListenerCount()
}

// RemoveAll drops every listener of every topic
func (e *Emitter[T]) RemoveAll() {
	e.mu.Lock()
	topics := e.topics
	e.topics = make(map[string]*CallbackEvent[T])
	e.mu.Unlock()
	for _, t := range topics {
		t.Clear()
	}
	e.any.Clear()
}
