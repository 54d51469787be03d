package events

import (
	"sync"
)

// ChannelEvent provides pub/sub behavior using channels
// T is the type of the value sent to channels
//
// Sends never block. A listener registered with Listen skips values while its
// channel is full. A listener registered with ListenLatest drops the oldest
// buffered value instead, so a slow reader always ends up with the newest state.
type ChannelEvent[T any] struct {
	mu                    sync.RWMutex
	channels              map[uint64]*channelListener[T]
	nextID                uint64
	sendLastEventOnListen bool
	lastEvent             *T
	hasNotified           bool
}

type channelListener[T any] struct {
	ch     chan T
	out    chan<- T
	latest bool
}

// NewChannelEvent creates a new ChannelEvent instance
// sendLastEventOnListen: if true, the ChannelEvent will remember the last Notify parameter
// and send it to new listeners immediately if Notify has been called at least once
func NewChannelEvent[T any](sendLastEventOnListen bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		channels:              make(map[uint64]*channelListener[T]),
		sendLastEventOnListen: sendLastEventOnListen,
	}
}

// Listen registers a channel to receive values when Notify is invoked
// Returns a deregistration function that can be called to remove the listener
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}
	return e.add(&channelListener[T]{out: ch})
}

// ListenLatest registers a bidirectional channel that keeps the newest values.
// When the channel is full the oldest buffered value is discarded.
func (e *ChannelEvent[T]) ListenLatest(ch chan T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}
	if cap(ch) == 0 {
		panic("latest listener needs a buffered channel")
	}
	return e.add(&channelListener[T]{ch: ch, out: ch, latest: true})
}

func (e *ChannelEvent[T]) add(l *channelListener[T]) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.channels[id] = l
	shouldSendLastEvent := e.sendLastEventOnListen && e.hasNotified && e.lastEvent != nil
	var lastEventCopy T
	if shouldSendLastEvent {
		lastEventCopy = *e.lastEvent
	}
	e.mu.Unlock()

	if shouldSendLastEvent {
		l.send(lastEventCopy)
	}

	return func() {
		e.mu.Lock()
		delete(e.channels, id)
		e.mu.Unlock()
	}
}

func (l *channelListener[T]) send(value T) {
	select {
	case l.out <- value:
		return
	default:
	}
	if !l.latest {
		return
	}
	// make room: drop the oldest value, then retry once
	select {
	case <-l.ch:
	default:
	}
	select {
	case l.out <- value:
	default:
	}
}

// Notify sends the provided value to all registered channels
func (e *ChannelEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.sendLastEventOnListen {
		if e.lastEvent == nil {
			e.lastEvent = new(T)
		}
		*e.lastEvent = value
		e.hasNotified = true
	}

	listeners := make([]*channelListener[T], 0, len(e.channels))
	for _, l := range e.channels {
		listeners = append(listeners, l)
	}
	e.mu.Unlock()

	for _, l := range listeners {
		l.send(value)
	}
}

// ListenerCount returns the current number of registered listeners
func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.channels)
}
