package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCallbackEvent(t *testing.T) {
	event := NewCallbackEvent[string](false)
	require.NotNil(t, event)
	assert.Equal(t, 0, event.ListenerCount())
	assert.False(t, event.sendLastEventOnListen)

	event2 := NewCallbackEvent[int](true)
	require.NotNil(t, event2)
	assert.True(t, event2.sendLastEventOnListen)
}

func TestEvent_Listen_Notify_Basic(t *testing.T) {
	event := NewCallbackEvent[string](false)

	received := make([]string, 0)
	var mu sync.Mutex

	unregister := event.Listen(func(value string) {
		mu.Lock()
		received = append(received, value)
		mu.Unlock()
	})

	assert.Equal(t, 1, event.ListenerCount())

	event.Notify("test1")
	event.Notify("test2")

	mu.Lock()
	assert.Equal(t, []string{"test1", "test2"}, received)
	mu.Unlock()

	unregister()
	assert.Equal(t, 0, event.ListenerCount())

	event.Notify("test3")
	mu.Lock()
	// listener was removed
	assert.Len(t, received, 2)
	mu.Unlock()
}

func TestEvent_SendLastEventOnListen(t *testing.T) {
	event := NewCallbackEvent[string](true)

	var first []string
	unregister1 := event.Listen(func(value string) { first = append(first, value) })
	assert.Empty(t, first)

	event.Notify("first-event")
	assert.Equal(t, []string{"first-event"}, first)

	// a late listener gets the last event immediately
	var second []string
	unregister2 := event.Listen(func(value string) { second = append(second, value) })
	assert.Equal(t, []string{"first-event"}, second)

	event.Notify("second-event")
	assert.Equal(t, []string{"first-event", "second-event"}, first)
	assert.Equal(t, []string{"first-event", "second-event"}, second)

	unregister1()
	unregister2()
}

func TestEvent_SendLastEventOnListen_False(t *testing.T) {
	event := NewCallbackEvent[string](false)
	event.Notify("first-event")

	var received []string
	unregister := event.Listen(func(value string) { received = append(received, value) })
	assert.Empty(t, received)

	event.Notify("second-event")
	assert.Equal(t, []string{"second-event"}, received)
	unregister()
}

func TestEvent_ListenOnce(t *testing.T) {
	event := NewCallbackEvent[int](false)

	calls := 0
	event.ListenOnce(func(int) { calls++ })
	assert.Equal(t, 1, event.ListenerCount())

	event.Notify(1)
	event.Notify(2)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, event.ListenerCount())
}

func TestEvent_ListenOnce_ReplayCountsAsCall(t *testing.T) {
	event := NewCallbackEvent[int](true)
	event.Notify(7)

	var got []int
	event.ListenOnce(func(v int) { got = append(got, v) })
	event.Notify(8)

	assert.Equal(t, []int{7}, got)
	assert.Equal(t, 0, event.ListenerCount())
}

func TestEvent_Clear(t *testing.T) {
	event := NewCallbackEvent[int](true)
	event.Listen(func(int) {})
	event.Notify(1)

	event.Clear()
	assert.Equal(t, 0, event.ListenerCount())

	replayed := false
	event.Listen(func(int) { replayed = true })
	assert.False(t, replayed, "last event must be forgotten")
}

func TestEvent_ConcurrentAccess(t *testing.T) {
	event := NewCallbackEvent[int](false)

	var wg sync.WaitGroup
	var mu sync.Mutex
	received := 0

	wg.Add(10)
	for i := 0; i < 10; i++ {
		go func() {
			defer wg.Done()
			event.Listen(func(int) {
				mu.Lock()
				received++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, event.ListenerCount())

	wg.Add(5)
	for i := 0; i < 5; i++ {
		go func(value int) {
			defer wg.Done()
			event.Notify(value)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	assert.Equal(t, 50, received)
	mu.Unlock()
}

func TestEvent_Listen_NilCallback(t *testing.T) {
	event := NewCallbackEvent[string](false)

	assert.Panics(t, func() {
		event.Listen(nil)
	})
}

func TestEvent_UnregisterDuringNotify(t *testing.T) {
	event := NewCallbackEvent[string](false)

	var received []string
	var unregister func()
	unregister = event.Listen(func(value string) {
		received = append(received, value)
		if value == "unregister" {
			unregister()
		}
	})

	event.Notify("test1")
	event.Notify("unregister")
	event.Notify("test2")

	assert.Equal(t, []string{"test1", "unregister"}, received)
	assert.Equal(t, 0, event.ListenerCount())

	// calling unregister again is safe
	unregister()
}
