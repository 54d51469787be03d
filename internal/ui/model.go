// Package ui is the terminal pairing page. It renders the pairing state and
// turns key presses into pairing service calls.
package ui

import (
	"sync"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/events"
	"github.com/lowaak/smart-trainer/ride-app/internal/pairing"
	"github.com/lowaak/smart-trainer/ride-app/internal/pairingpage"
)

// Snapshot is everything the page renders
type Snapshot struct {
	Pairing pairing.State
	Page    pairingpage.State
	// capability in device selection, empty otherwise
	Selecting device.Capability
}

// Model holds the latest snapshot and publishes every change
type Model struct {
	mu      sync.Mutex
	current Snapshot
	changed *events.ChannelEvent[Snapshot]
}

func NewModel() *Model {
	return &Model{
		current: Snapshot{Page: pairingpage.StateClosed},
		changed: events.NewChannelEvent[Snapshot](true),
	}
}

func (m *Model) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Model) update(fn func(*Snapshot)) {
	m.mu.Lock()
	fn(&m.current)
	s := m.current
	m.mu.Unlock()
	m.changed.Notify(s)
}

func (m *Model) SetPairingState(s pairing.State) {
	m.update(func(snap *Snapshot) { snap.Pairing = s })
}

func (m *Model) SetPageState(s pairingpage.State) {
	m.update(func(snap *Snapshot) { snap.Page = s })
}

func (m *Model) SetSelecting(c device.Capability) {
	m.update(func(snap *Snapshot) { snap.Selecting = c })
}

// Listen delivers the newest snapshot to ch, dropping older undelivered ones.
// ch must be buffered.
func (m *Model) Listen(ch chan Snapshot) func() {
	return m.changed.ListenLatest(ch)
}
