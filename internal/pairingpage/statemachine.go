// Package pairingpage drives the pairing service while the pairing page is
// shown: it decides between scanning and pairing, retries after each cycle
// and stops everything when the page is paused or closed.
package pairingpage

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/ride-app/internal/events"
	"github.com/lowaak/smart-trainer/ride-app/internal/pairing"
	"github.com/lowaak/smart-trainer/ride-app/internal/safego"
)

const component = "PairingPage"

type State string

const (
	StateClosed   State = "closed"
	StateIdle     State = "idle"
	StateScanning State = "scanning"
	StatePairing  State = "pairing"
	StateDone     State = "done"
)

var transitions = map[State][]State{
	StateClosed:   {StateIdle},
	StateIdle:     {StateScanning, StatePairing, StateDone, StateClosed},
	StateScanning: {StateIdle, StateClosed},
	StatePairing:  {StateIdle, StateDone, StateClosed},
	StateDone:     {StateIdle, StateScanning, StatePairing, StateClosed},
}

const (
	DefaultPairingRetryDelay  = 2000 * time.Millisecond
	DefaultScanningRetryDelay = 2000 * time.Millisecond
)

// PairingService is the part of the pairing service the page drives. It
// must not schedule cycles on its own.
type PairingService interface {
	Start(onStateChanged func(pairing.State))
	Stop()
	StartPairing()
	StopPairing()
	StartScanning()
	StopScanning()
	IsPairingSuccess() bool
	OnPairingDone(fn func(success bool)) func()
	OnScanningDone(fn func()) func()
}

type Configuration interface {
	CanStartRide() bool
}

type Option func(*StateMachine)

func WithRetryDelays(pairing, scanning time.Duration) Option {
	return func(m *StateMachine) {
		m.pairingRetryDelay = pairing
		m.scanningRetryDelay = scanning
	}
}

type StateMachine struct {
	logger  *log.Logger
	service PairingService
	config  Configuration

	pairingRetryDelay  time.Duration
	scanningRetryDelay time.Duration

	mu          sync.Mutex
	state       State
	retry       *time.Timer
	generation  uint64
	unsubscribe []func()

	stateEvent *events.CallbackEvent[State]
}

func New(logger *log.Logger, service PairingService, config Configuration, opts ...Option) *StateMachine {
	if logger == nil {
		panic("logger cannot be nil")
	}
	m := &StateMachine{
		logger:             logger,
		service:            service,
		config:             config,
		pairingRetryDelay:  DefaultPairingRetryDelay,
		scanningRetryDelay: DefaultScanningRetryDelay,
		state:              StateClosed,
		stateEvent:         events.NewCallbackEvent[State](true),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChanged registers fn for every transition
func (m *StateMachine) OnStateChanged(fn func(State)) func() {
	return m.stateEvent.Listen(fn)
}

// transition moves to next if the machine is in one of the states in from
// (any state if from is empty). A transition the table does not allow is
// logged and ignored.
func (m *StateMachine) transition(next State, from ...State) bool {
	m.mu.Lock()
	current := m.state
	if len(from) > 0 && !contains(from, current) {
		m.mu.Unlock()
		return false
	}
	if !contains(transitions[current], next) {
		m.mu.Unlock()
		if current != next {
			safego.LogError(m.logger, component, "transition", fmt.Errorf("illegal transition from %s to %s", current, next))
		}
		return false
	}
	m.clearRetry()
	m.state = next
	m.mu.Unlock()

	m.logger.Printf("%s: %s -> %s", component, current, next)
	m.stateEvent.Notify(next)
	return true
}

func contains(states []State, s State) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

// clearRetry cancels the pending retry. Callers hold m.mu.
func (m *StateMachine) clearRetry() {
	m.generation++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// scheduleRetry runs performCheck after delay unless a transition happened
// in between
func (m *StateMachine) scheduleRetry(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen := m.generation
	m.retry = time.AfterFunc(delay, func() {
		m.mu.Lock()
		current := m.generation == gen
		m.mu.Unlock()
		if current {
			m.performCheck()
		}
	})
}

// Open shows the page: the pairing service starts reporting to
// onStateChanged and the first check runs
func (m *StateMachine) Open(onStateChanged func(pairing.State)) {
	defer safego.Recover(m.logger, component, "open")

	if !m.transition(StateIdle, StateClosed) {
		return
	}
	unsubscribe := []func(){
		m.service.OnPairingDone(m.onPairingDone),
		m.service.OnScanningDone(m.onScanningDone),
	}
	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	m.service.Start(onStateChanged)
	m.performCheck()
}

// Close stops scanning and pairing and detaches from the pairing service
func (m *StateMachine) Close() {
	defer safego.Recover(m.logger, component, "close")

	previous := m.State()
	if !m.transition(StateClosed) {
		return
	}
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	for _, fn := range unsubscribe {
		fn()
	}
	m.stopActive(previous)
	m.service.Stop()
}

// Pause stops the active scan or pairing and drops a pending retry
func (m *StateMachine) Pause() {
	defer safego.Recover(m.logger, component, "pause")

	m.mu.Lock()
	m.clearRetry()
	m.mu.Unlock()

	previous := m.State()
	if previous != StateScanning && previous != StatePairing {
		return
	}
	if !m.transition(StateIdle, previous) {
		return
	}
	m.stopActive(previous)
}

// Resume re-runs the check after a pause
func (m *StateMachine) Resume() {
	defer safego.Recover(m.logger, component, "resume")

	switch m.State() {
	case StateIdle, StateDone:
		m.performCheck()
	}
}

func (m *StateMachine) stopActive(s State) {
	switch s {
	case StateScanning:
		m.service.StopScanning()
	case StatePairing:
		m.service.StopPairing()
	}
}

// performCheck selects the next state: Done when the configured devices are
// paired already, Pairing when a ride could start, Scanning otherwise
func (m *StateMachine) performCheck() {
	defer safego.Recover(m.logger, component, "performCheck")

	if !m.config.CanStartRide() {
		if m.transition(StateScanning, StateIdle, StateDone) {
			m.service.StartScanning()
		}
		return
	}
	if m.service.IsPairingSuccess() {
		m.transition(StateDone, StateIdle, StatePairing)
		return
	}
	if m.transition(StatePairing, StateIdle, StateDone) {
		m.service.StartPairing()
	}
}

func (m *StateMachine) onPairingDone(success bool) {
	defer safego.Recover(m.logger, component, "onPairingDone")

	if success {
		m.transition(StateDone, StatePairing)
		return
	}
	if m.transition(StateIdle, StatePairing) {
		m.scheduleRetry(m.pairingRetryDelay)
	}
}

func (m *StateMachine) onScanningDone() {
	defer safego.Recover(m.logger, component, "onScanningDone")

	if m.transition(StateIdle, StateScanning) {
		m.scheduleRetry(m.scanningRetryDelay)
	}
}
