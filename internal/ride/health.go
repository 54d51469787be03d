package ride

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/safego"
)

// startHealthCheck begins polling the data status of st. Callers hold s.mu.
func (s *Service) startHealthCheck(st *adapterState) {
	if st.udid == SimulatorUDID || st.adapter.Interface() == device.InterfaceSimulator {
		return
	}
	if st.stopHealth != nil {
		return
	}
	stop := make(chan struct{})
	st.stopHealth = stop
	interval := s.timings.HealthCheckInterval

	safego.Go(s.logger, func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.checkHealth(st, stop)
			}
		}
	})
}

// stopHealthCheck ends the polling of st. Callers hold s.mu.
func (s *Service) stopHealthCheck(st *adapterState) {
	if st.stopHealth != nil {
		close(st.stopHealth)
		st.stopHealth = nil
	}
}

func (s *Service) statusFor(elapsed time.Duration) DataStatus {
	switch {
	case elapsed > s.timings.UnhealthyThreshold:
		return DataStatusRed
	case elapsed > s.timings.NoDataThreshold:
		return DataStatusAmber
	default:
		return DataStatusGreen
	}
}

func (s *Service) checkHealth(st *adapterState, stop chan struct{}) {
	s.mu.Lock()
	if st.stopHealth != stop {
		s.mu.Unlock()
		return
	}
	status := s.statusFor(s.now().Sub(st.lastDataAt))
	changed := status != st.dataStatus
	wasHealthy := st.isHealthy
	st.dataStatus = status
	st.isHealthy = status == DataStatusGreen
	iface := st.adapter.Interface()
	s.mu.Unlock()

	if changed {
		s.logger.Printf("%s: data status udid=%s status=%s", component, st.udid, status)
		s.emitMirrored(EventDataStatus, Event{UDID: st.udid, Interface: iface, Status: status})
	}
	if wasHealthy && status != DataStatusGreen {
		safego.Go(s.logger, func() { s.prepareReconnect(st) })
	}
}

// stopSignal returns a channel closed on stop-ride or on stop-adapter for
// udid, and the function removing the listeners
func (s *Service) stopSignal(udid string) (<-chan struct{}, func()) {
	stop := make(chan struct{})
	var once sync.Once
	signal := func() { once.Do(func() { close(stop) }) }
	offRide := s.emitter.On(EventStopRide, func(Event) { signal() })
	offAdapter := s.emitter.On(EventStopAdapter, func(e Event) {
		if e.UDID == udid {
			signal()
		}
	})
	return stop, func() {
		offRide()
		offAdapter()
	}
}

func signaled(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (s *Service) prepareReconnect(st *adapterState) {
	defer safego.Recover(s.logger, component, "prepareReconnect")

	s.mu.Lock()
	if st.isRestarting {
		s.mu.Unlock()
		return
	}
	st.isRestarting = true
	s.mu.Unlock()

	stop, release := s.stopSignal(st.udid)
	defer func() {
		release()
		s.mu.Lock()
		st.isRestarting = false
		confirm := st.stopWaiters > 0 || signaled(stop)
		st.stopWaiters = 0
		s.mu.Unlock()
		if confirm {
			s.emitter.Emit(EventStopAdapterConfirmed, Event{UDID: st.udid, Interface: st.adapter.Interface()})
		}
	}()

	// transient gaps often recover on their own
	select {
	case <-stop:
		return
	case <-time.After(s.timings.ReconnectSettleDelay):
	}

	s.mu.Lock()
	if st.isHealthy || !st.isStarted {
		s.mu.Unlock()
		return
	}
	iface := st.adapter.Interface()
	var peers []*adapterState
	allUnhealthy := true
	for _, p := range s.adapters {
		if _, shadow := s.shadows[p.udid]; shadow || !p.isStarted || p.adapter.Interface() != iface {
			continue
		}
		peers = append(peers, p)
		allUnhealthy = allUnhealthy && !p.isHealthy
	}
	s.mu.Unlock()

	if len(peers) > 1 && allUnhealthy {
		s.reconnectInterface(iface, st, peers)
		return
	}
	s.reconnectAdapter(st, stop)
}

// reconnectAdapter restarts the adapter once per retry interval until it
// succeeds, recovers on its own or a stop is signaled
func (s *Service) reconnectAdapter(st *adapterState, stop <-chan struct{}) {
	s.logger.Printf("%s: reconnect device udid=%s name=%q", component, st.udid, st.adapter.Name())
	for {
		deadline := s.now().Add(s.timings.ReconnectWindow)
		for {
			if signaled(stop) {
				s.logger.Printf("%s: reconnect stopped udid=%s", component, st.udid)
				return
			}
			s.mu.Lock()
			healthy := st.isHealthy
			props := st.startProps
			s.mu.Unlock()
			if healthy {
				s.logger.Printf("%s: device recovered udid=%s", component, st.udid)
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), s.timings.ReconnectWindow)
			ok, err := st.adapter.Restart(ctx, props)
			cancel()
			if err != nil {
				safego.LogError(s.logger, component, "reconnect", fmt.Errorf("udid=%s: %w", st.udid, err))
			}
			if ok && err == nil {
				s.markReconnected(st)
				return
			}
			if !s.now().Before(deadline) {
				break
			}
			select {
			case <-stop:
				s.logger.Printf("%s: reconnect stopped udid=%s", component, st.udid)
				return
			case <-time.After(s.timings.ReconnectRetryInterval):
			}
		}
		s.logger.Printf("%s: reconnect window elapsed udid=%s, retrying", component, st.udid)
	}
}

func (s *Service) markReconnected(st *adapterState) {
	s.mu.Lock()
	prev := st.dataStatus
	st.lastDataAt = s.now()
	st.dataStatus = DataStatusGreen
	st.isHealthy = true
	st.isStarted = true
	iface := st.adapter.Interface()
	s.mu.Unlock()

	s.logger.Printf("%s: reconnect success udid=%s", component, st.udid)
	if prev != DataStatusGreen {
		s.emitMirrored(EventDataStatus, Event{UDID: st.udid, Interface: iface, Status: DataStatusGreen})
	}
	s.emitMirrored(EventReconnectSuccess, Event{UDID: st.udid, Interface: iface})
}

// reconnectInterface stops every adapter on iface, reconnects the interface
// binding and starts the adapters again. Only one interface restart runs at a time.
func (s *Service) reconnectInterface(iface device.InterfaceName, trigger *adapterState, peers []*adapterState) {
	s.mu.Lock()
	if s.reconnectBusy {
		s.mu.Unlock()
		s.logger.Printf("%s: interface restart already in progress, skip %s", component, iface)
		return
	}
	s.reconnectBusy = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.reconnectBusy = false
		s.mu.Unlock()
	}()

	s.logger.Printf("%s: restart interface %s adapters=%d", component, iface, len(peers))

	var g errgroup.Group
	for _, p := range peers {
		g.Go(func() error {
			s.stopForInterfaceRestart(p, p == trigger)
			return nil
		})
	}
	_ = g.Wait()

	ctx := context.Background()
	if iface == device.InterfaceBle {
		s.logger.Printf("%s: interface restart not supported for %s", component, iface)
	} else if s.access != nil {
		if _, err := s.access.DisconnectInterface(ctx, iface); err != nil {
			safego.LogError(s.logger, component, "reconnectInterface", err)
		}
		if _, err := s.access.ConnectInterface(ctx, iface); err != nil {
			safego.LogError(s.logger, component, "reconnectInterface", err)
		}
	}

	// ANT channels must be opened one after the other
	if iface == device.InterfaceAnt {
		for _, p := range peers {
			s.restartAfterInterfaceRestart(p)
		}
		return
	}
	var rg errgroup.Group
	for _, p := range peers {
		rg.Go(func() error {
			s.restartAfterInterfaceRestart(p)
			return nil
		})
	}
	_ = rg.Wait()
}

func (s *Service) stopForInterfaceRestart(p *adapterState, self bool) {
	s.mu.Lock()
	s.stopHealthCheck(p)
	s.mu.Unlock()

	if !self {
		confirmed := make(chan struct{})
		var once sync.Once
		off := s.emitter.On(EventStopAdapterConfirmed, func(e Event) {
			if e.UDID == p.udid {
				once.Do(func() { close(confirmed) })
			}
		})
		s.mu.Lock()
		waiting := p.isRestarting
		if waiting {
			p.stopWaiters++
		}
		s.mu.Unlock()

		if waiting {
			s.emitter.Emit(EventStopAdapter, Event{UDID: p.udid, Interface: p.adapter.Interface()})
			select {
			case <-confirmed:
			case <-time.After(s.timings.InterfaceStopTimeout):
				s.logger.Printf("%s: no stop confirmation udid=%s", component, p.udid)
			}
		}
		off()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timings.InterfaceStopTimeout)
	defer cancel()
	if _, err := p.adapter.Stop(ctx); err != nil {
		safego.LogError(s.logger, component, "reconnectInterface", err)
	}
	s.mu.Lock()
	p.isStarted = false
	s.mu.Unlock()
}

func (s *Service) restartAfterInterfaceRestart(p *adapterState) {
	s.mu.Lock()
	props := p.startProps
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timings.ReconnectWindow)
	defer cancel()
	ok, err := p.adapter.Start(ctx, props)
	if err != nil {
		safego.LogError(s.logger, component, "reconnectInterface", fmt.Errorf("udid=%s: %w", p.udid, err))
	}
	if !ok || err != nil {
		s.logger.Printf("%s: device not restarted udid=%s", component, p.udid)
		return
	}

	s.mu.Lock()
	p.isStarted = true
	p.isHealthy = true
	p.dataStatus = DataStatusGreen
	p.lastDataAt = s.now()
	s.startHealthCheck(p)
	s.mu.Unlock()

	s.logger.Printf("%s: reconnect success udid=%s", component, p.udid)
	s.emitMirrored(EventDataStatus, Event{UDID: p.udid, Interface: p.adapter.Interface(), Status: DataStatusGreen})
	s.emitMirrored(EventReconnectSuccess, Event{UDID: p.udid, Interface: p.adapter.Interface()})
}
