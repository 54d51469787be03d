package ride

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/route"
	"github.com/lowaak/smart-trainer/ride-app/internal/safego"
)

// StartAdapters starts adapters in parallel and reports whether all of them
// started. Adapters that are ANT+ shadows of another adapter are skipped.
// For check and pair the adapters are paused once they started; for start
// the cycling mode is configured and health monitoring begins.
func (s *Service) StartAdapters(ctx context.Context, adapters []AdapterInfo, startType StartType, props Props) (success bool) {
	defer safego.Recover(s.logger, component, "startAdapters")

	s.beginStart()
	defer s.endStart()

	var targets []*adapterState
	s.mu.Lock()
	for _, a := range adapters {
		if leader, ok := s.shadows[a.UDID]; ok {
			s.logger.Printf("%s: skip start udid=%s, served by udid=%s", component, a.UDID, leader)
			continue
		}
		st := s.state(a.UDID)
		if st == nil {
			st = &adapterState{
				udid:         a.UDID,
				adapter:      a.Adapter,
				capabilities: append([]device.Capability(nil), a.Capabilities...),
				deviceCaps:   a.Adapter.Capabilities(),
				isControl:    a.IsControl,
				isHealthy:    true,
				dataStatus:   DataStatusGreen,
			}
			s.adapters = append(s.adapters, st)
		}
		targets = append(targets, st)
	}
	s.mu.Unlock()

	results := make([]bool, len(targets))
	var g errgroup.Group
	for i, st := range targets {
		g.Go(func() error {
			results[i] = s.startAdapter(ctx, st, startType, props)
			return nil
		})
	}
	_ = g.Wait()

	success = true
	for _, ok := range results {
		success = success && ok
	}
	return success
}

func (s *Service) startAdapter(ctx context.Context, st *adapterState, startType StartType, props Props) bool {
	defer safego.Recover(s.logger, component, "startAdapter")

	a := st.adapter
	s.logger.Printf("%s: start device udid=%s name=%q interface=%s startType=%s", component, st.udid, a.Name(), a.Interface(), startType)

	sp := device.StartProps{UserWeight: props.UserWeight, BikeWeight: props.BikeWeight}
	switch startType {
	case StartTypeCheck, StartTypePair:
		sp.Timeout = s.timings.StartTimeout
		if a.Interface() == device.InterfaceBle {
			sp.Timeout = s.timings.BleStartTimeout
		}
	case StartTypeStart:
		sp.Timeout = s.timings.StartTimeout
		s.configureMode(st, props, &sp)
	}
	if props.Timeout > 0 {
		sp.Timeout = props.Timeout
	}

	s.subscribe(st)
	s.emitMirrored(EventRequest(startType), Event{UDID: st.udid, Interface: a.Interface()})

	ok, err := a.Start(ctx, sp)
	if err != nil {
		safego.LogError(s.logger, component, "startAdapter", fmt.Errorf("udid=%s: %w", st.udid, err))
		s.emitMirrored(EventError(startType), Event{UDID: st.udid, Interface: a.Interface(), Err: err})
		s.stopFailed(ctx, st)
		return false
	}
	if !ok {
		s.logger.Printf("%s: start device failed udid=%s startType=%s", component, st.udid, startType)
		s.emitMirrored(EventError(startType), Event{UDID: st.udid, Interface: a.Interface(), Err: fmt.Errorf("could not start device")})
		if startType != StartTypeStart {
			s.stopFailed(ctx, st)
		}
		return false
	}

	if startType != StartTypeStart {
		if _, err := a.Pause(ctx); err != nil {
			safego.LogError(s.logger, component, "startAdapter", err)
		}
	}

	s.mu.Lock()
	st.isStarted = true
	st.startProps = sp
	st.lastDataAt = s.now()
	st.isHealthy = true
	st.dataStatus = DataStatusGreen
	if startType == StartTypeStart {
		s.startHealthCheck(st)
	}
	s.mu.Unlock()

	s.logger.Printf("%s: start device success udid=%s startType=%s", component, st.udid, startType)
	s.emitMirrored(EventSuccess(startType), Event{UDID: st.udid, Interface: a.Interface()})
	return true
}

func (s *Service) stopFailed(ctx context.Context, st *adapterState) {
	s.mu.Lock()
	st.isStarted = false
	unsubscribe := s.detach(st)
	s.mu.Unlock()
	unsubscribe()

	if _, err := st.adapter.Stop(ctx); err != nil {
		safego.LogError(s.logger, component, "stopAdapter", err)
	}
}

// configureMode applies the persisted cycling mode, switches to ERG when
// forced and prepares the route for modes that need it
func (s *Service) configureMode(st *adapterState, props Props, sp *device.StartProps) {
	a := st.adapter
	if !a.IsControllable() {
		return
	}
	mode, settings := s.config.GetModeSettings(st.udid, "")
	if props.ForceErgMode {
		for _, m := range a.CyclingModes() {
			if m.ERG {
				mode, settings = s.config.GetModeSettings(st.udid, m.Name)
				break
			}
		}
	}
	if mode != "" && mode != a.CyclingMode().Name {
		if err := a.SetCyclingMode(mode, settings); err != nil {
			safego.LogError(s.logger, component, "configureMode", err)
		}
	}

	if a.CyclingMode().RequiresRoute && props.Route != nil {
		for _, p := range route.PrepareEpp(*props.Route) {
			sp.Route = append(sp.Route, device.RoutePoint{Distance: p.Distance, Elevation: p.Elevation})
		}
		s.logger.Printf("%s: route prepared udid=%s points=%d", component, st.udid, len(sp.Route))
	}
}

func (s *Service) subscribe(st *adapterState) {
	s.mu.Lock()
	subscribed := st.unsubscribe != nil
	s.mu.Unlock()
	if subscribed {
		return
	}

	unsubscribe := st.adapter.OnData(func(settings device.Settings, data device.Data) {
		s.onData(st, data)
	})

	s.mu.Lock()
	if st.unsubscribe != nil {
		s.mu.Unlock()
		unsubscribe()
		return
	}
	st.unsubscribe = unsubscribe
	s.mu.Unlock()
}

func (s *Service) beginStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == 0 {
		s.idle = make(chan struct{})
	}
	s.inflight++
}

func (s *Service) endStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if s.inflight == 0 {
		close(s.idle)
	}
}

// WaitForPreviousStart blocks until no StartAdapters call is running or the
// timeout elapsed. It reports whether the previous start finished.
func (s *Service) WaitForPreviousStart(timeout time.Duration) bool {
	s.mu.Lock()
	if s.inflight == 0 {
		s.mu.Unlock()
		return true
	}
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return true
	case <-time.After(timeout):
		s.logger.Printf("%s: previous start still running after %v", component, timeout)
		return false
	}
}
