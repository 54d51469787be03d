package ride

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/safego"
)

// StartRide starts the selected adapters for riding
func (s *Service) StartRide(ctx context.Context, props Props) bool {
	defer safego.Recover(s.logger, component, "startRide")
	s.logger.Printf("%s: start ride", component)
	return s.StartAdapters(ctx, s.GetSelectedAdapters(), StartTypeStart, props)
}

// PauseRide pauses all started adapters and suspends their health checks
func (s *Service) PauseRide(ctx context.Context) {
	defer safego.Recover(s.logger, component, "pauseRide")
	s.logger.Printf("%s: pause ride", component)

	for _, st := range s.started(nil) {
		s.mu.Lock()
		s.stopHealthCheck(st)
		s.mu.Unlock()
		if _, err := st.adapter.Pause(ctx); err != nil {
			safego.LogError(s.logger, component, "pauseRide", err)
		}
	}
}

// ResumeRide resumes the paused adapters and their health checks
func (s *Service) ResumeRide(ctx context.Context) {
	defer safego.Recover(s.logger, component, "resumeRide")
	s.logger.Printf("%s: resume ride", component)

	for _, st := range s.started(nil) {
		if _, err := st.adapter.Resume(ctx); err != nil {
			safego.LogError(s.logger, component, "resumeRide", err)
			continue
		}
		s.mu.Lock()
		st.lastDataAt = s.now()
		s.startHealthCheck(st)
		s.mu.Unlock()
	}
}

// StopRide signals stop-ride, stops all adapters and forgets the adapter set
func (s *Service) StopRide(ctx context.Context) {
	defer safego.Recover(s.logger, component, "stopRide")
	s.logger.Printf("%s: stop ride", component)

	s.emitter.Emit(EventStopRide, Event{})
	s.StopAdapters(ctx, nil)
	s.ResetAdapters()

	s.mu.Lock()
	s.data = device.Data{}
	s.mu.Unlock()
}

// StopAdapters stops the started adapters matching match, all if match is nil
func (s *Service) StopAdapters(ctx context.Context, match func(AdapterInfo) bool) {
	defer safego.Recover(s.logger, component, "stopAdapters")

	var g errgroup.Group
	for _, st := range s.started(match) {
		g.Go(func() error {
			s.stopAdapter(ctx, st)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) stopAdapter(ctx context.Context, st *adapterState) {
	s.mu.Lock()
	st.isStarted = false
	unsubscribe := s.detach(st)
	iface := st.adapter.Interface()
	s.mu.Unlock()
	unsubscribe()

	s.logger.Printf("%s: stop device udid=%s", component, st.udid)
	s.emitter.Emit(EventStopAdapter, Event{UDID: st.udid, Interface: iface})
	if _, err := st.adapter.Stop(ctx); err != nil {
		safego.LogError(s.logger, component, "stopAdapter", err)
	}
}

// started returns the started adapters matching match
func (s *Service) started(match func(AdapterInfo) bool) []*adapterState {
	s.mu.Lock()
	states := append([]*adapterState(nil), s.adapters...)
	infos := make([]AdapterInfo, len(states))
	for i, st := range states {
		infos[i] = st.info()
	}
	s.mu.Unlock()

	var out []*adapterState
	for i, st := range states {
		if !infos[i].IsStarted && !st.adapter.IsStarted() {
			continue
		}
		if match != nil && !match(infos[i]) {
			continue
		}
		out = append(out, st)
	}
	return out
}

// SendUpdate forwards req to the control adapter
func (s *Service) SendUpdate(ctx context.Context, req device.UpdateRequest) {
	defer safego.Recover(s.logger, component, "sendUpdate")

	s.mu.Lock()
	var control *adapterState
	for _, st := range s.adapters {
		if st.isControl {
			control = st
			break
		}
	}
	s.mu.Unlock()

	if control == nil {
		s.logger.Printf("%s: no control device for update", component)
		return
	}
	if err := control.adapter.SendUpdate(ctx, req); err != nil {
		safego.LogError(s.logger, component, "sendUpdate", err)
	}
}

// GetData returns the merged data of all adapters
func (s *Service) GetData() device.Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// GetDataStatus returns the data status of udid
func (s *Service) GetDataStatus(udid string) (DataStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if leader, ok := s.shadows[udid]; ok {
		udid = leader
	}
	st := s.state(udid)
	if st == nil {
		return "", false
	}
	return st.dataStatus, true
}

// GetAdapterInfo returns a snapshot of the adapter udid
func (s *Service) GetAdapterInfo(udid string) (AdapterInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(udid)
	if st == nil {
		return AdapterInfo{}, false
	}
	return st.info(), true
}
