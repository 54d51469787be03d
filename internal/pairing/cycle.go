package pairing

import (
	"context"
	"time"

	"github.com/lowaak/smart-trainer/ride-app/internal/access"
	"github.com/lowaak/smart-trainer/ride-app/internal/devconfig"
	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/ride"
	"github.com/lowaak/smart-trainer/ride-app/internal/safego"
)

type cycleKind int

const (
	cyclePairing cycleKind = iota
	cycleScanning
)

func (k cycleKind) String() string {
	if k == cyclePairing {
		return "pairing"
	}
	return "scanning"
}

// cycle is one pairing or scanning run. done is closed when it finished.
type cycle struct {
	kind   cycleKind
	cancel context.CancelFunc
	done   chan struct{}
}

// run stops the active cycle and starts pairing when the configuration
// allows a ride, scanning otherwise. A device selection or enforced forces
// scanning.
func (s *Service) run(enforced bool) {
	defer safego.Recover(s.logger, component, "run")

	if !s.IsRunning() {
		return
	}
	s.stopCycle()
	s.ride.WaitForPreviousStart(s.timings.PreviousStartTimeout)

	selecting := s.isSelecting()
	if s.config.CanStartRide() && !selecting && !enforced {
		s.startPairing()
		return
	}
	s.startScanning(enforced || selecting)
}

// scheduleRun runs the loop again after delay unless the loop is driven
// from outside
func (s *Service) scheduleRun(delay time.Duration) {
	if !s.autoRun {
		return
	}
	s.schedule(delay, func() { s.run(false) })
}

func (s *Service) cancelScheduledRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// beginCycle registers a new cycle of kind, cancelling a cycle that was
// started concurrently. It returns nil if the service is not running.
func (s *Service) beginCycle(kind cycleKind) (context.Context, *cycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, nil
	}
	if s.cycle != nil {
		s.cycle.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	c := &cycle{kind: kind, cancel: cancel, done: make(chan struct{})}
	s.cycle = c
	return ctx, c
}

func (s *Service) endCycle(c *cycle) {
	s.mu.Lock()
	if s.cycle == c {
		s.cycle = nil
	}
	s.mu.Unlock()
	c.cancel()
	close(c.done)
}

// stopCycle cancels the active cycle and waits until it ended
func (s *Service) stopCycle() {
	s.stopCycleOf(nil)
}

func (s *Service) stopCycleOf(kind *cycleKind) {
	s.mu.Lock()
	c := s.cycle
	if c == nil || (kind != nil && c.kind != *kind) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Printf("%s: stop %s", component, c.kind)
	c.cancel()
	if c.kind == cycleScanning {
		s.access.StopScan(context.Background())
	}

	select {
	case <-c.done:
	case <-time.After(s.timings.StopTimeout):
		s.logger.Printf("%s: %s did not stop within %v", component, c.kind, s.timings.StopTimeout)
	}
}

// StartPairing starts the adapters of the selected devices that are not
// started yet. It stops an active cycle first.
func (s *Service) StartPairing() {
	defer safego.Recover(s.logger, component, "startPairing")
	if s.isSelecting() {
		s.logger.Printf("%s: device selection active, pairing skipped", component)
		return
	}
	s.cancelScheduledRun()
	s.stopCycle()
	s.startPairing()
}

// isSelecting reports whether a device selection owns the scan
func (s *Service) isSelecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection != nil
}

// StopPairing ends an active pairing cycle
func (s *Service) StopPairing() {
	defer safego.Recover(s.logger, component, "stopPairing")
	s.cancelScheduledRun()
	kind := cyclePairing
	s.stopCycleOf(&kind)
}

// StartScanning scans all enabled interfaces for devices. It stops an
// active cycle first.
func (s *Service) StartScanning() {
	defer safego.Recover(s.logger, component, "startScanning")
	if s.isSelecting() {
		s.logger.Printf("%s: device selection active, scanning skipped", component)
		return
	}
	s.cancelScheduledRun()
	s.stopCycle()
	s.startScanning(false)
}

// StopScanning ends an active scanning cycle
func (s *Service) StopScanning() {
	defer safego.Recover(s.logger, component, "stopScanning")
	s.cancelScheduledRun()
	kind := cycleScanning
	s.stopCycleOf(&kind)
}

func (s *Service) startPairing() {
	ctx, c := s.beginCycle(cyclePairing)
	if c == nil {
		return
	}
	s.logger.Printf("%s: Start Pairing", component)

	safego.Go(s.logger, func() {
		var pending []ride.AdapterInfo
		for _, a := range s.ride.GetSelectedAdapters() {
			if a.IsStarted || a.Adapter.IsStarted() {
				continue
			}
			pending = append(pending, a)
		}
		if len(pending) > 0 {
			s.ride.StartAdapters(ctx, pending, ride.StartTypePair, ride.Props{})
		}
		cancelled := ctx.Err() != nil
		s.endCycle(c)

		success := s.IsPairingSuccess()
		s.logger.Printf("%s: pairing done success=%v", component, success)
		s.pairingDone.Notify(success)
		if !success && !cancelled {
			s.scheduleRun(s.timings.PairingRetryDelay)
		}
	})
}

func (s *Service) startScanning(enforced bool) {
	if len(s.access.EnabledInterfaces()) == 0 {
		s.logger.Printf("%s: no interface enabled, retry scan", component)
		if s.autoRun {
			s.scheduleRun(s.timings.ScanRetryDelay)
			return
		}
		// the page drives the loop: report an empty scan so it retries
		s.schedule(s.timings.ScanRetryDelay, func() { s.scanningDone.Notify(struct{}{}) })
		return
	}

	ctx, c := s.beginCycle(cycleScanning)
	if c == nil {
		return
	}
	s.logger.Printf("%s: Start Scanning", component)

	timeout := s.timings.ScanTimeout
	var filter access.ScanFilter
	var props device.ScanProps
	if enforced {
		timeout = s.timings.SelectionScanTimeout
		s.mu.Lock()
		if s.selection != nil {
			props.Capability = s.selection.capability
		}
		s.mu.Unlock()
	}
	props.Timeout = timeout

	safego.Go(s.logger, func() {
		scanCtx, cancel := context.WithTimeout(ctx, timeout)
		found := s.access.Scan(scanCtx, filter, props)
		cancel()
		cancelled := ctx.Err() != nil
		s.endCycle(c)

		s.logger.Printf("%s: scanning done devices=%d", component, len(found))
		s.scanningDone.Notify(struct{}{})
		if !enforced && !cancelled {
			s.scheduleRun(s.timings.ScanRetryDelay)
		}
	})
}

// onDeviceDetected stores a device found by a scan and selects it for
// every capability that has no selection yet
func (s *Service) onDeviceDetected(settings device.Settings) {
	defer safego.Recover(s.logger, component, "onDeviceDetected")
	if !s.IsRunning() {
		return
	}
	s.logger.Printf("%s: device detected name=%q interface=%s", component, settings.DisplayName(), settings.Interface)

	udid, err := s.config.Add(settings, devconfig.AddOptions{})
	if err != nil {
		s.logError("onDeviceDetected", err)
		return
	}

	s.mu.Lock()
	selecting := s.selection != nil
	s.mu.Unlock()

	if !selecting {
		entries, _ := s.config.Load()
		selected := false
		for _, e := range entries {
			if e.Selected != "" || e.Disabled || !containsUDID(e.Devices, udid) {
				continue
			}
			if err := s.config.Select(udid, e.Capability, devconfig.SelectOptions{}); err != nil {
				s.logError("onDeviceDetected", err)
				continue
			}
			selected = true
		}
		if selected {
			s.ride.ResetAdapters()
		}
	}

	s.refresh()

	if !selecting && s.config.CanStartRide() {
		safego.Go(s.logger, func() { s.access.StopScan(context.Background()) })
	}
}

func containsUDID(list []string, udid string) bool {
	for _, v := range list {
		if v == udid {
			return true
		}
	}
	return false
}
