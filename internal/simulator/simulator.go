// Package simulator provides a virtual smart trainer used when no real
// device should be involved. It offers every ride capability and produces
// one data frame per second derived from the requested target power.
package simulator

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/events"
	"github.com/lowaak/smart-trainer/ride-app/internal/safego"
)

const component = "Simulator"

const (
	DefaultName     = "Simulator"
	DefaultInterval = time.Second
	DefaultPower    = 120.0 // W without a target
	defaultCadence  = 90.0  // rpm
	defaultWeight   = 85.0  // kg rider plus bike
)

// Settings of the simulated device
var Settings = device.Settings{
	Interface: device.InterfaceSimulator,
	Name:      DefaultName,
	Protocol:  "Simulator",
}

var capabilities = []device.Capability{
	device.CapabilityControl,
	device.CapabilityPower,
	device.CapabilityHeartRate,
	device.CapabilityCadence,
	device.CapabilitySpeed,
}

var (
	modeSimulation = device.CyclingMode{Name: "Simulation"}
	modeERG        = device.CyclingMode{Name: "ERG", ERG: true}
)

type frame struct {
	settings device.Settings
	data     device.Data
}

type Option func(*Adapter)

// WithInterval sets the period between data frames
func WithInterval(d time.Duration) Option {
	return func(a *Adapter) { a.interval = d }
}

var _ device.Adapter = (*Adapter)(nil)

type Adapter struct {
	logger   *log.Logger
	interval time.Duration

	mu          sync.Mutex
	started     bool
	paused      bool
	stopped     bool
	cancel      context.CancelFunc
	mode        device.CyclingMode
	targetPower float64
	slope       float64
	weight      float64
	data        device.Data
	lastTick    time.Time

	frames *events.CallbackEvent[frame]
}

func NewAdapter(logger *log.Logger, opts ...Option) *Adapter {
	if logger == nil {
		panic("logger cannot be nil")
	}
	a := &Adapter{
		logger:      logger,
		interval:    DefaultInterval,
		mode:        modeSimulation,
		targetPower: DefaultPower,
		weight:      defaultWeight,
		frames:      events.NewCallbackEvent[frame](false),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Start(ctx context.Context, props device.StartProps) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return true, nil
	}
	if w := props.UserWeight + props.BikeWeight; w > 0 {
		a.weight = w
	}
	a.data = device.Data{}
	a.lastTick = time.Now()

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.started, a.paused, a.stopped = true, false, false
	safego.Go(a.logger, func() { a.loop(loopCtx) })

	a.logger.Printf("%s: started weight=%.1f", component, a.weight)
	return true, nil
}

func (a *Adapter) loop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.tick(now)
		}
	}
}

func (a *Adapter) tick(now time.Time) {
	a.mu.Lock()
	dt := now.Sub(a.lastTick).Seconds()
	a.lastTick = now
	if a.paused || !a.started {
		a.mu.Unlock()
		return
	}

	d := a.data
	d.Power = a.targetPower
	d.Slope = a.slope
	d.Cadence = defaultCadence
	d.Speed = speedFor(d.Power, a.slope, a.weight)
	d.HeartRate = math.Min(190, 80+d.Power/4)
	d.Distance += d.Speed / 3.6 * dt
	d.DeviceTime += dt
	d.Timestamp = now
	a.data = d
	a.mu.Unlock()

	a.frames.Notify(frame{settings: Settings, data: d})
}

// speedFor returns the steady state speed in km/h at which power (W) holds
// rolling, air and climbing resistance on slope (%)
func speedFor(power, slope, weight float64) float64 {
	const (
		g   = 9.81
		crr = 0.004
		cda = 0.32
		rho = 1.225
	)
	grade := slope / 100
	required := func(v float64) float64 {
		return (crr*weight*g+weight*g*grade)*v + 0.5*rho*cda*v*v*v
	}
	lo, hi := 0.0, 30.0 // m/s
	if power <= required(lo) {
		return 0
	}
	for i := 0; i < 50; i++ {
		mid := (lo + hi) / 2
		if required(mid) < power {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo * 3.6
}

func (a *Adapter) Stop(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.started, a.paused, a.stopped = false, false, true
	return true, nil
}

func (a *Adapter) Pause(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = true
	return true, nil
}

func (a *Adapter) Resume(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = false
	return true, nil
}

func (a *Adapter) Restart(ctx context.Context, props device.StartProps) (bool, error) {
	if _, err := a.Stop(ctx); err != nil {
		return false, err
	}
	return a.Start(ctx, props)
}

func (a *Adapter) IsStarted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

func (a *Adapter) IsPaused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

func (a *Adapter) IsStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

func (a *Adapter) IsControllable() bool { return true }

func (a *Adapter) HasCapability(c device.Capability) bool {
	return device.ContainsCapability(capabilities, c)
}

func (a *Adapter) Capabilities() []device.Capability {
	return append([]device.Capability(nil), capabilities...)
}

func (a *Adapter) Interface() device.InterfaceName { return device.InterfaceSimulator }
func (a *Adapter) UniqueName() string               { return DefaultName }
func (a *Adapter) Name() string                     { return DefaultName }
func (a *Adapter) Settings() device.Settings        { return Settings }

func (a *Adapter) CyclingModes() []device.CyclingMode {
	return []device.CyclingMode{modeSimulation, modeERG}
}

func (a *Adapter) CyclingMode() device.CyclingMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *Adapter) SetCyclingMode(name string, settings map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range []device.CyclingMode{modeSimulation, modeERG} {
		if m.Name == name {
			a.mode = m
			return nil
		}
	}
	a.logger.Printf("%s: unknown cycling mode %q, keeping %q", component, name, a.mode.Name)
	return nil
}

// SendUpdate sets the power produced by the virtual rider. A slope only
// changes the resulting speed.
func (a *Adapter) SendUpdate(ctx context.Context, req device.UpdateRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if req.Reset {
		a.targetPower, a.slope = DefaultPower, 0
	}
	if req.TargetPower != nil {
		a.targetPower = math.Max(0, *req.TargetPower)
	}
	if req.Slope != nil {
		a.slope = *req.Slope
	}
	return nil
}

func (a *Adapter) OnData(fn func(device.Settings, device.Data)) func() {
	return a.frames.Listen(func(f frame) { fn(f.settings, f.data) })
}
