package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/events"
	"github.com/lowaak/smart-trainer/ride-app/internal/safego"
)

const adapterComponent = "BleAdapter"

// wheel circumference of a 700x25c tire in meters
const defaultWheelCircumference = 2.105

var (
	ErrNotStarted      = errors.New("adapter not started")
	ErrUnknownProtocol = errors.New("unknown ble protocol")
	ErrUnknownMode     = errors.New("unknown cycling mode")
)

var (
	modeSmartTrainer = device.CyclingMode{Name: "Smart Trainer"}
	modeERG          = device.CyclingMode{Name: "ERG", ERG: true}
)

type frame struct {
	settings device.Settings
	data     device.Data
}

var _ device.Adapter = (*Adapter)(nil)

// Adapter is a BLE sensor or FTMS trainer
type Adapter struct {
	logger   *log.Logger
	central  Central
	settings device.Settings
	profile  profile

	mu            sync.Mutex
	peripheral    Peripheral
	started       bool
	paused        bool
	stopped       bool
	mode          device.CyclingMode
	modeSettings  map[string]any
	data          device.Data
	offDisconnect func()

	wheel revolutions
	crank revolutions

	frames *events.CallbackEvent[frame]
}

func NewAdapter(logger *log.Logger, central Central, settings device.Settings) (*Adapter, error) {
	if logger == nil {
		panic("logger cannot be nil")
	}
	p, ok := profileOf(settings.Protocol)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProtocol, settings.Protocol)
	}
	a := &Adapter{
		logger:   logger,
		central:  central,
		settings: settings,
		profile:  p,
		frames:   events.NewCallbackEvent[frame](false),
	}
	if a.IsControllable() {
		a.mode = modeSmartTrainer
	}
	return a, nil
}

func (a *Adapter) logError(fn string, err error) {
	safego.LogError(a.logger, adapterComponent, fn, err)
}

// Start connects, subscribes to the measurement streams and takes control of
// FTMS trainers. A started adapter is not started again.
func (a *Adapter) Start(ctx context.Context, props device.StartProps) (bool, error) {
	defer safego.Recover(a.logger, adapterComponent, "Start")

	if a.IsStarted() {
		return true, nil
	}
	if props.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, props.Timeout)
		defer cancel()
	}

	a.logger.Printf("%s: start name=%q address=%s protocol=%s", adapterComponent, a.settings.Name, a.settings.Address, a.settings.Protocol)
	p, err := a.central.Connect(ctx, a.settings.Address)
	if err != nil {
		a.logError("Start", err)
		return false, err
	}

	if err := a.subscribe(p); err != nil {
		a.logError("Start", err)
		_ = p.Disconnect()
		return false, err
	}
	if ctx.Err() != nil {
		_ = p.Disconnect()
		return false, ctx.Err()
	}

	off := p.OnDisconnect(a.onLinkLost)

	a.mu.Lock()
	a.peripheral = p
	a.offDisconnect = off
	a.started, a.paused, a.stopped = true, false, false
	a.mu.Unlock()

	a.logger.Printf("%s: started name=%q", adapterComponent, a.settings.Name)
	return true, nil
}

func (a *Adapter) subscribe(p Peripheral) error {
	a.wheel.reset()
	a.crank.reset()
	for _, s := range a.profile.streams {
		if err := p.EnableNotifications(s.service, s.characteristic, a.handler(s.kind)); err != nil {
			return err
		}
	}
	if !a.IsControllable() {
		return nil
	}

	if err := p.EnableNotifications(ServiceUUIDFTMS, CharUUIDFTMSControlPoint, a.onControlPointResponse); err != nil {
		// control still works without confirmations
		a.logger.Printf("%s: control point indications unavailable: %v", adapterComponent, err)
	}
	if err := p.Write(ServiceUUIDFTMS, CharUUIDFTMSControlPoint, EncodeRequestControl()); err != nil {
		return fmt.Errorf("failed to request FTMS control: %w", err)
	}
	// some trainers require Start before accepting target power
	if err := p.Write(ServiceUUIDFTMS, CharUUIDFTMSControlPoint, EncodeStart()); err != nil {
		a.logger.Printf("%s: Start command failed (may not be required): %v", adapterComponent, err)
	}
	return nil
}

func (a *Adapter) handler(kind streamKind) func(buf []byte) {
	return func(buf []byte) {
		defer safego.Recover(a.logger, adapterComponent, "notification")

		a.mu.Lock()
		if !a.started || a.paused {
			a.mu.Unlock()
			return
		}
		d := a.data
		a.mu.Unlock()

		var err error
		switch kind {
		case streamHeartRate:
			err = parseHeartRate(buf, &d)
		case streamCyclingPower:
			err = parseCyclingPower(buf, &a.crank, &d)
		case streamCSC:
			err = parseCSC(buf, &a.wheel, &a.crank, defaultWheelCircumference, &d)
		case streamIndoorBikeData:
			var ibd *IndoorBikeData
			if ibd, err = ParseIndoorBikeData(buf); err == nil {
				ibd.apply(&d)
			}
		}
		if err != nil {
			a.logger.Printf("%s: parse error name=%q: %v", adapterComponent, a.settings.Name, err)
			return
		}
		d.Timestamp = time.Now()

		a.mu.Lock()
		a.data = d
		a.mu.Unlock()
		a.frames.Notify(frame{settings: a.settings, data: d})
	}
}

func (a *Adapter) onControlPointResponse(buf []byte) {
	r, err := ParseControlPointResponse(buf)
	if err != nil {
		a.logger.Printf("%s: FTMS Control Point: %v", adapterComponent, err)
		return
	}
	a.logger.Printf("%s: FTMS Control Point: %s", adapterComponent, r)
}

func (a *Adapter) onLinkLost() {
	a.mu.Lock()
	wasStarted := a.started
	a.started = false
	a.peripheral = nil
	a.mu.Unlock()
	if wasStarted {
		a.logger.Printf("%s: connection lost name=%q", adapterComponent, a.settings.Name)
	}
}

func (a *Adapter) Stop(ctx context.Context) (bool, error) {
	defer safego.Recover(a.logger, adapterComponent, "Stop")

	if err := a.disconnect(); err != nil {
		a.logError("Stop", err)
		return false, err
	}
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	return true, nil
}

func (a *Adapter) disconnect() error {
	a.mu.Lock()
	p := a.peripheral
	off := a.offDisconnect
	a.peripheral, a.offDisconnect = nil, nil
	a.started, a.paused = false, false
	a.mu.Unlock()

	if off != nil {
		off()
	}
	if p == nil {
		return nil
	}
	if a.IsControllable() {
		_ = p.Write(ServiceUUIDFTMS, CharUUIDFTMSControlPoint, EncodeStop())
	}
	return p.Disconnect()
}

// Pause keeps the connection and drops measurements until Resume
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

// Restart reconnects from scratch
func (a *Adapter) Restart(ctx context.Context, props device.StartProps) (bool, error) {
	if err := a.disconnect(); err != nil {
		a.logger.Printf("%s: restart disconnect failed: %v", adapterComponent, err)
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

func (a *Adapter) IsControllable() bool {
	return a.profile.protocol == ProtocolFTMS
}

func (a *Adapter) HasCapability(c device.Capability) bool {
	return device.ContainsCapability(a.profile.capabilities, c)
}

func (a *Adapter) Capabilities() []device.Capability {
	return append([]device.Capability(nil), a.profile.capabilities...)
}

func (a *Adapter) Interface() device.InterfaceName {
	return device.InterfaceBle
}

func (a *Adapter) UniqueName() string {
	return fmt.Sprintf("%s (%s)", a.settings.Name, a.settings.Address)
}

func (a *Adapter) Name() string {
	return a.settings.Name
}

func (a *Adapter) Settings() device.Settings {
	return a.settings
}

func (a *Adapter) CyclingModes() []device.CyclingMode {
	if !a.IsControllable() {
		return nil
	}
	return []device.CyclingMode{modeSmartTrainer, modeERG}
}

func (a *Adapter) CyclingMode() device.CyclingMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *Adapter) SetCyclingMode(name string, settings map[string]any) error {
	for _, m := range a.CyclingModes() {
		if m.Name == name {
			a.mu.Lock()
			a.mode = m
			a.modeSettings = settings
			a.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("%w %q", ErrUnknownMode, name)
}

// SendUpdate writes target power in ERG mode and grade otherwise. Sensors
// ignore updates.
func (a *Adapter) SendUpdate(ctx context.Context, req device.UpdateRequest) error {
	if !a.IsControllable() {
		return nil
	}
	a.mu.Lock()
	p := a.peripheral
	mode := a.mode
	a.mu.Unlock()
	if p == nil {
		return ErrNotStarted
	}

	var cmds [][]byte
	if req.Reset {
		cmds = append(cmds, EncodeReset(), EncodeRequestControl(), EncodeStart())
	}
	if mode.ERG && req.TargetPower != nil {
		cmds = append(cmds, EncodeTargetPower(*req.TargetPower))
	}
	if !mode.ERG && req.Slope != nil {
		cmds = append(cmds, EncodeSimulation(*req.Slope))
	}
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.Write(ServiceUUIDFTMS, CharUUIDFTMSControlPoint, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) OnData(fn func(device.Settings, device.Data)) func() {
	return a.frames.Listen(func(f frame) { fn(f.settings, f.data) })
}
