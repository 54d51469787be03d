package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/events"
	"github.com/lowaak/smart-trainer/ride-app/internal/safego"
)

const adapterComponent = "SerialAdapter"

const DefaultPollInterval = time.Second

var (
	ErrUnknownProtocol = errors.New("unknown serial protocol")
	ErrNotStarted      = errors.New("adapter not started")
	ErrUnknownMode     = errors.New("unknown cycling mode")
)

type frame struct {
	settings device.Settings
	data     device.Data
}

type AdapterOption func(*Adapter)

func WithPollInterval(d time.Duration) AdapterOption {
	return func(a *Adapter) { a.pollInterval = d }
}

// Dialer connects to the device described by settings
type Dialer func(settings device.Settings) (io.ReadWriteCloser, error)

// WithDialer replaces the serial port by another transport
func WithDialer(dial Dialer) AdapterOption {
	return func(a *Adapter) { a.dial = dial }
}

func dialSerial(settings device.Settings) (io.ReadWriteCloser, error) {
	return OpenPort(settings.Port, DefaultBaud, DefaultReadTimeout)
}

var _ device.Adapter = (*Adapter)(nil)

// Adapter is a bike on a serial port, or on a TCP socket with WithDialer.
// Measurements are polled.
type Adapter struct {
	logger       *log.Logger
	settings     device.Settings
	protocol     Protocol
	dial         Dialer
	pollInterval time.Duration

	// serializes port access between the poll loop and updates
	portMu sync.Mutex

	mu           sync.Mutex
	port         io.ReadWriteCloser
	cancel       context.CancelFunc
	loopDone     chan struct{}
	started      bool
	paused       bool
	stopped      bool
	mode         device.CyclingMode
	modeSettings map[string]any

	frames *events.CallbackEvent[frame]
}

func NewAdapter(logger *log.Logger, settings device.Settings, opts ...AdapterOption) (*Adapter, error) {
	if logger == nil {
		panic("logger cannot be nil")
	}
	p, ok := lookupProtocol(settings.Protocol)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProtocol, settings.Protocol)
	}
	a := &Adapter{
		logger:       logger,
		settings:     settings,
		protocol:     p,
		dial:         dialSerial,
		pollInterval: DefaultPollInterval,
		frames:       events.NewCallbackEvent[frame](false),
	}
	for _, opt := range opts {
		opt(a)
	}
	if modes := p.CyclingModes(); len(modes) > 0 {
		a.mode = modes[0]
	}
	return a, nil
}

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

	a.logger.Printf("%s: start port=%s protocol=%s", adapterComponent, a.settings.Port, a.settings.Protocol)
	port, err := a.dial(a.settings)
	if err != nil {
		safego.LogError(a.logger, adapterComponent, "Start", err)
		return false, err
	}

	if err := a.handshake(ctx, port, props); err != nil {
		safego.LogError(a.logger, adapterComponent, "Start", err)
		_ = port.Close()
		return false, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.mu.Lock()
	a.port, a.cancel, a.loopDone = port, cancel, done
	a.started, a.paused, a.stopped = true, false, false
	a.mu.Unlock()

	safego.Go(a.logger, func() {
		defer close(done)
		a.poll(loopCtx, port)
	})
	return true, nil
}

func (a *Adapter) handshake(ctx context.Context, port io.ReadWriter, props device.StartProps) error {
	a.portMu.Lock()
	defer a.portMu.Unlock()

	if err := a.protocol.Handshake(ctx, port); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	mode := a.CyclingMode()
	if !mode.RequiresRoute {
		return nil
	}
	uploader, ok := a.protocol.(RouteUploader)
	if !ok || len(props.Route) == 0 {
		return nil
	}
	if err := uploader.UploadRoute(ctx, port, props.Route); err != nil {
		return fmt.Errorf("route upload: %w", err)
	}
	a.logger.Printf("%s: route uploaded points=%d", adapterComponent, len(props.Route))
	return nil
}

func (a *Adapter) poll(ctx context.Context, port io.ReadWriter) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if a.IsPaused() {
			continue
		}

		a.portMu.Lock()
		d, err := a.protocol.Poll(ctx, port)
		a.portMu.Unlock()
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Printf("%s: poll failed port=%s: %v", adapterComponent, a.settings.Port, err)
			}
			continue
		}
		d.Timestamp = time.Now()
		a.frames.Notify(frame{settings: a.settings, data: d})
	}
}

func (a *Adapter) Stop(ctx context.Context) (bool, error) {
	err := a.close()
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	if err != nil {
		safego.LogError(a.logger, adapterComponent, "Stop", err)
		return false, err
	}
	return true, nil
}

func (a *Adapter) close() error {
	a.mu.Lock()
	port, cancel, done := a.port, a.cancel, a.loopDone
	a.port, a.cancel, a.loopDone = nil, nil, nil
	a.started, a.paused = false, false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if port == nil {
		return nil
	}
	return port.Close()
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
	if err := a.close(); err != nil {
		a.logger.Printf("%s: restart close failed: %v", adapterComponent, err)
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
	return device.ContainsCapability(a.protocol.Capabilities(), device.CapabilityControl)
}

func (a *Adapter) HasCapability(c device.Capability) bool {
	return device.ContainsCapability(a.protocol.Capabilities(), c)
}

func (a *Adapter) Capabilities() []device.Capability {
	return append([]device.Capability(nil), a.protocol.Capabilities()...)
}

func (a *Adapter) Interface() device.InterfaceName { return a.settings.Interface }

func (a *Adapter) UniqueName() string {
	if a.settings.Host != "" {
		return fmt.Sprintf("%s (%s:%s)", a.settings.Protocol, a.settings.Host, a.settings.Port)
	}
	return fmt.Sprintf("%s (%s)", a.settings.Protocol, a.settings.Port)
}

func (a *Adapter) Name() string { return a.settings.Name }

func (a *Adapter) Settings() device.Settings { return a.settings }

func (a *Adapter) CyclingModes() []device.CyclingMode { return a.protocol.CyclingModes() }

func (a *Adapter) CyclingMode() device.CyclingMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *Adapter) SetCyclingMode(name string, settings map[string]any) error {
	for _, m := range a.protocol.CyclingModes() {
		if m.Name == name {
			a.mu.Lock()
			a.mode, a.modeSettings = m, settings
			a.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("%w %q", ErrUnknownMode, name)
}

func (a *Adapter) SendUpdate(ctx context.Context, req device.UpdateRequest) error {
	a.mu.Lock()
	port, mode := a.port, a.mode
	a.mu.Unlock()
	if port == nil {
		return ErrNotStarted
	}
	a.portMu.Lock()
	defer a.portMu.Unlock()
	return a.protocol.Update(ctx, port, mode, req)
}

func (a *Adapter) OnData(fn func(device.Settings, device.Data)) func() {
	return a.frames.Listen(func(f frame) { fn(f.settings, f.data) })
}

// Factory creates polled adapters
func Factory(logger *log.Logger, opts ...AdapterOption) device.Factory {
	return device.FactoryFunc(func(settings device.Settings) (device.Adapter, error) {
		return NewAdapter(logger, settings, opts...)
	})
}
