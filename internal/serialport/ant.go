package serialport

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
)

var ErrStickNotOpen = errors.New("ant stick not open")

// AntScanner searches ANT+ channels on an open stick. Channel handling lives
// with the ANT protocol implementation.
type AntScanner interface {
	Scan(ctx context.Context, stick io.ReadWriter, props device.ScanProps, found func(device.Settings)) error
}

// AntBinding is the ANT interface. Connect opens the stick and keeps it open
// until Disconnect.
type AntBinding struct {
	logger  *log.Logger
	port    string
	open    Opener
	scanner AntScanner

	mu         sync.Mutex
	stick      io.ReadWriteCloser
	scanCancel context.CancelFunc
}

func NewAntBinding(logger *log.Logger, port string, open Opener, scanner AntScanner) *AntBinding {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if open == nil {
		open = OpenPort
	}
	return &AntBinding{logger: logger, port: port, open: open, scanner: scanner}
}

func (b *AntBinding) Name() device.InterfaceName { return device.InterfaceAnt }

func (b *AntBinding) Connect(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stick != nil {
		return true, nil
	}
	stick, err := b.open(b.port, AntBaud, DefaultReadTimeout)
	if err != nil {
		return false, err
	}
	b.stick = stick
	b.logger.Printf("Ant: stick opened port=%s", b.port)
	return true, nil
}

func (b *AntBinding) Disconnect(ctx context.Context) (bool, error) {
	_ = b.StopScan(ctx)

	b.mu.Lock()
	stick := b.stick
	b.stick = nil
	b.mu.Unlock()
	if stick == nil {
		return true, nil
	}
	if err := stick.Close(); err != nil {
		return false, err
	}
	b.logger.Printf("Ant: stick closed port=%s", b.port)
	return true, nil
}

func (b *AntBinding) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stick != nil
}

func (b *AntBinding) Scan(ctx context.Context, props device.ScanProps, found func(device.Settings)) ([]device.Settings, error) {
	b.mu.Lock()
	stick := b.stick
	if stick == nil {
		b.mu.Unlock()
		return nil, ErrStickNotOpen
	}
	if b.scanCancel != nil {
		b.scanCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	b.scanCancel = cancel
	b.mu.Unlock()
	defer cancel()

	if b.scanner == nil {
		b.logger.Printf("Ant: no channel scanner configured")
		return []device.Settings{}, nil
	}

	var mu sync.Mutex
	result := []device.Settings{}
	err := b.scanner.Scan(ctx, stick, props, func(s device.Settings) {
		s.Interface = device.InterfaceAnt
		mu.Lock()
		result = append(result, s)
		mu.Unlock()
		found(s)
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	mu.Lock()
	defer mu.Unlock()
	return result, err
}

func (b *AntBinding) StopScan(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.scanCancel
	b.scanCancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
