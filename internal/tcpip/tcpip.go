// Package tcpip is the TCP/IP interface: bikes and bridges reachable on the
// local network. Devices on it speak the serial protocols over a socket.
package tcpip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
)

const DefaultDialTimeout = 2 * time.Second

var ErrNoHosts = errors.New("no tcp/ip hosts configured")

// Binding probes the configured hosts with a TCP dial
type Binding struct {
	logger   *log.Logger
	hosts    []string
	port     string
	protocol string
	timeout  time.Duration

	mu        sync.Mutex
	connected bool
}

func NewBinding(logger *log.Logger, hosts []string, port, protocol string) *Binding {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &Binding{
		logger:   logger,
		hosts:    hosts,
		port:     port,
		protocol: protocol,
		timeout:  DefaultDialTimeout,
	}
}

func (b *Binding) Name() device.InterfaceName { return device.InterfaceTCPIP }

func (b *Binding) Connect(ctx context.Context) (bool, error) {
	if len(b.hosts) == 0 {
		return false, ErrNoHosts
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return true, nil
}

func (b *Binding) Disconnect(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return true, nil
}

func (b *Binding) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Scan reports every host accepting a connection on the configured port
func (b *Binding) Scan(ctx context.Context, props device.ScanProps, found func(device.Settings)) ([]device.Settings, error) {
	result := []device.Settings{}
	for _, host := range b.hosts {
		if ctx.Err() != nil {
			break
		}
		s := device.Settings{
			Interface: device.InterfaceTCPIP,
			Name:      fmt.Sprintf("%s (%s)", b.protocol, host),
			Host:      host,
			Port:      b.port,
			Protocol:  b.protocol,
		}
		conn, err := dial(ctx, s, b.timeout)
		if err != nil {
			b.logger.Printf("TcpIp: %s:%s unreachable: %v", host, b.port, err)
			continue
		}
		_ = conn.Close()
		result = append(result, s)
		found(s)
	}
	return result, nil
}

func (b *Binding) StopScan(ctx context.Context) error { return nil }

func dial(ctx context.Context, s device.Settings, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(s.Host, s.Port))
}

// Dial connects an adapter to the device described by settings
func Dial(settings device.Settings) (io.ReadWriteCloser, error) {
	return dial(context.Background(), settings, DefaultDialTimeout)
}
