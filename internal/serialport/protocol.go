package serialport

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
)

// Protocol speaks the command set of one family of serial bikes
type Protocol interface {
	Capabilities() []device.Capability
	CyclingModes() []device.CyclingMode
	// Handshake runs once after the port is opened
	Handshake(ctx context.Context, rw io.ReadWriter) error
	Poll(ctx context.Context, rw io.ReadWriter) (device.Data, error)
	Update(ctx context.Context, rw io.ReadWriter, mode device.CyclingMode, req device.UpdateRequest) error
}

// RouteUploader is implemented by protocols whose modes need the elevation
// profile ahead (device.CyclingMode.RequiresRoute)
type RouteUploader interface {
	UploadRoute(ctx context.Context, rw io.ReadWriter, route []device.RoutePoint) error
}

var (
	protocolsMu sync.RWMutex
	protocols   = make(map[string]func() Protocol)
)

// RegisterProtocol makes a protocol available under name. Registering a
// name twice replaces the earlier constructor.
func RegisterProtocol(name string, create func() Protocol) {
	protocolsMu.Lock()
	defer protocolsMu.Unlock()
	protocols[name] = create
}

// Protocols returns the registered protocol names
func Protocols() []string {
	protocolsMu.RLock()
	defer protocolsMu.RUnlock()
	names := make([]string, 0, len(protocols))
	for n := range protocols {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lookupProtocol(name string) (Protocol, bool) {
	protocolsMu.RLock()
	create, ok := protocols[name]
	protocolsMu.RUnlock()
	if !ok {
		return nil, false
	}
	return create(), true
}
