package bt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/device/devicetest"
)

var (
	adKickr = Advertisement{Address: "aa:bb:cc:00:00:01", Name: "KICKR CORE", RSSI: -60, Services: []string{ServiceUUIDCyclingPower, ServiceUUIDFTMS}}
	adStrap = Advertisement{Address: "aa:bb:cc:00:00:02", Name: "", RSSI: -70, Services: []string{ServiceUUIDHeartRate}}
	adPhone = Advertisement{Address: "aa:bb:cc:00:00:03", Name: "Phone", RSSI: -50}
)

func connectedBinding(t *testing.T, central *fakeCentral) *Binding {
	t.Helper()
	logger, _ := devicetest.NewLogger()
	b := NewBinding(logger, central)
	ok, err := b.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	return b
}

func TestBinding_ScanReportsCyclingDevicesOnce(t *testing.T) {
	b := connectedBinding(t, newFakeCentral(adKickr, adStrap, adPhone, adKickr))

	var mu sync.Mutex
	var found []device.Settings
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result, err := b.Scan(ctx, device.ScanProps{}, func(s device.Settings) {
		mu.Lock()
		found = append(found, s)
		mu.Unlock()
	})
	require.NoError(t, err)

	expected := []device.Settings{
		{Interface: device.InterfaceBle, Name: "KICKR CORE", Address: adKickr.Address, Protocol: ProtocolFTMS},
		{Interface: device.InterfaceBle, Name: adStrap.Address, Address: adStrap.Address, Protocol: ProtocolHeartRate},
	}
	assert.Equal(t, expected, result)
	assert.Equal(t, expected, found)
}

func TestBinding_ScanFiltersByCapability(t *testing.T) {
	b := connectedBinding(t, newFakeCentral(adKickr, adStrap))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result, err := b.Scan(ctx, device.ScanProps{Capability: device.CapabilityHeartRate}, func(device.Settings) {})
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, ProtocolHeartRate, result[0].Protocol)
}

func TestBinding_StopScanEndsScan(t *testing.T) {
	b := connectedBinding(t, newFakeCentral(adKickr))

	found := make(chan struct{}, 1)
	done := make(chan []device.Settings, 1)
	go func() {
		result, _ := b.Scan(context.Background(), device.ScanProps{}, func(device.Settings) { found <- struct{}{} })
		done <- result
	}()

	<-found
	require.NoError(t, b.StopScan(context.Background()))
	select {
	case result := <-done:
		assert.Len(t, result, 1)
	case <-time.After(time.Second):
		t.Fatal("scan did not stop")
	}
}

func TestBinding_ScanRequiresConnect(t *testing.T) {
	logger, _ := devicetest.NewLogger()
	b := NewBinding(logger, newFakeCentral(adKickr))

	_, err := b.Scan(context.Background(), device.ScanProps{}, func(device.Settings) {})
	assert.ErrorIs(t, err, ErrInterfaceNotConnected)
	assert.Equal(t, device.InterfaceBle, b.Name())

	ok, err := b.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, b.IsConnected())

	ok, err = b.Disconnect(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, b.IsConnected())
}

func TestBinding_ConnectFailsWhenAdapterUnavailable(t *testing.T) {
	central := newFakeCentral()
	central.enableErr = assert.AnError
	logger, _ := devicetest.NewLogger()
	b := NewBinding(logger, central)

	ok, err := b.Connect(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, b.IsConnected())
}

func TestProtocolFor_PrefersFTMS(t *testing.T) {
	p, ok := ProtocolFor([]string{ServiceUUIDHeartRate, ServiceUUIDCyclingPower, ServiceUUIDFTMS})
	require.True(t, ok)
	assert.Equal(t, ProtocolFTMS, p)

	_, ok = ProtocolFor([]string{"0000180f-0000-1000-8000-00805f9b34fb"})
	assert.False(t, ok)

	assert.Equal(t, []device.Capability{device.CapabilityPower, device.CapabilityCadence}, CapabilitiesOf(ProtocolCyclingPower))
	assert.Nil(t, CapabilitiesOf("ANT"))
}
