package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/ride-app/internal/access"
	"github.com/lowaak/smart-trainer/ride-app/internal/appconfig"
	"github.com/lowaak/smart-trainer/ride-app/internal/bt"
	"github.com/lowaak/smart-trainer/ride-app/internal/devconfig"
	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/logging"
	"github.com/lowaak/smart-trainer/ride-app/internal/pairing"
	"github.com/lowaak/smart-trainer/ride-app/internal/pairingpage"
	"github.com/lowaak/smart-trainer/ride-app/internal/ride"
	"github.com/lowaak/smart-trainer/ride-app/internal/serialport"
	"github.com/lowaak/smart-trainer/ride-app/internal/simulator"
	"github.com/lowaak/smart-trainer/ride-app/internal/tcpip"
	"github.com/lowaak/smart-trainer/ride-app/internal/ui"
)

const shutdownTimeout = 5 * time.Second

func main() {
	flags := pflag.NewFlagSet("smart-trainer", pflag.ContinueOnError)
	appconfig.RegisterFlags(flags)
	cfg, err := appconfig.Load(flags, os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	must("load configuration", err)

	logger, logCloser, err := logging.New(cfg.Log)
	must("open log", err)
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Printf("Main: %v", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *appconfig.Config, logger *log.Logger) error {
	logger.Printf("Main: starting, devices=%s simulator=%v", cfg.Devices.File, cfg.Simulator.Enforced)

	manager := bt.NewManager(bluetooth.DefaultAdapter, logger)
	defer manager.Shutdown()

	registry := device.NewRegistry()
	registry.Register(device.InterfaceBle, bt.Factory(logger, manager))
	registry.Register(device.InterfaceSimulator, simulator.Factory(logger))
	registry.Register(device.InterfaceSerial, serialport.Factory(logger))
	registry.Register(device.InterfaceTCPIP, serialport.Factory(logger, serialport.WithDialer(tcpip.Dial)))

	acc := access.NewService(logger)
	acc.RegisterBinding(bt.NewBinding(logger, manager))
	acc.RegisterBinding(simulator.NewBinding())
	serial := cfg.Interfaces.Serial
	acc.RegisterBinding(serialport.NewBinding(logger, serial.Ports, serial.Protocol, serialport.OpenPort))
	// no ANT+ channel decoder is registered, the stick is opened but reports no devices
	acc.RegisterBinding(serialport.NewAntBinding(logger, cfg.Interfaces.Ant.Port, serialport.OpenPort, nil))
	network := cfg.Interfaces.TCPIP
	acc.RegisterBinding(tcpip.NewBinding(logger, network.Hosts, network.Port, network.Protocol))

	interfaces := append([]device.InterfaceSetting(nil), devconfig.DefaultInterfaces...)
	interfaces = append(interfaces, device.InterfaceSetting{Name: device.InterfaceSimulator, Enabled: cfg.Simulator.Enforced})
	store := devconfig.NewStore(logger, cfg.Devices.File, registry, devconfig.WithDefaultInterfaces(interfaces...))
	store.Init()
	defer func() {
		if err := store.Save(); err != nil {
			logger.Printf("Main: save device configuration: %v", err)
		}
	}()

	rideService := ride.NewService(logger, store,
		ride.WithInterfaceAccess(acc),
		ride.WithSimulator(func() device.Adapter { return simulator.NewAdapter(logger) }),
	)
	rideService.EnforceSimulator(cfg.Simulator.Enforced)

	timings := pairing.DefaultTimings()
	if cfg.Pairing.ScanTimeout > 0 {
		timings.ScanTimeout = cfg.Pairing.ScanTimeout
	}
	pairingService := pairing.NewService(logger, store, acc, rideService,
		pairing.WithTimings(timings),
		pairing.WithAutoRun(false),
	)
	page := pairingpage.New(logger, pairingService, store,
		pairingpage.WithRetryDelays(cfg.Pairing.RetryDelay, cfg.Pairing.RetryDelay),
	)

	app := tview.NewApplication()
	view := ui.NewCursesView(logger, app)
	logger.SetOutput(io.MultiWriter(logger.Writer(), view.LogWriter()))

	model := ui.NewModel()
	controller := ui.NewController(logger, model, pairingService, page)
	base := ui.NewBaseView(logger, view, model, controller)
	err := base.Run()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	rideService.StopRide(ctx)
	logger.Printf("Main: stopped")
	return err
}

func must(action string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to %s: %v\n", action, err)
		os.Exit(1)
	}
}
