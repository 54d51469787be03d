package ui

import (
	"log"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/pairing"
	"github.com/lowaak/smart-trainer/ride-app/internal/pairingpage"
	"github.com/lowaak/smart-trainer/ride-app/internal/safego"
)

const component = "PairingPageUI"

// PairingService is the part of the pairing service the page calls directly
type PairingService interface {
	GetState() pairing.State
	StartDeviceSelection(c device.Capability, cb func(pairing.CapabilityData))
	StopDeviceSelection()
	SelectDevice(c device.Capability, udid string, addAll bool)
	DeleteDevice(c device.Capability, udid string, deleteAll bool)
	ChangeInterfaceSettings(name device.InterfaceName, setting device.InterfaceSetting)
}

// Page is the pairing page state machine
type Page interface {
	Open(onStateChanged func(pairing.State))
	Close()
	Pause()
	Resume()
	OnStateChanged(fn func(pairingpage.State)) func()
}

// Controller handles user actions of the pairing page
type Controller struct {
	logger  *log.Logger
	model   *Model
	service PairingService
	page    Page

	offPage func()
}

func NewController(logger *log.Logger, model *Model, service PairingService, page Page) *Controller {
	if logger == nil {
		panic("UIController: logger cannot be nil")
	}
	return &Controller{logger: logger, model: model, service: service, page: page}
}

// Open starts pairing and feeds every state change into the model
func (c *Controller) Open() {
	defer safego.Recover(c.logger, component, "Open")
	c.offPage = c.page.OnStateChanged(c.model.SetPageState)
	c.page.Open(c.model.SetPairingState)
}

func (c *Controller) Close() {
	defer safego.Recover(c.logger, component, "Close")
	if c.model.Snapshot().Selecting != "" {
		c.service.StopDeviceSelection()
		c.model.SetSelecting("")
	}
	c.page.Close()
	if c.offPage != nil {
		c.offPage()
		c.offPage = nil
	}
}

// ToggleInterface enables a disabled interface and disables an enabled one
func (c *Controller) ToggleInterface(name device.InterfaceName) {
	defer safego.Recover(c.logger, component, "ToggleInterface")
	for _, info := range c.model.Snapshot().Pairing.Interfaces {
		if info.Name != name {
			continue
		}
		setting := info.InterfaceSetting
		setting.Enabled = !setting.Enabled
		c.logger.Printf("%s: interface %s enabled=%v", component, name, setting.Enabled)
		c.service.ChangeInterfaceSettings(name, setting)
		return
	}
	c.logger.Printf("%s: unknown interface %s", component, name)
}

// BeginSelection pauses the pairing loop and scans for devices of capability
func (c *Controller) BeginSelection(capability device.Capability) {
	defer safego.Recover(c.logger, component, "BeginSelection")
	c.logger.Printf("%s: device selection capability=%s", component, capability)
	c.page.Pause()
	c.model.SetSelecting(capability)
	c.service.StartDeviceSelection(capability, func(pairing.CapabilityData) {
		c.model.SetPairingState(c.service.GetState())
	})
}

// EndSelection leaves device selection without changing the selection
func (c *Controller) EndSelection() {
	defer safego.Recover(c.logger, component, "EndSelection")
	if c.model.Snapshot().Selecting == "" {
		return
	}
	c.service.StopDeviceSelection()
	c.model.SetSelecting("")
	c.page.Resume()
}

// SelectDevice selects udid for the capability in selection, or for every
// capability it offers when addAll is set, and ends the selection
func (c *Controller) SelectDevice(udid string, addAll bool) {
	defer safego.Recover(c.logger, component, "SelectDevice")
	capability := c.model.Snapshot().Selecting
	if capability == "" {
		return
	}
	c.service.SelectDevice(capability, udid, addAll)
	c.model.SetSelecting("")
	c.page.Resume()
}

// DeleteDevice removes udid from the capability in selection
func (c *Controller) DeleteDevice(udid string) {
	defer safego.Recover(c.logger, component, "DeleteDevice")
	capability := c.model.Snapshot().Selecting
	if capability == "" {
		return
	}
	c.service.DeleteDevice(capability, udid, false)
	c.model.SetPairingState(c.service.GetState())
}
