package ui

import (
	"fmt"
	"log"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
)

const instructions = "[yellow]Enter[white] Select  |  [yellow]A[white] Use for all  |  [yellow]D[white] Delete  |  [yellow]Tab[white] Switch pane  |  [yellow]Esc[white] Back  |  [yellow]Q[white] Quit"

var _ View = (*CursesView)(nil)

// CursesView implements View with tview
type CursesView struct {
	logger *log.Logger
	app    *tview.Application

	status       *tview.TextView
	capabilities *tview.List
	devices      *tview.List
	interfaces   *tview.List
	logView      *tview.TextView
	root         *tview.Flex

	// rows of the lists as rendered last, read by the key handlers
	mu         sync.Mutex
	capRows    []device.Capability
	deviceRows []string
	ifaceRows  []device.InterfaceName
}

func NewCursesView(logger *log.Logger, app *tview.Application) *CursesView {
	return &CursesView{logger: logger, app: app}
}

// LogWriter returns the log pane. It is redrawn with the next snapshot,
// not on every write.
func (ui *CursesView) LogWriter() *tview.TextView {
	if ui.logView == nil {
		ui.logView = tview.NewTextView().
			SetDynamicColors(false).
			SetScrollable(true).
			SetMaxLines(500)
		ui.logView.SetBorder(true).SetTitle(" Logs ")
	}
	return ui.logView
}

func (ui *CursesView) Initialize(controller *Controller) {
	ui.status = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	help := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText(instructions)

	ui.capabilities = tview.NewList().
		ShowSecondaryText(false).
		SetSelectedFunc(func(index int, _, _ string, _ rune) {
			if c, ok := ui.capabilityAt(index); ok {
				controller.BeginSelection(c)
				ui.app.SetFocus(ui.devices)
			}
		})
	ui.capabilities.SetBorder(true).SetTitle(" Devices ")

	ui.devices = tview.NewList().
		ShowSecondaryText(false).
		SetSelectedFunc(func(index int, _, _ string, _ rune) {
			if udid, ok := ui.deviceAt(index); ok {
				controller.SelectDevice(udid, false)
				ui.app.SetFocus(ui.capabilities)
			}
		})
	ui.devices.SetBorder(true).SetTitle(" Select Device ")

	ui.interfaces = tview.NewList().
		ShowSecondaryText(false).
		SetSelectedFunc(func(index int, _, _ string, _ rune) {
			if name, ok := ui.interfaceAt(index); ok {
				controller.ToggleInterface(name)
			}
		})
	ui.interfaces.SetBorder(true).SetTitle(" Interfaces ")

	left := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(ui.capabilities, 0, 2, true).
		AddItem(ui.devices, 0, 2, false).
		AddItem(ui.interfaces, 0, 1, false)

	main := tview.NewFlex().
		AddItem(left, 0, 1, true).
		AddItem(ui.LogWriter(), 0, 1, false)

	ui.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(ui.status, 1, 0, false).
		AddItem(main, 0, 1, true).
		AddItem(help, 1, 0, false)

	ui.setupKeyboardHandlers(controller)
	ui.app.SetRoot(ui.root, true).SetFocus(ui.capabilities)
}

func (ui *CursesView) setupKeyboardHandlers(controller *Controller) {
	panes := []tview.Primitive{ui.capabilities, ui.devices, ui.interfaces}
	ui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyTab:
			for i, p := range panes {
				if p.HasFocus() {
					ui.app.SetFocus(panes[(i+1)%len(panes)])
					return nil
				}
			}
			ui.app.SetFocus(panes[0])
			return nil
		case tcell.KeyEscape:
			controller.EndSelection()
			ui.app.SetFocus(ui.capabilities)
			return nil
		case tcell.KeyRune:
		default:
			return event
		}

		switch event.Rune() {
		case 'q', 'Q':
			ui.app.Stop()
			return nil
		case 'a', 'A':
			if ui.devices.HasFocus() {
				if udid, ok := ui.deviceAt(ui.devices.GetCurrentItem()); ok {
					controller.SelectDevice(udid, true)
					ui.app.SetFocus(ui.capabilities)
				}
				return nil
			}
		case 'd', 'D':
			if ui.devices.HasFocus() {
				if udid, ok := ui.deviceAt(ui.devices.GetCurrentItem()); ok {
					controller.DeleteDevice(udid)
				}
				return nil
			}
		}
		return event
	})
}

func (ui *CursesView) capabilityAt(i int) (device.Capability, bool) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	if i < 0 || i >= len(ui.capRows) {
		return "", false
	}
	return ui.capRows[i], true
}

func (ui *CursesView) deviceAt(i int) (string, bool) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	if i < 0 || i >= len(ui.deviceRows) {
		return "", false
	}
	return ui.deviceRows[i], true
}

func (ui *CursesView) interfaceAt(i int) (device.InterfaceName, bool) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	if i < 0 || i >= len(ui.ifaceRows) {
		return "", false
	}
	return ui.ifaceRows[i], true
}

func (ui *CursesView) Render(s Snapshot) {
	rows := buildRows(s)

	ui.mu.Lock()
	ui.capRows = rows.capabilities
	ui.deviceRows = rows.devices
	ui.ifaceRows = rows.interfaces
	ui.mu.Unlock()

	ui.app.QueueUpdateDraw(func() {
		ui.status.SetText(formatStatus(s))
		fillList(ui.capabilities, rows.capabilityText)
		fillList(ui.devices, rows.deviceText)
		fillList(ui.interfaces, rows.interfaceText)
		if s.Selecting != "" {
			ui.devices.SetTitle(fmt.Sprintf(" Select %s Device ", capabilityName(s.Selecting)))
		} else {
			ui.devices.SetTitle(" Select Device ")
		}
	})
}

// fillList replaces the items of l keeping the cursor position
func fillList(l *tview.List, items []string) {
	current := l.GetCurrentItem()
	l.Clear()
	for _, item := range items {
		l.AddItem(item, "", 0, nil)
	}
	if current < len(items) {
		l.SetCurrentItem(current)
	}
}

func (ui *CursesView) Run() error {
	return ui.app.Run()
}

func (ui *CursesView) Stop() {
	ui.app.Stop()
}

// rows is the list content derived from one snapshot
type rows struct {
	capabilities   []device.Capability
	capabilityText []string
	devices        []string
	deviceText     []string
	interfaces     []device.InterfaceName
	interfaceText  []string
}

func buildRows(s Snapshot) rows {
	var r rows
	for _, cd := range s.Pairing.Capabilities {
		r.capabilities = append(r.capabilities, cd.Capability)
		r.capabilityText = append(r.capabilityText, formatCapability(cd))
	}
	if s.Selecting != "" {
		if cd, ok := s.Pairing.Capability(s.Selecting); ok {
			for _, d := range cd.Devices {
				r.devices = append(r.devices, d.UDID)
				r.deviceText = append(r.deviceText, formatDevice(d))
			}
		}
	}
	for _, info := range s.Pairing.Interfaces {
		r.interfaces = append(r.interfaces, info.Name)
		r.interfaceText = append(r.interfaceText, formatInterface(info))
	}
	return r
}
