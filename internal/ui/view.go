package ui

import (
	"context"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/ride-app/internal/safego"
)

// View is a framework specific rendering of the pairing page
type View interface {
	// Initialize builds the widgets and binds keys to controller
	Initialize(controller *Controller)
	// Run blocks until the view exits
	Run() error
	Stop()
	Render(s Snapshot)
}

// BaseView pushes model snapshots into a View
type BaseView struct {
	view       View
	model      *Model
	controller *Controller
	logger     *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBaseView(logger *log.Logger, view View, model *Model, controller *Controller) *BaseView {
	if logger == nil {
		panic("BaseView: logger cannot be nil")
	}
	if view == nil {
		panic("BaseView: view cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &BaseView{
		view:       view,
		model:      model,
		controller: controller,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	view.Initialize(controller)
	b.listen()
	return b
}

func (b *BaseView) listen() {
	ch := make(chan Snapshot, 1)
	unregister := b.model.Listen(ch)
	b.wg.Add(1)
	safego.Go(b.logger, func() {
		defer b.wg.Done()
		defer unregister()
		for {
			select {
			case <-b.ctx.Done():
				return
			case s := <-ch:
				b.view.Render(s)
			}
		}
	})
}

// Run opens the pairing page and blocks until the view exits
func (b *BaseView) Run() error {
	b.controller.Open()
	err := b.view.Run()
	b.Shutdown()
	return err
}

// Shutdown closes the page and stops rendering. It is safe to call twice.
func (b *BaseView) Shutdown() {
	if b.ctx.Err() != nil {
		return
	}
	b.controller.Close()
	b.cancel()
	b.wg.Wait()
}
