package safego

import (
	"fmt"
	"log"
	"runtime/debug"
)

// Go runs fn on a new goroutine. A panic is written to logger with its stack
// before being re-raised, so it is not lost when the terminal UI owns stdout.
func Go(logger *log.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC: %v\n%s", r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}

// Recover is deferred at the top of public service methods. It swallows a
// panic and logs it as an error event for component.fn.
func Recover(logger *log.Logger, component string, fn string) {
	if r := recover(); r != nil {
		LogError(logger, component, fn, fmt.Errorf("panic: %v", r))
		logger.Printf("%s: stack fn=%s\n%s", component, fn, debug.Stack())
	}
}

// LogError writes the structured error line shared by all services
func LogError(logger *log.Logger, component string, fn string, err error) {
	logger.Printf("%s: error fn=%s error=%q", component, fn, err.Error())
}
