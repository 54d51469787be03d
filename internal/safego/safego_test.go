package safego

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecover_SwallowsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	assert.NotPanics(t, func() {
		defer Recover(logger, "DevicePairingService", "start")
		panic("boom")
	})

	out := buf.String()
	assert.Contains(t, out, `DevicePairingService: error fn=start error="panic: boom"`)
	assert.Contains(t, out, "stack fn=start")
}

func TestRecover_NoPanicNoLog(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	func() {
		defer Recover(logger, "X", "y")
	}()

	assert.Empty(t, buf.String())
}

func TestGo_RunsFunction(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	done := make(chan struct{})
	Go(logger, func() { close(done) })
	<-done
}
