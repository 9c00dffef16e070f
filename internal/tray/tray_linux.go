//go:build linux

package tray

import (
	"sync"

	"github.com/taproom/card-agent/internal/presence"
	"github.com/taproom/card-agent/internal/service"
)

// TrayApp is a no-op on Linux, where tray support depends on the desktop
// environment and the agent runs headless.
type TrayApp struct {
	onQuit func()
	done   chan struct{}
	once   sync.Once
}

func New(autostart service.Service, reader func() string, onQuit func()) *TrayApp {
	return &TrayApp{onQuit: onQuit, done: make(chan struct{})}
}

// RunWithServer starts the server and blocks until Quit.
func (t *TrayApp) RunWithServer(serverStart func()) {
	if serverStart != nil {
		go serverStart()
	}
	<-t.done
	if t.onQuit != nil {
		t.onQuit()
	}
}

func (t *TrayApp) Quit() {
	t.once.Do(func() { close(t.done) })
}

func (t *TrayApp) Notify(presence.Status) {}

// IsSupported returns false on Linux.
func IsSupported() bool {
	return false
}
