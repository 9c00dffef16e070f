//go:build !linux

package tray

import (
	"os/exec"
	"runtime"
	"sync"

	"github.com/getlantern/systray"

	"github.com/taproom/card-agent/internal/api"
	"github.com/taproom/card-agent/internal/logging"
	"github.com/taproom/card-agent/internal/presence"
	"github.com/taproom/card-agent/internal/service"
	"github.com/taproom/card-agent/internal/settings"
	"github.com/taproom/card-agent/internal/welcome"
)

// TrayApp manages the system tray icon and menu
type TrayApp struct {
	autostart service.Service
	reader    func() string
	onQuit    func()

	mu   sync.Mutex
	last *presence.Status

	// Menu items for updating
	mStatus *systray.MenuItem
	mCard   *systray.MenuItem
	mReader *systray.MenuItem
}

// New creates a new TrayApp. reader reports the reader currently watched,
// empty for the first available one.
func New(autostart service.Service, reader func() string, onQuit func()) *TrayApp {
	return &TrayApp{
		autostart: autostart,
		reader:    reader,
		onQuit:    onQuit,
	}
}

// RunWithServer runs the tray on the main thread and starts the server in a goroutine.
// This function BLOCKS - it must be called from the main goroutine on macOS.
func (t *TrayApp) RunWithServer(serverStart func()) {
	systray.Run(func() {
		t.onReady()
		if serverStart != nil {
			go serverStart()
		}
	}, t.onExit)
}

// Quit closes the tray, which ends RunWithServer.
func (t *TrayApp) Quit() {
	systray.Quit()
}

func (t *TrayApp) onReady() {
	systray.SetIcon(iconData)
	systray.SetTitle("") // Empty title for cleaner menu bar (macOS)
	systray.SetTooltip("Card Agent")

	mVersion := systray.AddMenuItem(versionLabel(), "")
	mVersion.Disable()

	systray.AddSeparator()

	t.mu.Lock()
	t.mStatus = systray.AddMenuItem("Status: Starting...", "Reader status")
	t.mStatus.Disable()
	t.mCard = systray.AddMenuItem("Card: -", "UID of the card on the reader")
	t.mCard.Disable()
	t.mReader = systray.AddMenuItem(readerLabel(t.reader()), "Reader watched for cards")
	t.mReader.Disable()
	if t.last != nil {
		t.applyLocked(*t.last)
	}
	t.mu.Unlock()

	systray.AddSeparator()

	mAutostart := systray.AddMenuItemCheckbox("Launch at Login", "Start Card Agent when you log in", t.autostart.IsInstalled())
	mCrash := systray.AddMenuItemCheckbox("Send Crash Reports", "Takes effect after restart", settings.IsCrashReportingEnabled())
	mCrashLogs := systray.AddMenuItem("Open Crash Logs", "Open the crash log folder")
	mAbout := systray.AddMenuItem("About", "About Card Agent")

	systray.AddSeparator()

	mQuit := systray.AddMenuItem("Quit", "Exit Card Agent")

	go func() {
		defer logging.RecoverAndLog("tray menu", false)
		for {
			select {
			case <-mAutostart.ClickedCh:
				t.toggleAutostart(mAutostart)
			case <-mCrash.ClickedCh:
				t.toggleCrashReporting(mCrash)
			case <-mCrashLogs.ClickedCh:
				openPath(logging.CrashLogDir())
			case <-mAbout.ClickedCh:
				go welcome.ShowAbout(api.Version)
			case <-mQuit.ClickedCh:
				systray.Quit()
				return
			}
		}
	}()
}

func (t *TrayApp) onExit() {
	if t.onQuit != nil {
		t.onQuit()
	}
}

// Notify shows s in the menu. Statuses that arrive before the menu exists are
// applied once it is built.
func (t *TrayApp) Notify(s presence.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = &s
	if t.mStatus != nil {
		t.applyLocked(s)
	}
}

func (t *TrayApp) applyLocked(s presence.Status) {
	status, card := statusLabels(s)
	t.mStatus.SetTitle(status)
	t.mCard.SetTitle(card)
	t.mReader.SetTitle(readerLabel(t.reader()))
}

func (t *TrayApp) toggleAutostart(item *systray.MenuItem) {
	var err error
	if item.Checked() {
		err = t.autostart.Uninstall()
	} else {
		err = t.autostart.Install()
	}
	if err != nil {
		logging.Error(logging.CatSystem, "Failed to change auto-start", map[string]any{"error": err.Error()})
	}

	if t.autostart.IsInstalled() {
		item.Check()
	} else {
		item.Uncheck()
	}
}

func (t *TrayApp) toggleCrashReporting(item *systray.MenuItem) {
	enabled := !item.Checked()
	if err := settings.SetCrashReporting(enabled); err != nil {
		logging.Error(logging.CatSystem, "Failed to save settings", map[string]any{"error": err.Error()})
		return
	}
	if enabled {
		item.Check()
	} else {
		item.Uncheck()
	}
}

func openPath(path string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}

	if err := cmd.Start(); err != nil {
		logging.Warn(logging.CatSystem, "Failed to open path", map[string]any{"path": path, "error": err.Error()})
	}
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return true
}
