// Package welcome shows native dialogs: the first-run questions and About.
package welcome

import (
	"errors"

	"github.com/taproom/card-agent/internal/logging"
	"github.com/taproom/card-agent/internal/service"
	"github.com/taproom/card-agent/internal/settings"
)

const title = "Card Agent"

const autostartPromptMessage = `Would you like Card Agent to start automatically when you log in?

This keeps the card reader available to web applications on this computer.

You can change this later from the tray menu.`

const crashReportingPromptMessage = `Help improve Card Agent by sending anonymous crash reports?

If the app crashes, diagnostic information is sent to help fix bugs faster. Card keys are never included.

You can change this later from the tray menu.`

const aboutMessage = `Card Agent

A background service that lets web applications read and write MIFARE Classic cards on a reader attached to this computer.

API: loopback only (127.0.0.1)`

// Prompter asks yes/no questions.
type Prompter interface {
	Confirm(title, message string) bool
}

// FirstRun asks about launch at login and crash reporting once per user.
// Later calls do nothing.
func FirstRun(p Prompter, autostart service.Service) error {
	if !settings.IsFirstRun() {
		return nil
	}

	if !autostart.IsInstalled() && p.Confirm(title, autostartPromptMessage) {
		if err := autostart.Install(); err != nil && !errors.Is(err, service.ErrAlreadyInstalled) {
			logging.Error(logging.CatSystem, "Failed to enable auto-start", map[string]any{"error": err.Error()})
		}
	}

	if p.Confirm(title, crashReportingPromptMessage) {
		if err := settings.SetCrashReporting(true); err != nil {
			return err
		}
		logging.Info(logging.CatSystem, "Crash reporting enabled, active after restart", nil)
	}

	return settings.MarkFirstRunDone()
}

// ShowAbout displays the About dialog.
func ShowAbout(version string) {
	showMessage("About "+title, aboutMessage+"\n\nVersion: "+version)
}
