//go:build darwin

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	launchAgentLabel = "com.taproom.card-agent"
	plistTemplate    = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}/card-agent.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}/card-agent.err</string>
</dict>
</plist>
`
)

type darwinService struct {
	home string
}

// New creates a new platform-specific service manager
func New() Service {
	home, _ := os.UserHomeDir()
	return &darwinService{home: home}
}

func (s *darwinService) plistPath() string {
	return filepath.Join(s.home, "Library", "LaunchAgents", launchAgentLabel+".plist")
}

func (s *darwinService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := executablePath()
	if err != nil {
		return err
	}

	logDir := filepath.Join(s.home, "Library", "Logs", "Card-Agent")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	data := struct {
		Label          string
		ExecutablePath string
		LogPath        string
	}{launchAgentLabel, execPath, logDir}
	if err := writeTemplate(s.plistPath(), "plist", plistTemplate, data); err != nil {
		return err
	}

	if output, err := exec.Command("launchctl", "load", "-w", s.plistPath()).CombinedOutput(); err != nil {
		return fmt.Errorf("failed to load launch agent: %s: %w", string(output), err)
	}
	return nil
}

func (s *darwinService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	// not loaded is fine
	_, _ = exec.Command("launchctl", "unload", "-w", s.plistPath()).CombinedOutput()

	if err := os.Remove(s.plistPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove plist file: %w", err)
	}
	return nil
}

func (s *darwinService) IsInstalled() bool {
	return exists(s.plistPath())
}

func (s *darwinService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}
	if err := exec.Command("launchctl", "list", launchAgentLabel).Run(); err != nil {
		return "installed but not running", nil
	}
	return "running", nil
}
