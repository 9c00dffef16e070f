//go:build linux

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	// XDG autostart entry, started with the graphical session so the tray
	// has a display.
	desktopTemplate = `[Desktop Entry]
Type=Application
Name=Card Agent
Comment=Taproom card reader companion
Exec={{.ExecutablePath}}
Icon=card-agent
Terminal=false
Categories=Utility;
StartupNotify=false
X-GNOME-Autostart-enabled=true
`

	// systemd user unit for machines without a graphical session.
	serviceTemplate = `[Unit]
Description=Card Agent - taproom card reader companion
After=pcscd.service

[Service]
Type=simple
ExecStart={{.ExecutablePath}} --no-tray
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
)

type linuxService struct {
	configDir string
}

// New creates a new platform-specific service manager
func New() Service {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return &linuxService{configDir: configDir}
}

func (s *linuxService) autostartPath() string {
	return filepath.Join(s.configDir, "autostart", appName+".desktop")
}

func (s *linuxService) unitPath() string {
	return filepath.Join(s.configDir, "systemd", "user", appName+".service")
}

func graphicalSession() bool {
	return os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
}

func (s *linuxService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := executablePath()
	if err != nil {
		return err
	}
	data := struct{ ExecutablePath string }{execPath}

	if graphicalSession() {
		return writeTemplate(s.autostartPath(), "autostart", desktopTemplate, data)
	}

	if err := writeTemplate(s.unitPath(), "systemd unit", serviceTemplate, data); err != nil {
		return err
	}
	if output, err := exec.Command("systemctl", "--user", "enable", "--now", appName+".service").CombinedOutput(); err != nil {
		return fmt.Errorf("failed to enable user service: %s: %w", string(output), err)
	}
	return nil
}

func (s *linuxService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	if err := os.Remove(s.autostartPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove autostart file: %w", err)
	}

	if exists(s.unitPath()) {
		_ = exec.Command("systemctl", "--user", "disable", "--now", appName+".service").Run()
		if err := os.Remove(s.unitPath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove systemd unit: %w", err)
		}
		_ = exec.Command("systemctl", "--user", "daemon-reload").Run()
	}
	return nil
}

func (s *linuxService) IsInstalled() bool {
	return exists(s.autostartPath()) || exists(s.unitPath())
}

func (s *linuxService) Status() (string, error) {
	method := ""
	switch {
	case exists(s.autostartPath()):
		method = "autostart"
	case exists(s.unitPath()):
		method = "systemd"
	default:
		return "not installed", nil
	}

	if err := exec.Command("pgrep", "-x", appName).Run(); err == nil {
		return fmt.Sprintf("running (%s)", method), nil
	}
	return fmt.Sprintf("installed (%s) but not running", method), nil
}
