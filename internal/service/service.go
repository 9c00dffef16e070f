// Package service installs the agent to start at login.
package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

var (
	ErrAlreadyInstalled = errors.New("auto-start is already enabled")
	ErrNotInstalled     = errors.New("auto-start is not enabled")
)

// Service manages launch-at-login for the current user.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}

const appName = "card-agent"

// executablePath returns the running binary with symlinks resolved.
func executablePath() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable path: %w", err)
	}
	return execPath, nil
}

// writeTemplate renders text into path, creating parent directories.
func writeTemplate(path, name, text string, data any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", name, err)
	}

	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return fmt.Errorf("failed to parse %s template: %w", name, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s file: %w", name, err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write %s file: %w", name, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
