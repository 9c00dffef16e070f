//go:build darwin

package welcome

import (
	"os/exec"
	"strings"
)

// Native returns the osascript dialog prompter.
func Native() Prompter {
	return dialogPrompter{}
}

type dialogPrompter struct{}

func (dialogPrompter) Confirm(title, message string) bool {
	script := `display dialog "` + escapeAppleScript(message) + `" with title "` + escapeAppleScript(title) + `" buttons {"No", "Yes"} default button 2 with icon note`
	out, err := exec.Command("osascript", "-e", script).Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "Yes")
}

func showMessage(title, message string) {
	script := `display dialog "` + escapeAppleScript(message) + `" with title "` + escapeAppleScript(title) + `" buttons {"OK"} default button 1 with icon note`
	_ = exec.Command("osascript", "-e", script).Run()
}

func escapeAppleScript(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
