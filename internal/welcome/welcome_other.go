//go:build !darwin && !windows

package welcome

// Native returns a prompter that declines everything. Linux runs headless and
// autostart is handled by `card-agent install`.
func Native() Prompter {
	return declinePrompter{}
}

type declinePrompter struct{}

func (declinePrompter) Confirm(string, string) bool { return false }

func showMessage(string, string) {}
