package tray

import (
	"strings"

	"github.com/taproom/card-agent/internal/api"
	"github.com/taproom/card-agent/internal/presence"
)

// statusLabels returns the status and card menu titles for s.
func statusLabels(s presence.Status) (status, card string) {
	switch s.State() {
	case presence.NoReader:
		return "Status: No reader connected", "Card: -"
	case presence.ReaderIdle:
		return "Status: Ready", "Card: None"
	case presence.CardPresent:
		return "Status: Ready", "Card: " + *s.UID
	default:
		return "Status: Error (" + *s.Error + ")", "Card: -"
	}
}

func readerLabel(preferred string) string {
	if strings.TrimSpace(preferred) == "" {
		return "Reader: First available"
	}
	return "Reader: " + preferred
}

// versionLabel only prefixes "v" for release versions, not dev builds.
func versionLabel() string {
	v := api.Version
	if len(v) > 0 && v[0] >= '0' && v[0] <= '9' {
		v = "v" + v
	}
	return "Card Agent " + v
}
