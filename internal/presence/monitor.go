package presence

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/taproom/card-agent/internal/core"
	"github.com/taproom/card-agent/internal/logging"
)

// DefaultInterval is the polling period.
const DefaultInterval = 500 * time.Millisecond

// Options configures a Monitor.
type Options struct {
	Interval time.Duration
	// PreferredReader returns the reader to watch when it is attached.
	// Otherwise the first enumerated reader is used.
	PreferredReader func() string
}

// Monitor polls the reader and reports card presence changes.
type Monitor struct {
	source    core.UIDReader
	notify    Notifier
	interval  time.Duration
	preferred func() string
}

// NewMonitor creates a monitor reading from source and reporting to notify.
func NewMonitor(source core.UIDReader, notify Notifier, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if notify == nil {
		notify = Fanout(nil)
	}
	return &Monitor{
		source:    source,
		notify:    notify,
		interval:  opts.Interval,
		preferred: opts.PreferredReader,
	}
}

// Poll performs one observation. ok is false when the tick yields no
// observation (reader held by another application) and the previous state
// should stand.
func (m *Monitor) Poll() (status Status, ok bool) {
	readers, err := m.source.ListReaders()
	if err != nil {
		logging.Debug(logging.CatPresence, "Failed to list readers", map[string]any{"error": err.Error()})
		return NoReaderStatus(), true
	}
	if len(readers) == 0 {
		return NoReaderStatus(), true
	}

	reader := m.pick(readers)
	uid, err := m.source.CardUID(reader)
	if err == nil {
		return PresentStatus(hex.EncodeToString(uid)), true
	}

	switch core.KindOf(err) {
	case core.KindNoCard:
		return IdleStatus(), true
	case core.KindReaderUnavailable:
		return NoReaderStatus(), true
	case core.KindSharingViolation:
		return Status{}, false
	}
	logging.Warn(logging.CatPresence, "Failed to read card UID", map[string]any{
		"reader": reader,
		"error":  err.Error(),
	})
	return ErrorStatus(err.Error()), true
}

func (m *Monitor) pick(readers []string) string {
	if m.preferred != nil {
		if want := m.preferred(); want != "" {
			for _, r := range readers {
				if r == want {
					return r
				}
			}
		}
	}
	return readers[0]
}

// Run polls until ctx is cancelled. A panic inside one tick is logged and
// the loop continues.
func (m *Monitor) Run(ctx context.Context) {
	logging.Info(logging.CatPresence, "Presence monitor started", map[string]any{
		"intervalMs": m.interval.Milliseconds(),
	})
	defer logging.Info(logging.CatPresence, "Presence monitor stopped", nil)

	var tracker Tracker
	m.tick(&tracker)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(&tracker)
		}
	}
}

func (m *Monitor) tick(tracker *Tracker) {
	defer logging.RecoverAndLog("presence monitor tick", false)

	status, ok := m.Poll()
	if !ok || !tracker.Observe(status) {
		return
	}
	logging.Info(logging.CatPresence, "Card status changed", map[string]any{
		"state":  status.State().String(),
		"status": status.Key(),
	})
	m.notify.Notify(status)
}
