// Package presence watches the reader for card insertion and removal and
// reports changes as card-status-changed events.
package presence

import (
	"encoding/json"
	"sync"
)

// ReaderNotFound is the error text reported while no reader is attached.
const ReaderNotFound = "reader not found"

// State classifies a Status.
type State int

const (
	NoReader State = iota
	ReaderIdle
	CardPresent
	Error
)

func (s State) String() string {
	switch s {
	case NoReader:
		return "no_reader"
	case ReaderIdle:
		return "reader_idle"
	case CardPresent:
		return "card_present"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Status is the card-status-changed payload. Both fields serialize as null
// when unset.
type Status struct {
	UID   *string `json:"uid"`
	Error *string `json:"error"`
}

func NoReaderStatus() Status {
	msg := ReaderNotFound
	return Status{Error: &msg}
}

func IdleStatus() Status {
	return Status{}
}

func PresentStatus(uid string) Status {
	return Status{UID: &uid}
}

func ErrorStatus(msg string) Status {
	return Status{Error: &msg}
}

// State classifies s.
func (s Status) State() State {
	switch {
	case s.UID != nil:
		return CardPresent
	case s.Error == nil:
		return ReaderIdle
	case *s.Error == ReaderNotFound:
		return NoReader
	default:
		return Error
	}
}

// Key is the serialized form used for de-duplication.
func (s Status) Key() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Tracker remembers the last emitted status. It is owned by a single
// goroutine.
type Tracker struct {
	last    string
	emitted bool
}

// Observe records s and reports whether it differs from the last emitted
// status.
func (t *Tracker) Observe(s Status) bool {
	key := s.Key()
	if t.emitted && key == t.last {
		return false
	}
	t.last = key
	t.emitted = true
	return true
}

// Notifier receives status changes.
type Notifier interface {
	Notify(Status)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Status)

func (f NotifierFunc) Notify(s Status) { f(s) }

// Fanout delivers each status to every notifier in order.
type Fanout []Notifier

func (f Fanout) Notify(s Status) {
	for _, n := range f {
		n.Notify(s)
	}
}

// Latest holds the most recent status for readers outside the poll loop.
type Latest struct {
	mu     sync.RWMutex
	status Status
	known  bool
}

func (l *Latest) Notify(s Status) {
	l.mu.Lock()
	l.status = s
	l.known = true
	l.mu.Unlock()
}

// Get returns the last status and whether one has been observed yet.
func (l *Latest) Get() (Status, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status, l.known
}
