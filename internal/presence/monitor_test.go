package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taproom/card-agent/internal/core"
	"github.com/taproom/card-agent/internal/logging"
)

// fakeReader scripts ListReaders/CardUID results.
type fakeReader struct {
	mu      sync.Mutex
	readers []string
	listErr error
	uid     []byte
	uidErr  error
	asked   []string
	panics  bool
}

func (f *fakeReader) set(fn func(*fakeReader)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeReader) ListReaders() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("reader driver crashed")
	}
	return f.readers, f.listErr
}

func (f *fakeReader) CardUID(reader string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, reader)
	return f.uid, f.uidErr
}

type recorder struct {
	mu     sync.Mutex
	events []Status
}

func (r *recorder) Notify(s Status) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func statusJSON(t *testing.T, s Status) string {
	t.Helper()
	b, err := json.Marshal(s)
	require.NoError(t, err)
	return string(b)
}

func TestStatusJSON(t *testing.T) {
	assert.JSONEq(t, `{"uid":null,"error":"reader not found"}`, statusJSON(t, NoReaderStatus()))
	assert.JSONEq(t, `{"uid":null,"error":null}`, statusJSON(t, IdleStatus()))
	assert.JSONEq(t, `{"uid":"932bae0e","error":null}`, statusJSON(t, PresentStatus("932bae0e")))

	assert.Equal(t, NoReader, NoReaderStatus().State())
	assert.Equal(t, ReaderIdle, IdleStatus().State())
	assert.Equal(t, CardPresent, PresentStatus("01").State())
	assert.Equal(t, Error, ErrorStatus("boom").State())
}

func TestPollTransitions(t *testing.T) {
	tests := []struct {
		name   string
		reader *fakeReader
		want   Status
		ok     bool
	}{
		{"no readers", &fakeReader{}, NoReaderStatus(), true},
		{"list failure", &fakeReader{listErr: errors.New("service down")}, NoReaderStatus(), true},
		{"card present", &fakeReader{readers: []string{"R1"}, uid: []byte{0x93, 0x2b, 0xae, 0x0e}}, PresentStatus("932bae0e"), true},
		{"no card", &fakeReader{readers: []string{"R1"}, uidErr: &core.HardwareError{Op: "connect", Err: core.ErrNoCard}}, IdleStatus(), true},
		{"card removed", &fakeReader{readers: []string{"R1"}, uidErr: &core.HardwareError{Op: "transmit", Err: core.ErrCardRemoved}}, IdleStatus(), true},
		{"reader unplugged", &fakeReader{readers: []string{"R1"}, uidErr: &core.HardwareError{Op: "connect", Err: core.ErrReaderUnavailable}}, NoReaderStatus(), true},
		{"sharing violation", &fakeReader{readers: []string{"R1"}, uidErr: &core.HardwareError{Op: "connect", Err: core.ErrSharingViolation}}, Status{}, false},
		{"other failure", &fakeReader{readers: []string{"R1"}, uidErr: errors.New("usb babble")}, ErrorStatus("usb babble"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(tt.reader, nil, Options{})
			got, ok := m.Poll()
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want.Key(), got.Key())
			}
		})
	}
}

func TestPollUsesPreferredReader(t *testing.T) {
	src := &fakeReader{readers: []string{"R1", "R2"}, uid: []byte{1}}
	preferred := "R2"
	m := NewMonitor(src, nil, Options{PreferredReader: func() string { return preferred }})

	m.Poll()
	preferred = "Missing"
	m.Poll()

	assert.Equal(t, []string{"R2", "R1"}, src.asked)
}

func TestTickSuppressesDuplicates(t *testing.T) {
	src := &fakeReader{}
	rec := &recorder{}
	m := NewMonitor(src, rec, Options{})
	var tracker Tracker

	for i := 0; i < 5; i++ {
		m.tick(&tracker)
	}
	require.Equal(t, 1, rec.count(), "empty reader list must be reported once")
	assert.JSONEq(t, `{"uid":null,"error":"reader not found"}`, statusJSON(t, rec.events[0]))

	src.set(func(f *fakeReader) {
		f.readers = []string{"R1"}
		f.uid = []byte{0xde, 0xad, 0xbe, 0xef}
	})
	m.tick(&tracker)
	m.tick(&tracker)
	require.Equal(t, 2, rec.count())
	assert.Equal(t, "deadbeef", *rec.events[1].UID)

	src.set(func(f *fakeReader) {
		f.uid = nil
		f.uidErr = &core.HardwareError{Op: "connect", Err: core.ErrNoCard}
	})
	m.tick(&tracker)
	m.tick(&tracker)
	require.Equal(t, 3, rec.count())
	assert.Equal(t, ReaderIdle, rec.events[2].State())
}

func TestTickKeepsStateOnSharingViolation(t *testing.T) {
	src := &fakeReader{readers: []string{"R1"}, uid: []byte{0x01}}
	rec := &recorder{}
	m := NewMonitor(src, rec, Options{})
	var tracker Tracker

	m.tick(&tracker)
	src.set(func(f *fakeReader) {
		f.uidErr = &core.HardwareError{Op: "connect", Err: core.ErrSharingViolation}
	})
	m.tick(&tracker)
	src.set(func(f *fakeReader) { f.uidErr = nil })
	m.tick(&tracker)

	assert.Equal(t, 1, rec.count(), "a busy reader must not produce events")
}

func TestTickRecoversPanic(t *testing.T) {
	logging.SetCrashLogDir(t.TempDir())
	t.Cleanup(func() { logging.SetCrashLogDir("") })

	src := &fakeReader{panics: true}
	rec := &recorder{}
	m := NewMonitor(src, rec, Options{})
	var tracker Tracker

	assert.NotPanics(t, func() { m.tick(&tracker) })

	src.set(func(f *fakeReader) { f.panics = false })
	m.tick(&tracker)
	assert.Equal(t, 1, rec.count())
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &fakeReader{readers: []string{"R1"}, uid: []byte{0x01}}
	rec := &recorder{}
	m := NewMonitor(src, rec, Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, rec.count(), "steady state must emit once")
}

func TestLatest(t *testing.T) {
	var l Latest
	_, ok := l.Get()
	assert.False(t, ok)

	Fanout{&l}.Notify(PresentStatus("01"))
	got, ok := l.Get()
	assert.True(t, ok)
	assert.Equal(t, "01", *got.UID)
}
