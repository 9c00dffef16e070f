package core

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ebfe/scard"

	"github.com/taproom/card-agent/internal/logging"
)

// Transport owns the process-wide PC/SC context. The mutex is held only
// across enumeration and connect; sessions transmit without it.
type Transport struct {
	mu      sync.Mutex
	factory ContextFactory
	ctx     SmartCardContext
}

// NewTransport creates a transport. The context is established lazily.
func NewTransport(factory ContextFactory) *Transport {
	if factory == nil {
		factory = DefaultContextFactory{}
	}
	return &Transport{factory: factory}
}

// contextLocked returns the shared context, establishing it if needed.
// Caller must hold t.mu.
func (t *Transport) contextLocked() (SmartCardContext, error) {
	if t.ctx != nil {
		return t.ctx, nil
	}
	ctx, err := t.factory.EstablishContext()
	if err != nil {
		return nil, fromPCSC("establish context", err)
	}
	t.ctx = ctx
	return ctx, nil
}

// failLocked maps err and drops the context when the service went away, so
// the next call re-establishes it. Caller must hold t.mu.
func (t *Transport) failLocked(op string, err error) error {
	mapped := fromPCSC(op, err)
	if errors.Is(mapped, ErrServiceUnavailable) && t.ctx != nil {
		logging.Warn(logging.CatCard, "PC/SC service unavailable, releasing context", map[string]any{
			"op":    op,
			"error": err.Error(),
		})
		_ = t.ctx.Release()
		t.ctx = nil
	}
	return mapped
}

// ListReaders enumerates attached readers. No attached readers is an empty
// list, not an error.
func (t *Transport) ListReaders() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, err := t.contextLocked()
	if err != nil {
		return nil, err
	}
	readers, err := ctx.ListReaders()
	if err != nil {
		if errors.Is(err, scard.ErrNoReadersAvailable) {
			return []string{}, nil
		}
		return nil, t.failLocked("list readers", err)
	}
	if readers == nil {
		readers = []string{}
	}
	return readers, nil
}

// Connect opens a shared-mode session with whichever of T0/T1 the card
// negotiates.
func (t *Transport) Connect(reader string) (*Session, error) {
	card, err := t.connect(reader)
	if err != nil {
		return nil, err
	}

	s := &Session{reader: reader, card: card, protocol: "unknown"}
	if st, err := card.Status(); err == nil {
		s.protocol = protocolName(st.ActiveProtocol)
	}
	return s, nil
}

func (t *Transport) connect(reader string) (SmartCard, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, err := t.contextLocked()
	if err != nil {
		return nil, err
	}
	card, err := ctx.Connect(reader, shareShared, protocolAny)
	if err != nil {
		return nil, t.failLocked("connect", err)
	}
	return card, nil
}

// CardUID returns the UID of the card in reader (GET DATA, P1=00).
func (t *Transport) CardUID(reader string) ([]byte, error) {
	s, err := t.Connect(reader)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	rsp, err := s.Transmit(getUIDCommand())
	if err != nil {
		return nil, err
	}
	if !statusOK(rsp) {
		return nil, &StatusError{Op: "get uid", Block: -1, Response: rsp, Err: ErrUIDReadFailed}
	}
	return payload(rsp), nil
}

// Close releases the PC/SC context.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return nil
	}
	err := t.ctx.Release()
	t.ctx = nil
	return err
}

// Session is an open connection to the card seated in one reader. It is
// owned by the operation that opened it and is not safe for concurrent use.
type Session struct {
	reader   string
	protocol string
	card     SmartCard
	inTx     bool
	closed   bool
}

func (s *Session) Reader() string   { return s.reader }
func (s *Session) Protocol() string { return s.protocol }

// Transmit sends one APDU and returns the raw response including the status
// word. It never retries.
func (s *Session) Transmit(apdu []byte) ([]byte, error) {
	if s.closed {
		return nil, &HardwareError{Op: "transmit", Err: fmt.Errorf("session for %q is closed", s.reader)}
	}
	rsp, err := s.card.Transmit(apdu)
	if err != nil {
		return nil, fromPCSC("transmit", err)
	}
	return rsp, nil
}

// Begin starts a PC/SC transaction so other processes cannot interleave
// APDUs until Close.
func (s *Session) Begin() error {
	if s.inTx {
		return nil
	}
	if err := s.card.BeginTransaction(); err != nil {
		return fromPCSC("begin transaction", err)
	}
	s.inTx = true
	return nil
}

// Close ends any transaction and disconnects, leaving the card powered.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.inTx {
		_ = s.card.EndTransaction(leaveCard)
		s.inTx = false
	}
	if err := s.card.Disconnect(leaveCard); err != nil {
		return fromPCSC("disconnect", err)
	}
	return nil
}
