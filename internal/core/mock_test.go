package core

import (
	"bytes"
	"encoding/hex"
	"sync"

	"github.com/ebfe/scard"
)

const testReader = "ACS ACR122U PICC Interface"

var factoryKey = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// MockSmartCardContext implements SmartCardContext for testing
type MockSmartCardContext struct {
	mu           sync.Mutex
	readers      []string
	cards        map[string]*MockSmartCard
	listErr      error
	connectErrs  []error // returned by successive Connect calls before succeeding
	listCalls    int
	connectCalls int
	released     int
}

// NewMockContext creates a mock context with one reader and no card.
func NewMockContext() *MockSmartCardContext {
	return &MockSmartCardContext{
		readers: []string{testReader},
		cards:   make(map[string]*MockSmartCard),
	}
}

// WithReaders sets the readers for the mock context
func (m *MockSmartCardContext) WithReaders(readers ...string) *MockSmartCardContext {
	m.readers = readers
	return m
}

// WithCard seats a card in a reader
func (m *MockSmartCardContext) WithCard(readerName string, card *MockSmartCard) *MockSmartCardContext {
	m.cards[readerName] = card
	return m
}

// WithListError makes ListReaders fail
func (m *MockSmartCardContext) WithListError(err error) *MockSmartCardContext {
	m.listErr = err
	return m
}

// WithConnectErrors queues errors for the next Connect calls
func (m *MockSmartCardContext) WithConnectErrors(errs ...error) *MockSmartCardContext {
	m.connectErrs = append(m.connectErrs, errs...)
	return m
}

func (m *MockSmartCardContext) hardwareCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls + m.connectCalls
}

func (m *MockSmartCardContext) ListReaders() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.readers, nil
}

func (m *MockSmartCardContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalls++
	if len(m.connectErrs) > 0 {
		err := m.connectErrs[0]
		m.connectErrs = m.connectErrs[1:]
		return nil, err
	}
	known := false
	for _, r := range m.readers {
		if r == reader {
			known = true
		}
	}
	if !known {
		return nil, scard.ErrUnknownReader
	}
	card, ok := m.cards[reader]
	if !ok {
		return nil, scard.ErrNoSmartcard
	}
	card.connect()
	return card, nil
}

func (m *MockSmartCardContext) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
	return nil
}

// MockFactory hands out one shared mock context.
type MockFactory struct {
	mu    sync.Mutex
	ctx   *MockSmartCardContext
	err   error
	calls int
}

func (f *MockFactory) EstablishContext() (SmartCardContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.ctx, nil
}

// MockSmartCard simulates a MIFARE Classic 4K card behind a PC/SC reader:
// key register, per-sector authentication and 256 blocks of memory.
type MockSmartCard struct {
	mu           sync.Mutex
	uid          []byte
	blocks       [256][BlockSize]byte
	loadedKey    []byte
	authSector   int
	responses    map[string][]byte // command hex -> canned response
	transmitErr  error
	commands     []string
	inTx         bool
	disconnected bool
}

// NewMockCard creates a blank card with transport keys in every trailer.
func NewMockCard(uidHex string) *MockSmartCard {
	uid, _ := hex.DecodeString(uidHex)
	card := &MockSmartCard{
		uid:        uid,
		authSector: -1,
		responses:  make(map[string][]byte),
	}
	copy(card.blocks[0][:], uid)
	for sector := 0; sector <= maxSector; sector++ {
		var trailer [BlockSize]byte
		copy(trailer[0:6], factoryKey)
		copy(trailer[6:10], DefaultAccessBits[:])
		copy(trailer[10:16], factoryKey)
		card.blocks[TrailerBlock(sector)] = trailer
	}
	return card
}

// WithResponse returns rsp whenever cmd is transmitted.
func (m *MockSmartCard) WithResponse(cmdHex string, rsp []byte) *MockSmartCard {
	m.responses[cmdHex] = rsp
	return m
}

// WithTransmitError makes every Transmit fail.
func (m *MockSmartCard) WithTransmitError(err error) *MockSmartCard {
	m.transmitErr = err
	return m
}

func (m *MockSmartCard) connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = false
	m.loadedKey = nil
	m.authSector = -1
}

func (m *MockSmartCard) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

var (
	swOK             = []byte{0x90, 0x00}
	swFailed         = []byte{0x63, 0x00}
	swWrongLength    = []byte{0x67, 0x00}
	swSecurityStatus = []byte{0x69, 0x82}
	swNotSupported   = []byte{0x6A, 0x81}
)

func (m *MockSmartCard) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmdHex := hex.EncodeToString(cmd)
	m.commands = append(m.commands, cmdHex)
	if m.transmitErr != nil {
		return nil, m.transmitErr
	}
	if rsp, ok := m.responses[cmdHex]; ok {
		return rsp, nil
	}
	if len(cmd) < 5 || cmd[0] != claReader {
		return swNotSupported, nil
	}

	switch cmd[1] {
	case insGetData:
		return append(append([]byte(nil), m.uid...), swOK...), nil

	case insLoadKey:
		if len(cmd) != 5+KeySize {
			return swWrongLength, nil
		}
		m.loadedKey = append([]byte(nil), cmd[5:]...)
		return swOK, nil

	case insAuthenticate:
		if len(cmd) != 10 {
			return swWrongLength, nil
		}
		block, slot := int(cmd[7]), KeySlot(cmd[8])
		sector := SectorOf(block)
		trailer := m.blocks[TrailerBlock(sector)]
		var key []byte
		switch slot {
		case KeyA:
			key = trailer[0:6]
		case KeyB:
			key = trailer[10:16]
		}
		if key == nil || m.loadedKey == nil || !bytes.Equal(key, m.loadedKey) {
			m.authSector = -1
			return swFailed, nil
		}
		m.authSector = sector
		return swOK, nil

	case insReadBinary:
		block := int(cmd[3])
		if SectorOf(block) != m.authSector {
			return swSecurityStatus, nil
		}
		data := m.blocks[block]
		if IsTrailer(block) {
			// key A is never readable
			copy(data[0:6], make([]byte, 6))
		}
		return append(data[:], swOK...), nil

	case insUpdateBinary:
		block := int(cmd[3])
		if len(cmd) != 5+BlockSize {
			return swWrongLength, nil
		}
		if SectorOf(block) != m.authSector {
			return swSecurityStatus, nil
		}
		copy(m.blocks[block][:], cmd[5:])
		return swOK, nil
	}
	return swNotSupported, nil
}

func (m *MockSmartCard) Status() (SmartCardStatus, error) {
	return SmartCardStatus{
		Reader:         testReader,
		ActiveProtocol: uint32(scard.ProtocolT1),
		Atr:            []byte{0x3b, 0x8f, 0x80, 0x01},
	}, nil
}

func (m *MockSmartCard) BeginTransaction() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inTx = true
	return nil
}

func (m *MockSmartCard) EndTransaction(disposition uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inTx = false
	return nil
}

func (m *MockSmartCard) Disconnect(disposition uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	m.loadedKey = nil
	m.authSector = -1
	return nil
}

// newTestTransport wires a transport to a mock context holding card in testReader.
func newTestTransport(card *MockSmartCard) (*Transport, *MockSmartCardContext, *MockFactory) {
	ctx := NewMockContext()
	if card != nil {
		ctx.WithCard(testReader, card)
	}
	factory := &MockFactory{ctx: ctx}
	return NewTransport(factory), ctx, factory
}
