package api

import (
	"sync"

	"github.com/taproom/card-agent/internal/core"
)

// mockCards implements core.CardOperations for testing.
type mockCards struct {
	mu      sync.Mutex
	readers []string
	blocks  map[int]string
	err     error
	calls   []string
	lastKey string
}

func newMockCards() *mockCards {
	return &mockCards{
		readers: []string{"ACS ACR122U PICC Interface"},
		blocks:  map[int]string{4: "00000000000000000000000000000000"},
	}
}

func (m *mockCards) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockCards) ListReaders() ([]string, error) {
	m.record("list_readers")
	if m.err != nil {
		return nil, m.err
	}
	return m.readers, nil
}

func (m *mockCards) ReadBlock(reader string, block int, keyType, keyHex string) (string, error) {
	m.record("read_block")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastKey = keyType + ":" + keyHex
	if m.err != nil {
		return "", m.err
	}
	if _, err := core.ParseKey("key", keyHex); err != nil {
		return "", err
	}
	data, ok := m.blocks[block]
	if !ok {
		return "", &core.StatusError{Op: "authenticate", Block: block, Slot: core.KeyA, Response: []byte{0x63, 0x00}, Err: core.ErrAuthenticationFailed}
	}
	return data, nil
}

func (m *mockCards) WriteBlock(reader string, block int, keyType, keyHex, dataHex string) error {
	m.record("write_block")
	if m.err != nil {
		return m.err
	}
	if len(dataHex) != 32 {
		return &core.InputError{Field: "data", Err: core.ErrInvalidDataLength}
	}
	m.mu.Lock()
	m.blocks[block] = dataHex
	m.mu.Unlock()
	return nil
}

func (m *mockCards) ChangeSectorKeys(reader string, sector int, keyType, currentKeyHex, newKeyAHex, newKeyBHex string) error {
	m.record("change_sector_keys")
	if m.err != nil {
		return m.err
	}
	if sector > 39 {
		return &core.InputError{Field: "sector", Err: core.ErrInvalidSector}
	}
	return nil
}

// mockAutostart implements service.Service for testing.
type mockAutostart struct {
	installed bool
	err       error
}

func (m *mockAutostart) Install() error {
	if m.err != nil {
		return m.err
	}
	m.installed = true
	return nil
}

func (m *mockAutostart) Uninstall() error {
	if m.err != nil {
		return m.err
	}
	m.installed = false
	return nil
}

func (m *mockAutostart) IsInstalled() bool { return m.installed }

func (m *mockAutostart) Status() (string, error) {
	if m.installed {
		return "installed", nil
	}
	return "not installed", nil
}
