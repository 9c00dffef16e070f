package core

import (
	"encoding/hex"
	"strings"

	"github.com/taproom/card-agent/internal/logging"
)

// KeySlot selects which sector key an authentication uses.
type KeySlot byte

const (
	KeyA KeySlot = 0x60
	KeyB KeySlot = 0x61
)

func (k KeySlot) String() string {
	switch k {
	case KeyA:
		return "A"
	case KeyB:
		return "B"
	default:
		return "?"
	}
}

// ParseKeySlot accepts "A" or "B" in either case.
func ParseKeySlot(s string) (KeySlot, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return KeyA, nil
	case "B":
		return KeyB, nil
	}
	return 0, &InputError{Field: "keyType", Err: ErrInvalidKeyType}
}

// ParseKey decodes a 12 hex character MIFARE key.
func ParseKey(field, keyHex string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return nil, fromHex(field, err)
	}
	if len(key) != KeySize {
		return nil, &InputError{Field: field, Err: ErrInvalidKeyLength}
	}
	return key, nil
}

// LoadKey stores key in the reader's volatile key memory.
func LoadKey(s *Session, key []byte) error {
	if len(key) != KeySize {
		return &InputError{Field: "key", Err: ErrInvalidKeyLength}
	}
	rsp, err := s.Transmit(loadKeyCommand(key))
	if err != nil {
		return err
	}
	if !statusOK(rsp) {
		return &StatusError{Op: "load key", Block: -1, Response: rsp, Err: ErrKeyLoadFailed}
	}
	return nil
}

// Authenticate authenticates the sector holding block with the loaded key.
// A wrong key or slot answers 63 00 and is reported as ErrAuthenticationFailed.
func Authenticate(s *Session, block int, slot KeySlot) error {
	rsp, err := s.Transmit(authenticateCommand(block, slot))
	if err != nil {
		return err
	}
	if !statusOK(rsp) {
		return &StatusError{Op: "authenticate", Block: block, Slot: slot, Response: rsp, Err: ErrAuthenticationFailed}
	}
	return nil
}

// ConnectAndAuthenticate validates the key, then connects, loads the key and
// authenticates, stopping at the first failure. Input errors are returned
// before any hardware call. On failure the session is closed.
func ConnectAndAuthenticate(c Connector, reader string, block int, keyType, keyHex string) (*Session, error) {
	slot, err := ParseKeySlot(keyType)
	if err != nil {
		return nil, err
	}
	key, err := ParseKey("key", keyHex)
	if err != nil {
		return nil, err
	}
	if block < 0 || block > 255 {
		return nil, &InputError{Field: "block", Err: ErrInvalidBlock}
	}

	s, err := c.Connect(reader)
	if err != nil {
		return nil, err
	}

	steps := []func() error{
		s.Begin,
		func() error { return LoadKey(s, key) },
		func() error { return Authenticate(s, block, slot) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			_ = s.Close()
			logging.Debug(logging.CatCard, "Authentication sequence failed", map[string]any{
				"reader":  reader,
				"block":   block,
				"keyType": slot.String(),
				"error":   err.Error(),
			})
			return nil, err
		}
	}
	return s, nil
}
