package core

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ebfe/scard"
)

// Hardware state.
var (
	ErrNoCard             = errors.New("no card present")
	ErrCardRemoved        = errors.New("card removed")
	ErrReaderUnavailable  = errors.New("reader unavailable")
	ErrSharingViolation   = errors.New("reader is in use by another application")
	ErrServiceUnavailable = errors.New("smart card service unavailable")
)

// Input validation.
var (
	ErrInvalidKeyLength  = errors.New("key must be 6 bytes (12 hex characters)")
	ErrInvalidDataLength = errors.New("block data must be 16 bytes (32 hex characters)")
	ErrInvalidHex        = errors.New("invalid hex")
	ErrInvalidKeyType    = errors.New(`key type must be "A" or "B"`)
	ErrInvalidBlock      = errors.New("block must be between 0 and 255")
	ErrInvalidSector     = errors.New("sector must be between 0 and 39")
)

// Protocol failures (non-9000 status words).
var (
	ErrUIDReadFailed        = errors.New("failed to read card UID")
	ErrKeyLoadFailed        = errors.New("failed to load key")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrBlockReadFailed      = errors.New("failed to read block")
	ErrBlockWriteFailed     = errors.New("failed to write block")
)

// HardwareError is a failed PC/SC call. Err is one of the hardware state
// sentinels when Code is recognised, otherwise the driver error itself.
type HardwareError struct {
	Op   string
	Code uint32
	Err  error
}

func (e *HardwareError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %v (0x%08X)", e.Op, e.Err, e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

// InputError is a request rejected before any hardware access.
type InputError struct {
	Field string
	Err   error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// StatusError is an APDU answered with a status word other than 90 00.
// Block is -1 when the command does not address a block.
type StatusError struct {
	Op       string
	Block    int
	Slot     KeySlot
	Response []byte
	Err      error
	Hint     string
}

func (e *StatusError) Error() string {
	msg := e.Err.Error()
	if e.Block >= 0 {
		msg += fmt.Sprintf(" for block %d", e.Block)
	}
	if e.Slot != 0 {
		msg += fmt.Sprintf(" with key %s", e.Slot)
	}
	if len(e.Response) == 0 {
		msg += " (empty response)"
	} else {
		msg += fmt.Sprintf(" (response %s)", hex.EncodeToString(e.Response))
	}
	if e.Hint != "" {
		msg += ": " + e.Hint
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.Err }

// fromPCSC maps a PC/SC driver error into the taxonomy.
func fromPCSC(op string, err error) error {
	if err == nil {
		return nil
	}
	var code scard.Error
	if !errors.As(err, &code) {
		return &HardwareError{Op: op, Err: err}
	}

	var sentinel error
	switch code {
	case scard.ErrNoSmartcard:
		sentinel = ErrNoCard
	case scard.ErrRemovedCard:
		sentinel = ErrCardRemoved
	case scard.ErrSharingViolation:
		sentinel = ErrSharingViolation
	case scard.ErrReaderUnavailable, scard.ErrUnknownReader, scard.ErrNoReadersAvailable:
		sentinel = ErrReaderUnavailable
	case scard.ErrNoService, scard.ErrServiceStopped, scard.ErrInvalidHandle:
		sentinel = ErrServiceUnavailable
	default:
		sentinel = err
	}
	return &HardwareError{Op: op, Code: uint32(code), Err: sentinel}
}

// fromHex maps a hex decoding failure of the named field.
func fromHex(field string, err error) error {
	if err == nil {
		return nil
	}
	return &InputError{Field: field, Err: fmt.Errorf("%w: %v", ErrInvalidHex, err)}
}

// Kind is the coarse error class reported to API clients.
type Kind string

const (
	KindInvalidInput      Kind = "invalid_input"
	KindProtocolFailure   Kind = "protocol_failure"
	KindNoCard            Kind = "no_card"
	KindReaderUnavailable Kind = "reader_unavailable"
	KindSharingViolation  Kind = "sharing_violation"
	KindHardware          Kind = "hardware_error"
)

// Transient reports whether the condition is an expected hardware state
// rather than a fault.
func (k Kind) Transient() bool {
	switch k {
	case KindNoCard, KindReaderUnavailable, KindSharingViolation:
		return true
	}
	return false
}

// KindOf classifies err. Unknown errors are KindHardware.
func KindOf(err error) Kind {
	var inputErr *InputError
	var statusErr *StatusError
	switch {
	case errors.As(err, &inputErr):
		return KindInvalidInput
	case errors.As(err, &statusErr):
		return KindProtocolFailure
	case errors.Is(err, ErrNoCard), errors.Is(err, ErrCardRemoved):
		return KindNoCard
	case errors.Is(err, ErrReaderUnavailable):
		return KindReaderUnavailable
	case errors.Is(err, ErrSharingViolation):
		return KindSharingViolation
	}
	return KindHardware
}
