package core

import (
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/taproom/card-agent/internal/logging"
)

// ReaderConnector lists readers and opens sessions. *Transport implements it.
type ReaderConnector interface {
	Connector
	ListReaders() ([]string, error)
}

// ServiceOptions tunes CardService.
type ServiceOptions struct {
	// SharingRetries is the number of connect attempts made while another
	// application holds the reader. Values below 1 mean a single attempt.
	SharingRetries    int
	SharingRetryDelay time.Duration
}

// CardService implements CardOperations on top of a transport.
type CardService struct {
	t    ReaderConnector
	opts ServiceOptions
}

// NewCardService creates the command surface.
func NewCardService(t ReaderConnector, opts ServiceOptions) *CardService {
	return &CardService{t: t, opts: opts}
}

var _ CardOperations = (*CardService)(nil)

// ListReaders enumerates attached readers.
func (c *CardService) ListReaders() ([]string, error) {
	return c.t.ListReaders()
}

// ReadBlock authenticates and returns the block as 32 lowercase hex characters.
func (c *CardService) ReadBlock(reader string, block int, keyType, keyHex string) (string, error) {
	op := c.start("read_block", reader, map[string]any{"block": block, "keyType": keyType})

	if err := checkBlock(block); err != nil {
		return "", op.finish(err)
	}
	s, err := ConnectAndAuthenticate(c.connector(op), reader, block, keyType, keyHex)
	if err != nil {
		return "", op.finish(err)
	}
	defer s.Close()

	data, err := ReadBlock(s, block)
	if err != nil {
		return "", op.finish(err)
	}
	op.finish(nil)
	return hex.EncodeToString(data), nil
}

// WriteBlock authenticates and writes 16 bytes given as hex. Any block may be
// written, sector trailers included; the card rejects trailer writes its
// access bits do not allow.
func (c *CardService) WriteBlock(reader string, block int, keyType, keyHex, dataHex string) error {
	op := c.start("write_block", reader, map[string]any{"block": block, "keyType": keyType})

	if err := checkBlock(block); err != nil {
		return op.finish(err)
	}
	data, err := hex.DecodeString(strings.TrimSpace(dataHex))
	if err != nil {
		return op.finish(fromHex("data", err))
	}
	if len(data) != BlockSize {
		return op.finish(&InputError{Field: "data", Err: ErrInvalidDataLength})
	}

	if IsTrailer(block) {
		logging.Warn(logging.CatCard, "Writing sector trailer", map[string]any{
			"opId":   op.id,
			"block":  block,
			"sector": SectorOf(block),
		})
	}

	s, err := ConnectAndAuthenticate(c.connector(op), reader, block, keyType, keyHex)
	if err != nil {
		return op.finish(err)
	}
	defer s.Close()

	return op.finish(WriteBlock(s, block, data))
}

// ChangeSectorKeys authenticates at the sector trailer with the current key
// and rewrites the trailer with the new keys and default access bits.
func (c *CardService) ChangeSectorKeys(reader string, sector int, keyType, currentKeyHex, newKeyAHex, newKeyBHex string) error {
	op := c.start("change_sector_keys", reader, map[string]any{"sector": sector, "keyType": keyType})

	if sector < 0 || sector > maxSector {
		return op.finish(&InputError{Field: "sector", Err: ErrInvalidSector})
	}
	if _, err := ParseKey("currentKey", currentKeyHex); err != nil {
		return op.finish(err)
	}
	keyA, err := ParseKey("newKeyA", newKeyAHex)
	if err != nil {
		return op.finish(err)
	}
	keyB, err := ParseKey("newKeyB", newKeyBHex)
	if err != nil {
		return op.finish(err)
	}

	s, err := ConnectAndAuthenticate(c.connector(op), reader, TrailerBlock(sector), keyType, currentKeyHex)
	if err != nil {
		return op.finish(err)
	}
	defer s.Close()

	return op.finish(RewriteSectorTrailer(s, sector, keyA, keyB))
}

func checkBlock(block int) error {
	if block < 0 || block > 255 {
		return &InputError{Field: "block", Err: ErrInvalidBlock}
	}
	return nil
}

type connectFunc func(reader string) (*Session, error)

func (f connectFunc) Connect(reader string) (*Session, error) { return f(reader) }

// connector retries the connect step while the reader is held by another
// application. APDUs are never retried.
func (c *CardService) connector(op *operation) Connector {
	return connectFunc(func(reader string) (*Session, error) {
		var s *Session
		attempt := 0
		err := backoff.Retry(func() error {
			attempt++
			var err error
			s, err = c.t.Connect(reader)
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrSharingViolation) {
				logging.Debug(logging.CatCard, "Reader busy, retrying connect", map[string]any{
					"opId":    op.id,
					"attempt": attempt,
				})
				return err
			}
			return backoff.Permanent(err)
		}, c.backoff())
		return s, err
	})
}

func (c *CardService) backoff() backoff.BackOff {
	retries := c.opts.SharingRetries - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.SharingRetryDelay), uint64(retries))
}

// operation carries the id and timing of one command for logging.
type operation struct {
	id      string
	name    string
	reader  string
	fields  map[string]any
	started time.Time
}

func (c *CardService) start(name, reader string, fields map[string]any) *operation {
	op := &operation{
		id:      uuid.NewString(),
		name:    name,
		reader:  reader,
		fields:  fields,
		started: time.Now(),
	}
	logging.Debug(logging.CatCard, "Card command started", op.data())
	return op
}

func (op *operation) data() map[string]any {
	d := map[string]any{
		"opId":   op.id,
		"op":     op.name,
		"reader": op.reader,
	}
	for k, v := range op.fields {
		d[k] = v
	}
	return d
}

// finish logs the outcome and returns err unchanged.
func (op *operation) finish(err error) error {
	d := op.data()
	d["durationMs"] = time.Since(op.started).Milliseconds()
	if err == nil {
		logging.Info(logging.CatCard, "Card command succeeded", d)
		return nil
	}

	kind := KindOf(err)
	d["error"] = err.Error()
	d["kind"] = string(kind)
	switch {
	case kind == KindHardware:
		logging.Error(logging.CatCard, "Card command failed", d)
		logging.CaptureError(err, op.name, map[string]any{"opId": op.id, "reader": op.reader})
	case kind.Transient() || kind == KindInvalidInput:
		logging.Info(logging.CatCard, "Card command rejected", d)
	default:
		logging.Warn(logging.CatCard, "Card command failed", d)
	}
	return err
}
