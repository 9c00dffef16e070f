package core

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/ebfe/scard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(card *MockSmartCard, retries int) (*CardService, *MockSmartCardContext) {
	tr, ctx, _ := newTestTransport(card)
	return NewCardService(tr, ServiceOptions{SharingRetries: retries, SharingRetryDelay: time.Millisecond}), ctx
}

func TestServiceReadWriteRoundTrip(t *testing.T) {
	svc, _ := newTestService(NewMockCard("932bae0e"), 1)

	data := "00112233445566778899aabbccddeeff"
	require.NoError(t, svc.WriteBlock(testReader, 4, "A", "FFFFFFFFFFFF", data))

	got, err := svc.ReadBlock(testReader, 4, "a", "ffffffffffff")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestServiceReadBlockZeros(t *testing.T) {
	svc, _ := newTestService(NewMockCard("932bae0e"), 1)

	got, err := svc.ReadBlock(testReader, 4, "A", "FFFFFFFFFFFF")
	require.NoError(t, err)
	assert.Equal(t, "00000000000000000000000000000000", got)
}

func TestServiceValidatesBeforeHardware(t *testing.T) {
	tests := []struct {
		name string
		run  func(*CardService) error
		want error
	}{
		{"read bad block", func(s *CardService) error {
			_, err := s.ReadBlock(testReader, 256, "A", "FFFFFFFFFFFF")
			return err
		}, ErrInvalidBlock},
		{"read short key", func(s *CardService) error {
			_, err := s.ReadBlock(testReader, 4, "A", "FFFF")
			return err
		}, ErrInvalidKeyLength},
		{"write short data", func(s *CardService) error {
			return s.WriteBlock(testReader, 4, "A", "FFFFFFFFFFFF", "0011")
		}, ErrInvalidDataLength},
		{"write long data", func(s *CardService) error {
			return s.WriteBlock(testReader, 4, "A", "FFFFFFFFFFFF", "00112233445566778899aabbccddeeff00")
		}, ErrInvalidDataLength},
		{"write malformed hex", func(s *CardService) error {
			return s.WriteBlock(testReader, 4, "A", "FFFFFFFFFFFF", "zz112233445566778899aabbccddeeff")
		}, ErrInvalidHex},
		{"write bad key type", func(s *CardService) error {
			return s.WriteBlock(testReader, 4, "C", "FFFFFFFFFFFF", "00112233445566778899aabbccddeeff")
		}, ErrInvalidKeyType},
		{"change keys bad sector", func(s *CardService) error {
			return s.ChangeSectorKeys(testReader, 40, "A", "FFFFFFFFFFFF", "A0A1A2A3A4A5", "B0B1B2B3B4B5")
		}, ErrInvalidSector},
		{"change keys short new key B", func(s *CardService) error {
			return s.ChangeSectorKeys(testReader, 1, "A", "FFFFFFFFFFFF", "A0A1A2A3A4A5", "B0B1")
		}, ErrInvalidKeyLength},
		{"change keys bad current key", func(s *CardService) error {
			return s.ChangeSectorKeys(testReader, 1, "A", "xyz", "A0A1A2A3A4A5", "B0B1B2B3B4B5")
		}, ErrInvalidHex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, ctx := newTestService(NewMockCard("932bae0e"), 3)
			err := tt.run(svc)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, KindInvalidInput, KindOf(err))
			assert.Zero(t, ctx.hardwareCalls())
		})
	}
}

func TestServiceChangeSectorKeys(t *testing.T) {
	svc, _ := newTestService(NewMockCard("932bae0e"), 1)

	require.NoError(t, svc.ChangeSectorKeys(testReader, 2, "A", "FFFFFFFFFFFF", "A0A1A2A3A4A5", "B0B1B2B3B4B5"))

	_, err := svc.ReadBlock(testReader, 8, "A", "FFFFFFFFFFFF")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = svc.ReadBlock(testReader, 8, "A", "A0A1A2A3A4A5")
	assert.NoError(t, err)

	_, err = svc.ReadBlock(testReader, 9, "B", "B0B1B2B3B4B5")
	assert.NoError(t, err)

	// other sectors are untouched
	_, err = svc.ReadBlock(testReader, 4, "A", "FFFFFFFFFFFF")
	assert.NoError(t, err)
}

func TestServiceWriteBlockWritesTrailer(t *testing.T) {
	card := NewMockCard("932bae0e")
	svc, _ := newTestService(card, 1)

	// new keys A0..A5 / B0..B5 with custom access bits 7F078800
	trailer := "a0a1a2a3a4a57f078800b0b1b2b3b4b5"
	require.NoError(t, svc.WriteBlock(testReader, 7, "A", "FFFFFFFFFFFF", trailer))

	assert.Equal(t, trailer, hex.EncodeToString(card.blocks[7][:]))

	_, err := svc.ReadBlock(testReader, 4, "A", "FFFFFFFFFFFF")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	got, err := svc.ReadBlock(testReader, 5, "A", "a0a1a2a3a4a5")
	require.NoError(t, err)
	assert.Equal(t, "00000000000000000000000000000000", got)
}

func TestServiceRetriesSharingViolationOnConnect(t *testing.T) {
	svc, ctx := newTestService(NewMockCard("932bae0e"), 3)
	ctx.WithConnectErrors(scard.ErrSharingViolation, scard.ErrSharingViolation)

	_, err := svc.ReadBlock(testReader, 4, "A", "FFFFFFFFFFFF")
	require.NoError(t, err)
	assert.Equal(t, 3, ctx.connectCalls)
}

func TestServiceGivesUpAfterRetries(t *testing.T) {
	svc, ctx := newTestService(NewMockCard("932bae0e"), 2)
	ctx.WithConnectErrors(scard.ErrSharingViolation, scard.ErrSharingViolation, scard.ErrSharingViolation)

	_, err := svc.ReadBlock(testReader, 4, "A", "FFFFFFFFFFFF")
	require.ErrorIs(t, err, ErrSharingViolation)
	assert.Equal(t, KindSharingViolation, KindOf(err))
	assert.Equal(t, 2, ctx.connectCalls)
}

func TestServiceDoesNotRetryOtherErrors(t *testing.T) {
	svc, ctx := newTestService(nil, 5)

	err := svc.WriteBlock(testReader, 4, "A", "FFFFFFFFFFFF", "00112233445566778899aabbccddeeff")
	require.ErrorIs(t, err, ErrNoCard)
	assert.Equal(t, 1, ctx.connectCalls)
}

func TestServiceAuthFailureClosesSession(t *testing.T) {
	card := NewMockCard("932bae0e")
	svc, _ := newTestService(card, 1)

	_, err := svc.ReadBlock(testReader, 4, "B", "000000000000")
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.True(t, card.disconnected)
	assert.False(t, card.inTx)
}

func TestServiceListReaders(t *testing.T) {
	svc, ctx := newTestService(nil, 1)
	ctx.WithReaders("Reader 1")

	readers, err := svc.ListReaders()
	require.NoError(t, err)
	assert.Equal(t, []string{"Reader 1"}, readers)
}
