package core

// DefaultAccessBits is the transport configuration: key A authenticates
// data blocks, key B is readable, the trailer is writable with key A.
var DefaultAccessBits = [4]byte{0xFF, 0x07, 0x80, 0x69}

const (
	maxSector        = 39
	smallSectorCount = 32
	largeSectorStart = smallSectorCount * 4
)

// TrailerBlock returns the trailer address of sector. Sectors 32-39 only
// exist on MIFARE Classic 4K and hold 16 blocks each.
func TrailerBlock(sector int) int {
	if sector < smallSectorCount {
		return sector*4 + 3
	}
	return largeSectorStart + (sector-smallSectorCount)*16 + 15
}

// SectorOf returns the sector holding block.
func SectorOf(block int) int {
	if block < largeSectorStart {
		return block / 4
	}
	return smallSectorCount + (block-largeSectorStart)/16
}

// IsTrailer reports whether block is a sector trailer.
func IsTrailer(block int) bool {
	return block == TrailerBlock(SectorOf(block))
}

// ReadBlock reads one 16-byte block. The sector must already be authenticated.
func ReadBlock(s *Session, block int) ([]byte, error) {
	rsp, err := s.Transmit(readBinaryCommand(block))
	if err != nil {
		return nil, err
	}
	if !statusOK(rsp) || len(rsp) != BlockSize+2 {
		return nil, &StatusError{Op: "read block", Block: block, Response: rsp, Err: ErrBlockReadFailed}
	}
	return payload(rsp), nil
}

// WriteBlock writes exactly 16 bytes to block. The length is checked before
// anything is sent.
func WriteBlock(s *Session, block int, data []byte) error {
	if len(data) != BlockSize {
		return &InputError{Field: "data", Err: ErrInvalidDataLength}
	}
	rsp, err := s.Transmit(updateBinaryCommand(block, data))
	if err != nil {
		return err
	}
	if !statusOK(rsp) {
		return &StatusError{Op: "write block", Block: block, Response: rsp, Err: ErrBlockWriteFailed}
	}
	return nil
}

// RewriteSectorTrailer replaces key A, access bits and key B of sector in one
// write. Access bits are always DefaultAccessBits.
func RewriteSectorTrailer(s *Session, sector int, keyA, keyB []byte) error {
	if sector < 0 || sector > maxSector {
		return &InputError{Field: "sector", Err: ErrInvalidSector}
	}
	if len(keyA) != KeySize {
		return &InputError{Field: "newKeyA", Err: ErrInvalidKeyLength}
	}
	if len(keyB) != KeySize {
		return &InputError{Field: "newKeyB", Err: ErrInvalidKeyLength}
	}

	trailer := make([]byte, 0, BlockSize)
	trailer = append(trailer, keyA...)
	trailer = append(trailer, DefaultAccessBits[:]...)
	trailer = append(trailer, keyB...)

	err := WriteBlock(s, TrailerBlock(sector), trailer)
	if se, ok := err.(*StatusError); ok {
		se.Hint = "the sector's access bits may not allow rewriting the trailer with the current key"
	}
	return err
}
