package core

// PC/SC pseudo-APDUs understood by contactless readers (PC/SC part 3).
const (
	claReader       = 0xFF
	insGetData      = 0xCA
	insLoadKey      = 0x82
	insAuthenticate = 0x86
	insReadBinary   = 0xB0
	insUpdateBinary = 0xD6

	BlockSize = 16
	KeySize   = 6
)

func getUIDCommand() []byte {
	return []byte{claReader, insGetData, 0x00, 0x00, 0x00}
}

// loadKeyCommand stores key in the reader's volatile key slot 0.
func loadKeyCommand(key []byte) []byte {
	cmd := []byte{claReader, insLoadKey, 0x00, 0x00, KeySize}
	return append(cmd, key...)
}

// authenticateCommand uses the general authenticate form (version 01) against
// key slot 0.
func authenticateCommand(block int, slot KeySlot) []byte {
	return []byte{claReader, insAuthenticate, 0x00, 0x00, 0x05, 0x01, 0x00, byte(block), byte(slot), 0x00}
}

func readBinaryCommand(block int) []byte {
	return []byte{claReader, insReadBinary, 0x00, byte(block), BlockSize}
}

func updateBinaryCommand(block int, data []byte) []byte {
	cmd := []byte{claReader, insUpdateBinary, 0x00, byte(block), BlockSize}
	return append(cmd, data...)
}

// statusOK reports whether the response ends with 90 00.
func statusOK(rsp []byte) bool {
	n := len(rsp)
	return n >= 2 && rsp[n-2] == 0x90 && rsp[n-1] == 0x00
}

// payload strips the status word.
func payload(rsp []byte) []byte {
	if len(rsp) < 2 {
		return nil
	}
	return rsp[:len(rsp)-2]
}
