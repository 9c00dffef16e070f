package core

// SmartCardContext represents a PC/SC context for listing readers
type SmartCardContext interface {
	ListReaders() ([]string, error)
	Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error)
	Release() error
}

// SmartCard represents a connected smart card for transmitting commands
type SmartCard interface {
	Transmit(cmd []byte) ([]byte, error)
	Status() (SmartCardStatus, error)
	BeginTransaction() error
	EndTransaction(disposition uint32) error
	Disconnect(disposition uint32) error
}

// SmartCardStatus represents the status of a smart card
type SmartCardStatus struct {
	Reader         string
	State          uint32
	ActiveProtocol uint32
	Atr            []byte
}

// ContextFactory creates SmartCardContext instances
// This allows for dependency injection and mocking in tests
type ContextFactory interface {
	EstablishContext() (SmartCardContext, error)
}

// DefaultContextFactory is the production factory that uses real PC/SC
type DefaultContextFactory struct{}

// Connector opens card sessions. *Transport is the production implementation.
type Connector interface {
	Connect(reader string) (*Session, error)
}

// CardOperations is the command surface consumed by the API layer.
// Keys and block data cross this boundary as hex text.
type CardOperations interface {
	ListReaders() ([]string, error)
	ReadBlock(reader string, block int, keyType, keyHex string) (string, error)
	WriteBlock(reader string, block int, keyType, keyHex, dataHex string) error
	ChangeSectorKeys(reader string, sector int, keyType, currentKeyHex, newKeyAHex, newKeyBHex string) error
}

// UIDReader reads the UID of the card seated in a reader.
type UIDReader interface {
	ListReaders() ([]string, error)
	CardUID(reader string) ([]byte, error)
}
