package core

// Channel is the capability every byte source or sink implements. The core never
// assumes a transport; serial ports, storage files and macros all sit behind it.
//
// DataAvailable, ReadByte and WriteByte must not block.
type Channel interface {
	IsOpen() bool
	SupportsWrite() bool
	// CloseOnError is true for channels that cannot be asked to resend a line
	CloseOnError() bool
	DataAvailable() bool
	ReadByte() (byte, error)
	WriteByte(b byte) error
	Close() error
}

// Named is implemented by channels that have a human readable name for logs
type Named interface {
	Name() string
}
