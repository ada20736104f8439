// Package serial opens the serial link to a G-code device and finds candidate
// ports on the host.
package serial

import (
	"io"
	"time"
)

// Port is an open serial link. Read returns 0, nil when the read timeout expires
// without data, so readers poll instead of blocking forever.
type Port interface {
	io.ReadWriteCloser

	// Flush drops input the device sent before we were listening, such as a boot banner
	Flush() error
}

// Config selects a device and its line settings
type Config struct {
	Device string
	// Baud is ignored by USB CDC devices but required by UART bridges
	Baud        int
	ReadTimeout time.Duration
}

// DefaultConfig returns 115200 baud with a read timeout short enough for a
// reader goroutine to notice shutdown
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        115200,
		ReadTimeout: 100 * time.Millisecond,
	}
}
