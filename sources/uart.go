package sources

import (
	"io"

	"tinygo.org/x/drivers"
)

// UART is a channel over a microcontroller hardware UART or USB CDC port. The
// driver buffers received bytes in its interrupt handler, so polling never blocks.
type UART struct {
	name   string
	uart   drivers.UART
	closed bool
	one    [1]byte
}

// NewUART wraps a driver UART such as machine.Serial
func NewUART(name string, uart drivers.UART) *UART {
	return &UART{name: name, uart: uart}
}

func (u *UART) Name() string {
	return u.name
}

func (u *UART) IsOpen() bool {
	return !u.closed
}

func (u *UART) SupportsWrite() bool {
	return true
}

func (u *UART) CloseOnError() bool {
	return false
}

func (u *UART) DataAvailable() bool {
	return !u.closed && u.uart.Buffered() > 0
}

func (u *UART) ReadByte() (byte, error) {
	if u.closed {
		return 0, io.EOF
	}
	if u.uart.Buffered() == 0 {
		return 0, ErrNoData
	}
	n, err := u.uart.Read(u.one[:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNoData
	}
	return u.one[0], nil
}

func (u *UART) WriteByte(b byte) error {
	if u.closed {
		return ErrClosed
	}
	_, err := u.uart.Write([]byte{b})
	return err
}

// Close stops polling the UART. The hardware stays configured.
func (u *UART) Close() error {
	u.closed = true
	return nil
}
