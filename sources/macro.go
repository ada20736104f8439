package sources

import (
	"io"
	"strings"
)

// Macro replays a fixed list of lines, such as a start script from the config file.
// It closes itself once the last byte has been read.
type Macro struct {
	name   string
	data   string
	pos    int
	closed bool
}

// NewMacro creates a macro channel from lines without terminators
func NewMacro(name string, lines ...string) *Macro {
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	return &Macro{name: name, data: sb.String()}
}

func (m *Macro) Name() string {
	return m.name
}

func (m *Macro) IsOpen() bool {
	return !m.closed && m.pos < len(m.data)
}

func (m *Macro) SupportsWrite() bool {
	return false
}

func (m *Macro) CloseOnError() bool {
	return true
}

func (m *Macro) DataAvailable() bool {
	return m.IsOpen()
}

func (m *Macro) ReadByte() (byte, error) {
	if !m.IsOpen() {
		return 0, io.EOF
	}
	b := m.data[m.pos]
	m.pos++
	return b, nil
}

func (m *Macro) WriteByte(byte) error {
	return ErrClosed
}

func (m *Macro) Close() error {
	m.closed = true
	return nil
}
