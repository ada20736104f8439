package sources

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	hostserial "gcodeflow/host/serial"
	"gcodeflow/protocol"
	"gcodeflow/syncutil"
)

const (
	serialBufferSize = 1024 // receive FIFO
	serialFlushSize  = 64   // pending output is written at a newline or this size
)

// Serial is a host connection over a serial port. A background goroutine moves
// received bytes into a FIFO so the core can poll it without blocking.
type Serial struct {
	name string
	port io.ReadWriteCloser

	mu     syncutil.Mutex
	input  *protocol.FifoBuffer
	eof    bool
	closed bool

	writeMu syncutil.Mutex
	output  []byte

	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

// OpenSerial opens a serial device and starts reading from it
func OpenSerial(cfg *hostserial.Config) (*Serial, error) {
	port, err := hostserial.Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewSerial(cfg.Device, port), nil
}

// NewSerial wraps an already open port and starts reading from it
func NewSerial(name string, port io.ReadWriteCloser) *Serial {
	s := &Serial{
		name:     name,
		port:     port,
		input:    protocol.NewFifoBuffer(serialBufferSize),
		output:   make([]byte, 0, serialFlushSize),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	// Start background reader
	go s.readLoop()

	return s
}

// readLoop continuously reads from the port into the input FIFO
func (s *Serial) readLoop() {
	defer close(s.doneChan)

	buffer := make([]byte, 256)

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		n, err := s.port.Read(buffer)
		if n > 0 {
			s.push(buffer[:n])
		}
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				if !errors.Is(err, io.EOF) {
					log.Warn().Err(err).Str("port", s.name).Msg("serial read failed")
				}
			}
			s.mu.Lock()
			s.eof = true
			s.mu.Unlock()
			return
		}
	}
}

// push stores received bytes, waiting for room while the core is behind
func (s *Serial) push(data []byte) {
	for len(data) > 0 {
		s.mu.Lock()
		n := s.input.Write(data)
		s.mu.Unlock()
		data = data[n:]
		if len(data) == 0 {
			return
		}
		select {
		case <-s.stopChan:
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *Serial) Name() string {
	return s.name
}

// IsOpen stays true after the port hit end of stream until buffered bytes are read
func (s *Serial) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && (!s.eof || !s.input.IsEmpty())
}

func (s *Serial) SupportsWrite() bool {
	return true
}

func (s *Serial) CloseOnError() bool {
	return false
}

func (s *Serial) DataAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.input.IsEmpty()
}

func (s *Serial) ReadByte() (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.input.PopByte(); ok {
		return b, nil
	}
	if s.eof || s.closed {
		return 0, io.EOF
	}
	return 0, ErrNoData
}

// WriteByte queues one byte; output is written to the port a line at a time
func (s *Serial) WriteByte(b byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.IsOpen() {
		return ErrClosed
	}
	s.output = append(s.output, b)
	if b == '\n' || len(s.output) >= serialFlushSize {
		return s.flushLocked()
	}
	return nil
}

func (s *Serial) flushLocked() error {
	if len(s.output) == 0 {
		return nil
	}
	_, err := s.port.Write(s.output)
	s.output = s.output[:0]
	return err
}

// Close stops the reader and closes the port
func (s *Serial) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.flushLocked()
		s.writeMu.Unlock()

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.stopChan)
		err = s.port.Close()
		<-s.doneChan // Wait for read loop to finish
	})
	return err
}
