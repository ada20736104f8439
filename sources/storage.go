package sources

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const storageChunkSize = 512 // one SD sector

// Storage streams a G-code file from removable storage. It cannot be asked to resend
// a line, so the core closes it on any error. A missing final newline is supplied.
type Storage struct {
	path string
	file afero.File
	size int64

	buf    [storageChunkSize]byte
	pos    int
	n      int
	read   int64
	last   byte
	eof    bool
	closed bool
}

// OpenStorage opens path on fs for printing
func OpenStorage(fs afero.Fs, path string) (*Storage, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("open %s: is a directory", path)
	}
	return &Storage{path: path, file: f, size: info.Size(), last: '\n'}, nil
}

func (s *Storage) Name() string {
	return s.path
}

// Progress returns bytes consumed and the file size
func (s *Storage) Progress() (int64, int64) {
	return s.read, s.size
}

func (s *Storage) IsOpen() bool {
	return !s.closed
}

func (s *Storage) SupportsWrite() bool {
	return false
}

func (s *Storage) CloseOnError() bool {
	return true
}

func (s *Storage) DataAvailable() bool {
	if s.closed {
		return false
	}
	if s.pos < s.n {
		return true
	}
	s.fill()
	return s.pos < s.n
}

// fill refills the chunk buffer, adding a newline after an unterminated last line
func (s *Storage) fill() {
	if s.eof {
		return
	}
	n, err := s.file.Read(s.buf[:])
	s.pos, s.n = 0, n
	if n > 0 {
		return
	}
	if err != nil && !errors.Is(err, io.EOF) {
		log.Warn().Err(err).Str("file", s.path).Msg("storage read failed")
	}
	s.eof = true
	if s.last != '\n' {
		s.buf[0] = '\n'
		s.n = 1
		return
	}
	_ = s.Close()
}

func (s *Storage) ReadByte() (byte, error) {
	if !s.DataAvailable() {
		if s.eof {
			_ = s.Close()
			return 0, io.EOF
		}
		return 0, ErrNoData
	}
	b := s.buf[s.pos]
	s.pos++
	s.read++
	s.last = b
	if s.eof && s.pos >= s.n {
		// Last byte of the file handed out
		_ = s.Close()
	}
	return b, nil
}

func (s *Storage) WriteByte(byte) error {
	return errors.New("storage channel is read-only")
}

func (s *Storage) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
