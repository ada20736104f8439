package protocol

// FrameReader walks the fields of a complete frame front to back
type FrameReader struct {
	data []byte
}

func NewFrameReader(frame []byte) *FrameReader {
	return &FrameReader{data: frame}
}

// Remaining returns the number of unread bytes
func (r *FrameReader) Remaining() int {
	return len(r.data)
}

// Skip drops up to n bytes
func (r *FrameReader) Skip(n int) {
	r.data = r.data[min(n, len(r.data)):]
}

// Take returns the next n bytes. Nothing is consumed when fewer remain.
func (r *FrameReader) Take(n int) ([]byte, bool) {
	if n > len(r.data) {
		return nil, false
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b, true
}

// FrameWriter builds one outgoing frame in a buffer sized to the largest legal
// frame. Bytes past the end are dropped and the writer is marked overflowed.
type FrameWriter struct {
	buf      [MaxCmdSize]byte
	pos      int
	overflow bool
}

// Write appends data. It never fails; check Overflowed once the frame is built.
func (w *FrameWriter) Write(data []byte) {
	n := copy(w.buf[w.pos:], data)
	w.pos += n
	if n < len(data) {
		w.overflow = true
	}
}

func (w *FrameWriter) Len() int {
	return w.pos
}

func (w *FrameWriter) Overflowed() bool {
	return w.overflow
}

// Bytes returns the frame so far. It aliases the writer's buffer.
func (w *FrameWriter) Bytes() []byte {
	return w.buf[:w.pos]
}

func (w *FrameWriter) Reset() {
	w.pos = 0
	w.overflow = false
}

// FifoBuffer is the receive queue between a transport reader and a channel. One
// slot stays empty to tell full from empty. It is not safe for concurrent use.
type FifoBuffer struct {
	buf   []byte
	read  int
	write int
}

// NewFifoBuffer creates a FIFO holding up to capacity-1 bytes
func NewFifoBuffer(capacity int) *FifoBuffer {
	return &FifoBuffer{buf: make([]byte, capacity)}
}

func (f *FifoBuffer) next(i int) int {
	i++
	if i == len(f.buf) {
		return 0
	}
	return i
}

// Write stores as much of data as fits and returns the count
func (f *FifoBuffer) Write(data []byte) int {
	for i, b := range data {
		nw := f.next(f.write)
		if nw == f.read {
			return i
		}
		f.buf[f.write] = b
		f.write = nw
	}
	return len(data)
}

// PopByte removes the oldest byte. ok is false when the FIFO is empty.
func (f *FifoBuffer) PopByte() (byte, bool) {
	if f.read == f.write {
		return 0, false
	}
	b := f.buf[f.read]
	f.read = f.next(f.read)
	return b, true
}

// Len returns the number of buffered bytes
func (f *FifoBuffer) Len() int {
	if f.write >= f.read {
		return f.write - f.read
	}
	return len(f.buf) - f.read + f.write
}

// Free returns how many more bytes Write would accept
func (f *FifoBuffer) Free() int {
	return len(f.buf) - f.Len() - 1
}

func (f *FifoBuffer) IsEmpty() bool {
	return f.read == f.write
}
