package protocol

import "testing"

func TestFrameReader(t *testing.T) {
	r := NewFrameReader([]byte{0x81, 0x10, 1, 2, 3})
	r.Skip(2)
	if r.Remaining() != 3 {
		t.Fatalf("remaining after skip = %d, want 3", r.Remaining())
	}

	b, ok := r.Take(2)
	if !ok || b[0] != 1 || b[1] != 2 {
		t.Errorf("Take(2) = %v, %v", b, ok)
	}
	if _, ok := r.Take(2); ok {
		t.Error("Take past the end succeeded")
	}
	if r.Remaining() != 1 {
		t.Errorf("failed Take consumed bytes, %d remaining", r.Remaining())
	}

	r.Skip(10)
	if r.Remaining() != 0 {
		t.Errorf("Skip past the end left %d bytes", r.Remaining())
	}
}

func TestFrameWriter(t *testing.T) {
	var w FrameWriter
	w.Write([]byte{0x81, 0x10})
	w.Write([]byte{7})
	if got := w.Bytes(); len(got) != 3 || got[2] != 7 {
		t.Fatalf("Bytes() = %v", got)
	}

	w.Write(make([]byte, MaxCmdSize-4))
	if w.Overflowed() {
		t.Fatal("overflow reported below capacity")
	}
	w.Write([]byte{1, 2})
	if !w.Overflowed() {
		t.Error("no overflow after writing past capacity")
	}
	if w.Len() != MaxCmdSize {
		t.Errorf("Len() = %d, want %d", w.Len(), MaxCmdSize)
	}

	w.Reset()
	if w.Overflowed() || w.Len() != 0 {
		t.Error("Reset left state behind")
	}
}

func TestFifoBuffer(t *testing.T) {
	fifo := NewFifoBuffer(8)
	if !fifo.IsEmpty() || fifo.Free() != 7 {
		t.Fatalf("new FIFO: empty=%v free=%d", fifo.IsEmpty(), fifo.Free())
	}

	if n := fifo.Write([]byte("G28\nG1 X10\n")); n != 7 {
		t.Errorf("wrote %d bytes into a 7 byte FIFO", n)
	}
	if fifo.Free() != 0 || fifo.Len() != 7 {
		t.Errorf("full FIFO: len=%d free=%d", fifo.Len(), fifo.Free())
	}

	for _, want := range []byte("G28\n") {
		b, ok := fifo.PopByte()
		if !ok || b != want {
			t.Fatalf("PopByte() = %q, %v, want %q", b, ok, want)
		}
	}

	// Wraps around the end of the backing array
	if n := fifo.Write([]byte("X10\n")); n != 4 {
		t.Errorf("wrote %d bytes after draining 4", n)
	}
	var got []byte
	for {
		b, ok := fifo.PopByte()
		if !ok {
			break
		}
		got = append(got, b)
	}
	if string(got) != "G1 X10\n" {
		t.Errorf("drained %q", got)
	}
	if !fifo.IsEmpty() || fifo.Len() != 0 {
		t.Error("FIFO not empty after draining")
	}
}
