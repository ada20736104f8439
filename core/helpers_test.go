package core

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"gcodeflow/syncutil"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

// fakeChannel is an in-memory Channel with scripted input
type fakeChannel struct {
	mu           syncutil.Mutex
	name         string
	in           []byte
	out          bytes.Buffer
	open         bool
	writable     bool
	closeOnError bool
	readErr      error
}

func newFake(name string) *fakeChannel {
	return &fakeChannel{name: name, open: true, writable: true}
}

// newStorageFake models a removable storage file: read-only, closes on error
func newStorageFake(name string) *fakeChannel {
	return &fakeChannel{name: name, open: true, closeOnError: true}
}

func (f *fakeChannel) send(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in = append(f.in, s...)
}

func (f *fakeChannel) sendBytes(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in = append(f.in, b...)
}

func (f *fakeChannel) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := strings.TrimSuffix(f.out.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeChannel) SupportsWrite() bool { return f.writable }

func (f *fakeChannel) CloseOnError() bool { return f.closeOnError }

func (f *fakeChannel) DataAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open && (len(f.in) > 0 || f.readErr != nil)
}

func (f *fakeChannel) ReadByte() (byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.in) == 0 {
		return 0, io.EOF
	}
	b := f.in[0]
	f.in = f.in[1:]
	return b, nil
}

func (f *fakeChannel) WriteByte(b byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.WriteByte(b)
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func newTestCore(t interface{ Helper() }, mutate func(*Options)) (*Core, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	opts := DefaultOptions()
	opts.Clock = clock
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts), clock
}

// drain steps until nothing is left to do and returns the outcomes
func drain(c *Core) []Outcome {
	var out []Outcome
	for range 10000 {
		o := c.Step()
		if o == StepIdle || o == StepHalted || o == StepBackpressure || o == StepPartial {
			out = append(out, o)
			return out
		}
		out = append(out, o)
	}
	return out
}

// queued pops every command and returns their canonical forms
func queued(c *Core) []string {
	var out []string
	for {
		cmd, ok := c.Queue().Pop()
		if !ok {
			return out
		}
		out = append(out, cmd.String())
	}
}

const testInterval = 2 * time.Second
