// Package sender streams G-code to a device the way a print host does: every line
// gets a line number and a checksum, and the sender waits for "ok" before sending
// the next one. Resend requests rewind to the requested line.
package sender

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"gcodeflow/gcode"
	"gcodeflow/protocol"
	"gcodeflow/syncutil"
)

var (
	ErrAckTimeout        = errors.New("timed out waiting for ok")
	ErrHalted            = errors.New("device halted")
	ErrTooManyResends    = errors.New("too many resend requests")
	ErrResendUnavailable = errors.New("requested line is no longer in history")
	ErrClosed            = errors.New("sender closed")
)

// Options configures a Sender
type Options struct {
	// AckTimeout bounds the wait for "ok". Busy messages restart it.
	AckTimeout time.Duration
	// Binary sends binary frames instead of numbered ASCII lines
	Binary bool
	// MaxResends is how often one line may be resent before giving up
	MaxResends int
	// History is how many sent lines are kept for resends
	History int
	// OnMessage receives device output that is not part of the flow control,
	// such as "echo:" lines and M114 reports. Called from the reader goroutine.
	OnMessage func(line string)
	Clock     clockwork.Clock
}

// DefaultOptions returns settings suited to a USB-attached printer
func DefaultOptions() Options {
	return Options{
		AckTimeout: 30 * time.Second,
		MaxResends: 10,
		History:    64,
	}
}

// Stats counts the traffic of a sender
type Stats struct {
	Lines   int
	Resends int
	Skips   int
	Bytes   int
}

type replyKind uint8

const (
	replyOK replyKind = iota
	replyResend
	replySkip
	replyBusy
	replyFatal
)

type reply struct {
	kind replyKind
	line uint32
	text string
}

// Sender talks to one device
type Sender struct {
	port io.ReadWriteCloser
	opts Options

	mu      syncutil.Mutex
	next    uint32
	history map[uint32]string
	stats   Stats
	fatal   string

	replies  chan reply
	stopChan chan struct{}
	doneChan chan struct{}
}

// New wraps an open port and starts reading device output
func New(port io.ReadWriteCloser, opts Options) *Sender {
	def := DefaultOptions()
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = def.AckTimeout
	}
	if opts.MaxResends <= 0 {
		opts.MaxResends = def.MaxResends
	}
	if opts.History <= 0 {
		opts.History = def.History
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	s := &Sender{
		port:     port,
		opts:     opts,
		next:     1,
		history:  make(map[uint32]string),
		replies:  make(chan reply, 16),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	// Start background reader
	go s.readLoop()

	return s
}

// maxReplyLine bounds a device line; longer output without a newline is dropped
const maxReplyLine = 512

// readLoop splits device output into lines and classifies them. A port read
// timeout returns no bytes and no error, so the loop simply reads again.
func (s *Sender) readLoop() {
	defer close(s.doneChan)

	buffer := make([]byte, 256)
	var pending []byte

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		n, err := s.port.Read(buffer)
		if n > 0 {
			pending = append(pending, buffer[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				if line := strings.TrimSpace(string(pending[:i])); line != "" {
					s.dispatch(line)
				}
				pending = pending[i+1:]
			}
			if len(pending) > maxReplyLine {
				pending = pending[:0]
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-s.stopChan:
				default:
					log.Debug().Err(err).Msg("device read failed")
				}
			}
			return
		}
	}
}

func (s *Sender) dispatch(line string) {
	rep, ok := parseReply(line)
	if !ok {
		if s.opts.OnMessage != nil {
			s.opts.OnMessage(line)
		}
		return
	}
	if rep.kind == replyBusy && s.opts.OnMessage != nil {
		s.opts.OnMessage(line)
	}
	if rep.kind == replyFatal {
		s.mu.Lock()
		if s.fatal == "" {
			s.fatal = rep.text
		}
		s.mu.Unlock()
	}
	select {
	case s.replies <- rep:
	case <-s.stopChan:
	}
}

// parseReply recognises flow-control lines
func parseReply(line string) (reply, bool) {
	switch {
	case line == "ok":
		return reply{kind: replyOK}, true
	case strings.HasPrefix(line, "ok "):
		n, _ := strconv.ParseUint(strings.TrimSpace(line[3:]), 10, 32)
		return reply{kind: replyOK, line: uint32(n)}, true
	case strings.HasPrefix(line, "skip "):
		n, err := strconv.ParseUint(line[5:], 10, 32)
		return reply{kind: replySkip, line: uint32(n)}, err == nil
	case strings.HasPrefix(line, "busy:"):
		return reply{kind: replyBusy, text: line[5:]}, true
	case strings.HasPrefix(line, "fatal:"):
		return reply{kind: replyFatal, text: line[6:]}, true
	}
	if n, ok := resendLine(line); ok {
		return reply{kind: replyResend, line: n}, true
	}
	return reply{}, false
}

// resendLine accepts "Resend:N", "Resend: N" and "rs N"
func resendLine(line string) (uint32, bool) {
	var rest string
	switch {
	case strings.HasPrefix(line, "Resend:"):
		rest = line[len("Resend:"):]
	case strings.HasPrefix(line, "rs "):
		rest = line[len("rs "):]
	default:
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// Reset sends M110 so the device and the sender agree on line numbering
func (s *Sender) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.history = make(map[uint32]string)
	s.next = 1
	s.mu.Unlock()

	if err := s.writeFrame(0, "M110"); err != nil {
		return err
	}
	rep, err := s.wait(ctx)
	if err != nil {
		return err
	}
	if rep.kind != replyOK {
		return fmt.Errorf("line reset refused, device asked for line %d", rep.line)
	}
	return nil
}

// Send transmits one command and returns once the device acknowledged it
func (s *Sender) Send(ctx context.Context, line string) error {
	s.mu.Lock()
	target := s.next
	s.next++
	s.remember(target, line)
	s.mu.Unlock()

	resends := 0
	cur := target
	for cur <= target {
		text, ok := s.lookup(cur)
		if !ok {
			return fmt.Errorf("%w: %d", ErrResendUnavailable, cur)
		}
		if err := s.writeFrame(cur, text); err != nil {
			return err
		}

		rep, err := s.wait(ctx)
		if err != nil {
			return err
		}
		if rep.kind == replyResend {
			resends++
			s.count(func(st *Stats) { st.Resends++ })
			if resends > s.opts.MaxResends {
				return fmt.Errorf("%w: line %d", ErrTooManyResends, cur)
			}
			if rep.line > target {
				return fmt.Errorf("%w: %d was never sent", ErrResendUnavailable, rep.line)
			}
			log.Debug().Uint32("line", rep.line).Msg("device requested resend")
			cur = rep.line
			continue
		}
		cur++
	}
	s.count(func(st *Stats) { st.Lines++ })
	return nil
}

// Stream sends every command read from r. Comments and blank lines are not sent.
func (s *Sender) Stream(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := stripComment(scanner.Text())
		if line == "" {
			continue
		}
		if err := s.Send(ctx, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// stripComment drops a ';' comment outside quotes and surrounding whitespace
func stripComment(line string) string {
	quoted := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			quoted = !quoted
		case ';':
			if !quoted {
				line = line[:i]
			}
		}
	}
	return strings.TrimSpace(line)
}

// wait returns the reply that completes the current exchange: "ok", or a resend
// request together with the "ok" that follows it
func (s *Sender) wait(ctx context.Context) (reply, error) {
	timer := s.opts.Clock.NewTimer(s.opts.AckTimeout)
	defer timer.Stop()

	var resend *reply
	for {
		select {
		case rep := <-s.replies:
			switch rep.kind {
			case replyOK:
				if resend != nil {
					return *resend, nil
				}
				return rep, nil
			case replyResend:
				resend = &rep
			case replySkip:
				s.count(func(st *Stats) { st.Skips++ })
			case replyBusy:
				timer.Reset(s.opts.AckTimeout)
			case replyFatal:
				return rep, fmt.Errorf("%w: %s", ErrHalted, s.Fatal())
			}
		case <-timer.Chan():
			return reply{}, ErrAckTimeout
		case <-ctx.Done():
			return reply{}, ctx.Err()
		case <-s.doneChan:
			if msg := s.Fatal(); msg != "" {
				return reply{}, fmt.Errorf("%w: %s", ErrHalted, msg)
			}
			return reply{}, ErrClosed
		}
	}
}

// writeFrame numbers and checksums text and writes it to the port
func (s *Sender) writeFrame(n uint32, text string) error {
	var frame []byte
	if s.opts.Binary {
		var cmd gcode.Command
		if err := gcode.ParseASCII([]byte(text), &cmd, nil); err != nil {
			return fmt.Errorf("encode %q: %w", text, err)
		}
		cmd.SetLine(n)
		b, err := gcode.EncodeBinary(&cmd)
		if err != nil {
			return fmt.Errorf("encode %q: %w", text, err)
		}
		frame = b
	} else {
		frame = FormatLine(n, text)
	}

	if _, err := s.port.Write(frame); err != nil {
		return fmt.Errorf("failed to write line %d: %w", n, err)
	}
	s.count(func(st *Stats) { st.Bytes += len(frame) })
	return nil
}

// FormatLine renders "N<n> <text>*<checksum>\n"
func FormatLine(n uint32, text string) []byte {
	line := make([]byte, 0, len(text)+16)
	line = append(line, 'N')
	line = strconv.AppendUint(line, uint64(n), 10)
	line = append(line, ' ')
	line = append(line, text...)
	cs := protocol.LineChecksum(line)
	line = append(line, '*')
	line = strconv.AppendUint(line, uint64(cs), 10)
	return append(line, '\n')
}

// remember stores a sent line, forgetting the oldest beyond the history size.
// Callers hold mu.
func (s *Sender) remember(n uint32, text string) {
	s.history[n] = text
	delete(s.history, n-uint32(s.opts.History))
}

func (s *Sender) lookup(n uint32) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.history[n]
	return text, ok
}

func (s *Sender) count(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

// Stats returns traffic counters
func (s *Sender) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Fatal returns the first fatal message the device reported
func (s *Sender) Fatal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Close stops the reader and closes the port
func (s *Sender) Close() error {
	select {
	case <-s.stopChan:
		return nil
	default:
	}
	close(s.stopChan)
	err := s.port.Close()
	<-s.doneChan // Wait for read loop to finish
	return err
}
