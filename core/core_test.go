package core

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gcodeflow/gcode"
	"gcodeflow/protocol"
)

func TestRegisterCapacity(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, func(o *Options) { o.MaxSources = 2 })

	a, b := newFake("a"), newFake("b")
	_, err := c.Register(a)
	require.NoError(t, err)
	_, err = c.Register(b)
	require.NoError(t, err)

	_, err = c.Register(newFake("c"))
	assert.ErrorIs(t, err, ErrCapacity)

	_, err = c.Register(a)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	assert.ErrorIs(t, c.Unregister(newFake("x")), ErrNotRegistered)
	require.NoError(t, c.Unregister(a))
	assert.Len(t, c.Sources(), 1)
}

func TestStepIdleWithoutData(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)
	assert.Equal(t, StepIdle, c.Step())

	_, err := c.Register(newFake("a"))
	require.NoError(t, err)
	assert.Equal(t, StepIdle, c.Step())
	assert.Nil(t, c.ActiveChannel())
}

func TestLineGapRequestsResend(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)

	a := newFake("a")
	b := newStorageFake("b")
	srcA, err := c.Register(a)
	require.NoError(t, err)
	_, err = c.Register(b)
	require.NoError(t, err)

	a.send("N1 G1 X10\nN3 G1 X20\n")
	assert.Equal(t, []Outcome{StepQueued, StepRejected, StepIdle}, drain(c))

	assert.Equal(t, 1, c.Queue().Len())
	assert.Equal(t, []string{"ok", "Resend:2", "ok"}, a.lines())
	assert.True(t, c.WaitingForResend(srcA))
	assert.Equal(t, uint32(1), c.LastLine(srcA))

	a.send("N2 G1 X15\nN3 G1 X20\n")
	drain(c)
	assert.Equal(t, []string{"N1 G1 X10", "N2 G1 X15", "N3 G1 X20"}, queued(c))
	assert.False(t, c.WaitingForResend(srcA))
	assert.Equal(t, uint32(3), c.LastLine(srcA))

	assert.True(t, b.IsOpen())
	assert.Empty(t, b.lines())
}

func TestDuplicateLineIsIdempotent(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)
	a := newFake("a")
	src, err := c.Register(a)
	require.NoError(t, err)

	a.send("N1 G28\nN1 G28\n")
	assert.Equal(t, []Outcome{StepQueued, StepSkipped, StepIdle}, drain(c))
	assert.Equal(t, 1, c.Queue().Len())
	assert.Equal(t, uint32(1), c.LastLine(src))
	assert.Equal(t, []string{"ok", "skip 1", "ok"}, a.lines())
}

func TestBadBinaryFrameClosesStorage(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)

	b := newStorageFake("sd")
	b.writable = true // must still receive no resend request
	_, err := c.Register(b)
	require.NoError(t, err)

	var cmd gcode.Command
	cmd.SetLine(1)
	cmd.SetG(1)
	cmd.SetFloat(gcode.FieldX, 5)
	frame, err := gcode.EncodeBinary(&cmd)
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF

	b.sendBytes(frame)
	assert.Equal(t, StepClosed, c.Step())

	assert.False(t, b.IsOpen())
	assert.Empty(t, c.Sources())
	assert.Empty(t, b.lines())
	assert.Zero(t, c.Queue().Len())
	assert.False(t, c.HasFatalError())
}

func TestBinaryFrameQueued(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, func(o *Options) { o.Ack = AckOKLine })
	a := newFake("a")
	_, err := c.Register(a)
	require.NoError(t, err)

	var cmd gcode.Command
	cmd.SetLine(1)
	cmd.SetG(1)
	cmd.SetFloat(gcode.FieldX, 5)
	frame, err := gcode.EncodeBinary(&cmd)
	require.NoError(t, err)

	// Bytes arrive in two bursts
	a.sendBytes(frame[:7])
	assert.Equal(t, StepPartial, c.Step())
	assert.Equal(t, Channel(a), c.ActiveChannel())
	a.sendBytes(frame[7:])
	assert.Equal(t, StepQueued, c.Step())

	got, ok := c.Queue().Peek()
	require.True(t, ok)
	assert.True(t, got.IsBinary())
	assert.True(t, got.Equal(&cmd))
	assert.Equal(t, []string{"ok 1"}, a.lines())
}

func TestPauseRule(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)
	a, b := newFake("a"), newFake("b")
	_, err := c.Register(a)
	require.NoError(t, err)
	_, err = c.Register(b)
	require.NoError(t, err)

	a.send("G1 X1")
	b.send("G28\n")

	assert.Equal(t, StepPartial, c.Step())
	assert.Equal(t, Channel(a), c.ActiveChannel())

	// b has a full line waiting but a owns the frame
	assert.Equal(t, StepPartial, c.Step())
	assert.Zero(t, c.Queue().Len())

	a.send(" Y2\n")
	assert.Equal(t, StepQueued, c.Step())
	assert.Nil(t, c.ActiveChannel())
	assert.Equal(t, StepQueued, c.Step())

	assert.Equal(t, []string{"G1 X1 Y2", "G28"}, queued(c))
}

func TestRoundRobin(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)
	a, b := newFake("a"), newFake("b")
	_, err := c.Register(a)
	require.NoError(t, err)
	_, err = c.Register(b)
	require.NoError(t, err)

	a.send("G1 X1\nG1 X2\n")
	b.send("G1 Y1\nG1 Y2\n")
	drain(c)
	assert.Equal(t, []string{"G1 X1", "G1 Y1", "G1 X2", "G1 Y2"}, queued(c))
}

func TestUnregisterActiveDiscardsFrame(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)
	a, b := newFake("a"), newFake("b")
	_, err := c.Register(a)
	require.NoError(t, err)
	_, err = c.Register(b)
	require.NoError(t, err)

	a.send("G1 X")
	b.send("G28\n")
	assert.Equal(t, StepPartial, c.Step())

	require.NoError(t, c.Unregister(a))
	assert.Nil(t, c.ActiveChannel())
	assert.Equal(t, StepQueued, c.Step())
	assert.Equal(t, []string{"G28"}, queued(c))
}

func TestFrameTimeout(t *testing.T) {
	t.Parallel()
	c, clock := newTestCore(t, nil)
	a := newFake("a")
	_, err := c.Register(a)
	require.NoError(t, err)

	a.send("N1 G1 X")
	assert.Equal(t, StepPartial, c.Step())
	clock.Advance(c.Options().FrameTimeout / 2)
	assert.Equal(t, StepPartial, c.Step())

	clock.Advance(c.Options().FrameTimeout)
	assert.Equal(t, StepRejected, c.Step())
	assert.Nil(t, c.ActiveChannel())
	assert.Equal(t, []string{"Resend:1", "ok"}, a.lines())
}

func TestUnansweredResendIsRepeated(t *testing.T) {
	t.Parallel()
	c, clock := newTestCore(t, nil)
	a := newFake("a")
	_, err := c.Register(a)
	require.NoError(t, err)

	a.send("N2 G28\n")
	drain(c)
	assert.Equal(t, []string{"Resend:1", "ok"}, a.lines())

	assert.Equal(t, StepIdle, c.Step())
	assert.Len(t, a.lines(), 2)

	clock.Advance(c.Options().FrameTimeout)
	assert.Equal(t, StepIdle, c.Step())
	assert.Equal(t, []string{"Resend:1", "ok", "Resend:1", "ok"}, a.lines())
}

func TestResendSkipBudget(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, func(o *Options) { o.ResendSkipASCII = 2 })
	a := newFake("a")
	_, err := c.Register(a)
	require.NoError(t, err)

	a.send("N1 G1\nN3 G1\nN4 G1\nN5 G1\nN6 G1\n")
	assert.Equal(t,
		[]Outcome{StepQueued, StepRejected, StepSkipped, StepSkipped, StepRejected, StepIdle},
		drain(c))
	assert.Equal(t, []string{
		"ok",
		"Resend:2", "ok",
		"skip 4", "ok",
		"skip 5", "ok",
		"Resend:2", "ok",
	}, a.lines())
}

func TestLineNumberReset(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)
	a := newFake("a")
	src, err := c.Register(a)
	require.NoError(t, err)

	a.send("N100 M110\nN101 G28\nM110 N0\nN1 G1 X1\n")
	assert.Equal(t, []Outcome{StepConsumed, StepQueued, StepConsumed, StepQueued, StepIdle}, drain(c))
	assert.Equal(t, uint32(1), c.LastLine(src))
	assert.Equal(t, []string{"N101 G28", "N1 G1 X1"}, queued(c))
}

func TestChecksumErrorsAreTransient(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)
	a := newFake("a")
	_, err := c.Register(a)
	require.NoError(t, err)

	for range 6 {
		a.send("N1 G28*0\n")
	}
	drain(c)
	assert.False(t, c.HasFatalError())
	assert.Zero(t, c.Queue().Len())

	line := "N1 G28"
	a.send(line + "*" + strconv.Itoa(int(protocol.LineChecksum([]byte(line)))) + "\n")
	drain(c)
	assert.Equal(t, []string{"N1 G28"}, queued(c))
}

func TestFatalEscalation(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, func(o *Options) { o.MaxFormatErrors = 3 })
	a, b := newFake("a"), newFake("b")
	_, err := c.Register(a)
	require.NoError(t, err)
	_, err = c.Register(b)
	require.NoError(t, err)

	for range 3 {
		a.send("G1 X1.2.3\n")
	}
	drain(c)
	require.False(t, c.HasFatalError())
	assert.Equal(t, 3, c.Queue().Len())
	first, ok := c.Queue().Peek()
	require.True(t, ok)
	assert.True(t, first.HasFormatError())

	a.send("G1 X1.2.3\n")
	assert.Equal(t, StepHalted, c.Step())
	assert.True(t, c.HasFatalError())
	assert.Equal(t, 3, c.Queue().Len(), "the escalating command is not queued")

	msg, ok := c.FatalError()
	require.True(t, ok)
	assert.Contains(t, msg, "4 consecutive format errors")
	assert.Contains(t, b.lines(), "fatal:Printer halted. Restart required.")
	assert.Contains(t, b.lines(), "fatal:"+msg)

	b.send("G28\n")
	assert.Equal(t, StepHalted, c.Step())
	assert.True(t, b.DataAvailable(), "no bytes are consumed after the latch")
	assert.ErrorIs(t, c.Inject("G28"), ErrHalted)

	c.Fatal("second")
	msg2, _ := c.FatalError()
	assert.Equal(t, msg, msg2, "first message wins")
}

func TestFormatErrorCounterResetsOnSuccess(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, func(o *Options) { o.MaxFormatErrors = 3 })
	a := newFake("a")
	_, err := c.Register(a)
	require.NoError(t, err)

	for range 3 {
		a.send("G1 X#\n")
	}
	a.send("G28\n")
	for range 3 {
		a.send("G1 X#\n")
	}
	drain(c)
	assert.False(t, c.HasFatalError())
}

func TestFormatErrorsCountedPerChannel(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, func(o *Options) { o.MaxFormatErrors = 3 })
	a, b := newFake("a"), newFake("b")
	_, err := c.Register(a)
	require.NoError(t, err)
	_, err = c.Register(b)
	require.NoError(t, err)

	for range 3 {
		a.send("G1 X#\n")
		b.send("G1 X#\n")
	}
	drain(c)
	assert.False(t, c.HasFatalError())
}

func TestASCIIOverflow(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)
	a := newFake("a")
	src, err := c.Register(a)
	require.NoError(t, err)

	long := "N1 G1 X1"
	for len(long) <= protocol.MaxCmdSize+10 {
		long += " Y1"
	}
	a.send(long + "\nN1 G28\n")
	assert.Equal(t, StepRejected, c.Step())
	assert.True(t, c.WaitingForResend(src))
	drain(c)
	assert.Equal(t, []string{"N1 G28"}, queued(c))
	assert.Equal(t, []string{"Resend:1", "ok", "ok"}, a.lines())
	assert.False(t, c.WaitingForResend(src))
}

func TestASCIIOverflowTailIsDropped(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)
	a, b := newFake("a"), newFake("b")
	src, err := c.Register(a)
	require.NoError(t, err)
	_, err = c.Register(b)
	require.NoError(t, err)

	a.send("N1 G1 X1" + strings.Repeat(" Y1", 40))
	assert.Equal(t, StepRejected, c.Step())

	// The overflowing channel keeps the assembler until its line ends
	b.send("G28\n")
	assert.Equal(t, StepPartial, c.Step())
	assert.Same(t, a, c.ActiveChannel())

	a.send("\n")
	drain(c)
	assert.Equal(t, []string{"G28"}, queued(c))
	assert.True(t, c.WaitingForResend(src))
	assert.Equal(t, uint32(0), c.LastLine(src))
	assert.Equal(t, []string{"Resend:1", "ok"}, a.lines())

	a.send("N1 G1 X1\n")
	drain(c)
	assert.Equal(t, []string{"N1 G1 X1"}, queued(c))
	assert.False(t, c.WaitingForResend(src))
}

func TestMalformedNumberedLineRequestsResend(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)
	a := newFake("a")
	src, err := c.Register(a)
	require.NoError(t, err)

	a.send("N1 G1 X.\n")
	assert.Equal(t, StepRejected, c.Step())
	assert.Zero(t, c.Queue().Len())
	assert.Equal(t, uint32(0), c.LastLine(src))
	assert.True(t, c.WaitingForResend(src))
	assert.Equal(t, []string{"Resend:1", "ok"}, a.lines())

	a.send("N1 G1 X5\n")
	assert.Equal(t, StepQueued, c.Step())
	assert.Equal(t, []string{"N1 G1 X5"}, queued(c))
	assert.Equal(t, uint32(1), c.LastLine(src))
}

func TestMalformedLineClosesStorage(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)
	a := newFake("a")
	sd := newStorageFake("sd")
	_, err := c.Register(a)
	require.NoError(t, err)
	_, err = c.Register(sd)
	require.NoError(t, err)

	sd.send("G1 X.\nG28\n")
	assert.Equal(t, StepClosed, c.Step())
	assert.False(t, sd.IsOpen())
	assert.Len(t, c.Sources(), 1)
	assert.Zero(t, c.Queue().Len())
	assert.Empty(t, a.lines())
}

func TestBackpressure(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, func(o *Options) { o.QueueSize = 2 })
	a := newFake("a")
	_, err := c.Register(a)
	require.NoError(t, err)

	a.send("G1 X1\nG1 X2\nG1 X3\n")
	assert.Equal(t, []Outcome{StepQueued, StepQueued, StepBackpressure}, drain(c))
	assert.True(t, a.DataAvailable())

	_, ok := c.Queue().Pop()
	require.True(t, ok)
	assert.Equal(t, StepQueued, c.Step())
	assert.Equal(t, []string{"G1 X2", "G1 X3"}, queued(c))
}

func TestInject(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)
	a := newFake("a")
	_, err := c.Register(a)
	require.NoError(t, err)

	require.NoError(t, c.Inject("G28 X"))
	cmd, ok := c.Queue().Pop()
	require.True(t, ok)
	assert.True(t, cmd.Internal)
	assert.Nil(t, cmd.Source)
	assert.Empty(t, a.lines(), "internal commands are not acknowledged")

	assert.ErrorIs(t, c.Inject("G1 X#"), gcode.ErrFormat)
}

func TestEmptyAndCommentLines(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)
	a := newFake("a")
	_, err := c.Register(a)
	require.NoError(t, err)

	a.send("\n   \n; just a comment\r\nG1 X1 ; move\n")
	drain(c)
	assert.Equal(t, []string{"G1 X1"}, queued(c))
	assert.Equal(t, []string{"ok"}, a.lines())
}

func TestClosedChannelsArePruned(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)
	a := newFake("a")
	_, err := c.Register(a)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	assert.Equal(t, StepIdle, c.Step())
	assert.Empty(t, c.Sources())
}

func TestReadErrorClosesChannel(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)
	a := newFake("a")
	_, err := c.Register(a)
	require.NoError(t, err)

	a.readErr = errors.New("uart framing error")
	assert.Equal(t, StepClosed, c.Step())
	assert.False(t, a.IsOpen())
	assert.Empty(t, c.Sources())
}

func TestTraceRecordsDecisions(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(t, nil)
	a := newFake("a")
	_, err := c.Register(a)
	require.NoError(t, err)

	a.send("N1 G28\nN1 G28\nN3 G28\n")
	drain(c)

	var kinds []EventKind
	for _, ev := range c.Trace() {
		kinds = append(kinds, ev.Kind)
		assert.Equal(t, "a", ev.Source)
	}
	assert.Equal(t, []EventKind{EvtQueued, EvtDuplicate, EvtResend}, kinds)
}
