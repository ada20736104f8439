package gcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gcodeflow/protocol"
)

func parse(t *testing.T, line string) (*Command, error) {
	t.Helper()
	var cmd Command
	err := ParseASCII([]byte(line), &cmd, nil)
	return &cmd, err
}

func withChecksum(line string) string {
	return fmt.Sprintf("%s*%d", line, protocol.LineChecksum([]byte(line)))
}

func TestParseBasicCommands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input  string
		code   string
		floats map[Field]float32
	}{
		{input: "G0 X10 Y20", code: "G0", floats: map[Field]float32{FieldX: 10, FieldY: 20}},
		{input: "G1 X100.5 Y200.25 F3000", code: "G1", floats: map[Field]float32{FieldX: 100.5, FieldY: 200.25, FieldF: 3000}},
		{input: "G28", code: "G28"},
		{input: "G92 X0 Y0 Z0", code: "G92", floats: map[Field]float32{FieldX: 0, FieldY: 0, FieldZ: 0}},
		{input: "g1 x-5.5 e.25", code: "G1", floats: map[Field]float32{FieldX: -5.5, FieldE: 0.25}},
		{input: "G1X1Y2", code: "G1", floats: map[Field]float32{FieldX: 1, FieldY: 2}},
		{input: "  G2  I1.5\tJ-2 R3 ", code: "G2", floats: map[Field]float32{FieldI: 1.5, FieldJ: -2, FieldR: 3}},
		{input: "T1", code: "T"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			cmd, err := parse(t, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.code, cmd.Code())
			for f, want := range tt.floats {
				got, ok := cmd.Float(f)
				assert.True(t, ok, "missing %s", f)
				assert.InDelta(t, want, got, 1e-6, "field %s", f)
			}
			assert.False(t, cmd.HasFormatError())
		})
	}
}

func TestParseIntegerFields(t *testing.T) {
	t.Parallel()

	cmd, err := parse(t, "N42 M104 S-200 P1500 T3")
	require.NoError(t, err)

	n, ok := cmd.Line()
	require.True(t, ok)
	assert.Equal(t, uint32(42), n)

	m, _ := cmd.M()
	assert.Equal(t, uint16(104), m)

	s, _ := cmd.Int(FieldS)
	assert.Equal(t, int32(-200), s)
	assert.Equal(t, int32(1500), cmd.IntOr(FieldP, 0))

	tool, ok := cmd.T()
	require.True(t, ok)
	assert.Equal(t, uint8(3), tool)

	_, ok = cmd.G()
	assert.False(t, ok, "G must be absent")
}

func TestParseBareLetterIsZero(t *testing.T) {
	t.Parallel()

	cmd, err := parse(t, "G28 X Y-")
	require.NoError(t, err)

	x, ok := cmd.Float(FieldX)
	require.True(t, ok)
	assert.Zero(t, x)

	y, ok := cmd.Float(FieldY)
	require.True(t, ok)
	assert.Zero(t, y)

	_, ok = cmd.Float(FieldZ)
	assert.False(t, ok)
}

func TestParseAbsentFieldsNeverReadable(t *testing.T) {
	t.Parallel()

	cmd, err := parse(t, "G1 X5")
	require.NoError(t, err)

	assert.Equal(t, float32(7), cmd.FloatOr(FieldY, 7))
	_, ok := cmd.Int(FieldS)
	assert.False(t, ok)
	_, ok = cmd.Text()
	assert.False(t, ok)
	_, ok = cmd.Float(FieldS)
	assert.False(t, ok, "S is not a float field")
}

func TestParseUnknownLettersIgnored(t *testing.T) {
	t.Parallel()

	cmd, err := parse(t, "G1 Q5 X1 W2.5 U")
	require.NoError(t, err)
	assert.False(t, cmd.HasFormatError())
	assert.Equal(t, float32(1), cmd.FloatOr(FieldX, 0))
	assert.Equal(t, "G1 X1", cmd.String())
}

func TestParseText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		text  string
	}{
		{input: "M117 Hello World  ", text: "Hello World"},
		{input: "N3 M23 print.gco", text: "print.gco"},
		{input: "m117 x=1 y=2", text: "x=1 y=2"},
		{input: `M300 "beep" S440`, text: "beep"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			cmd, err := parse(t, tt.input)
			require.NoError(t, err)
			text, ok := cmd.Text()
			require.True(t, ok)
			assert.Equal(t, tt.text, text)
		})
	}

	cmd, err := parse(t, "M117")
	require.NoError(t, err)
	_, ok := cmd.Text()
	assert.False(t, ok, "empty message carries no text")
}

func TestParseFormatErrorKeepsPartial(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		has   []Field
	}{
		{input: "G1 X10 Y1.2.3 Z4", has: []Field{FieldG, FieldX}},
		{input: "G1 X10 #5", has: []Field{FieldG, FieldX}},
		{input: "X10 Y20", has: []Field{FieldX, FieldY}},
		{input: "G70000", has: nil},
		{input: "G1 X.", has: []Field{FieldG}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			cmd, err := parse(t, tt.input)
			require.ErrorIs(t, err, ErrFormat)
			assert.True(t, cmd.HasFormatError())
			for _, f := range tt.has {
				assert.True(t, cmd.Has(f), "expected %s to survive", f)
			}
		})
	}
}

func TestParseChecksum(t *testing.T) {
	t.Parallel()

	line := withChecksum("N7 G1 X10")
	cmd, err := parse(t, line)
	require.NoError(t, err)
	n, _ := cmd.Line()
	assert.Equal(t, uint32(7), n)
	assert.Equal(t, "N7 G1 X10", cmd.String())

	_, err = parse(t, "N7 G1 X11*0")
	assert.ErrorIs(t, err, ErrChecksum)

	_, err = parse(t, "N7 G1 X11*")
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestParseRequireChecksum(t *testing.T) {
	t.Parallel()

	opts := DefaultParseOptions()
	opts.RequireChecksum = true
	var cmd Command

	err := ParseASCII([]byte("N1 G1"), &cmd, &opts)
	assert.ErrorIs(t, err, ErrChecksum)

	assert.NoError(t, ParseASCII([]byte(withChecksum("N1 G1")), &cmd, &opts))

	// Unnumbered lines are not subject to the checksum requirement
	assert.NoError(t, ParseASCII([]byte("G28"), &cmd, &opts))
}

func TestParseTextWithChecksum(t *testing.T) {
	t.Parallel()

	cmd, err := parse(t, withChecksum("N9 M117 3*4=12"))
	require.NoError(t, err)
	text, _ := cmd.Text()
	assert.Equal(t, "3*4=12", text)
}

func TestParseResetsCommand(t *testing.T) {
	t.Parallel()

	var cmd Command
	require.NoError(t, ParseASCII([]byte("G1 X1 Y2 M117"), &cmd, nil))
	require.NoError(t, ParseASCII([]byte("G28"), &cmd, nil))
	assert.False(t, cmd.Has(FieldX))
	assert.False(t, cmd.Has(FieldM))
}

func TestCommandString(t *testing.T) {
	t.Parallel()

	var cmd Command
	cmd.SetLine(12)
	cmd.SetG(1)
	cmd.SetFloat(FieldX, 10)
	cmd.SetFloat(FieldY, -5.5)
	cmd.SetFloat(FieldF, 3000)
	assert.Equal(t, "N12 G1 X10 Y-5.5 F3000", cmd.String())

	cmd.Reset()
	cmd.SetM(117)
	cmd.SetText("hi")
	assert.Equal(t, `M117 "hi"`, cmd.String())
}

func TestParseErrorsAreDistinct(t *testing.T) {
	t.Parallel()

	_, err := parse(t, "N1 G1*1")
	assert.True(t, errors.Is(err, ErrChecksum))
	assert.False(t, errors.Is(err, ErrFormat))
}
