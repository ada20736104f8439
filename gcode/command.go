// Package gcode defines the parsed Command record and the two codecs that fill it:
// the ASCII line parser and the compact binary frame format.
package gcode

import (
	"strconv"
	"strings"

	"gcodeflow/protocol"
)

// Origin identifies the channel a command arrived on
type Origin interface {
	ID() string
}

// Command is one parsed instruction. A field's value is only meaningful while its
// presence bit is set; every getter reports presence alongside the value.
type Command struct {
	mask Mask

	n      uint32
	g, m   uint16
	t      uint8
	s, p   int32
	floats [32]float32 // indexed by Field

	text    [protocol.MaxCmdSize]byte
	textLen uint8

	// Internal marks commands synthesized by the firmware rather than sent by a host
	Internal bool
	// Source is the channel the command arrived on, nil for internal commands
	Source Origin
}

// Reset clears every presence bit and the provenance, ready for slot reuse
func (c *Command) Reset() {
	c.mask = 0
	c.textLen = 0
	c.Internal = false
	c.Source = nil
}

// Mask returns the combined presence mask including flag bits
func (c *Command) Mask() Mask {
	return c.mask
}

// Fields returns the presence bits of value-carrying fields only
func (c *Command) Fields() Mask {
	m := c.mask & fieldsMask
	if c.textLen > 0 {
		m |= flagText
	}
	return m
}

// Params returns the first 16-bit presence mask
func (c *Command) Params() uint16 {
	return uint16(c.mask)
}

// Params2 returns the second 16-bit presence mask
func (c *Command) Params2() uint16 {
	return uint16(c.mask >> 16)
}

// Has reports whether the field is present
func (c *Command) Has(f Field) bool {
	return c.mask.Has(f)
}

// IsEmpty reports whether no value-carrying field is present
func (c *Command) IsEmpty() bool {
	return c.Fields() == 0
}

func (c *Command) Line() (uint32, bool) {
	return c.n, c.mask.Has(FieldN)
}

func (c *Command) G() (uint16, bool) {
	return c.g, c.mask.Has(FieldG)
}

func (c *Command) M() (uint16, bool) {
	return c.m, c.mask.Has(FieldM)
}

func (c *Command) T() (uint8, bool) {
	return c.t, c.mask.Has(FieldT)
}

// Float returns a float field. ok is false when the field is absent or not a float field.
func (c *Command) Float(f Field) (float32, bool) {
	if !f.IsFloat() || !c.mask.Has(f) {
		return 0, false
	}
	return c.floats[f], true
}

// FloatOr returns a float field or def when absent
func (c *Command) FloatOr(f Field, def float32) float32 {
	if v, ok := c.Float(f); ok {
		return v
	}
	return def
}

// Int returns the S or P field
func (c *Command) Int(f Field) (int32, bool) {
	if !c.mask.Has(f) {
		return 0, false
	}
	switch f {
	case FieldS:
		return c.s, true
	case FieldP:
		return c.p, true
	}
	return 0, false
}

// IntOr returns the S or P field or def when absent
func (c *Command) IntOr(f Field, def int32) int32 {
	if v, ok := c.Int(f); ok {
		return v
	}
	return def
}

// Text returns the string payload
func (c *Command) Text() (string, bool) {
	if c.mask&flagText == 0 {
		return "", false
	}
	return string(c.text[:c.textLen]), true
}

// HasFormatError reports whether parsing stopped early on malformed input
func (c *Command) HasFormatError() bool {
	return c.mask&flagFormatError != 0
}

// IsV2 reports whether the command arrived as a version 2 binary frame
func (c *Command) IsV2() bool {
	return c.mask&flagV2 != 0
}

// IsBinary reports whether the command was decoded from a binary frame
func (c *Command) IsBinary() bool {
	return c.mask&flagBinary != 0
}

func (c *Command) SetLine(n uint32) {
	c.n = n
	c.mask.set(FieldN)
}

func (c *Command) SetG(g uint16) {
	c.g = g
	c.mask.set(FieldG)
}

func (c *Command) SetM(m uint16) {
	c.m = m
	c.mask.set(FieldM)
}

func (c *Command) SetT(t uint8) {
	c.t = t
	c.mask.set(FieldT)
}

// SetFloat sets a float field; other fields are ignored
func (c *Command) SetFloat(f Field, v float32) {
	if !f.IsFloat() {
		return
	}
	c.floats[f] = v
	c.mask.set(f)
}

// SetInt sets the S or P field
func (c *Command) SetInt(f Field, v int32) {
	switch f {
	case FieldS:
		c.s = v
	case FieldP:
		c.p = v
	default:
		return
	}
	c.mask.set(f)
}

// SetText stores the string payload, truncated to the frame size
func (c *Command) SetText(s string) {
	n := copy(c.text[:], s)
	c.textLen = uint8(n)
	if n == 0 {
		c.mask &^= flagText
		return
	}
	c.mask |= flagText
}

// Clear removes a field
func (c *Command) Clear(f Field) {
	c.mask.clear(f)
}

func (c *Command) setFormatError() {
	c.mask |= flagFormatError
}

// Code returns the dispatch key of the command: "G1", "M105", "T" or "".
func (c *Command) Code() string {
	switch {
	case c.mask.Has(FieldG):
		return "G" + strconv.Itoa(int(c.g))
	case c.mask.Has(FieldM):
		return "M" + strconv.Itoa(int(c.m))
	case c.mask.Has(FieldT):
		return "T"
	}
	return ""
}

// Equal reports whether both commands carry the same fields with the same values.
// Flags and provenance are not compared.
func (c *Command) Equal(o *Command) bool {
	if c.Fields() != o.Fields() {
		return false
	}
	for _, bit := range protocol.FieldOrder {
		f := Field(bit)
		if !c.mask.Has(f) {
			continue
		}
		switch {
		case f == FieldN:
			if c.n != o.n {
				return false
			}
		case f == FieldG:
			if c.g != o.g {
				return false
			}
		case f == FieldM:
			if c.m != o.m {
				return false
			}
		case f == FieldT:
			if c.t != o.t {
				return false
			}
		case f.IsInt():
			a, _ := c.Int(f)
			b, _ := o.Int(f)
			if a != b {
				return false
			}
		case c.floats[f] != o.floats[f]:
			return false
		}
	}
	a, _ := c.Text()
	b, _ := o.Text()
	return a == b
}

// String renders the command in canonical ASCII order, e.g. "N12 G1 X10 Y-5.5 F3000"
func (c *Command) String() string {
	var sb strings.Builder
	for _, bit := range protocol.FieldOrder {
		f := Field(bit)
		if !c.mask.Has(f) {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte(f.Letter())
		switch {
		case f == FieldN:
			sb.WriteString(strconv.FormatUint(uint64(c.n), 10))
		case f == FieldG:
			sb.WriteString(strconv.Itoa(int(c.g)))
		case f == FieldM:
			sb.WriteString(strconv.Itoa(int(c.m)))
		case f == FieldT:
			sb.WriteString(strconv.Itoa(int(c.t)))
		case f.IsInt():
			v, _ := c.Int(f)
			sb.WriteString(strconv.FormatInt(int64(v), 10))
		default:
			sb.WriteString(strconv.FormatFloat(float64(c.floats[f]), 'f', -1, 32))
		}
	}
	if text, ok := c.Text(); ok {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.Quote(text))
	}
	return sb.String()
}
