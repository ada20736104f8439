package gcode

import "gcodeflow/protocol"

// Field identifies one optional parameter of a Command. Its value is the field's
// presence bit in the combined 32-bit Mask.
type Field uint8

const (
	FieldN Field = protocol.BitN
	FieldM Field = protocol.BitM
	FieldG Field = protocol.BitG
	FieldX Field = protocol.BitX
	FieldY Field = protocol.BitY
	FieldZ Field = protocol.BitZ
	FieldE Field = protocol.BitE
	FieldF Field = protocol.BitF
	FieldT Field = protocol.BitT
	FieldS Field = protocol.BitS
	FieldP Field = protocol.BitP
	FieldI Field = protocol.BitI
	FieldJ Field = protocol.BitJ
	FieldR Field = protocol.BitR
	FieldD Field = protocol.BitD
	FieldC Field = protocol.BitC
	FieldH Field = protocol.BitH
	FieldA Field = protocol.BitA
	FieldB Field = protocol.BitB
	FieldK Field = protocol.BitK
	FieldL Field = protocol.BitL
	FieldO Field = protocol.BitO

	fieldNone Field = 0xFF
)

// Flag bits carried in the same mask as the fields
const (
	flagBinary      Mask = 1 << protocol.BitBinary
	flagV2          Mask = 1 << protocol.BitV2
	flagText        Mask = 1 << protocol.BitText
	flagFormatError Mask = 1 << protocol.BitFormatError
)

// Mask is the combined presence mask: bits 0-15 are the first wire mask, 16-31 the second.
type Mask uint32

// Has reports whether the field's presence bit is set
func (m Mask) Has(f Field) bool {
	return f < 32 && m&(1<<f) != 0
}

func (m *Mask) set(f Field) {
	*m |= 1 << f
}

func (m *Mask) clear(f Field) {
	*m &^= 1 << f
}

// fieldsMask covers every bit that stands for a value rather than a flag
var fieldsMask = func() Mask {
	var m Mask
	for _, bit := range protocol.FieldOrder {
		m.set(Field(bit))
	}
	return m
}()

var letters = [32]byte{
	FieldN: 'N', FieldM: 'M', FieldG: 'G',
	FieldX: 'X', FieldY: 'Y', FieldZ: 'Z', FieldE: 'E', FieldF: 'F',
	FieldT: 'T', FieldS: 'S', FieldP: 'P',
	FieldI: 'I', FieldJ: 'J', FieldR: 'R', FieldD: 'D', FieldC: 'C', FieldH: 'H',
	FieldA: 'A', FieldB: 'B', FieldK: 'K', FieldL: 'L', FieldO: 'O',
}

var byLetter = func() [26]Field {
	var t [26]Field
	for i := range t {
		t[i] = fieldNone
	}
	for f, c := range letters {
		if c != 0 {
			t[c-'A'] = Field(f)
		}
	}
	return t
}()

// Letter returns the G-code word letter of the field, or 0 for flag bits
func (f Field) Letter() byte {
	if f >= 32 {
		return 0
	}
	return letters[f]
}

func (f Field) String() string {
	if c := f.Letter(); c != 0 {
		return string(c)
	}
	return "?"
}

// FieldForLetter maps an upper-case word letter to its field
func FieldForLetter(c byte) (Field, bool) {
	if c < 'A' || c > 'Z' {
		return fieldNone, false
	}
	f := byLetter[c-'A']
	return f, f != fieldNone
}

// IsFloat reports whether the field carries a float32 value
func (f Field) IsFloat() bool {
	switch f {
	case FieldX, FieldY, FieldZ, FieldE, FieldF,
		FieldI, FieldJ, FieldR, FieldD, FieldC, FieldH, FieldA, FieldB, FieldK, FieldL, FieldO:
		return true
	}
	return false
}

// IsInt reports whether the field carries a signed 32-bit value (S and P)
func (f Field) IsInt() bool {
	return f == FieldS || f == FieldP
}
