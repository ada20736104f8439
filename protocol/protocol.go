// Package protocol holds the wire-level pieces of the G-code command link: frame size limits,
// the binary frame layout, checksums and the byte buffers the channels and codecs share.
package protocol

// Version represents the gcodeflow firmware version
const Version = "0.1.0"

// Frame limits
const (
	MaxCmdSize = 96 // Maximum raw frame length, ASCII or binary

	BinaryMaskSize    = 4 // Two 16-bit presence masks
	BinaryTextLenSize = 1 // Text length byte, present only with BitText
	BinaryTrailerSize = 2 // CRC16 trailer
	BinaryMinSize     = BinaryMaskSize + BinaryTrailerSize
)

// Presence bits of the first mask (bits 0-15 of the combined 32-bit mask).
// Bit positions double as field identifiers in the gcode package.
const (
	BitN      = 0
	BitM      = 1
	BitG      = 2
	BitX      = 3
	BitY      = 4
	BitZ      = 5
	BitE      = 6
	BitBinary = 7 // Always set on the wire; ASCII bytes never have bit 7 set
	BitF      = 8
	BitT      = 9
	BitS      = 10
	BitP      = 11
	BitV2     = 12 // Protocol version 2
	BitRes13  = 13
	BitRes14  = 14
	BitText   = 15
)

// Presence bits of the second mask, numbered from 16 in the combined mask.
const (
	BitI           = 16
	BitJ           = 17
	BitR           = 18
	BitD           = 19
	BitC           = 20
	BitH           = 21
	BitA           = 22
	BitB           = 23
	BitK           = 24
	BitL           = 25
	BitO           = 26
	BitFormatError = 31 // Internal flag, never valid on the wire
)

// MarkerByte is the bit that flags the first byte of a binary frame
const MarkerByte = 1 << BitBinary

// ReservedMask covers every bit a version 2 frame must leave clear
const ReservedMask uint32 = 1<<BitRes13 | 1<<BitRes14 | 0x7800<<16 | 1<<BitFormatError

// fieldWidths gives the fixed wire width of each presence bit, in canonical order.
// Zero-width bits are flags or reserved; the text payload is sized by its length byte.
var fieldWidths = [32]uint8{
	BitN: 4,
	BitM: 2,
	BitG: 2,
	BitX: 4, BitY: 4, BitZ: 4, BitE: 4,
	BitF: 4,
	BitT: 1,
	BitS: 4, BitP: 4,
	BitI: 4, BitJ: 4, BitR: 4, BitD: 4, BitC: 4, BitH: 4,
	BitA: 4, BitB: 4, BitK: 4, BitL: 4, BitO: 4,
}

// FieldWidth returns the wire width in bytes of the field at the given presence bit
func FieldWidth(bit int) int {
	if bit < 0 || bit >= len(fieldWidths) {
		return 0
	}
	return int(fieldWidths[bit])
}

// FieldOrder lists the presence bits of all fixed-width fields in the order they are
// written after the header.
var FieldOrder = [...]int{
	BitN, BitM, BitG,
	BitX, BitY, BitZ, BitE, BitF,
	BitT, BitS, BitP,
	BitI, BitJ, BitR, BitD, BitC, BitH, BitA, BitB, BitK, BitL, BitO,
}

// IsBinaryStart reports whether b opens a binary frame
func IsBinaryStart(b byte) bool {
	return b&MarkerByte != 0
}
