package protocol

import (
	"encoding/binary"
	"errors"
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum command size")

// HeaderSize returns how many leading bytes of a binary frame are needed to compute its
// total size. It needs the first mask byte pair to know whether a text length follows.
func HeaderSize(header []byte) int {
	if len(header) < 2 {
		return BinaryMaskSize
	}
	if binary.LittleEndian.Uint16(header)&(1<<BitText) != 0 {
		return BinaryMaskSize + BinaryTextLenSize
	}
	return BinaryMaskSize
}

// Masks decodes the combined 32-bit presence mask from the start of a binary frame
func Masks(header []byte) uint32 {
	return uint32(binary.LittleEndian.Uint16(header)) |
		uint32(binary.LittleEndian.Uint16(header[2:]))<<16
}

// SizeForMask returns the total frame size for a combined mask and text length
func SizeForMask(mask uint32, textLen int) int {
	size := BinaryMaskSize + BinaryTrailerSize
	for _, bit := range FieldOrder {
		if mask&(1<<uint(bit)) != 0 {
			size += FieldWidth(bit)
		}
	}
	if mask&(1<<BitText) != 0 {
		size += BinaryTextLenSize + textLen
	}
	return size
}

// BinaryFrameSize computes the expected total length of a binary frame from its header.
// ok is false while more header bytes are needed. A frame that could never fit the
// receive buffer returns ErrFrameTooLarge.
func BinaryFrameSize(header []byte) (size int, ok bool, err error) {
	need := HeaderSize(header)
	if len(header) < need {
		return 0, false, nil
	}

	mask := Masks(header)
	textLen := 0
	if mask&(1<<BitText) != 0 {
		textLen = int(header[BinaryMaskSize])
	}

	size = SizeForMask(mask, textLen)
	if size > MaxCmdSize {
		return size, true, ErrFrameTooLarge
	}
	return size, true, nil
}
