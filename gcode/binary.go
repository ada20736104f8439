package gcode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"gcodeflow/protocol"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported binary protocol version")
	ErrMissingLineNumber  = errors.New("binary frame without line number")
	ErrTruncated          = errors.New("truncated binary frame")
	ErrNotBinary          = errors.New("frame has no binary marker")
)

// EncodeBinary writes cmd as a version 2 binary frame and returns a copy of the frame.
// Flag bits of cmd are ignored; the marker and version bits are always set.
func EncodeBinary(cmd *Command) ([]byte, error) {
	if !cmd.Has(FieldN) {
		return nil, ErrMissingLineNumber
	}

	mask := cmd.Fields() | flagBinary | flagV2
	textLen := int(cmd.textLen)
	if size := protocol.SizeForMask(uint32(mask), textLen); size > protocol.MaxCmdSize {
		return nil, fmt.Errorf("%w: %d bytes", protocol.ErrFrameTooLarge, size)
	}

	var out protocol.FrameWriter
	var scratch [4]byte

	binary.LittleEndian.PutUint16(scratch[:], uint16(mask))
	binary.LittleEndian.PutUint16(scratch[2:], uint16(mask>>16))
	out.Write(scratch[:4])
	if mask&flagText != 0 {
		out.Write([]byte{uint8(textLen)})
	}

	for _, bit := range protocol.FieldOrder {
		f := Field(bit)
		if !mask.Has(f) {
			continue
		}
		switch {
		case f == FieldN:
			binary.LittleEndian.PutUint32(scratch[:], cmd.n)
		case f == FieldM:
			binary.LittleEndian.PutUint16(scratch[:], cmd.m)
		case f == FieldG:
			binary.LittleEndian.PutUint16(scratch[:], cmd.g)
		case f == FieldT:
			scratch[0] = cmd.t
		case f == FieldS:
			binary.LittleEndian.PutUint32(scratch[:], uint32(cmd.s))
		case f == FieldP:
			binary.LittleEndian.PutUint32(scratch[:], uint32(cmd.p))
		default:
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(cmd.floats[f]))
		}
		out.Write(scratch[:protocol.FieldWidth(bit)])
	}
	out.Write(cmd.text[:textLen])

	frame := protocol.AppendCRC16(append([]byte(nil), out.Bytes()...))
	return frame, nil
}

// ParseBinary decodes a complete binary frame into cmd. The frame is rejected, never
// partially accepted, on any error.
func ParseBinary(frame []byte, cmd *Command) error {
	cmd.Reset()

	if len(frame) < protocol.BinaryMinSize {
		return ErrTruncated
	}
	if !protocol.IsBinaryStart(frame[0]) {
		return ErrNotBinary
	}
	size, ok, err := protocol.BinaryFrameSize(frame)
	if err != nil {
		return err
	}
	if !ok || size != len(frame) {
		return fmt.Errorf("%w: have %d bytes, header declares %d", ErrTruncated, len(frame), size)
	}
	if !protocol.CheckCRC16(frame) {
		return ErrChecksum
	}

	mask := Mask(protocol.Masks(frame))
	if mask&flagV2 == 0 || uint32(mask)&protocol.ReservedMask != 0 {
		return fmt.Errorf("%w: mask %08x", ErrUnsupportedVersion, uint32(mask))
	}
	if !mask.Has(FieldN) {
		return ErrMissingLineNumber
	}

	in := protocol.NewFrameReader(frame[:len(frame)-protocol.BinaryTrailerSize])
	in.Skip(protocol.HeaderSize(frame))

	for _, bit := range protocol.FieldOrder {
		f := Field(bit)
		if !mask.Has(f) {
			continue
		}
		b, ok := in.Take(protocol.FieldWidth(bit))
		if !ok {
			return ErrTruncated
		}
		switch {
		case f == FieldN:
			cmd.n = binary.LittleEndian.Uint32(b)
		case f == FieldM:
			cmd.m = binary.LittleEndian.Uint16(b)
		case f == FieldG:
			cmd.g = binary.LittleEndian.Uint16(b)
		case f == FieldT:
			cmd.t = b[0]
		case f == FieldS:
			cmd.s = int32(binary.LittleEndian.Uint32(b))
		case f == FieldP:
			cmd.p = int32(binary.LittleEndian.Uint32(b))
		default:
			cmd.floats[f] = math.Float32frombits(binary.LittleEndian.Uint32(b))
		}
	}

	if mask&flagText != 0 {
		textLen := int(frame[protocol.BinaryMaskSize])
		b, ok := in.Take(textLen)
		if !ok {
			return ErrTruncated
		}
		cmd.textLen = uint8(copy(cmd.text[:], b))
	}

	cmd.mask = mask
	return nil
}
