package gcode

import (
	"errors"
	"fmt"
	"math"

	"gcodeflow/protocol"
)

var (
	ErrFormat   = errors.New("malformed command")
	ErrChecksum = errors.New("checksum mismatch")
)

// DefaultTextMCodes lists the M codes whose remainder of line is a text payload
// (file names and display messages).
var DefaultTextMCodes = []uint16{23, 28, 29, 30, 32, 36, 117, 118, 531, 532}

// ParseOptions configures the ASCII dialect
type ParseOptions struct {
	// TextMCodes take the rest of the line as text
	TextMCodes []uint16
	// RequireChecksum rejects numbered lines that carry no checksum
	RequireChecksum bool
}

// DefaultParseOptions returns the stock dialect
func DefaultParseOptions() ParseOptions {
	return ParseOptions{TextMCodes: DefaultTextMCodes}
}

func (o *ParseOptions) isTextCode(m uint16) bool {
	for _, c := range o.TextMCodes {
		if c == m {
			return true
		}
	}
	return false
}

// ParseASCII parses one line (without terminator or comment) into cmd.
//
// ErrChecksum means the line must be rejected. ErrFormat means parsing stopped at
// malformed input: cmd keeps everything decoded up to that point and carries the
// format-error flag. Unknown word letters are skipped.
func ParseASCII(line []byte, cmd *Command, opts *ParseOptions) error {
	cmd.Reset()
	if opts == nil {
		def := DefaultParseOptions()
		opts = &def
	}

	line, err := verifyChecksum(line, opts)
	if err != nil {
		return err
	}

	i := 0
	for i < len(line) {
		// Skip whitespace
		for i < len(line) && isSpace(line[i]) {
			i++
		}
		if i >= len(line) {
			break
		}

		c := toUpper(line[i])
		if c == '"' {
			end := i + 1
			for end < len(line) && line[end] != '"' {
				end++
			}
			cmd.SetText(string(line[i+1 : end]))
			i = end + 1
			continue
		}
		if !isLetter(c) {
			return formatError(cmd, "unexpected %q at %d", line[i], i)
		}
		i++

		value, newPos, ok := parseFloat(line, i)
		if !ok {
			return formatError(cmd, "bad number after %c", c)
		}
		i = newPos
		if i < len(line) && !isSpace(line[i]) && !isLetter(line[i]) && line[i] != '"' {
			return formatError(cmd, "unexpected %q after %c", line[i], c)
		}

		f, known := FieldForLetter(c)
		if !known {
			continue
		}
		if err := storeValue(cmd, f, value); err != nil {
			return err
		}

		if f == FieldM && opts.isTextCode(cmd.m) {
			for i < len(line) && isSpace(line[i]) {
				i++
			}
			end := len(line)
			for end > i && isSpace(line[end-1]) {
				end--
			}
			if end > i {
				cmd.SetText(string(line[i:end]))
			}
			break
		}
	}

	if !cmd.mask.Has(FieldG) && !cmd.mask.Has(FieldM) && !cmd.mask.Has(FieldT) {
		return formatError(cmd, "no G, M or T word")
	}
	return nil
}

// verifyChecksum strips and checks a trailing "*<xor>" checksum
func verifyChecksum(line []byte, opts *ParseOptions) ([]byte, error) {
	end := len(line)
	for end > 0 && isSpace(line[end-1]) {
		end--
	}
	star := -1
	for i := end - 1; i >= 0; i-- {
		if line[i] == '*' {
			star = i
			break
		}
		if line[i] < '0' || line[i] > '9' {
			break
		}
	}

	if star < 0 {
		if opts.RequireChecksum && hasLineNumber(line) {
			return line, fmt.Errorf("%w: missing checksum", ErrChecksum)
		}
		return line, nil
	}

	digits := line[star+1 : end]
	if len(digits) == 0 || len(digits) > 3 {
		return line, fmt.Errorf("%w: malformed checksum", ErrChecksum)
	}
	want := 0
	for _, d := range digits {
		want = want*10 + int(d-'0')
	}
	got := protocol.LineChecksum(line[:star])
	if want != int(got) {
		return line, fmt.Errorf("%w: line carries %d, computed %d", ErrChecksum, want, got)
	}
	return line[:star], nil
}

func hasLineNumber(line []byte) bool {
	for i := 0; i < len(line); i++ {
		if isSpace(line[i]) {
			continue
		}
		return toUpper(line[i]) == 'N'
	}
	return false
}

func storeValue(cmd *Command, f Field, value float64) error {
	switch {
	case f == FieldN:
		if value < 0 || value > math.MaxUint32 {
			return formatError(cmd, "line number %g out of range", value)
		}
		cmd.SetLine(uint32(value))
	case f == FieldG:
		if value < 0 || value > math.MaxUint16 {
			return formatError(cmd, "G%g out of range", value)
		}
		cmd.SetG(uint16(value))
	case f == FieldM:
		if value < 0 || value > math.MaxUint16 {
			return formatError(cmd, "M%g out of range", value)
		}
		cmd.SetM(uint16(value))
	case f == FieldT:
		if value < 0 || value > math.MaxUint8 {
			return formatError(cmd, "T%g out of range", value)
		}
		cmd.SetT(uint8(value))
	case f.IsInt():
		if value < math.MinInt32 || value > math.MaxInt32 {
			return formatError(cmd, "%c%g out of range", f.Letter(), value)
		}
		cmd.SetInt(f, int32(value))
	default:
		cmd.SetFloat(f, float32(value))
	}
	return nil
}

func formatError(cmd *Command, format string, args ...any) error {
	cmd.setFormatError()
	return fmt.Errorf("%w: "+format, append([]any{ErrFormat}, args...)...)
}

// parseFloat parses a decimal number starting at pos. A word with no digits at all
// ("X" or "X-") is zero. ok is false only for a lone decimal point.
func parseFloat(s []byte, pos int) (float64, int, bool) {
	if pos >= len(s) {
		return 0, pos, true
	}

	negative := false
	if s[pos] == '-' {
		negative = true
		pos++
	} else if s[pos] == '+' {
		pos++
	}

	start := pos
	intPart := 0.0
	fracPart := 0.0
	fracDigits := 0

	// Parse integer part
	for pos < len(s) && s[pos] >= '0' && s[pos] <= '9' {
		intPart = intPart*10 + float64(s[pos]-'0')
		pos++
	}

	// Parse fractional part
	if pos < len(s) && s[pos] == '.' {
		pos++
		fracStart := pos
		for pos < len(s) && s[pos] >= '0' && s[pos] <= '9' {
			fracPart = fracPart*10.0 + float64(s[pos]-'0')
			pos++
		}
		fracDigits = pos - fracStart
	}

	if pos == start+1 && s[start] == '.' {
		return 0, pos, false
	}

	// Combine integer and fractional parts
	value := intPart
	if fracDigits > 0 {
		divisor := 1.0
		for i := 0; i < fracDigits; i++ {
			divisor *= 10.0
		}
		value += fracPart / divisor
	}

	if negative {
		value = -value
	}

	return value, pos, true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r'
}

// isLetter checks if a byte is a letter
func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// toUpper converts a byte to uppercase
func toUpper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}
