package protocol

// LineChecksum is the XOR of every byte of an ASCII line up to, not including, the '*'
// that introduces the checksum.
func LineChecksum(line []byte) uint8 {
	var cs uint8
	for _, b := range line {
		cs ^= b
	}
	return cs
}
