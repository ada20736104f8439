package protocol

// CRC16 calculates the CRC16-CCITT checksum used as the binary frame trailer.
// Same polynomial and seed as the Klipper message block.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		b = b ^ uint8(crc&0xFF)
		b = b ^ (b << 4)
		b16 := uint16(b)
		crc = (b16<<8 | crc>>8) ^ (b16 >> 4) ^ (b16 << 3)
	}
	return crc
}

// AppendCRC16 appends the big-endian checksum of data to data
func AppendCRC16(data []byte) []byte {
	crc := CRC16(data)
	return append(data, uint8(crc>>8), uint8(crc))
}

// CheckCRC16 verifies a frame whose last two bytes are its CRC16 trailer
func CheckCRC16(frame []byte) bool {
	if len(frame) < BinaryTrailerSize {
		return false
	}
	body := frame[:len(frame)-BinaryTrailerSize]
	want := uint16(frame[len(frame)-2])<<8 | uint16(frame[len(frame)-1])
	return CRC16(body) == want
}
