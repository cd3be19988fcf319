package protocol

// CRC16 computes the frame checksum per §4.4/§6's bit-exact wire
// format: the same CCITT-derived recursion Klipper's serialqueue uses,
// so the trailer a host emits is byte-compatible with the MCU's.
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
