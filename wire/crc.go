package wire

// crc16 is the Modbus variant of CRC-16 (reflected polynomial 0xA001, initial value 0xFFFF)
// that protects every frame payload.
func crc16(buf []byte) uint16 {
	var crc uint16 = 0xffff
	for _, b := range buf {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xa001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
