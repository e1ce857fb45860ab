package protocol

// CRC16CCITT calculates the CRC-16/CCITT checksum (poly 0x1021, init 0xFFFF)
// used to close every packet sent by the camera.
func CRC16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
