package modbus

var crcTable = makeCRCTable()

// makeCRCTable builds the CRC-16 lookup table (polynomial 0xA001, reversed).
func makeCRCTable() [256]uint16 {
	var table [256]uint16
	for i := range table {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}

// CRC16 calculates the Modbus CRC16 checksum. The low byte goes on the
// wire first.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ crcTable[uint8(crc)^b]
	}
	return crc
}

// appendCRC appends the CRC of frame to it, low byte first.
func appendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

// verifyCRC checks the trailing two CRC bytes of an RTU frame.
func verifyCRC(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}
	n := len(frame) - 2
	received := uint16(frame[n]) | uint16(frame[n+1])<<8
	return CRC16(frame[:n]) == received
}
