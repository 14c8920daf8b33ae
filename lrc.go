package modbus

// lrc computes the longitudinal redundancy check used by Modbus ASCII.
type lrc struct {
	sum uint8
}

func (l *lrc) reset() *lrc {
	l.sum = 0
	return l
}

func (l *lrc) pushByte(b byte) *lrc {
	l.sum += b
	return l
}

func (l *lrc) pushBytes(data []byte) *lrc {
	for _, b := range data {
		l.sum += b
	}
	return l
}

// value returns the two's complement of the running sum.
func (l *lrc) value() byte {
	return -l.sum
}
