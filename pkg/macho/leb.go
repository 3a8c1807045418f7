package macho

import "github.com/pkg/errors"

// ReadUleb128 decodes an unsigned LEB128 value at data[off:] and returns it with the offset past it.
func ReadUleb128(data []byte, off int) (uint64, int, error) {
	var result uint64
	var shift uint
	for {
		if off >= len(data) {
			return 0, off, errors.New("could not parse ULEB128 value: unexpected end of data")
		}
		b := data[off]
		off++
		if shift < 64 {
			result |= uint64(b&0x7f) << shift
		}
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, off, nil
}

// ReadSleb128 decodes a signed LEB128 value at data[off:] and returns it with the offset past it.
func ReadSleb128(data []byte, off int) (int64, int, error) {
	var result int64
	var shift uint
	var b byte
	for {
		if off >= len(data) {
			return 0, off, errors.New("could not parse SLEB128 value: unexpected end of data")
		}
		b = data[off]
		off++
		if shift < 64 {
			result |= int64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, off, nil
}

func AppendUleb128(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func AppendSleb128(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		s := c & 0x40
		v >>= 7
		if (v == 0 && s == 0) || (v == -1 && s != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}
