package kvs

import (
	"encoding/binary"
	"errors"
)

// Order-preserving byte encoding used by the storage backends.
//
// A byte string is written with every 0x00 escaped as 0x00 0xFF and is
// terminated by 0x00 0x01. Concatenated encodings therefore sort the same
// way as the tuples they encode. Timestamps are appended as 8 big-endian
// bytes with the sign bit flipped.

const (
	escapeByte     byte = 0x00
	escapedZero    byte = 0xFF
	terminatorByte byte = 0x01
	timestampSize       = 8
)

// ErrCorruptKey is returned when a stored key cannot be decoded.
var ErrCorruptKey = errors.New("kvs: corrupt key")

// AppendBytes appends the escaped, terminated encoding of b to dst.
func AppendBytes(dst, b []byte) []byte {
	for _, c := range b {
		if c == escapeByte {
			dst = append(dst, escapeByte, escapedZero)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, escapeByte, terminatorByte)
}

// DecodeBytes decodes one AppendBytes value from the front of buf and
// returns it with the remaining bytes.
func DecodeBytes(buf []byte) (decoded, rest []byte, err error) {
	decoded = make([]byte, 0, len(buf))
	for i := 0; i < len(buf); i++ {
		c := buf[i]
		if c != escapeByte {
			decoded = append(decoded, c)
			continue
		}
		if i+1 >= len(buf) {
			return nil, nil, ErrCorruptKey
		}
		switch buf[i+1] {
		case escapedZero:
			decoded = append(decoded, escapeByte)
			i++
		case terminatorByte:
			return decoded, buf[i+2:], nil
		default:
			return nil, nil, ErrCorruptKey
		}
	}
	return nil, nil, ErrCorruptKey
}

// AppendTimestamp appends an order-preserving encoding of ts.
func AppendTimestamp(dst []byte, ts int64) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(ts)^(1<<63))
}

// DecodeTimestamp decodes an AppendTimestamp value.
func DecodeTimestamp(buf []byte) (int64, error) {
	if len(buf) != timestampSize {
		return 0, ErrCorruptKey
	}
	return int64(binary.BigEndian.Uint64(buf) ^ (1 << 63)), nil
}

// EncodeRowPrefix returns the encoded prefix shared by every version of
// every cell in row.
func EncodeRowPrefix(row []byte) []byte {
	return AppendBytes(nil, row)
}

// EncodeVersionKey encodes (row, column, ts).
func EncodeVersionKey(cell Cell, ts int64) []byte {
	key := make([]byte, 0, len(cell.Row)+len(cell.Column)+4+timestampSize)
	key = AppendBytes(key, cell.Row)
	key = AppendBytes(key, cell.Column)
	return AppendTimestamp(key, ts)
}

// DecodeVersionKey reverses EncodeVersionKey.
func DecodeVersionKey(key []byte) (Cell, int64, error) {
	row, rest, err := DecodeBytes(key)
	if err != nil {
		return Cell{}, 0, err
	}
	col, rest, err := DecodeBytes(rest)
	if err != nil {
		return Cell{}, 0, err
	}
	ts, err := DecodeTimestamp(rest)
	if err != nil {
		return Cell{}, 0, err
	}
	return Cell{Row: row, Column: col}, ts, nil
}
