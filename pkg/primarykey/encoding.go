package primarykey

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Binary key layout: uvarint component count, then per component a type tag
// followed by its payload. Tags: 1 int64 (varint), 2 float64 (8 bytes LE),
// 3 string (uvarint length + bytes), 4 true, 5 false, 6 Date (varint days).
const (
	tagInt byte = iota + 1
	tagFloat
	tagString
	tagTrue
	tagFalse
	tagDate
)

var errShortKey = errors.New("truncated key encoding")

// MarshalBinary encodes the key in a compact, type-preserving form.
func (k Key) MarshalBinary() ([]byte, error) {
	buf := binary.AppendUvarint(make([]byte, 0, 8*len(k)+1), uint64(len(k)))
	for i, v := range k {
		switch x := v.(type) {
		case int64:
			buf = binary.AppendVarint(append(buf, tagInt), x)
		case float64:
			buf = binary.LittleEndian.AppendUint64(append(buf, tagFloat), math.Float64bits(x))
		case string:
			buf = binary.AppendUvarint(append(buf, tagString), uint64(len(x)))
			buf = append(buf, x...)
		case bool:
			if x {
				buf = append(buf, tagTrue)
			} else {
				buf = append(buf, tagFalse)
			}
		case Date:
			buf = binary.AppendVarint(append(buf, tagDate), int64(x))
		default:
			return nil, fmt.Errorf("encode key component %d: unsupported type %T", i, v)
		}
	}
	return buf, nil
}

// UnmarshalBinary decodes a key produced by MarshalBinary.
func (k *Key) UnmarshalBinary(data []byte) error {
	n, w := binary.Uvarint(data)
	if w <= 0 {
		return errShortKey
	}
	data = data[w:]
	if n > uint64(len(data)) {
		return errShortKey
	}

	out := make(Key, 0, n)
	for range n {
		if len(data) == 0 {
			return errShortKey
		}
		tag := data[0]
		data = data[1:]
		switch tag {
		case tagInt, tagDate:
			v, w := binary.Varint(data)
			if w <= 0 {
				return errShortKey
			}
			data = data[w:]
			if tag == tagDate {
				out = append(out, Date(v))
			} else {
				out = append(out, v)
			}
		case tagFloat:
			if len(data) < 8 {
				return errShortKey
			}
			out = append(out, math.Float64frombits(binary.LittleEndian.Uint64(data)))
			data = data[8:]
		case tagString:
			l, w := binary.Uvarint(data)
			if w <= 0 || uint64(len(data)-w) < l {
				return errShortKey
			}
			out = append(out, string(data[w:w+int(l)]))
			data = data[w+int(l):]
		case tagTrue:
			out = append(out, true)
		case tagFalse:
			out = append(out, false)
		default:
			return fmt.Errorf("decode key: unknown component tag %d", tag)
		}
	}
	if len(data) != 0 {
		return fmt.Errorf("decode key: %d trailing bytes", len(data))
	}
	*k = out
	return nil
}
