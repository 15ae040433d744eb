package chunkstore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/eunmann/olapcube/pkg/primarykey"
	"github.com/eunmann/olapcube/pkg/record"
)

// Chunk file format:
//
// Header (8 bytes, never compressed):
//   Magic:       4 bytes (0x4F4C434B = "OLCK")
//   Version:     2 bytes (1)
//   Compression: 2 bytes (0 none, 1 zstd, 2 snappy)
//
// Body (compressed as declared), a sequence of records each introduced by a
// marker byte (1), terminated by a single end marker (0):
//   Columns:  uvarint count, then per column in name order:
//     Name:   uvarint length + bytes
//     Value:  tag byte + payload
//
// Value tags:
//   0 nil, 1 int64 (varint), 2 float64 (8 bytes LE), 3 string (uvarint
//   length + bytes), 4 true, 5 false, 6 Date (varint days), 7 list (uvarint
//   count + tagged values).

const (
	chunkMagic   = 0x4F4C434B // "OLCK"
	chunkVersion = 1
	headerSize   = 8

	markerEnd    = 0
	markerRecord = 1
)

const (
	tagNil byte = iota
	tagInt
	tagFloat
	tagString
	tagTrue
	tagFalse
	tagDate
	tagList
)

// Compression selects the body compression of encoded chunks.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionZstd   Compression = "zstd"
	CompressionSnappy Compression = "snappy"
)

// ParseCompression converts a compression name. Empty means zstd.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", CompressionZstd:
		return CompressionZstd, nil
	case CompressionNone, CompressionSnappy:
		return Compression(s), nil
	}
	return "", fmt.Errorf("unknown compression %q", s)
}

func (c Compression) code() (uint16, error) {
	switch c {
	case CompressionNone:
		return 0, nil
	case CompressionZstd, "":
		return 1, nil
	case CompressionSnappy:
		return 2, nil
	}
	return 0, fmt.Errorf("unknown compression %q", c)
}

// Encoder writes records in the chunk format.
type Encoder struct {
	body  *bufio.Writer
	comp  io.Closer
	buf   []byte
	count int64
}

// NewEncoder writes the header to w and returns an encoder for the body.
// Close finishes the body but does not close w.
func NewEncoder(w io.Writer, c Compression) (*Encoder, error) {
	code, err := c.code()
	if err != nil {
		return nil, err
	}
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], chunkMagic)
	binary.LittleEndian.PutUint16(header[4:6], chunkVersion)
	binary.LittleEndian.PutUint16(header[6:8], code)
	if _, err := w.Write(header[:]); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	e := &Encoder{buf: make([]byte, 0, 256)}
	switch code {
	case 1:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		e.comp = zw
		e.body = bufio.NewWriter(zw)
	case 2:
		sw := snappy.NewBufferedWriter(w)
		e.comp = sw
		e.body = bufio.NewWriter(sw)
	default:
		e.body = bufio.NewWriter(w)
	}
	return e, nil
}

// Encode appends one record.
func (e *Encoder) Encode(r record.Record) error {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	slices.Sort(names)

	buf := append(e.buf[:0], markerRecord)
	buf = binary.AppendUvarint(buf, uint64(len(names)))
	for _, name := range names {
		buf = binary.AppendUvarint(buf, uint64(len(name)))
		buf = append(buf, name...)
		var err error
		if buf, err = appendValue(buf, r[name]); err != nil {
			return fmt.Errorf("encode column %q: %w", name, err)
		}
	}
	e.buf = buf
	if _, err := e.body.Write(buf); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	e.count++
	return nil
}

// Count returns the number of records encoded.
func (e *Encoder) Count() int64 { return e.count }

// Close writes the end marker and flushes the body.
func (e *Encoder) Close() error {
	if err := e.body.WriteByte(markerEnd); err != nil {
		return fmt.Errorf("write end marker: %w", err)
	}
	if err := e.body.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if e.comp != nil {
		if err := e.comp.Close(); err != nil {
			return fmt.Errorf("close compressor: %w", err)
		}
	}
	return nil
}

func appendValue(buf []byte, v any) ([]byte, error) {
	if v == nil {
		return append(buf, tagNil), nil
	}
	if l, ok := v.([]any); ok {
		buf = append(buf, tagList)
		buf = binary.AppendUvarint(buf, uint64(len(l)))
		for _, item := range l {
			var err error
			if buf, err = appendValue(buf, item); err != nil {
				return nil, err
			}
		}
		return buf, nil
	}

	nv, err := primarykey.Normalize(v)
	if err != nil {
		return nil, fmt.Errorf("%T: %w", v, ErrUnsupportedType)
	}
	switch x := nv.(type) {
	case int64:
		buf = append(buf, tagInt)
		return binary.AppendVarint(buf, x), nil
	case float64:
		buf = append(buf, tagFloat)
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(x)), nil
	case string:
		buf = append(buf, tagString)
		buf = binary.AppendUvarint(buf, uint64(len(x)))
		return append(buf, x...), nil
	case bool:
		if x {
			return append(buf, tagTrue), nil
		}
		return append(buf, tagFalse), nil
	case primarykey.Date:
		buf = append(buf, tagDate)
		return binary.AppendVarint(buf, int64(x)), nil
	}
	return nil, fmt.Errorf("%T: %w", v, ErrUnsupportedType)
}

// Decoder reads records in the chunk format.
type Decoder struct {
	r    *bufio.Reader
	zr   *zstd.Decoder
	done bool
}

// NewDecoder reads and validates the header from r.
func NewDecoder(r io.Reader) (*Decoder, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read header: %w: %w", ErrCorrupt, err)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != chunkMagic {
		return nil, fmt.Errorf("magic mismatch: %w", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(header[4:6]); v != chunkVersion {
		return nil, fmt.Errorf("unsupported version %d: %w", v, ErrCorrupt)
	}

	d := &Decoder{}
	switch code := binary.LittleEndian.Uint16(header[6:8]); code {
	case 0:
		d.r = bufio.NewReader(r)
	case 1:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		d.zr = zr
		d.r = bufio.NewReader(zr)
	case 2:
		d.r = bufio.NewReader(snappy.NewReader(r))
	default:
		return nil, fmt.Errorf("unknown compression code %d: %w", code, ErrCorrupt)
	}
	return d, nil
}

// Next returns the next record, or io.EOF after the end marker.
func (d *Decoder) Next() (record.Record, error) {
	if d.done {
		return nil, io.EOF
	}
	marker, err := d.r.ReadByte()
	if err != nil {
		return nil, truncated(err)
	}
	switch marker {
	case markerEnd:
		d.done = true
		return nil, io.EOF
	case markerRecord:
	default:
		return nil, fmt.Errorf("bad record marker %d: %w", marker, ErrCorrupt)
	}

	n, err := binary.ReadUvarint(d.r)
	if err != nil {
		return nil, truncated(err)
	}
	rec := make(record.Record, n)
	for range n {
		name, err := d.readString()
		if err != nil {
			return nil, err
		}
		v, err := d.readValue()
		if err != nil {
			return nil, fmt.Errorf("decode column %q: %w", name, err)
		}
		rec[name] = v
	}
	return rec, nil
}

// Close releases decompressor resources. It does not close the source.
func (d *Decoder) Close() error {
	if d.zr != nil {
		d.zr.Close()
		d.zr = nil
	}
	return nil
}

func (d *Decoder) readString() (string, error) {
	n, err := binary.ReadUvarint(d.r)
	if err != nil {
		return "", truncated(err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return "", truncated(err)
	}
	return string(b), nil
}

func (d *Decoder) readValue() (any, error) {
	tag, err := d.r.ReadByte()
	if err != nil {
		return nil, truncated(err)
	}
	switch tag {
	case tagNil:
		return nil, nil
	case tagInt:
		v, err := binary.ReadVarint(d.r)
		if err != nil {
			return nil, truncated(err)
		}
		return v, nil
	case tagFloat:
		var b [8]byte
		if _, err := io.ReadFull(d.r, b[:]); err != nil {
			return nil, truncated(err)
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b[:])), nil
	case tagString:
		return d.readString()
	case tagTrue:
		return true, nil
	case tagFalse:
		return false, nil
	case tagDate:
		v, err := binary.ReadVarint(d.r)
		if err != nil {
			return nil, truncated(err)
		}
		return primarykey.Date(v), nil
	case tagList:
		n, err := binary.ReadUvarint(d.r)
		if err != nil {
			return nil, truncated(err)
		}
		l := make([]any, 0, n)
		for range n {
			item, err := d.readValue()
			if err != nil {
				return nil, err
			}
			l = append(l, item)
		}
		return l, nil
	}
	return nil, fmt.Errorf("unknown value tag %d: %w", tag, ErrCorrupt)
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("truncated chunk: %w: %w", ErrCorrupt, err)
}
