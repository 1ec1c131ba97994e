// Package wire implements the canonical, length-prefixed,
// lexicographically-keyed dictionary serialisation that quorum.*,
// blink.*, bl.*, and pulse.* payloads are encoded with (spec.md §6). The
// format is a small, tailored bencode: byte strings are length-prefixed
// ("<len>:<bytes>"), integers are "i<N>e", lists are "l<items>e", and
// dictionaries are "d<sorted key/value pairs>e" with single-byte keys.
// There is no off-the-shelf library for this bespoke dictionary format in
// the example pack, in the same way the teacher hand-rolls its own RLP
// codec (rlp/safe.go) rather than reaching for a generic serialisation
// library — see DESIGN.md.
package wire

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Dict is the in-memory representation of one canonical dictionary. Values
// may be: uint64, bool, []byte, []uint64, []int, []bool, [][]byte, or Dict
// (for nesting).
type Dict map[byte]interface{}

// Encode serialises d into its canonical wire form: keys sorted ascending,
// each value encoded by kind.
func Encode(d Dict) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeDict(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeDict(buf *bytes.Buffer, d Dict) error {
	keys := make([]byte, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	buf.WriteByte('d')
	for _, k := range keys {
		encodeBytes(buf, []byte{k})
		if err := encodeValue(buf, d[k]); err != nil {
			return fmt.Errorf("wire: key %#x: %w", k, err)
		}
	}
	buf.WriteByte('e')
	return nil
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case uint64:
		encodeInt(buf, int64(t))
	case int:
		encodeInt(buf, int64(t))
	case bool:
		if t {
			encodeInt(buf, 1)
		} else {
			encodeInt(buf, 0)
		}
	case []byte:
		encodeBytes(buf, t)
	case Dict:
		return encodeDict(buf, t)
	case []uint64:
		buf.WriteByte('l')
		for _, x := range t {
			encodeInt(buf, int64(x))
		}
		buf.WriteByte('e')
	case []int:
		buf.WriteByte('l')
		for _, x := range t {
			encodeInt(buf, int64(x))
		}
		buf.WriteByte('e')
	case []bool:
		buf.WriteByte('l')
		for _, x := range t {
			if x {
				encodeInt(buf, 1)
			} else {
				encodeInt(buf, 0)
			}
		}
		buf.WriteByte('e')
	case [][]byte:
		buf.WriteByte('l')
		for _, x := range t {
			encodeBytes(buf, x)
		}
		buf.WriteByte('e')
	default:
		return fmt.Errorf("wire: unsupported value type %T", v)
	}
	return nil
}

func encodeInt(buf *bytes.Buffer, v int64) {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatInt(v, 10))
	buf.WriteByte('e')
}

func encodeBytes(buf *bytes.Buffer, b []byte) {
	buf.WriteString(strconv.Itoa(len(b)))
	buf.WriteByte(':')
	buf.Write(b)
}

// Decode parses the canonical form back into a Dict. Field kinds are not
// known ahead of time from the wire alone, so scalar integers decode as
// uint64/int64-compatible int64, byte strings as []byte, and nested
// structures as Dict or []interface{}; typed accessors below convert.
func Decode(data []byte) (Dict, error) {
	dec := &decoder{buf: data}
	v, err := dec.decodeValue()
	if err != nil {
		return nil, err
	}
	if dec.pos != len(dec.buf) {
		return nil, fmt.Errorf("wire: %d trailing bytes", len(dec.buf)-dec.pos)
	}
	d, ok := v.(Dict)
	if !ok {
		return nil, fmt.Errorf("wire: top-level value is not a dictionary")
	}
	return d, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) decodeValue() (interface{}, error) {
	if d.pos >= len(d.buf) {
		return nil, fmt.Errorf("wire: unexpected end of input")
	}
	switch d.buf[d.pos] {
	case 'd':
		return d.decodeDict()
	case 'l':
		return d.decodeList()
	case 'i':
		return d.decodeInt()
	default:
		return d.decodeBytes()
	}
}

func (d *decoder) decodeDict() (Dict, error) {
	d.pos++ // 'd'
	out := Dict{}
	var lastKey []byte
	for {
		if d.pos >= len(d.buf) {
			return nil, fmt.Errorf("wire: unterminated dictionary")
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			return out, nil
		}
		keyRaw, err := d.decodeBytes()
		if err != nil {
			return nil, fmt.Errorf("wire: dict key: %w", err)
		}
		if len(keyRaw) != 1 {
			return nil, fmt.Errorf("wire: dict key must be 1 byte, got %d", len(keyRaw))
		}
		if lastKey != nil && bytes.Compare(keyRaw, lastKey) <= 0 {
			return nil, fmt.Errorf("wire: dict keys not strictly ascending (canonical violation)")
		}
		lastKey = keyRaw
		val, err := d.decodeValue()
		if err != nil {
			return nil, fmt.Errorf("wire: dict value for key %#x: %w", keyRaw[0], err)
		}
		out[keyRaw[0]] = val
	}
}

func (d *decoder) decodeList() ([]interface{}, error) {
	d.pos++ // 'l'
	var out []interface{}
	for {
		if d.pos >= len(d.buf) {
			return nil, fmt.Errorf("wire: unterminated list")
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			return out, nil
		}
		v, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

func (d *decoder) decodeInt() (int64, error) {
	d.pos++ // 'i'
	start := d.pos
	for d.pos < len(d.buf) && d.buf[d.pos] != 'e' {
		d.pos++
	}
	if d.pos >= len(d.buf) {
		return 0, fmt.Errorf("wire: unterminated integer")
	}
	v, err := strconv.ParseInt(string(d.buf[start:d.pos]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("wire: invalid integer literal: %w", err)
	}
	d.pos++ // 'e'
	return v, nil
}

func (d *decoder) decodeBytes() ([]byte, error) {
	start := d.pos
	for d.pos < len(d.buf) && d.buf[d.pos] != ':' {
		if d.buf[d.pos] < '0' || d.buf[d.pos] > '9' {
			return nil, fmt.Errorf("wire: expected byte-string length")
		}
		d.pos++
	}
	if d.pos >= len(d.buf) {
		return nil, fmt.Errorf("wire: unterminated byte-string length")
	}
	n, err := strconv.Atoi(string(d.buf[start:d.pos]))
	if err != nil {
		return nil, fmt.Errorf("wire: invalid byte-string length: %w", err)
	}
	d.pos++ // ':'
	if d.pos+n > len(d.buf) {
		return nil, fmt.Errorf("wire: byte-string of length %d overruns input", n)
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}
