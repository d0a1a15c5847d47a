// Record codec.
//
// A record packs to a fixed-width byte layout fully determined by its
// schema: each field's binary form concatenated in declared order,
// little-endian numerics, CHAR values UTF-8 encoded and NUL padded to
// their declared width. Fixed widths are what make every page layout
// in the engine computable from the schema alone — a data page holds
// exactly blockFactor slots of recordSize bytes, no varint scanning.
//
// On unpack, CHAR values come back as UTF-8 with trailing NULs and
// surrounding whitespace stripped.
package quarto

import (
	"encoding/binary"
	"math"
	"strings"
)

// Record is one row, keyed by field name. Values are held in canonical
// form (int32, float32, string, bool, []float32).
type Record map[string]any

// Key returns the record's primary-key value under the given schema.
func (r Record) Key(s *Schema) any { return r[s.Key] }

// packRecord encodes a record to its fixed-width layout. The active
// flag is appended only for schemas that carry the tombstone byte.
func packRecord(s *Schema, r Record, active bool) ([]byte, error) {
	buf := make([]byte, 0, s.recordSize())
	for _, f := range s.Fields {
		v, err := normalize(f, r[f.Name])
		if err != nil {
			return nil, err
		}
		fb, err := packValue(f, v)
		if err != nil {
			return nil, err
		}
		buf = append(buf, fb...)
	}
	if s.Active {
		if active {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf, nil
}

// unpackRecord decodes a fixed-width layout back into a record. The
// second return is the active flag (true for schemas without one).
func unpackRecord(s *Schema, buf []byte) (Record, bool, error) {
	if len(buf) < s.recordSize() {
		return nil, false, encodingErrf("", "short record: %d bytes, want %d", len(buf), s.recordSize())
	}
	r := make(Record, len(s.Fields))
	off := 0
	for _, f := range s.Fields {
		w := f.width()
		v, err := unpackValue(f, buf[off:off+w])
		if err != nil {
			return nil, false, err
		}
		r[f.Name] = v
		off += w
	}
	active := true
	if s.Active {
		active = buf[off] != 0
	}
	return r, active, nil
}

// packValue encodes one normalised value to its fixed width.
func packValue(f Field, v any) ([]byte, error) {
	switch f.Type {
	case TypeInt:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v.(int32)))
		return b, nil
	case TypeFloat:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(v.(float32)))
		return b, nil
	case TypeChar, TypeDate:
		return padString(v.(string), f.width()), nil
	case TypeBool:
		if v.(bool) {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeFloatArray:
		arr := v.([]float32)
		b := make([]byte, 4*len(arr))
		for i, e := range arr {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(e))
		}
		return b, nil
	}
	return nil, encodingErrf(f.Name, "unknown type %d", f.Type)
}

// unpackValue decodes one fixed-width value.
func unpackValue(f Field, b []byte) (any, error) {
	switch f.Type {
	case TypeInt:
		return int32(binary.LittleEndian.Uint32(b)), nil
	case TypeFloat:
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
	case TypeChar, TypeDate:
		return trimString(b), nil
	case TypeBool:
		return b[0] != 0, nil
	case TypeFloatArray:
		arr := make([]float32, f.Size)
		for i := range arr {
			arr[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
		return arr, nil
	}
	return nil, encodingErrf(f.Name, "unknown type %d", f.Type)
}

// packKey encodes a normalised key value to the field's fixed width,
// for index entries that embed keys directly in pages.
func packKey(f Field, v any) []byte {
	b, _ := packValue(f, v)
	return b
}

// unpackKey decodes a fixed-width key value.
func unpackKey(f Field, b []byte) any {
	v, _ := unpackValue(f, b[:f.width()])
	return v
}

// padString truncates or NUL-pads a UTF-8 string to width bytes.
func padString(s string, width int) []byte {
	b := make([]byte, width)
	copy(b, s)
	return b
}

// trimString strips trailing NULs and surrounding whitespace.
func trimString(b []byte) string {
	return strings.TrimSpace(strings.TrimRight(string(b), "\x00"))
}
