package codec

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/datafeedhq/datafeed/internal/store"
)

// npy v1.0 array files: 6-byte magic, 2-byte version, uint16 header length,
// then a Python dict literal padded to 64-byte alignment, then packed
// little-endian records. Structured dtypes only, one dimension.

var npyMagic = []byte{0x93, 'N', 'U', 'M', 'P', 'Y'}

type npyField struct {
	name string
	code string
}

var (
	ohlcFields = []npyField{
		{"time", "<i4"}, {"open", "<f4"}, {"high", "<f4"}, {"low", "<f4"},
		{"close", "<f4"}, {"volume", "<f4"}, {"amount", "<f4"},
	}
	minuteFields = []npyField{
		{"time", "<i4"}, {"price", "<f4"}, {"volume", "<f4"}, {"amount", "<f4"},
	}
	dividendFields = []npyField{
		{"time", "<i4"}, {"split", "<f4"}, {"purchase", "<f4"},
		{"purchase_price", "<f4"}, {"dividend", "<f4"},
	}
)

// EncodeOHLC renders bar rows as an npy file.
func EncodeOHLC(rows []store.OHLC) []byte {
	return encodeNpy(ohlcFields, len(rows), store.MarshalOHLC(rows))
}

// DecodeOHLC parses an npy file of bar rows.
func DecodeOHLC(b []byte) ([]store.OHLC, error) {
	data, err := decodeNpy(b, ohlcFields, store.RowOHLC.Size())
	if err != nil {
		return nil, err
	}
	return store.UnmarshalOHLC(data)
}

// EncodeMinutes renders snapshot rows as an npy file.
func EncodeMinutes(rows []store.MinuteSnap) []byte {
	return encodeNpy(minuteFields, len(rows), store.MarshalMinutes(rows))
}

// DecodeMinutes parses an npy file of snapshot rows.
func DecodeMinutes(b []byte) ([]store.MinuteSnap, error) {
	data, err := decodeNpy(b, minuteFields, store.RowMinute.Size())
	if err != nil {
		return nil, err
	}
	return store.UnmarshalMinutes(data)
}

// EncodeDividends renders dividend rows as an npy file.
func EncodeDividends(rows []store.Dividend) []byte {
	return encodeNpy(dividendFields, len(rows), store.MarshalDividends(rows))
}

// DecodeDividends parses an npy file of dividend rows.
func DecodeDividends(b []byte) ([]store.Dividend, error) {
	data, err := decodeNpy(b, dividendFields, store.RowDividend.Size())
	if err != nil {
		return nil, err
	}
	return store.UnmarshalDividends(data)
}

func encodeNpy(fields []npyField, n int, data []byte) []byte {
	var hdr strings.Builder
	hdr.WriteString("{'descr': [")
	for i, f := range fields {
		if i > 0 {
			hdr.WriteString(", ")
		}
		fmt.Fprintf(&hdr, "('%s', '%s')", f.name, f.code)
	}
	fmt.Fprintf(&hdr, "], 'fortran_order': False, 'shape': (%d,), }", n)

	// pad with spaces so the data section starts 64-byte aligned, with a
	// newline closing the header
	unpadded := len(npyMagic) + 4 + hdr.Len() + 1
	pad := (64 - unpadded%64) % 64
	hdr.WriteString(strings.Repeat(" ", pad))
	hdr.WriteByte('\n')

	out := make([]byte, 0, len(npyMagic)+4+hdr.Len()+len(data))
	out = append(out, npyMagic...)
	out = append(out, 1, 0)
	out = binary.LittleEndian.AppendUint16(out, uint16(hdr.Len()))
	out = append(out, hdr.String()...)
	return append(out, data...)
}

func decodeNpy(b []byte, fields []npyField, rowSize int) ([]byte, error) {
	if len(b) < len(npyMagic)+4 || string(b[:len(npyMagic)]) != string(npyMagic) {
		return nil, fmt.Errorf("not an npy payload: %w", ErrFormat)
	}
	major := b[6]
	rest := b[8:]
	var hdrLen int
	switch major {
	case 1:
		if len(rest) < 2 {
			return nil, fmt.Errorf("npy header truncated: %w", ErrFormat)
		}
		hdrLen = int(binary.LittleEndian.Uint16(rest))
		rest = rest[2:]
	case 2, 3:
		if len(rest) < 4 {
			return nil, fmt.Errorf("npy header truncated: %w", ErrFormat)
		}
		hdrLen = int(binary.LittleEndian.Uint32(rest))
		rest = rest[4:]
	default:
		return nil, fmt.Errorf("npy version %d.%d unsupported: %w", major, b[7], ErrFormat)
	}
	if len(rest) < hdrLen {
		return nil, fmt.Errorf("npy header truncated: %w", ErrFormat)
	}
	descr, fortran, shape, err := parseNpyHeader(string(rest[:hdrLen]))
	if err != nil {
		return nil, err
	}
	if fortran {
		return nil, fmt.Errorf("fortran order arrays unsupported: %w", ErrFormat)
	}
	if len(shape) != 1 {
		return nil, fmt.Errorf("want a one-dimensional array, got shape %v: %w", shape, ErrFormat)
	}
	if len(descr) != len(fields) {
		return nil, fmt.Errorf("dtype has %d fields, want %d: %w", len(descr), len(fields), ErrFormat)
	}
	for i, f := range fields {
		if descr[i] != f {
			return nil, fmt.Errorf("dtype field %d is ('%s', '%s'), want ('%s', '%s'): %w",
				i, descr[i].name, descr[i].code, f.name, f.code, ErrFormat)
		}
	}
	data := rest[hdrLen:]
	if len(data) != shape[0]*rowSize {
		return nil, fmt.Errorf("npy data is %d bytes, want %d: %w", len(data), shape[0]*rowSize, ErrFormat)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// parseNpyHeader pulls descr, fortran_order and shape out of the header
// dict. It covers the literals numpy and this package emit, not arbitrary
// Python.
func parseNpyHeader(h string) ([]npyField, bool, []int, error) {
	descrRaw, err := dictValue(h, "descr")
	if err != nil {
		return nil, false, nil, err
	}
	descr, err := parseDescr(descrRaw)
	if err != nil {
		return nil, false, nil, err
	}

	orderRaw, err := dictValue(h, "fortran_order")
	if err != nil {
		return nil, false, nil, err
	}
	var fortran bool
	switch strings.TrimSpace(orderRaw) {
	case "False":
		fortran = false
	case "True":
		fortran = true
	default:
		return nil, false, nil, fmt.Errorf("bad fortran_order %q: %w", orderRaw, ErrFormat)
	}

	shapeRaw, err := dictValue(h, "shape")
	if err != nil {
		return nil, false, nil, err
	}
	shape, err := parseShape(shapeRaw)
	if err != nil {
		return nil, false, nil, err
	}
	return descr, fortran, shape, nil
}

// dictValue extracts the raw value following 'key': up to the matching
// close of any brackets it opens.
func dictValue(h, key string) (string, error) {
	for _, quoted := range []string{"'" + key + "'", `"` + key + `"`} {
		i := strings.Index(h, quoted)
		if i < 0 {
			continue
		}
		rest := h[i+len(quoted):]
		j := strings.IndexByte(rest, ':')
		if j < 0 {
			break
		}
		rest = strings.TrimLeft(rest[j+1:], " ")
		if rest == "" {
			break
		}
		switch rest[0] {
		case '[', '(':
			depth := 0
			for k := 0; k < len(rest); k++ {
				switch rest[k] {
				case '[', '(':
					depth++
				case ']', ')':
					depth--
					if depth == 0 {
						return rest[:k+1], nil
					}
				}
			}
		default:
			end := strings.IndexAny(rest, ",}")
			if end < 0 {
				end = len(rest)
			}
			return strings.TrimSpace(rest[:end]), nil
		}
	}
	return "", fmt.Errorf("npy header missing %s: %w", key, ErrFormat)
}

// parseDescr reads a [('name', '<code>'), ...] field list.
func parseDescr(s string) ([]npyField, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("bad descr %q: %w", s, ErrFormat)
	}
	var out []npyField
	rest := s[1 : len(s)-1]
	for {
		open := strings.IndexByte(rest, '(')
		if open < 0 {
			break
		}
		closeIdx := strings.IndexByte(rest[open:], ')')
		if closeIdx < 0 {
			return nil, fmt.Errorf("bad descr %q: %w", s, ErrFormat)
		}
		tuple := rest[open+1 : open+closeIdx]
		parts := splitQuoted(tuple)
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad descr entry %q: %w", tuple, ErrFormat)
		}
		out = append(out, npyField{name: parts[0], code: parts[1]})
		rest = rest[open+closeIdx+1:]
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("descr has no fields: %w", ErrFormat)
	}
	return out, nil
}

// splitQuoted returns the quoted strings inside a tuple body.
func splitQuoted(s string) []string {
	var out []string
	for {
		i := strings.IndexAny(s, `'"`)
		if i < 0 {
			return out
		}
		q := s[i]
		j := strings.IndexByte(s[i+1:], q)
		if j < 0 {
			return out
		}
		out = append(out, s[i+1:i+1+j])
		s = s[i+1+j+1:]
	}
}

// parseShape reads a (n,) or (n, m, ...) tuple.
func parseShape(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return nil, fmt.Errorf("bad shape %q: %w", s, ErrFormat)
	}
	var out []int
	for _, part := range strings.Split(s[1:len(s)-1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad shape %q: %w", s, ErrFormat)
		}
		out = append(out, n)
	}
	return out, nil
}
