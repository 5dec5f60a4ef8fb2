package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/datafeedhq/datafeed/internal/store"
)

// Compress wraps b in an RFC 1950 zlib stream.
func Compress(b []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	// writes into a bytes.Buffer cannot fail
	w.Write(b)
	w.Close()
	return buf.Bytes()
}

// Decompress unwraps an RFC 1950 zlib stream.
func Decompress(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("zlib: %v: %w", err, ErrFormat)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("zlib: %v: %w", err, ErrFormat)
	}
	return out, nil
}

// EncodeTicks renders a tick batch as a compressed gob stream, the payload
// of put_ticks.
func EncodeTicks(batch map[string]store.Tick) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(batch); err != nil {
		return nil, err
	}
	return Compress(buf.Bytes()), nil
}

// DecodeTicks parses a compressed gob tick batch.
func DecodeTicks(b []byte) (map[string]store.Tick, error) {
	raw, err := Decompress(b)
	if err != nil {
		return nil, err
	}
	var batch map[string]store.Tick
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&batch); err != nil {
		return nil, fmt.Errorf("gob: %v: %w", err, ErrFormat)
	}
	return batch, nil
}

// EncodeTick renders a single tick as a compressed gob stream, the payload
// of put_tick.
func EncodeTick(tick store.Tick) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(tick); err != nil {
		return nil, err
	}
	return Compress(buf.Bytes()), nil
}

// DecodeTick parses a compressed gob single tick.
func DecodeTick(b []byte) (store.Tick, error) {
	raw, err := Decompress(b)
	if err != nil {
		return nil, err
	}
	var tick store.Tick
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&tick); err != nil {
		return nil, fmt.Errorf("gob: %v: %w", err, ErrFormat)
	}
	return tick, nil
}
