// Package codec implements the payload encodings of the wire protocol:
// numpy array files for the fixed row types, zlib wrapping, and the
// gob-encoded tick batches adapters push.
package codec

import "errors"

// Format tags carried as the last request argument.
const (
	FormatJSON  = "json"
	FormatNpy   = "npy"
	FormatZip   = "zip"
	FormatPlain = "plain"
)

// ErrFormat reports a payload that does not parse under its declared format.
var ErrFormat = errors.New("wrong data format")

// KnownFormat reports whether tag names a payload format.
func KnownFormat(tag string) bool {
	switch tag {
	case FormatJSON, FormatNpy, FormatZip, FormatPlain:
		return true
	}
	return false
}
