package store

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
)

func f32bits(f float32) uint32 { return math.Float32bits(f) }
func f32from(u uint32) float32 { return math.Float32frombits(u) }

// Kind identifies one archive dataset family.
type Kind string

const (
	KindDay        Kind = "day"
	KindOneMinute  Kind = "1min"
	KindFiveMinute Kind = "5min"
	KindMinute     Kind = "minsnap"
)

// OHLC is one bar: day, 1-minute and 5-minute datasets all share it.
// Field order matches the on-disk and wire record layout.
type OHLC struct {
	Time   int32   `json:"time"`
	Open   float32 `json:"open"`
	High   float32 `json:"high"`
	Low    float32 `json:"low"`
	Close  float32 `json:"close"`
	Volume float32 `json:"volume"`
	Amount float32 `json:"amount"`
}

// MinuteSnap is one row of an in-session minute snapshot dataset.
type MinuteSnap struct {
	Time   int32   `json:"time"`
	Price  float32 `json:"price"`
	Volume float32 `json:"volume"`
	Amount float32 `json:"amount"`
}

// Dividend is one corporate-action row, stored per symbol in the KV dump.
type Dividend struct {
	Time          int32   `json:"time"`
	Split         float32 `json:"split"`
	Purchase      float32 `json:"purchase"`
	PurchasePrice float32 `json:"purchase_price"`
	Dividend      float32 `json:"dividend"`
}

// Tick is a free-form quote snapshot keyed by field name. Values are the
// scalars feed adapters send: strings, float64 and int64.
type Tick map[string]any

// Timestamp returns the tick's observation time, tolerating the numeric
// types the codecs produce. Zero when absent.
func (t Tick) Timestamp() int64 { return t.Int64("timestamp") }

// Int64 reads a numeric field as int64, zero when absent or non-numeric.
func (t Tick) Int64(key string) int64 {
	switch v := t[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	}
	return 0
}

// Float64 reads a numeric field as float64, zero when absent or non-numeric.
func (t Tick) Float64(key string) float64 {
	switch v := t[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	}
	return 0
}

// Clone returns a shallow copy so callers can hand ticks out without
// exposing the stored map.
func (t Tick) Clone() Tick {
	out := make(Tick, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// RowKind tags the record layout of a dataset.
type RowKind uint8

const (
	RowOHLC     RowKind = 1
	RowMinute   RowKind = 2
	RowDividend RowKind = 3
)

const (
	ohlcSize     = 28
	minuteSize   = 16
	dividendSize = 20
)

// Size returns the packed byte width of one record.
func (k RowKind) Size() int {
	switch k {
	case RowOHLC:
		return ohlcSize
	case RowMinute:
		return minuteSize
	case RowDividend:
		return dividendSize
	}
	return 0
}

func (k RowKind) String() string {
	switch k {
	case RowOHLC:
		return "ohlc"
	case RowMinute:
		return "minute"
	case RowDividend:
		return "dividend"
	}
	return fmt.Sprintf("rowkind(%d)", uint8(k))
}

// rowKindOf maps a dataset family to its record layout.
func rowKindOf(kind Kind) RowKind {
	if kind == KindMinute {
		return RowMinute
	}
	return RowOHLC
}

// Records are packed little-endian in field order, the same layout the wire
// array format uses, so dataset bytes round-trip without repacking.

func PutOHLC(b []byte, r OHLC) {
	binary.LittleEndian.PutUint32(b[0:], uint32(r.Time))
	binary.LittleEndian.PutUint32(b[4:], f32bits(r.Open))
	binary.LittleEndian.PutUint32(b[8:], f32bits(r.High))
	binary.LittleEndian.PutUint32(b[12:], f32bits(r.Low))
	binary.LittleEndian.PutUint32(b[16:], f32bits(r.Close))
	binary.LittleEndian.PutUint32(b[20:], f32bits(r.Volume))
	binary.LittleEndian.PutUint32(b[24:], f32bits(r.Amount))
}

func GetOHLC(b []byte) OHLC {
	return OHLC{
		Time:   int32(binary.LittleEndian.Uint32(b[0:])),
		Open:   f32from(binary.LittleEndian.Uint32(b[4:])),
		High:   f32from(binary.LittleEndian.Uint32(b[8:])),
		Low:    f32from(binary.LittleEndian.Uint32(b[12:])),
		Close:  f32from(binary.LittleEndian.Uint32(b[16:])),
		Volume: f32from(binary.LittleEndian.Uint32(b[20:])),
		Amount: f32from(binary.LittleEndian.Uint32(b[24:])),
	}
}

func PutMinute(b []byte, r MinuteSnap) {
	binary.LittleEndian.PutUint32(b[0:], uint32(r.Time))
	binary.LittleEndian.PutUint32(b[4:], f32bits(r.Price))
	binary.LittleEndian.PutUint32(b[8:], f32bits(r.Volume))
	binary.LittleEndian.PutUint32(b[12:], f32bits(r.Amount))
}

func GetMinute(b []byte) MinuteSnap {
	return MinuteSnap{
		Time:   int32(binary.LittleEndian.Uint32(b[0:])),
		Price:  f32from(binary.LittleEndian.Uint32(b[4:])),
		Volume: f32from(binary.LittleEndian.Uint32(b[8:])),
		Amount: f32from(binary.LittleEndian.Uint32(b[12:])),
	}
}

func PutDividend(b []byte, r Dividend) {
	binary.LittleEndian.PutUint32(b[0:], uint32(r.Time))
	binary.LittleEndian.PutUint32(b[4:], f32bits(r.Split))
	binary.LittleEndian.PutUint32(b[8:], f32bits(r.Purchase))
	binary.LittleEndian.PutUint32(b[12:], f32bits(r.PurchasePrice))
	binary.LittleEndian.PutUint32(b[16:], f32bits(r.Dividend))
}

func GetDividend(b []byte) Dividend {
	return Dividend{
		Time:          int32(binary.LittleEndian.Uint32(b[0:])),
		Split:         f32from(binary.LittleEndian.Uint32(b[4:])),
		Purchase:      f32from(binary.LittleEndian.Uint32(b[8:])),
		PurchasePrice: f32from(binary.LittleEndian.Uint32(b[12:])),
		Dividend:      f32from(binary.LittleEndian.Uint32(b[16:])),
	}
}

// MarshalOHLC packs rows into one contiguous record buffer.
func MarshalOHLC(rows []OHLC) []byte {
	b := make([]byte, len(rows)*ohlcSize)
	for i, r := range rows {
		PutOHLC(b[i*ohlcSize:], r)
	}
	return b
}

// UnmarshalOHLC decodes a contiguous record buffer.
func UnmarshalOHLC(b []byte) ([]OHLC, error) {
	if len(b)%ohlcSize != 0 {
		return nil, fmt.Errorf("ohlc buffer length %d is not a record multiple", len(b))
	}
	rows := make([]OHLC, len(b)/ohlcSize)
	for i := range rows {
		rows[i] = GetOHLC(b[i*ohlcSize:])
	}
	return rows, nil
}

// MarshalMinutes packs rows into one contiguous record buffer.
func MarshalMinutes(rows []MinuteSnap) []byte {
	b := make([]byte, len(rows)*minuteSize)
	for i, r := range rows {
		PutMinute(b[i*minuteSize:], r)
	}
	return b
}

// UnmarshalMinutes decodes a contiguous record buffer.
func UnmarshalMinutes(b []byte) ([]MinuteSnap, error) {
	if len(b)%minuteSize != 0 {
		return nil, fmt.Errorf("minute buffer length %d is not a record multiple", len(b))
	}
	rows := make([]MinuteSnap, len(b)/minuteSize)
	for i := range rows {
		rows[i] = GetMinute(b[i*minuteSize:])
	}
	return rows, nil
}

// MarshalDividends packs rows into one contiguous record buffer.
func MarshalDividends(rows []Dividend) []byte {
	b := make([]byte, len(rows)*dividendSize)
	for i, r := range rows {
		PutDividend(b[i*dividendSize:], r)
	}
	return b
}

// UnmarshalDividends decodes a contiguous record buffer.
func UnmarshalDividends(b []byte) ([]Dividend, error) {
	if len(b)%dividendSize != 0 {
		return nil, fmt.Errorf("dividend buffer length %d is not a record multiple", len(b))
	}
	rows := make([]Dividend, len(b)/dividendSize)
	for i := range rows {
		rows[i] = GetDividend(b[i*dividendSize:])
	}
	return rows, nil
}

func init() {
	// Concrete types carried inside interface values across the gob
	// boundary: the KV dump and the compressed tick batches. Basic scalars
	// are pre-registered by the gob package itself.
	gob.Register(Tick{})
	gob.Register(map[string]any{})
	gob.Register(map[string]string{})
	gob.Register([]any{})
	gob.Register([]MinuteSnap(nil))
	gob.Register([]Dividend(nil))
	gob.Register([]OHLC(nil))
}
