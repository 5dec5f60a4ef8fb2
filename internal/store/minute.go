package store

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// MinuteStore holds one trading day of per-symbol snapshot arrays. The
// manager keeps the current day in memory and reopens past days from the
// archive through the same contract.
type MinuteStore interface {
	// Date returns the yyyymmdd day this store is fixed to.
	Date() string
	// Create allocates a zeroed dataset, replacing any existing one.
	Create(symbol string, rows int) error
	Get(symbol string) ([]MinuteSnap, error)
	Set(symbol string, rows []MinuteSnap) error
	SetAt(symbol string, idx int, row MinuteSnap) error
	Delete(symbol string) error
	Symbols() ([]string, error)
	Flush() error
}

const minuteNamespacePrefix = string(KindMinute) + "/"

func minuteNamespace(date string) string { return minuteNamespacePrefix + date }

// MinuteCacheDate extracts the date from a minute-cache namespace name,
// false when the namespace is something else.
func MinuteCacheDate(namespace string) (string, bool) {
	if !strings.HasPrefix(namespace, minuteNamespacePrefix) {
		return "", false
	}
	date := namespace[len(minuteNamespacePrefix):]
	if len(date) != 8 {
		return "", false
	}
	return date, true
}

// MinuteCache keeps the day's snapshots in a KVStore namespace named after
// the date, so a restart mid-session re-attaches to the same data.
type MinuteCache struct {
	date string
	rows int
	ns   *Namespace
	kv   *KVStore
	log  zerolog.Logger
}

func NewMinuteCache(kv *KVStore, date string, rows int, logger zerolog.Logger) *MinuteCache {
	return &MinuteCache{
		date: date,
		rows: rows,
		ns:   kv.Namespace(minuteNamespace(date)),
		kv:   kv,
		log:  logger.With().Str("component", "minute_cache").Str("date", date).Logger(),
	}
}

func (c *MinuteCache) Date() string { return c.date }

func (c *MinuteCache) Create(symbol string, rows int) error {
	c.ns.Set(symbol, make([]MinuteSnap, rows))
	return nil
}

func (c *MinuteCache) Get(symbol string) ([]MinuteSnap, error) {
	v, ok := c.ns.Get(symbol)
	if !ok {
		return nil, &NotFoundError{Symbol: symbol}
	}
	rows, ok := v.([]MinuteSnap)
	if !ok {
		return nil, fmt.Errorf("namespace %s key %s holds %T, not snapshots",
			c.ns.Name(), symbol, v)
	}
	out := make([]MinuteSnap, len(rows))
	copy(out, rows)
	return out, nil
}

func (c *MinuteCache) Set(symbol string, rows []MinuteSnap) error {
	out := make([]MinuteSnap, len(rows))
	copy(out, rows)
	c.ns.Set(symbol, out)
	return nil
}

func (c *MinuteCache) SetAt(symbol string, idx int, row MinuteSnap) error {
	var rows []MinuteSnap
	if v, ok := c.ns.Get(symbol); ok {
		stored, ok := v.([]MinuteSnap)
		if !ok {
			return fmt.Errorf("namespace %s key %s holds %T, not snapshots",
				c.ns.Name(), symbol, v)
		}
		// Get copies the stored slice outside the namespace lock, so the
		// stored array must never be written in place: clone, then swap
		// the clone in whole.
		rows = make([]MinuteSnap, len(stored))
		copy(rows, stored)
	} else {
		rows = make([]MinuteSnap, c.rows)
	}
	if idx < 0 || idx >= len(rows) {
		return fmt.Errorf("snapshot index %d outside %d rows", idx, len(rows))
	}
	rows[idx] = row
	c.ns.Set(symbol, rows)
	return nil
}

func (c *MinuteCache) Delete(symbol string) error {
	c.ns.Delete(symbol)
	return nil
}

func (c *MinuteCache) Symbols() ([]string, error) {
	return c.ns.Keys(), nil
}

// Flush is a no-op: durability comes from the owning KVStore's flush.
func (c *MinuteCache) Flush() error { return nil }

// Rotate copies every symbol into the archive-backed day and deletes what
// was copied. Per-symbol failures are logged and left in the cache; the
// namespace is dropped once empty.
func (c *MinuteCache) Rotate(dest *MinuteFile) error {
	if dest.Date() != c.date {
		return fmt.Errorf("rotate %s into %s", c.date, dest.Date())
	}
	symbols := c.ns.Keys()
	moved := 0
	for _, symbol := range symbols {
		rows, err := c.Get(symbol)
		if err == nil {
			err = dest.Set(symbol, rows)
		}
		if err != nil {
			c.log.Error().Err(err).Str("symbol", symbol).Msg("rotate symbol failed")
			continue
		}
		c.ns.Delete(symbol)
		moved++
	}
	if c.ns.Len() == 0 {
		c.kv.Drop(c.ns.Name())
	}
	c.log.Info().Int("symbols", moved).Int("left", len(symbols)-moved).Msg("minute cache rotated")
	return dest.Flush()
}

// MinuteFile serves one archived day through the MinuteStore contract.
type MinuteFile struct {
	date string
	a    *Archive
}

func NewMinuteFile(a *Archive, date string) *MinuteFile {
	return &MinuteFile{date: date, a: a}
}

func (f *MinuteFile) Date() string { return f.date }

func (f *MinuteFile) Create(symbol string, rows int) error {
	return f.a.CreateMinutes(f.date, symbol, rows)
}

func (f *MinuteFile) Get(symbol string) ([]MinuteSnap, error) {
	return f.a.GetMinutes(f.date, symbol)
}

func (f *MinuteFile) Set(symbol string, rows []MinuteSnap) error {
	return f.a.UpdateMinutes(f.date, symbol, rows)
}

func (f *MinuteFile) SetAt(symbol string, idx int, row MinuteSnap) error {
	return f.a.WriteMinuteAt(f.date, symbol, idx, row)
}

func (f *MinuteFile) Delete(symbol string) error {
	return f.a.Drop(KindMinute, symbol, f.date)
}

func (f *MinuteFile) Symbols() ([]string, error) {
	return f.a.MinuteSymbols(f.date)
}

func (f *MinuteFile) Flush() error {
	return f.a.Flush()
}
