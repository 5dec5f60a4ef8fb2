package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/datafeedhq/datafeed/internal/exchange"
)

// Canonical KV namespaces.
const (
	nsTicks     = "ticks"
	nsDividends = "dividends"
	nsSectors   = "sectors"
	nsMeta      = "meta"
	nsDepth     = "depth"
	nsTrade     = "trade"
)

// Manager owns the archive, the KV dump and the hot minute cache. Writes
// serialize on one mutex, mtime is atomic, and every read hands out copies,
// so handlers on many connections can share it freely.
type Manager struct {
	mu      sync.Mutex
	cal     exchange.Calendar
	archive *Archive
	kv      *KVStore
	cache   *MinuteCache
	mtime   atomic.Int64
	closed  bool

	// now is the wall clock, swappable in tests.
	now func() time.Time

	log zerolog.Logger
}

// OpenManager opens the stores under dir. A minute-cache namespace left in
// the dump by a previous run is re-attached so a restart mid-session keeps
// the day's snapshots.
func OpenManager(dir string, rdb bool, cal exchange.Calendar, logger zerolog.Logger) (*Manager, error) {
	archive, err := OpenArchive(dir, rdb, cal, logger)
	if err != nil {
		return nil, err
	}
	kv, err := OpenKVStore(filepath.Join(dir, "dstore.dump"))
	if err != nil {
		archive.Close()
		return nil, err
	}
	m := &Manager{
		cal:     cal,
		archive: archive,
		kv:      kv,
		now:     time.Now,
		log:     logger.With().Str("component", "store").Logger(),
	}
	m.recoverCache()
	return m, nil
}

func (m *Manager) recoverCache() {
	var newest string
	for _, name := range m.kv.Namespaces() {
		if date, ok := MinuteCacheDate(name); ok && date > newest {
			newest = date
		}
	}
	if newest == "" {
		return
	}
	m.cache = NewMinuteCache(m.kv, newest, m.cal.SessionMinutes(), m.log)
	n, _ := m.cache.Symbols()
	m.log.Info().Str("date", newest).Int("symbols", len(n)).Msg("recovered minute cache")
}

// Calendar returns the trading calendar the stores are aligned to.
func (m *Manager) Calendar() exchange.Calendar { return m.cal }

// Archive exposes the bar archive for tooling.
func (m *Manager) Archive() *Archive { return m.archive }

// Mtime is the largest timestamp of any accepted tick. It never decreases.
func (m *Manager) Mtime() int64 { return m.mtime.Load() }

func (m *Manager) liftMtime(ts int64) {
	for {
		cur := m.mtime.Load()
		if ts <= cur || m.mtime.CompareAndSwap(cur, ts) {
			return
		}
	}
}

// UpdateTicks merges a batch into the ticks namespace and lifts mtime to
// the newest accepted timestamp.
func (m *Manager) UpdateTicks(ticks map[string]Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns := m.kv.Namespace(nsTicks)
	for symbol, tick := range ticks {
		ns.Set(symbol, tick.Clone())
		m.liftMtime(tick.Timestamp())
	}
}

// UpdateTick merges one tick.
func (m *Manager) UpdateTick(symbol string, tick Tick) {
	m.UpdateTicks(map[string]Tick{symbol: tick})
}

// Tick returns the current tick for one symbol.
func (m *Manager) Tick(symbol string) (Tick, error) {
	v, ok := m.kv.Namespace(nsTicks).Get(symbol)
	if !ok {
		return nil, &NotFoundError{Symbol: symbol}
	}
	tick, ok := v.(Tick)
	if !ok {
		return nil, fmt.Errorf("tick for %s holds %T", symbol, v)
	}
	return tick.Clone(), nil
}

// Ticks returns the current ticks for the symbols that are present.
func (m *Manager) Ticks(symbols []string) map[string]Tick {
	ns := m.kv.Namespace(nsTicks)
	out := make(map[string]Tick, len(symbols))
	for _, symbol := range symbols {
		if v, ok := ns.Get(symbol); ok {
			if tick, ok := v.(Tick); ok {
				out[symbol] = tick.Clone()
			}
		}
	}
	return out
}

// List returns all ticks whose symbol matches the case-insensitive prefix.
// Empty prefix returns everything.
func (m *Manager) List(prefix string) map[string]Tick {
	ns := m.kv.Namespace(nsTicks)
	keys := ns.KeysWithPrefix(prefix)
	out := make(map[string]Tick, len(keys))
	for _, k := range keys {
		if v, ok := ns.Get(k); ok {
			if tick, ok := v.(Tick); ok {
				out[k] = tick.Clone()
			}
		}
	}
	return out
}

func (m *Manager) today() string {
	return m.cal.DateOf(m.now().Unix())
}

// MinuteStoreAt returns the snapshot store for ts's trading day: the memory
// cache for the current day (or when forceMemory pins it there), an
// archive-backed store for past days. An existing cache carrying the
// requested date always wins, so pre-rotation days stay readable.
func (m *Manager) MinuteStoreAt(ts int64, forceMemory bool) MinuteStore {
	date := m.cal.DateOf(ts)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache != nil && m.cache.Date() == date {
		return m.cache
	}
	if !forceMemory && date != m.today() {
		return NewMinuteFile(m.archive, date)
	}
	if m.cache != nil {
		m.log.Warn().Str("have", m.cache.Date()).Str("want", date).
			Msg("replacing minute cache without rotation")
	}
	m.cache = NewMinuteCache(m.kv, date, m.cal.SessionMinutes(), m.log)
	return m.cache
}

// RotateMinuteStore persists the cache into the archive once mtime has
// moved to a later date, then discards it. No-op while dates agree.
func (m *Manager) RotateMinuteStore() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache == nil {
		return nil
	}
	mt := m.mtime.Load()
	if mt == 0 || m.cal.DateOf(mt) == m.cache.Date() {
		return nil
	}
	if err := m.cache.Rotate(NewMinuteFile(m.archive, m.cache.Date())); err != nil {
		return err
	}
	m.cache = nil
	return nil
}

// UpdateMinute writes snapshot rows into the store of the first row's day.
func (m *Manager) UpdateMinute(symbol string, rows []MinuteSnap) error {
	if len(rows) == 0 {
		return nil
	}
	return m.MinuteStoreAt(int64(rows[0].Time), false).Set(symbol, rows)
}

// Minute reads the snapshot array for ts's day; ts zero means the day mtime
// is in.
func (m *Manager) Minute(symbol string, ts int64) ([]MinuteSnap, error) {
	if ts == 0 {
		ts = m.mtime.Load()
	}
	return m.MinuteStoreAt(ts, false).Get(symbol)
}

func (m *Manager) UpdateOneMinute(symbol string, rows []OHLC) error {
	return m.archive.UpdateOHLC(KindOneMinute, symbol, rows)
}

func (m *Manager) UpdateFiveMinute(symbol string, rows []OHLC) error {
	return m.archive.UpdateOHLC(KindFiveMinute, symbol, rows)
}

func (m *Manager) UpdateDay(symbol string, rows []OHLC) error {
	return m.archive.UpdateOHLC(KindDay, symbol, rows)
}

func (m *Manager) OneMinute(symbol, date string) ([]OHLC, error) {
	return m.archive.GetOHLC(KindOneMinute, symbol, date)
}

func (m *Manager) FiveMinute(symbol, date string) ([]OHLC, error) {
	return m.archive.GetOHLC(KindFiveMinute, symbol, date)
}

func (m *Manager) DayByDate(symbol, date string) (OHLC, error) {
	return m.archive.DayByDate(symbol, date)
}

func (m *Manager) RecentDays(symbol string, n int) ([]OHLC, error) {
	return m.archive.RecentDays(symbol, n)
}

// UpdateDividend replaces the symbol's dividend rows wholesale.
func (m *Manager) UpdateDividend(symbol string, rows []Dividend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns := m.kv.Namespace(nsDividends)
	ns.Delete(symbol)
	out := make([]Dividend, len(rows))
	copy(out, rows)
	ns.Set(symbol, out)
}

// Dividends returns the symbol's dividend rows, empty (not nil) when none
// are known.
func (m *Manager) Dividends(symbol string) []Dividend {
	v, ok := m.kv.Namespace(nsDividends).Get(symbol)
	if !ok {
		return []Dividend{}
	}
	rows, ok := v.([]Dividend)
	if !ok {
		return []Dividend{}
	}
	out := make([]Dividend, len(rows))
	copy(out, rows)
	return out
}

// SetSector stores one sector's symbol mapping.
func (m *Manager) SetSector(name string, members map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(members))
	for k, v := range members {
		out[k] = v
	}
	m.kv.Namespace(nsSectors).Set(name, out)
}

// Sector returns one sector's symbol mapping, ErrNoData when unknown.
func (m *Manager) Sector(name string) (map[string]string, error) {
	v, ok := m.kv.Namespace(nsSectors).Get(name)
	if !ok {
		return nil, ErrNoData
	}
	members, ok := v.(map[string]string)
	if !ok {
		return nil, fmt.Errorf("sector %s holds %T", name, v)
	}
	out := make(map[string]string, len(members))
	for k, val := range members {
		out[k] = val
	}
	return out, nil
}

// SetMeta stores an opaque payload under the meta namespace.
func (m *Manager) SetMeta(key string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv.Namespace(nsMeta).Set(key, append([]byte(nil), payload...))
}

// SetDepth stores an opaque order-book payload.
func (m *Manager) SetDepth(symbol string, ts int64, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv.Namespace(nsDepth).Set(symbol, map[string]any{
		"timestamp": ts,
		"payload":   append([]byte(nil), payload...),
	})
	m.liftMtime(ts)
}

// SetTrade stores an opaque trade payload.
func (m *Manager) SetTrade(symbol string, ts int64, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv.Namespace(nsTrade).Set(symbol, map[string]any{
		"timestamp": ts,
		"payload":   append([]byte(nil), payload...),
	})
	m.liftMtime(ts)
}

// MergeTrades merges a decoded trade batch into the trade namespace.
func (m *Manager) MergeTrades(batch map[string]Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns := m.kv.Namespace(nsTrade)
	for symbol, t := range batch {
		ns.Set(symbol, t.Clone())
	}
}

// Flush forces both stores to disk.
func (m *Manager) Flush() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()
	return errors.Join(m.kv.Flush(), m.archive.Flush())
}

// Close rotates a stale cache, flushes and releases both stores.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	m.mu.Unlock()

	if err := m.RotateMinuteStore(); err != nil {
		m.log.Error().Err(err).Msg("rotate on close failed")
	}
	return errors.Join(m.kv.Close(), m.archive.Close())
}
