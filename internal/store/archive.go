package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/datafeedhq/datafeed/internal/exchange"
)

// sessionGap splits a stream of intraday bars into trading days: two bars
// more than this far apart cannot belong to the same session.
const sessionGap = 2 * 3600

// backend persists fixed-shape record arrays addressed by slash-separated
// paths. Implementations need not be goroutine safe; Archive serializes.
type backend interface {
	// get returns a copy of the dataset bytes at path, errNotFound when
	// absent.
	get(path string) ([]byte, error)
	// rows returns the record count at path without copying data.
	rows(path string) (int, error)
	// create allocates a zeroed dataset, replacing any existing one.
	create(path string, rk RowKind, rows int) error
	// writeAt overwrites records starting at index idx. b must be a whole
	// number of records and stay inside the dataset.
	writeAt(path string, idx int, b []byte) error
	// drop removes the dataset at path, errNotFound when absent.
	drop(path string) error
	// paths lists dataset paths with the given prefix, unordered.
	paths(prefix string) ([]string, error)
	flush() error
	close() error
}

// Archive stores the per-symbol bar and snapshot arrays behind dataset
// paths: day/<symbol>/<iso-year>, 1min|5min/<symbol>/<date> and
// minsnap/<date>/<symbol>. All rows returned to callers are copies.
type Archive struct {
	mu     sync.Mutex
	be     backend
	cal    exchange.Calendar
	log    zerolog.Logger
	closed bool
}

// OpenArchive opens the bar archive under dir: the single array file
// data.h5 by default, or a Badger keyspace under dir/rdb when rdb is set.
func OpenArchive(dir string, rdb bool, cal exchange.Calendar, logger zerolog.Logger) (*Archive, error) {
	var (
		be  backend
		err error
	)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "archive").Logger()
	if rdb {
		be, err = openBadgerBackend(filepath.Join(dir, "rdb"))
	} else {
		be, err = openFileBackend(filepath.Join(dir, "data.h5"), logger)
	}
	if err != nil {
		return nil, err
	}
	return &Archive{be: be, cal: cal, log: logger}, nil
}

func datasetPath(kind Kind, symbol, selector string) string {
	if kind == KindMinute {
		// minute snapshots group by date first so a whole day rotates and
		// lists as one prefix
		return string(KindMinute) + "/" + selector + "/" + symbol
	}
	return string(kind) + "/" + symbol + "/" + selector
}

func (a *Archive) barInterval(kind Kind) (int, error) {
	switch kind {
	case KindOneMinute:
		return 1, nil
	case KindFiveMinute:
		return 5, nil
	}
	return 0, fmt.Errorf("kind %q does not hold bars", kind)
}

// GetOHLC returns the full dataset for a day or intraday kind. The selector
// is an ISO year for KindDay and a yyyymmdd date otherwise.
func (a *Archive) GetOHLC(kind Kind, symbol, selector string) ([]OHLC, error) {
	if rowKindOf(kind) != RowOHLC {
		return nil, fmt.Errorf("kind %q does not hold bars", kind)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	b, err := a.be.get(datasetPath(kind, symbol, selector))
	if errors.Is(err, errNotFound) {
		return nil, &NotFoundError{Symbol: symbol}
	}
	if err != nil {
		return nil, err
	}
	return UnmarshalOHLC(b)
}

// GetMinutes returns the snapshot dataset for one symbol and date.
func (a *Archive) GetMinutes(date, symbol string) ([]MinuteSnap, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	b, err := a.be.get(datasetPath(KindMinute, symbol, date))
	if errors.Is(err, errNotFound) {
		return nil, &NotFoundError{Symbol: symbol}
	}
	if err != nil {
		return nil, err
	}
	return UnmarshalMinutes(b)
}

// DayByDate returns the single day row for a date. A present dataset with a
// zero row at that slot means the day never traded: ErrNoData.
func (a *Archive) DayByDate(symbol, date string) (OHLC, error) {
	ts, err := a.cal.ParseDate(date)
	if err != nil {
		return OHLC{}, err
	}
	year, idx := a.cal.DayIndex(ts)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return OHLC{}, ErrClosed
	}
	b, err := a.be.get(datasetPath(KindDay, symbol, strconv.Itoa(year)))
	if errors.Is(err, errNotFound) {
		return OHLC{}, &NotFoundError{Symbol: symbol}
	}
	if err != nil {
		return OHLC{}, err
	}
	rows, err := UnmarshalOHLC(b)
	if err != nil {
		return OHLC{}, err
	}
	if idx >= len(rows) || rows[idx].Time == 0 {
		return OHLC{}, ErrNoData
	}
	return rows[idx], nil
}

// RecentDays walks year datasets newest first, keeps rows that were actually
// written (non-zero time) and returns the most recent n in ascending order.
func (a *Archive) RecentDays(symbol string, n int) ([]OHLC, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	prefix := string(KindDay) + "/" + symbol + "/"
	paths, err := a.be.paths(prefix)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, &NotFoundError{Symbol: symbol}
	}
	// fixed-width year selectors sort lexically
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))

	var out []OHLC
	for _, p := range paths {
		b, err := a.be.get(p)
		if err != nil {
			return nil, err
		}
		rows, err := UnmarshalOHLC(b)
		if err != nil {
			return nil, err
		}
		kept := make([]OHLC, 0, len(rows))
		for _, r := range rows {
			if r.Time != 0 {
				kept = append(kept, r)
			}
		}
		out = append(kept, out...)
		if n > 0 && len(out) >= n {
			break
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// UpdateOHLC upserts bar rows. Day rows are grouped by ISO year and written
// at their day index; intraday rows are split into sessions at gaps larger
// than two hours and each session is written into its date's dataset.
func (a *Archive) UpdateOHLC(kind Kind, symbol string, rows []OHLC) error {
	if len(rows) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if kind == KindDay {
		return a.updateDay(symbol, rows)
	}
	interval, err := a.barInterval(kind)
	if err != nil {
		return err
	}
	for _, session := range splitSessions(rows) {
		if err := a.updateSession(kind, symbol, session, interval); err != nil {
			return err
		}
	}
	return nil
}

type slot struct {
	idx int
	b   []byte
}

func (a *Archive) updateDay(symbol string, rows []OHLC) error {
	groups := make(map[int][]slot)
	var years []int
	for _, r := range rows {
		year, idx := a.cal.DayIndex(int64(r.Time))
		if _, ok := groups[year]; !ok {
			years = append(years, year)
		}
		b := make([]byte, ohlcSize)
		PutOHLC(b, r)
		groups[year] = append(groups[year], slot{idx: idx, b: b})
	}
	sort.Ints(years)
	for _, year := range years {
		path := datasetPath(KindDay, symbol, strconv.Itoa(year))
		if _, err := a.be.rows(path); errors.Is(err, errNotFound) {
			if err := a.be.create(path, RowOHLC, exchange.DayRows); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		if err := a.writeSlots(path, ohlcSize, groups[year]); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) updateSession(kind Kind, symbol string, session []OHLC, interval int) error {
	date := a.cal.DateOf(int64(session[0].Time))
	path := datasetPath(kind, symbol, date)
	shape := a.cal.Bars(interval)

	have, err := a.be.rows(path)
	if errors.Is(err, errNotFound) {
		have = shape
		if len(session) > have {
			have = len(session)
		}
		if err := a.be.create(path, RowOHLC, have); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	switch {
	case len(session) == have:
		return a.be.writeAt(path, 0, MarshalOHLC(session))
	case len(session) > have:
		// a full-resolution session that cannot fit the dataset shape,
		// typically after the exchange extends trading hours
		a.log.Warn().Str("path", path).Int("have", have).Int("want", len(session)).
			Msg("dataset shape changed, recreating")
		if err := a.be.create(path, RowOHLC, len(session)); err != nil {
			return err
		}
		return a.be.writeAt(path, 0, MarshalOHLC(session))
	}

	slots := make([]slot, len(session))
	for i, r := range session {
		b := make([]byte, ohlcSize)
		PutOHLC(b, r)
		slots[i] = slot{idx: a.cal.BarIndex(int64(r.Time), interval), b: b}
	}
	return a.writeSlots(path, ohlcSize, slots)
}

// UpdateMinutes upserts snapshot rows for one date. A dense array overwrites
// the dataset wholesale; sparse rows land at their compressed minute offset.
func (a *Archive) UpdateMinutes(date, symbol string, rows []MinuteSnap) error {
	if len(rows) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	path := datasetPath(KindMinute, symbol, date)
	shape := a.cal.SessionMinutes()

	have, err := a.be.rows(path)
	if errors.Is(err, errNotFound) {
		have = shape
		if len(rows) > have {
			have = len(rows)
		}
		if err := a.be.create(path, RowMinute, have); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	switch {
	case len(rows) == have:
		return a.be.writeAt(path, 0, MarshalMinutes(rows))
	case len(rows) > have:
		a.log.Warn().Str("path", path).Int("have", have).Int("want", len(rows)).
			Msg("dataset shape changed, recreating")
		if err := a.be.create(path, RowMinute, len(rows)); err != nil {
			return err
		}
		return a.be.writeAt(path, 0, MarshalMinutes(rows))
	}

	slots := make([]slot, len(rows))
	for i, r := range rows {
		b := make([]byte, minuteSize)
		PutMinute(b, r)
		slots[i] = slot{idx: a.cal.MinuteOffset(int64(r.Time)), b: b}
	}
	return a.writeSlots(path, minuteSize, slots)
}

// CreateMinutes allocates a zeroed snapshot dataset, replacing any existing
// one for that symbol and date.
func (a *Archive) CreateMinutes(date, symbol string, rows int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return a.be.create(datasetPath(KindMinute, symbol, date), RowMinute, rows)
}

// WriteMinuteAt overwrites the single snapshot row at idx.
func (a *Archive) WriteMinuteAt(date, symbol string, idx int, row MinuteSnap) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	path := datasetPath(KindMinute, symbol, date)
	if _, err := a.be.rows(path); errors.Is(err, errNotFound) {
		if err := a.be.create(path, RowMinute, a.cal.SessionMinutes()); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	b := make([]byte, minuteSize)
	PutMinute(b, row)
	return a.be.writeAt(path, idx, b)
}

// MinuteSymbols lists the symbols with a snapshot dataset on date.
func (a *Archive) MinuteSymbols(date string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	prefix := string(KindMinute) + "/" + date + "/"
	paths, err := a.be.paths(prefix)
	if err != nil {
		return nil, err
	}
	syms := make([]string, len(paths))
	for i, p := range paths {
		syms[i] = p[len(prefix):]
	}
	sort.Strings(syms)
	return syms, nil
}

// Drop removes one dataset. Missing datasets are not an error.
func (a *Archive) Drop(kind Kind, symbol, selector string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	err := a.be.drop(datasetPath(kind, symbol, selector))
	if errors.Is(err, errNotFound) {
		return nil
	}
	return err
}

// Paths lists dataset paths with the given prefix in sorted order. Empty
// prefix lists everything.
func (a *Archive) Paths(prefix string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	paths, err := a.be.paths(prefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Flush forces written datasets to stable storage.
func (a *Archive) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return a.be.flush()
}

// Close flushes and releases the backend. Further calls return ErrClosed.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.closed = true
	return a.be.close()
}

// writeSlots writes indexed records, coalescing runs of consecutive indices
// into single contiguous writes.
func (a *Archive) writeSlots(path string, size int, slots []slot) error {
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].idx < slots[j].idx })
	for start := 0; start < len(slots); {
		end := start + 1
		for end < len(slots) && slots[end].idx == slots[end-1].idx+1 {
			end++
		}
		run := make([]byte, 0, (end-start)*size)
		for _, s := range slots[start:end] {
			run = append(run, s.b...)
		}
		if err := a.be.writeAt(path, slots[start].idx, run); err != nil {
			return err
		}
		start = end
	}
	return nil
}

func splitSessions(rows []OHLC) [][]OHLC {
	if len(rows) == 0 {
		return nil
	}
	var out [][]OHLC
	start := 0
	for i := 1; i < len(rows); i++ {
		if int64(rows[i].Time)-int64(rows[i-1].Time) > sessionGap {
			out = append(out, rows[start:i])
			start = i
		}
	}
	return append(out, rows[start:])
}
