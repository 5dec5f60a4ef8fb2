package exchange

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DayRows is the fixed length of a one-year day archive: 53 ISO weeks of 5
// trading days each. Weeks at year boundaries may belong to an ISO year that
// differs from the calendar year; the index formula keeps them addressable.
const DayRows = 53 * 5

// Descriptor declares one exchange trading session in config form. Times are
// wall-clock "HH:MM" strings interpreted in Timezone; BreakStart/BreakEnd may
// be empty for markets without a lunch break. SessionMinutes may be zero, in
// which case it is derived from the session times.
type Descriptor struct {
	Name           string `yaml:"name"`
	Timezone       string `yaml:"timezone"`
	PreOpen        string `yaml:"pre_open"`
	Open           string `yaml:"open"`
	BreakStart     string `yaml:"break_start"`
	BreakEnd       string `yaml:"break_end"`
	Close          string `yaml:"close"`
	SessionMinutes int    `yaml:"session_minutes"`
}

// Shanghai returns the default descriptor: 09:30-11:30 and 13:00-15:00 with a
// 09:15 pre-open call auction, 242 session minutes.
func Shanghai() Descriptor {
	return Descriptor{
		Name:           "SH",
		Timezone:       "Asia/Shanghai",
		PreOpen:        "09:15",
		Open:           "09:30",
		BreakStart:     "11:30",
		BreakEnd:       "13:00",
		Close:          "15:00",
		SessionMinutes: 242,
	}
}

// SnapshotIndexError reports a minute-snapshot timestamp from before session
// open. The archive run that hit it must abort without advancing watermarks.
type SnapshotIndexError struct {
	Timestamp int64
	Index     int
}

func (e *SnapshotIndexError) Error() string {
	return fmt.Sprintf("snapshot index %d for timestamp %d is before session open", e.Index, e.Timestamp)
}

// Calendar is an immutable value computing session-aligned times and minute
// indices for one trading calendar. All timestamp arguments and results are
// Unix seconds; wall-clock math happens in the calendar's location.
type Calendar struct {
	name string
	loc  *time.Location

	// minutes since local midnight
	preOpen    int
	open       int
	breakStart int
	breakEnd   int
	close      int
	hasBreak   bool

	sessionMinutes int
	morningLen     int // rows before the lunch break, inclusive of break start
	breakShift     int // raw minutes swallowed by the lunch gap
	rawClose       int // minutes from open to close, uncompressed
}

// NewCalendar validates a descriptor and builds the calendar value.
func NewCalendar(d Descriptor) (Calendar, error) {
	if d.Timezone == "" {
		return Calendar{}, fmt.Errorf("calendar %q: timezone is required", d.Name)
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return Calendar{}, fmt.Errorf("calendar %q: %w", d.Name, err)
	}

	c := Calendar{name: d.Name, loc: loc}
	if c.open, err = parseClock(d.Open); err != nil {
		return Calendar{}, fmt.Errorf("calendar %q open: %w", d.Name, err)
	}
	if c.close, err = parseClock(d.Close); err != nil {
		return Calendar{}, fmt.Errorf("calendar %q close: %w", d.Name, err)
	}
	if d.PreOpen != "" {
		if c.preOpen, err = parseClock(d.PreOpen); err != nil {
			return Calendar{}, fmt.Errorf("calendar %q pre_open: %w", d.Name, err)
		}
	} else {
		c.preOpen = c.open
	}
	if (d.BreakStart == "") != (d.BreakEnd == "") {
		return Calendar{}, fmt.Errorf("calendar %q: break_start and break_end must be set together", d.Name)
	}
	if d.BreakStart != "" {
		c.hasBreak = true
		if c.breakStart, err = parseClock(d.BreakStart); err != nil {
			return Calendar{}, fmt.Errorf("calendar %q break_start: %w", d.Name, err)
		}
		if c.breakEnd, err = parseClock(d.BreakEnd); err != nil {
			return Calendar{}, fmt.Errorf("calendar %q break_end: %w", d.Name, err)
		}
	}

	if c.preOpen > c.open || c.open >= c.close {
		return Calendar{}, fmt.Errorf("calendar %q: session times out of order", d.Name)
	}
	if c.hasBreak && (c.breakStart <= c.open || c.breakEnd <= c.breakStart || c.close <= c.breakEnd) {
		return Calendar{}, fmt.Errorf("calendar %q: break times out of order", d.Name)
	}

	c.rawClose = c.close - c.open
	if c.hasBreak {
		c.morningLen = c.breakStart - c.open + 1
		c.breakShift = (c.breakEnd - c.open) - c.morningLen
		c.sessionMinutes = c.rawClose - c.breakShift + 1
	} else {
		c.sessionMinutes = c.rawClose
	}
	if d.SessionMinutes != 0 && d.SessionMinutes != c.sessionMinutes {
		return Calendar{}, fmt.Errorf("calendar %q: session_minutes %d does not match session times (derived %d)",
			d.Name, d.SessionMinutes, c.sessionMinutes)
	}
	return c, nil
}

// MustCalendar is NewCalendar for descriptors known good at compile time.
func MustCalendar(d Descriptor) Calendar {
	c, err := NewCalendar(d)
	if err != nil {
		panic(err)
	}
	return c
}

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("bad clock time %q", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 24 {
		return 0, fmt.Errorf("bad clock time %q", s)
	}
	min, err := strconv.Atoi(m)
	if err != nil || min < 0 || min > 59 || (hour == 24 && min != 0) {
		return 0, fmt.Errorf("bad clock time %q", s)
	}
	return hour*60 + min, nil
}

// Name returns the calendar's configured name.
func (c Calendar) Name() string { return c.name }

// Location returns the calendar's timezone.
func (c Calendar) Location() *time.Location { return c.loc }

// SessionMinutes is the number of tradable minutes in one day, which is also
// the fixed row count of minute-resolution archive datasets.
func (c Calendar) SessionMinutes() int { return c.sessionMinutes }

// Bars returns the dataset length for the given bar interval in minutes.
func (c Calendar) Bars(intervalMinutes int) int {
	return c.sessionMinutes / intervalMinutes
}

// Midnight returns 00:00 local on ts's date.
func (c Calendar) Midnight(ts int64) int64 {
	t := time.Unix(ts, 0).In(c.loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc).Unix()
}

func (c Calendar) at(ts int64, minutes int) int64 {
	return c.Midnight(ts) + int64(minutes)*60
}

// PreOpen returns the pre-open second on ts's date.
func (c Calendar) PreOpen(ts int64) int64 { return c.at(ts, c.preOpen) }

// Open returns the session-open second on ts's date.
func (c Calendar) Open(ts int64) int64 { return c.at(ts, c.open) }

// BreakStart returns the lunch-break start on ts's date. Without a break it
// equals Close.
func (c Calendar) BreakStart(ts int64) int64 {
	if !c.hasBreak {
		return c.Close(ts)
	}
	return c.at(ts, c.breakStart)
}

// BreakEnd returns the lunch-break end on ts's date. Without a break it
// equals Close.
func (c Calendar) BreakEnd(ts int64) int64 {
	if !c.hasBreak {
		return c.Close(ts)
	}
	return c.at(ts, c.breakEnd)
}

// Close returns the session-close second on ts's date.
func (c Calendar) Close(ts int64) int64 { return c.at(ts, c.close) }

// DateOf formats ts's local date as yyyymmdd.
func (c Calendar) DateOf(ts int64) string {
	return time.Unix(ts, 0).In(c.loc).Format("20060102")
}

// SameDate reports whether two timestamps fall on the same local date.
func (c Calendar) SameDate(a, b int64) bool {
	return c.DateOf(a) == c.DateOf(b)
}

// ParseDate interprets a yyyymmdd string as midnight local time.
func (c Calendar) ParseDate(date string) (int64, error) {
	t, err := time.ParseInLocation("20060102", date, c.loc)
	if err != nil {
		return 0, fmt.Errorf("bad date %q: %w", date, err)
	}
	return t.Unix(), nil
}

// rawOffset is whole minutes from session open, negative before open.
func (c Calendar) rawOffset(ts int64) int {
	delta := ts - c.Open(ts)
	if delta < 0 {
		return int((delta - 59) / 60)
	}
	return int(delta / 60)
}

// MinuteOffset maps a timestamp onto the compressed session minute axis:
// morning minutes keep their offset, the lunch gap collapses onto the last
// morning row, afternoon minutes shift down by the gap length. The result is
// clamped to [0, SessionMinutes). For a break-less calendar opening at
// midnight this is plain minutes-since-midnight.
func (c Calendar) MinuteOffset(ts int64) int {
	idx, _, err := c.snap(ts)
	if err != nil {
		return 0
	}
	return idx
}

// SnapIndex is MinuteOffset for the snapshot-archive path: timestamps inside
// the lunch break or past close also rewrite the observation time to the
// break start or close, keeping stored arrays continuous. Timestamps before
// session open return a SnapshotIndexError.
func (c Calendar) SnapIndex(ts int64) (int, int64, error) {
	return c.snap(ts)
}

func (c Calendar) snap(ts int64) (int, int64, error) {
	i := c.rawOffset(ts)
	if i < 0 {
		return 0, ts, &SnapshotIndexError{Timestamp: ts, Index: i}
	}
	if !c.hasBreak {
		if i >= c.sessionMinutes {
			return c.sessionMinutes - 1, c.Close(ts), nil
		}
		return i, ts, nil
	}
	afternoonStart := c.breakEnd - c.open
	switch {
	case i < c.morningLen:
		return i, ts, nil
	case i < afternoonStart:
		return c.morningLen - 1, c.BreakStart(ts), nil
	case i <= c.rawClose:
		return i - c.breakShift, ts, nil
	default:
		return c.sessionMinutes - 1, c.Close(ts), nil
	}
}

// BarIndex maps a timestamp to its row in an interval-minute bar dataset.
func (c Calendar) BarIndex(ts int64, intervalMinutes int) int {
	idx := c.MinuteOffset(ts) / intervalMinutes
	if max := c.Bars(intervalMinutes) - 1; idx > max {
		idx = max
	}
	return idx
}

// DayIndex returns the ISO year and the row index inside that year's day
// dataset: (iso_week-1)*5 + iso_weekday-1, clamped to the fixed shape.
func (c Calendar) DayIndex(ts int64) (year, idx int) {
	t := time.Unix(ts, 0).In(c.loc)
	year, week := t.ISOWeek()
	wd := int(t.Weekday())
	if wd == 0 {
		wd = 7
	}
	idx = (week-1)*5 + wd - 1
	if idx >= DayRows {
		idx = DayRows - 1
	}
	return year, idx
}
