package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafeedhq/datafeed/internal/exchange"
)

// 2010-12-01 in Asia/Shanghai: midnight, session open 09:30.
const (
	tsMidnight = int64(1291132800)
	tsOpen     = int64(1291167000)
	day        = int64(86400)
)

func shCal(t *testing.T) exchange.Calendar {
	t.Helper()
	cal, err := exchange.NewCalendar(exchange.Shanghai())
	require.NoError(t, err)
	return cal
}

func testArchives(t *testing.T) map[string]*Archive {
	t.Helper()
	cal := shCal(t)
	file, err := OpenArchive(t.TempDir(), false, cal, zerolog.Nop())
	require.NoError(t, err)
	rdb, err := OpenArchive(t.TempDir(), true, cal, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		file.Close()
		rdb.Close()
	})
	return map[string]*Archive{"file": file, "badger": rdb}
}

func dayRow(midnight int64, close float32) OHLC {
	return OHLC{
		Time:  int32(midnight),
		Open:  close - 1,
		High:  close + 1,
		Low:   close - 2,
		Close: close,
	}
}

// sessionBar returns the wall-clock start of compressed minute i on the
// Shanghai session of tsOpen's date.
func sessionBar(i int) int64 {
	if i < 121 {
		return tsOpen + int64(i)*60
	}
	return tsOpen + int64(i+89)*60
}

func fullSession(price float32) []OHLC {
	rows := make([]OHLC, 242)
	for i := range rows {
		rows[i] = OHLC{Time: int32(sessionBar(i)), Close: price, Volume: float32(i)}
	}
	return rows
}

func TestArchive_DayRows(t *testing.T) {
	days := []OHLC{
		dayRow(tsMidnight, 10),       // 2010-12-01 Wed
		dayRow(tsMidnight+day, 11),   // 2010-12-02 Thu
		dayRow(tsMidnight+2*day, 12), // 2010-12-03 Fri
		dayRow(tsMidnight+5*day, 13), // 2010-12-06 Mon
		dayRow(1294070400, 14),       // 2011-01-04 Tue, ISO year 2011
	}
	for name, a := range testArchives(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, a.UpdateOHLC(KindDay, "SH000001", days))

			rows, err := a.GetOHLC(KindDay, "SH000001", "2010")
			require.NoError(t, err)
			assert.Len(t, rows, exchange.DayRows)
			assert.Equal(t, days[0], rows[237])
			assert.Equal(t, days[3], rows[240])

			row, err := a.DayByDate("SH000001", "20101202")
			require.NoError(t, err)
			assert.Equal(t, days[1], row)

			// Sunday slot was never written
			_, err = a.DayByDate("SH000001", "20101205")
			assert.ErrorIs(t, err, ErrNoData)

			_, err = a.DayByDate("SH600000", "20101202")
			var nf *NotFoundError
			require.ErrorAs(t, err, &nf)
			assert.Equal(t, "SH600000", nf.Symbol)

			recent, err := a.RecentDays("SH000001", 3)
			require.NoError(t, err)
			require.Len(t, recent, 3)
			assert.Equal(t, []OHLC{days[2], days[3], days[4]}, recent)

			all, err := a.RecentDays("SH000001", 100)
			require.NoError(t, err)
			assert.Len(t, all, 5)

			_, err = a.RecentDays("SH600000", 3)
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestArchive_IntradayWholeSession(t *testing.T) {
	rows := fullSession(3000)
	for name, a := range testArchives(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, a.UpdateOHLC(KindOneMinute, "SH000001", rows))
			got, err := a.GetOHLC(KindOneMinute, "SH000001", "20101201")
			require.NoError(t, err)
			assert.Equal(t, rows, got)
		})
	}
}

func TestArchive_ShapeMismatchRecreates(t *testing.T) {
	normal := fullSession(3000)
	extended := make([]OHLC, 288)
	for i := range extended {
		extended[i] = OHLC{Time: int32(tsOpen + int64(i)*60), Close: 4000}
	}
	for name, a := range testArchives(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, a.UpdateOHLC(KindOneMinute, "SH000001", normal))
			require.NoError(t, a.UpdateOHLC(KindOneMinute, "SH000001", extended))

			got, err := a.GetOHLC(KindOneMinute, "SH000001", "20101201")
			require.NoError(t, err)
			require.Len(t, got, 288)
			assert.Equal(t, extended, got)
		})
	}
}

func TestArchive_SparseIntradayWrites(t *testing.T) {
	sparse := []OHLC{
		{Time: int32(sessionBar(0)), Close: 1},
		{Time: int32(sessionBar(1)), Close: 2},
		{Time: int32(sessionBar(150)), Close: 3},
	}
	for name, a := range testArchives(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, a.UpdateOHLC(KindOneMinute, "SH000001", sparse))
			got, err := a.GetOHLC(KindOneMinute, "SH000001", "20101201")
			require.NoError(t, err)
			require.Len(t, got, 242)
			assert.Equal(t, sparse[0], got[0])
			assert.Equal(t, sparse[1], got[1])
			assert.Equal(t, sparse[2], got[150])
			assert.Zero(t, got[2].Time)
		})
	}
}

func TestArchive_SessionSplit(t *testing.T) {
	twoDays := append(fullSession(3000), func() []OHLC {
		rows := make([]OHLC, 242)
		for i := range rows {
			rows[i] = OHLC{Time: int32(sessionBar(i) + day), Close: 3100}
		}
		return rows
	}()...)
	for name, a := range testArchives(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, a.UpdateOHLC(KindOneMinute, "SH000001", twoDays))

			paths, err := a.Paths("1min/SH000001/")
			require.NoError(t, err)
			assert.Equal(t, []string{"1min/SH000001/20101201", "1min/SH000001/20101202"}, paths)

			next, err := a.GetOHLC(KindOneMinute, "SH000001", "20101202")
			require.NoError(t, err)
			assert.EqualValues(t, 3100, next[0].Close)
		})
	}
}

func TestArchive_FiveMinuteShape(t *testing.T) {
	rows := []OHLC{
		{Time: int32(sessionBar(0)), Close: 1},
		{Time: int32(sessionBar(47 * 5)), Close: 2},
	}
	for name, a := range testArchives(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, a.UpdateOHLC(KindFiveMinute, "SH000001", rows))
			got, err := a.GetOHLC(KindFiveMinute, "SH000001", "20101201")
			require.NoError(t, err)
			require.Len(t, got, 48)
			assert.Equal(t, rows[0], got[0])
			assert.Equal(t, rows[1], got[47])
		})
	}
}

func TestArchive_MinuteSnapshots(t *testing.T) {
	snap := MinuteSnap{Time: int32(sessionBar(29)), Price: 3000, Volume: 100, Amount: 300000}
	for name, a := range testArchives(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, a.WriteMinuteAt("20101201", "SH000001", 29, snap))

			got, err := a.GetMinutes("20101201", "SH000001")
			require.NoError(t, err)
			require.Len(t, got, 242)
			assert.Equal(t, snap, got[29])
			assert.Zero(t, got[0])

			syms, err := a.MinuteSymbols("20101201")
			require.NoError(t, err)
			assert.Equal(t, []string{"SH000001"}, syms)

			dense := make([]MinuteSnap, 242)
			for i := range dense {
				dense[i] = MinuteSnap{Time: int32(sessionBar(i)), Price: 3001}
			}
			require.NoError(t, a.UpdateMinutes("20101201", "SH000001", dense))
			got, err = a.GetMinutes("20101201", "SH000001")
			require.NoError(t, err)
			assert.Equal(t, dense, got)

			require.NoError(t, a.Drop(KindMinute, "SH000001", "20101201"))
			_, err = a.GetMinutes("20101201", "SH000001")
			assert.True(t, IsNotFound(err))
			// dropping again is a no-op
			require.NoError(t, a.Drop(KindMinute, "SH000001", "20101201"))
		})
	}
}

func TestArchive_Closed(t *testing.T) {
	a, err := OpenArchive(t.TempDir(), false, shCal(t), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = a.GetOHLC(KindDay, "SH000001", "2010")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.UpdateOHLC(KindDay, "SH000001", fullSession(1)), ErrClosed)
	assert.ErrorIs(t, a.Close(), ErrClosed)
}

func TestFileBackend_Reopen(t *testing.T) {
	dir := t.TempDir()
	cal := shCal(t)
	days := []OHLC{dayRow(tsMidnight, 10)}

	a, err := OpenArchive(dir, false, cal, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.UpdateOHLC(KindDay, "SH000001", days))
	require.NoError(t, a.UpdateOHLC(KindOneMinute, "SH000001", fullSession(3000)))
	// recreate under a new shape so reopen has to pick the later block
	require.NoError(t, a.UpdateOHLC(KindOneMinute, "SH000001", func() []OHLC {
		rows := make([]OHLC, 288)
		for i := range rows {
			rows[i] = OHLC{Time: int32(tsOpen + int64(i)*60), Close: 4000}
		}
		return rows
	}()))
	require.NoError(t, a.Close())

	a, err = OpenArchive(dir, false, cal, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	rows, err := a.GetOHLC(KindDay, "SH000001", "2010")
	require.NoError(t, err)
	assert.Equal(t, days[0], rows[237])

	bars, err := a.GetOHLC(KindOneMinute, "SH000001", "20101201")
	require.NoError(t, err)
	assert.Len(t, bars, 288)
}

func TestFileBackend_TornTailTruncated(t *testing.T) {
	dir := t.TempDir()
	cal := shCal(t)
	days := []OHLC{dayRow(tsMidnight, 10)}

	a, err := OpenArchive(dir, false, cal, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.UpdateOHLC(KindDay, "SH000001", days))
	require.NoError(t, a.Close())

	f, err := os.OpenFile(filepath.Join(dir, "data.h5"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("interrupted append, definitely not a block"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	a, err = OpenArchive(dir, false, cal, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	rows, err := a.GetOHLC(KindDay, "SH000001", "2010")
	require.NoError(t, err)
	assert.Equal(t, days[0], rows[237])

	// the truncated tail is reusable for new datasets
	require.NoError(t, a.UpdateOHLC(KindDay, "SH000002", days))
	got, err := a.GetOHLC(KindDay, "SH000002", "2010")
	require.NoError(t, err)
	assert.Equal(t, days[0], got[237])
}

func TestFileBackend_RejectsForeignFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.h5"), []byte("not ours"), 0o644))
	_, err := OpenArchive(dir, false, shCal(t), zerolog.Nop())
	require.Error(t, err)
}
