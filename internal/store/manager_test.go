package store

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, dir string, now int64) *Manager {
	t.Helper()
	m, err := OpenManager(dir, false, shCal(t), zerolog.Nop())
	require.NoError(t, err)
	m.now = func() time.Time { return time.Unix(now, 0) }
	return m
}

func TestManager_TickRoundTrip(t *testing.T) {
	m := newTestManager(t, t.TempDir(), tsOpen)
	defer m.Close()

	tick := Tick{"symbol": "SH000001", "price": 2856.99, "timestamp": tsOpen}
	m.UpdateTicks(map[string]Tick{"SH000001": tick})

	assert.Equal(t, tsOpen, m.Mtime())

	got, err := m.Tick("SH000001")
	require.NoError(t, err)
	assert.Equal(t, 2856.99, got["price"])

	// reads are copies
	got["price"] = 1.0
	again, err := m.Tick("SH000001")
	require.NoError(t, err)
	assert.Equal(t, 2856.99, again["price"])

	_, err = m.Tick("SH600000")
	assert.True(t, IsNotFound(err))

	m.UpdateTick("SZ399001", Tick{"symbol": "SZ399001", "price": 1.5, "timestamp": tsOpen + 1})
	assert.Len(t, m.List(""), 2)
	assert.Len(t, m.List("sh"), 1)
	assert.Len(t, m.List("SZ"), 1)
	assert.Len(t, m.Ticks([]string{"SH000001", "SH999999"}), 1)
}

func TestManager_MtimeNeverDecreases(t *testing.T) {
	m := newTestManager(t, t.TempDir(), tsOpen)
	defer m.Close()

	m.UpdateTick("SH000001", Tick{"timestamp": tsOpen})
	m.UpdateTick("SH000001", Tick{"timestamp": tsOpen - 600})
	assert.Equal(t, tsOpen, m.Mtime())

	m.UpdateTick("SH000001", Tick{"timestamp": tsOpen + 60})
	assert.Equal(t, tsOpen+60, m.Mtime())
}

func TestManager_MinuteStoreRouting(t *testing.T) {
	m := newTestManager(t, t.TempDir(), tsOpen)
	defer m.Close()

	today := m.MinuteStoreAt(tsOpen, false)
	cache, ok := today.(*MinuteCache)
	require.True(t, ok, "current day must be memory backed")
	assert.Equal(t, "20101201", cache.Date())
	assert.Same(t, cache, m.MinuteStoreAt(tsOpen+3600, false).(*MinuteCache))

	past := m.MinuteStoreAt(tsOpen-30*day, false)
	_, ok = past.(*MinuteFile)
	assert.True(t, ok, "past days come from the archive")

	forced := m.MinuteStoreAt(tsOpen, true)
	assert.Same(t, cache, forced.(*MinuteCache))
}

func TestManager_CacheWinsBeforeRotation(t *testing.T) {
	m := newTestManager(t, t.TempDir(), tsOpen)
	defer m.Close()

	rows := []MinuteSnap{{Time: int32(tsOpen), Price: 3000}}
	require.NoError(t, m.UpdateMinute("SH000001", rows))

	// clock moves to the next day, rotation has not run yet
	m.now = func() time.Time { return time.Unix(tsOpen+day, 0) }
	st := m.MinuteStoreAt(tsOpen, false)
	_, ok := st.(*MinuteCache)
	assert.True(t, ok, "unrotated cache still serves its day")
	got, err := st.Get("SH000001")
	require.NoError(t, err)
	assert.Equal(t, MinuteSnap{Time: int32(tsOpen), Price: 3000}, got[0])
}

func TestManager_Rotation(t *testing.T) {
	m := newTestManager(t, t.TempDir(), tsOpen)
	defer m.Close()

	dense := make([]MinuteSnap, 242)
	for i := range dense {
		dense[i] = MinuteSnap{Time: int32(sessionBar(i)), Price: 3000}
	}
	require.NoError(t, m.UpdateMinute("SH000001", dense))
	m.UpdateTick("SH000001", Tick{"timestamp": tsOpen})

	// same day: rotation is a no-op
	require.NoError(t, m.RotateMinuteStore())
	_, ok := m.MinuteStoreAt(tsOpen, false).(*MinuteCache)
	require.True(t, ok)

	// mtime crosses into the next day
	m.UpdateTick("SH000001", Tick{"timestamp": tsOpen + day})
	require.NoError(t, m.RotateMinuteStore())

	m.now = func() time.Time { return time.Unix(tsOpen+day, 0) }
	st := m.MinuteStoreAt(tsOpen, false)
	_, ok = st.(*MinuteFile)
	require.True(t, ok, "rotated day must be archive backed")

	got, err := m.Minute("SH000001", tsOpen)
	require.NoError(t, err)
	assert.Equal(t, dense, got)

	assert.False(t, m.kv.Has(minuteNamespace("20101201")), "rotation drops the cache namespace")
}

func TestManager_MinuteTsZeroFollowsMtime(t *testing.T) {
	m := newTestManager(t, t.TempDir(), tsOpen)
	defer m.Close()

	m.UpdateTick("SH000001", Tick{"timestamp": tsOpen})
	require.NoError(t, m.UpdateMinute("SH000001", []MinuteSnap{{Time: int32(tsOpen), Price: 3000}}))

	got, err := m.Minute("SH000001", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3000, got[0].Price)
}

func TestManager_RecoversCacheAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	m := newTestManager(t, dir, tsOpen)
	require.NoError(t, m.UpdateMinute("SH000001", []MinuteSnap{{Time: int32(tsOpen), Price: 3000}}))
	require.NoError(t, m.Close())

	m = newTestManager(t, dir, tsOpen+3600)
	defer m.Close()

	st := m.MinuteStoreAt(tsOpen, false)
	_, ok := st.(*MinuteCache)
	require.True(t, ok, "restart re-attaches the day's cache")
	got, err := st.Get("SH000001")
	require.NoError(t, err)
	assert.EqualValues(t, 3000, got[0].Price)
}

func TestManager_Dividends(t *testing.T) {
	m := newTestManager(t, t.TempDir(), tsOpen)
	defer m.Close()

	assert.Empty(t, m.Dividends("SH600000"))
	assert.NotNil(t, m.Dividends("SH600000"))

	m.UpdateDividend("SH600000", []Dividend{{Time: int32(tsMidnight), Dividend: 0.3}})
	rows := m.Dividends("SH600000")
	require.Len(t, rows, 1)
	assert.EqualValues(t, 0.3, rows[0].Dividend)

	// wholesale replace
	m.UpdateDividend("SH600000", []Dividend{
		{Time: int32(tsMidnight), Dividend: 0.3},
		{Time: int32(tsMidnight + day), Split: 1.5},
	})
	assert.Len(t, m.Dividends("SH600000"), 2)
}

func TestManager_Sectors(t *testing.T) {
	m := newTestManager(t, t.TempDir(), tsOpen)
	defer m.Close()

	_, err := m.Sector("bank")
	assert.ErrorIs(t, err, ErrNoData)

	m.SetSector("bank", map[string]string{"SH600000": "PFYH"})
	got, err := m.Sector("bank")
	require.NoError(t, err)
	assert.Equal(t, "PFYH", got["SH600000"])
}

func TestManager_ArchivePassthrough(t *testing.T) {
	m := newTestManager(t, t.TempDir(), tsOpen)
	defer m.Close()

	require.NoError(t, m.UpdateDay("SH000001", []OHLC{dayRow(tsMidnight, 10)}))
	row, err := m.DayByDate("SH000001", "20101201")
	require.NoError(t, err)
	assert.EqualValues(t, 10, row.Close)

	require.NoError(t, m.UpdateOneMinute("SH000001", fullSession(3000)))
	bars, err := m.OneMinute("SH000001", "20101201")
	require.NoError(t, err)
	assert.Len(t, bars, 242)

	_, err = m.FiveMinute("SH000001", "20101201")
	assert.True(t, IsNotFound(err))
}

func TestManager_CloseIsFinal(t *testing.T) {
	m := newTestManager(t, t.TempDir(), tsOpen)
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Close(), ErrClosed)
	assert.ErrorIs(t, m.Flush(), ErrClosed)
}
