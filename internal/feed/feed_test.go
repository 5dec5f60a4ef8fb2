package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafeedhq/datafeed/internal/exchange"
	"github.com/datafeedhq/datafeed/internal/store"
)

type fakeSource struct {
	dividends map[string][]store.Dividend
	sectors   map[string]map[string]string
	err       error
	calls     int
}

func (f *fakeSource) Dividends(context.Context) (map[string][]store.Dividend, error) {
	f.calls++
	return f.dividends, f.err
}

func (f *fakeSource) Sectors(context.Context) (map[string]map[string]string, error) {
	f.calls++
	return f.sectors, f.err
}

func newTestManager(t *testing.T) *store.Manager {
	t.Helper()
	cal := exchange.MustCalendar(exchange.Shanghai())
	m, err := store.OpenManager(t.TempDir(), false, cal, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSyncDividendsWritesThroughManager(t *testing.T) {
	m := newTestManager(t)
	src := &fakeSource{dividends: map[string][]store.Dividend{
		"SH600000": {{Time: 1291132800, Dividend: 0.3}},
	}}
	s := NewSyncer(m, src, nil, DefaultConfig(), zerolog.Nop())

	require.NoError(t, s.SyncDividends(context.Background()))

	rows := m.Dividends("SH600000")
	require.Len(t, rows, 1)
	assert.EqualValues(t, 0.3, rows[0].Dividend)
}

func TestSyncSectorsWritesThroughManager(t *testing.T) {
	m := newTestManager(t)
	src := &fakeSource{sectors: map[string]map[string]string{
		"bank": {"SH600000": "PFYH"},
	}}
	s := NewSyncer(m, nil, src, DefaultConfig(), zerolog.Nop())

	require.NoError(t, s.SyncSectors(context.Background()))

	got, err := m.Sector("bank")
	require.NoError(t, err)
	assert.Equal(t, "PFYH", got["SH600000"])
}

func TestNilSourcesAreNoOps(t *testing.T) {
	m := newTestManager(t)
	s := NewSyncer(m, nil, nil, DefaultConfig(), zerolog.Nop())

	assert.NoError(t, s.SyncDividends(context.Background()))
	assert.NoError(t, s.SyncSectors(context.Background()))
}

func TestSourceErrorsPropagate(t *testing.T) {
	m := newTestManager(t)
	src := &fakeSource{err: errors.New("upstream down")}
	s := NewSyncer(m, src, src, DefaultConfig(), zerolog.Nop())

	assert.Error(t, s.SyncDividends(context.Background()))
	assert.Error(t, s.SyncSectors(context.Background()))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	m := newTestManager(t)
	src := &fakeSource{err: errors.New("upstream down")}
	cfg := DefaultConfig()
	cfg.RPS = 1000 // keep the limiter out of the way
	cfg.Burst = 1000
	s := NewSyncer(m, src, nil, cfg, zerolog.Nop())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.Error(t, s.SyncDividends(ctx))
	}
	before := src.calls
	assert.Error(t, s.SyncDividends(ctx), "open breaker still fails fast")
	assert.Equal(t, before, src.calls, "open breaker must not reach the source")
}
