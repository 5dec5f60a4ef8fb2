package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dstore.dump")

	s, err := OpenKVStore(path)
	require.NoError(t, err)

	ticks := s.Namespace("ticks")
	ticks.Set("SH000001", Tick{"symbol": "SH000001", "price": 2856.99, "timestamp": int64(1291167000)})
	s.Namespace("dividends").Set("SH600000", []Dividend{{Time: 1291132800, Dividend: 0.3}})
	s.Namespace("sectors").Set("bank", map[string]string{"SH600000": "PFYH"})
	s.Namespace("meta").Set("SH000001", []byte{0x1, 0x2})
	require.NoError(t, s.Close())

	s, err = OpenKVStore(path)
	require.NoError(t, err)
	defer s.Close()

	v, ok := s.Namespace("ticks").Get("SH000001")
	require.True(t, ok)
	tick, ok := v.(Tick)
	require.True(t, ok)
	assert.Equal(t, 2856.99, tick["price"])
	assert.Equal(t, int64(1291167000), tick.Timestamp())

	v, ok = s.Namespace("dividends").Get("SH600000")
	require.True(t, ok)
	assert.Equal(t, []Dividend{{Time: 1291132800, Dividend: 0.3}}, v)

	v, ok = s.Namespace("sectors").Get("bank")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"SH600000": "PFYH"}, v)

	assert.Equal(t, []string{"dividends", "meta", "sectors", "ticks"}, s.Namespaces())
}

func TestKVStore_NamespaceOps(t *testing.T) {
	s, err := OpenKVStore(filepath.Join(t.TempDir(), "dstore.dump"))
	require.NoError(t, err)
	defer s.Close()

	ns := s.Namespace("ticks")
	ns.Set("SH000001", 1)
	ns.Set("SH600000", 2)
	ns.Set("SZ399001", 3)

	assert.Equal(t, 3, ns.Len())
	assert.True(t, ns.Has("SH600000"))
	assert.False(t, ns.Has("SH999999"))
	assert.Equal(t, []string{"SH000001", "SH600000", "SZ399001"}, ns.Keys())
	assert.Equal(t, []string{"SH000001", "SH600000"}, ns.KeysWithPrefix("sh"))
	assert.Equal(t, []string{"SH000001", "SH600000", "SZ399001"}, ns.KeysWithPrefix(""))

	items := ns.Items()
	items["SH000001"] = 99
	v, _ := ns.Get("SH000001")
	assert.Equal(t, 1, v, "Items must return a copy")

	ns.Delete("SH600000")
	assert.Equal(t, 2, ns.Len())

	s.Drop("ticks")
	assert.False(t, s.Has("ticks"))
	assert.Equal(t, 0, s.Namespace("ticks").Len())
}

func TestKVStore_MissingDumpStartsEmpty(t *testing.T) {
	s, err := OpenKVStore(filepath.Join(t.TempDir(), "nope", "dstore.dump"))
	require.NoError(t, err)
	assert.Empty(t, s.Namespaces())
	// flush creates the directory on demand
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())
}

func TestKVStore_PanicsAfterClose(t *testing.T) {
	s, err := OpenKVStore(filepath.Join(t.TempDir(), "dstore.dump"))
	require.NoError(t, err)
	ns := s.Namespace("ticks")
	require.NoError(t, s.Close())

	assert.Panics(t, func() { ns.Set("SH000001", 1) })
	assert.Panics(t, func() { ns.Get("SH000001") })
	assert.Panics(t, func() { s.Flush() })
	assert.Panics(t, func() { s.Namespace("ticks") })
}
