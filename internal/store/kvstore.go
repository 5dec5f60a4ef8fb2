package store

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// KVStore is the namespaced key-value dump behind ticks, dividends, sectors
// and the per-day minute caches. The whole mapping lives in memory and is
// written out atomically by Flush; there is no log, a crash loses changes
// since the last flush.
//
// Use after Close is a programming error and panics.
type KVStore struct {
	mu     sync.RWMutex
	path   string
	data   map[string]map[string]any
	closed bool
}

// OpenKVStore loads the dump at path, starting empty when the file does not
// exist yet.
func OpenKVStore(path string) (*KVStore, error) {
	s := &KVStore{path: path, data: make(map[string]map[string]any)}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(&s.data); err != nil {
		return nil, fmt.Errorf("decode kv dump %s: %w", path, err)
	}
	return s, nil
}

func (s *KVStore) checkOpen() {
	if s.closed {
		panic("kvstore: use after close")
	}
}

// Namespace returns a handle on one keyspace, creating it when new.
func (s *KVStore) Namespace(name string) *Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkOpen()
	if _, ok := s.data[name]; !ok {
		s.data[name] = make(map[string]any)
	}
	return &Namespace{s: s, name: name}
}

// Has reports whether a namespace exists without creating it.
func (s *KVStore) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.checkOpen()
	_, ok := s.data[name]
	return ok
}

// Namespaces lists existing namespace names in sorted order.
func (s *KVStore) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.checkOpen()
	out := make([]string, 0, len(s.data))
	for name := range s.data {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Drop removes a whole namespace.
func (s *KVStore) Drop(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkOpen()
	delete(s.data, name)
}

// Flush writes the whole store to a temp file and renames it over the dump.
func (s *KVStore) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.checkOpen()
	return s.flushLocked()
}

func (s *KVStore) flushLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".dstore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := gob.NewEncoder(tmp).Encode(s.data); err != nil {
		tmp.Close()
		return fmt.Errorf("encode kv dump: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Close flushes and invalidates the store.
func (s *KVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkOpen()
	err := s.flushLocked()
	s.closed = true
	return err
}

// Namespace is a handle on one keyspace of a KVStore. Values come back as
// stored; callers that hand them out make their own copies.
type Namespace struct {
	s    *KVStore
	name string
}

func (n *Namespace) Name() string { return n.name }

func (n *Namespace) Get(key string) (any, bool) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	n.s.checkOpen()
	v, ok := n.s.data[n.name][key]
	return v, ok
}

func (n *Namespace) Set(key string, v any) {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	n.s.checkOpen()
	ns, ok := n.s.data[n.name]
	if !ok {
		ns = make(map[string]any)
		n.s.data[n.name] = ns
	}
	ns[key] = v
}

func (n *Namespace) Delete(key string) {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()
	n.s.checkOpen()
	delete(n.s.data[n.name], key)
}

func (n *Namespace) Has(key string) bool {
	_, ok := n.Get(key)
	return ok
}

func (n *Namespace) Len() int {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	n.s.checkOpen()
	return len(n.s.data[n.name])
}

// Keys returns the namespace's keys in sorted order.
func (n *Namespace) Keys() []string {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	n.s.checkOpen()
	m := n.s.data[n.name]
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Items returns a copy of the namespace mapping.
func (n *Namespace) Items() map[string]any {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	n.s.checkOpen()
	m := n.s.data[n.name]
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// KeysWithPrefix returns keys matching a case-insensitive prefix, sorted.
// An empty prefix matches everything.
func (n *Namespace) KeysWithPrefix(prefix string) []string {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	n.s.checkOpen()
	upper := strings.ToUpper(prefix)
	m := n.s.data[n.name]
	out := make([]string, 0, len(m))
	for k := range m {
		if prefix == "" || strings.HasPrefix(strings.ToUpper(k), upper) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
