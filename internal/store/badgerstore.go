package store

import (
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// badgerBackend keeps each dataset as one whole value keyed by its path.
// The row kind is implied by the path prefix, so values carry no header.
type badgerBackend struct {
	db *badger.DB
}

func openBadgerBackend(dir string) (*badgerBackend, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger archive: %w", err)
	}
	return &badgerBackend{db: db}, nil
}

func rowKindForPath(path string) RowKind {
	if strings.HasPrefix(path, string(KindMinute)+"/") {
		return RowMinute
	}
	return RowOHLC
}

func (be *badgerBackend) get(path string) ([]byte, error) {
	var b []byte
	err := be.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path))
		if err != nil {
			return err
		}
		b, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errNotFound
	}
	return b, err
}

func (be *badgerBackend) rows(path string) (int, error) {
	var n int
	err := be.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path))
		if err != nil {
			return err
		}
		n = int(item.ValueSize()) / rowKindForPath(path).Size()
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, errNotFound
	}
	return n, err
}

func (be *badgerBackend) create(path string, rk RowKind, rows int) error {
	if rk.Size() == 0 {
		return fmt.Errorf("bad row kind %d", rk)
	}
	if rows <= 0 {
		return fmt.Errorf("bad dataset shape %d", rows)
	}
	if got := rowKindForPath(path); got != rk {
		return fmt.Errorf("path %s implies row kind %s, not %s", path, got, rk)
	}
	return be.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(path), make([]byte, rows*rk.Size()))
	})
}

func (be *badgerBackend) writeAt(path string, idx int, b []byte) error {
	size := rowKindForPath(path).Size()
	if len(b)%size != 0 {
		return fmt.Errorf("write of %d bytes is not a record multiple for %s", len(b), path)
	}
	err := be.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		off := idx * size
		if idx < 0 || off+len(b) > len(val) {
			return fmt.Errorf("write [%d,%d) outside dataset %s of %d rows",
				idx, idx+len(b)/size, path, len(val)/size)
		}
		copy(val[off:], b)
		return txn.Set([]byte(path), val)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return errNotFound
	}
	return err
}

func (be *badgerBackend) drop(path string) error {
	err := be.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(path)); err != nil {
			return err
		}
		return txn.Delete([]byte(path))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return errNotFound
	}
	return err
}

func (be *badgerBackend) paths(prefix string) ([]string, error) {
	var out []string
	err := be.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return out, err
}

func (be *badgerBackend) flush() error {
	return be.db.Sync()
}

func (be *badgerBackend) close() error {
	return be.db.Close()
}
