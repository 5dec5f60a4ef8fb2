package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// File backend layout. The file opens with an 8-byte magic, then dataset
// blocks back to back:
//
//	u32 block magic
//	u8  flags (bit0 set = tombstone)
//	u8  row kind
//	u16 path length
//	u32 rows
//	u32 row size
//	path bytes, then rows*rowSize of record data
//
// Datasets are recreated by tombstoning the old block and appending a new
// one, so a scan from the top rebuilds the index with the last live block
// winning. A torn tail from a crashed append is truncated at open.
const (
	fileMagic    = "DFARCH1\n"
	blockMagic   = uint32(0x35484644) // "DFH5"
	blockHdrSize = 16
	flagDead     = 1
)

type fileEntry struct {
	headerOff int64
	dataOff   int64
	rk        RowKind
	rows      int
}

type fileBackend struct {
	f     *os.File
	end   int64
	index map[string]fileEntry
	log   zerolog.Logger
}

func openFileBackend(path string, logger zerolog.Logger) (*fileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	be := &fileBackend{f: f, index: make(map[string]fileEntry), log: logger}
	if err := be.load(); err != nil {
		f.Close()
		return nil, err
	}
	return be, nil
}

func (be *fileBackend) load() error {
	fi, err := be.f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()
	if size == 0 {
		if _, err := be.f.WriteAt([]byte(fileMagic), 0); err != nil {
			return err
		}
		be.end = int64(len(fileMagic))
		return nil
	}

	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(io.NewSectionReader(be.f, 0, int64(len(magic))), magic); err != nil {
		return fmt.Errorf("read archive magic: %w", err)
	}
	if string(magic) != fileMagic {
		return fmt.Errorf("%s is not an archive file", be.f.Name())
	}

	off := int64(len(fileMagic))
	hdr := make([]byte, blockHdrSize)
	for off+blockHdrSize <= size {
		if _, err := be.f.ReadAt(hdr, off); err != nil {
			return err
		}
		if binary.LittleEndian.Uint32(hdr[0:]) != blockMagic {
			return be.truncateTail(off, size)
		}
		flags := hdr[4]
		rk := RowKind(hdr[5])
		pathLen := int(binary.LittleEndian.Uint16(hdr[6:]))
		rows := int(binary.LittleEndian.Uint32(hdr[8:]))
		rowSize := int(binary.LittleEndian.Uint32(hdr[12:]))
		if rk.Size() == 0 || rowSize != rk.Size() {
			return be.truncateTail(off, size)
		}
		total := int64(blockHdrSize) + int64(pathLen) + int64(rows)*int64(rowSize)
		if off+total > size {
			return be.truncateTail(off, size)
		}
		pb := make([]byte, pathLen)
		if _, err := be.f.ReadAt(pb, off+blockHdrSize); err != nil {
			return err
		}
		path := string(pb)
		if flags&flagDead != 0 {
			delete(be.index, path)
		} else {
			be.index[path] = fileEntry{
				headerOff: off,
				dataOff:   off + blockHdrSize + int64(pathLen),
				rk:        rk,
				rows:      rows,
			}
		}
		off += total
	}
	if off < size {
		return be.truncateTail(off, size)
	}
	be.end = off
	return nil
}

func (be *fileBackend) truncateTail(off, size int64) error {
	be.log.Warn().Int64("offset", off).Int64("size", size).
		Msg("archive file has a torn tail, truncating")
	if err := be.f.Truncate(off); err != nil {
		return err
	}
	be.end = off
	return nil
}

func (be *fileBackend) get(path string) ([]byte, error) {
	e, ok := be.index[path]
	if !ok {
		return nil, errNotFound
	}
	b := make([]byte, e.rows*e.rk.Size())
	if _, err := be.f.ReadAt(b, e.dataOff); err != nil {
		return nil, err
	}
	return b, nil
}

func (be *fileBackend) rows(path string) (int, error) {
	e, ok := be.index[path]
	if !ok {
		return 0, errNotFound
	}
	return e.rows, nil
}

func (be *fileBackend) create(path string, rk RowKind, rows int) error {
	if rk.Size() == 0 {
		return fmt.Errorf("bad row kind %d", rk)
	}
	if rows <= 0 {
		return fmt.Errorf("bad dataset shape %d", rows)
	}
	if len(path) > 1<<16-1 {
		return fmt.Errorf("dataset path too long: %d bytes", len(path))
	}
	if old, ok := be.index[path]; ok {
		if err := be.tombstone(old); err != nil {
			return err
		}
	}
	block := make([]byte, blockHdrSize+len(path)+rows*rk.Size())
	binary.LittleEndian.PutUint32(block[0:], blockMagic)
	block[5] = byte(rk)
	binary.LittleEndian.PutUint16(block[6:], uint16(len(path)))
	binary.LittleEndian.PutUint32(block[8:], uint32(rows))
	binary.LittleEndian.PutUint32(block[12:], uint32(rk.Size()))
	copy(block[blockHdrSize:], path)
	if _, err := be.f.WriteAt(block, be.end); err != nil {
		return err
	}
	be.index[path] = fileEntry{
		headerOff: be.end,
		dataOff:   be.end + int64(blockHdrSize+len(path)),
		rk:        rk,
		rows:      rows,
	}
	be.end += int64(len(block))
	return nil
}

func (be *fileBackend) writeAt(path string, idx int, b []byte) error {
	e, ok := be.index[path]
	if !ok {
		return errNotFound
	}
	size := e.rk.Size()
	if len(b)%size != 0 {
		return fmt.Errorf("write of %d bytes is not a record multiple for %s", len(b), path)
	}
	n := len(b) / size
	if idx < 0 || idx+n > e.rows {
		return fmt.Errorf("write [%d,%d) outside dataset %s of %d rows", idx, idx+n, path, e.rows)
	}
	_, err := be.f.WriteAt(b, e.dataOff+int64(idx*size))
	return err
}

func (be *fileBackend) drop(path string) error {
	e, ok := be.index[path]
	if !ok {
		return errNotFound
	}
	if err := be.tombstone(e); err != nil {
		return err
	}
	delete(be.index, path)
	return nil
}

func (be *fileBackend) tombstone(e fileEntry) error {
	_, err := be.f.WriteAt([]byte{flagDead}, e.headerOff+4)
	return err
}

func (be *fileBackend) paths(prefix string) ([]string, error) {
	var out []string
	for p := range be.index {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (be *fileBackend) flush() error {
	return be.f.Sync()
}

func (be *fileBackend) close() error {
	if err := be.f.Sync(); err != nil {
		be.f.Close()
		return err
	}
	return be.f.Close()
}
