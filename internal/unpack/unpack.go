// Package unpack normalises fetched buffers into ordered PDF units.
package unpack

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/zakupai/etl/internal/faults"
)

// bombFactor is the multiple of the per-file cap beyond which an
// archive's declared uncompressed total is treated as a bomb.
const bombFactor = 10

var (
	pdfMagic = []byte("%PDF-")
	zipMagic = []byte("PK\x03\x04")
)

// Unit is one PDF extracted from a buffer.
type Unit struct {
	// Name is the flattened basename, suffixed with #<n> on collision.
	Name string

	// Data is the raw PDF bytes.
	Data []byte
}

// Iterator yields PDF units lazily in archive listing order. It is not
// restartable.
type Iterator struct {
	entries []entry
	idx     int
	unit    Unit
	err     error
}

type entry struct {
	name     string
	maxBytes int64
	data     []byte    // set for the plain-PDF case
	file     *zip.File // set for archive entries
}

// Open sniffs the buffer and prepares an iterator over its PDF units.
// A plain PDF yields one unit under declaredName; a ZIP yields one unit
// per eligible .pdf entry, nested paths flattened to basename.
func Open(declaredName string, buf []byte, maxBytes int64) (*Iterator, error) {
	switch {
	case bytes.HasPrefix(buf, pdfMagic):
		return &Iterator{entries: []entry{{name: declaredName, data: buf, maxBytes: maxBytes}}}, nil
	case bytes.HasPrefix(buf, zipMagic):
		return openArchive(buf, maxBytes)
	default:
		return nil, faults.Newf(faults.KindUnsupportedType,
			"%s: neither PDF nor ZIP magic", declaredName)
	}
}

func openArchive(buf []byte, maxBytes int64) (*Iterator, error) {
	zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, faults.Wrap(faults.KindCorruptArchive, err)
	}

	// Bomb check runs over every entry, eligible or not, before any
	// decompression happens.
	var declaredTotal uint64
	for _, f := range zr.File {
		declaredTotal += f.UncompressedSize64
	}
	if declaredTotal > uint64(maxBytes)*bombFactor {
		return nil, faults.Newf(faults.KindArchiveBomb,
			"declared uncompressed total %d exceeds %d", declaredTotal, uint64(maxBytes)*bombFactor)
	}

	var entries []entry
	seen := make(map[string]int)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(f.Name), ".pdf") {
			continue
		}
		if int64(f.UncompressedSize64) > maxBytes {
			continue
		}
		base := path.Base(f.Name)
		name := base
		if n := seen[base]; n > 0 {
			name = fmt.Sprintf("%s#%d", base, n)
		}
		seen[base]++
		entries = append(entries, entry{name: name, file: f, maxBytes: maxBytes})
	}

	if len(entries) == 0 {
		return nil, faults.New(faults.KindNoPDFInArchive, "archive contains no eligible PDF entries")
	}

	return &Iterator{entries: entries}, nil
}

// Count returns the number of units the iterator will yield.
func (it *Iterator) Count() int {
	return len(it.entries)
}

// Next advances to the next unit, decompressing it on demand. It returns
// false when the sequence is exhausted or a unit failed to read; check
// Err afterwards.
func (it *Iterator) Next() bool {
	if it.err != nil || it.idx >= len(it.entries) {
		return false
	}
	e := it.entries[it.idx]
	it.idx++

	if e.data != nil {
		it.unit = Unit{Name: e.name, Data: e.data}
		return true
	}

	rc, err := e.file.Open()
	if err != nil {
		it.err = faults.Wrap(faults.KindCorruptArchive, err)
		return false
	}
	defer rc.Close()

	// Declared sizes can lie; enforce the cap on the actual stream too.
	data, err := io.ReadAll(io.LimitReader(rc, e.maxBytes+1))
	if err != nil {
		it.err = faults.Wrap(faults.KindCorruptArchive, err)
		return false
	}
	if int64(len(data)) > e.maxBytes {
		it.err = faults.Newf(faults.KindTooLarge,
			"%s: entry exceeds cap %d", e.name, e.maxBytes)
		return false
	}

	it.unit = Unit{Name: e.name, Data: data}
	return true
}

// Unit returns the unit read by the last successful Next.
func (it *Iterator) Unit() Unit {
	return it.unit
}

// Err returns the first failure encountered while iterating.
func (it *Iterator) Err() error {
	return it.err
}
