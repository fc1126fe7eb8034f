// Copyright (c) 2025 the mopaq authors
// SPDX-License-Identifier: MIT

package mpq

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/exp/mmap"
	"golang.org/x/sync/errgroup"
)

// Archive is a read-only view of an MPQ archive. The header and both tables
// are immutable after Open, and all data access goes through the positional
// ReaderAt, so an Archive may be shared by concurrent readers without
// locking.
type Archive struct {
	src           io.ReaderAt
	closer        io.Closer
	size          int64
	archiveOffset uint64
	header        *archiveHeader
	hashes        *hashTable
	blocks        *blockTable
	sectorSize    uint32
	names         map[uint32]string // block index -> name, from (listfile)
}

// Entry pairs a block index with its name, when the archive's (listfile)
// knows it. Name is empty for blocks with no recorded name.
type Entry struct {
	Name       string
	BlockIndex uint32
}

// Open memory-maps the file at path and opens it as an MPQ archive.
func Open(path string) (*Archive, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	a, err := NewReader(r, int64(r.Len()))
	if err != nil {
		r.Close()
		return nil, err
	}
	a.closer = r
	return a, nil
}

// NewReader opens an MPQ archive from any positional byte source. The
// archive may start at any 512-byte boundary within the source, optionally
// behind a user-data shunt block.
func NewReader(src io.ReaderAt, size int64) (*Archive, error) {
	archiveOffset, err := findArchiveOffset(src, size)
	if err != nil {
		return nil, err
	}

	sr := io.NewSectionReader(src, int64(archiveOffset), size-int64(archiveOffset))
	header, err := readArchiveHeader(sr)
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	a := &Archive{
		src:           src,
		size:          size,
		archiveOffset: archiveOffset,
		header:        header,
		sectorSize:    header.sectorSize(),
	}

	if err := a.loadTables(); err != nil {
		return nil, err
	}
	a.buildNameIndex()

	return a, nil
}

// findArchiveOffset scans 512-byte boundaries for the archive signature,
// following a user-data shunt block if one precedes the header.
func findArchiveOffset(src io.ReaderAt, size int64) (uint64, error) {
	var buf [12]byte

	for off := int64(0); off+4 <= size; off += archiveAlignment {
		if _, err := src.ReadAt(buf[:4], off); err != nil {
			break
		}

		switch binary.LittleEndian.Uint32(buf[:4]) {
		case mpqMagic:
			return uint64(off), nil

		case userDataMagic:
			// Shunt block: magic, user data size, header offset relative to
			// the block itself.
			if _, err := src.ReadAt(buf[:], off); err != nil {
				return 0, fmt.Errorf("%w: unreadable user data block", ErrTruncatedHeader)
			}
			headerOffset := int64(binary.LittleEndian.Uint32(buf[8:12]))
			target := off + headerOffset
			if target+4 > size {
				return 0, fmt.Errorf("%w: user data block points past end", ErrTruncatedHeader)
			}
			if _, err := src.ReadAt(buf[:4], target); err != nil {
				return 0, fmt.Errorf("%w: unreadable header", ErrTruncatedHeader)
			}
			if binary.LittleEndian.Uint32(buf[:4]) != mpqMagic {
				return 0, fmt.Errorf("%w: user data block points to 0x%08X",
					ErrBadSignature, binary.LittleEndian.Uint32(buf[:4]))
			}
			return uint64(target), nil
		}
	}

	return 0, fmt.Errorf("%w: no archive signature found", ErrBadSignature)
}

// loadTables reads, decrypts, and decodes the hash, block, and hi-block
// tables.
func (a *Archive) loadTables() error {
	hashWords, err := a.readTable(
		a.header.hashTableOffset64(),
		uint64(a.header.HashTableSize)*hashEntrySize,
		a.header.HashTableSize64,
		a.header.hashTableCompressed(),
		a.header.HashTableMD5,
		hashString("(hash table)", hashTypeFileKey),
	)
	if err != nil {
		return fmt.Errorf("hash table: %w", err)
	}
	a.hashes, err = newHashTableFromWords(hashWords)
	if err != nil {
		return err
	}

	blockWords, err := a.readTable(
		a.header.blockTableOffset64(),
		uint64(a.header.BlockTableSize)*blockEntrySize,
		a.header.BlockTableSize64,
		a.header.blockTableCompressed(),
		a.header.BlockTableMD5,
		hashString("(block table)", hashTypeFileKey),
	)
	if err != nil {
		return fmt.Errorf("block table: %w", err)
	}
	a.blocks = newBlockTableFromWords(blockWords)

	if a.header.FormatVersion >= formatVersion2 && a.header.HiBlockTableOffset64 != 0 {
		hiSize := uint64(a.header.BlockTableSize) * 2
		raw, err := a.readRange(a.header.HiBlockTableOffset64, hiSize)
		if err != nil {
			return fmt.Errorf("hi-block table: %w", err)
		}
		for i := range a.blocks.entries {
			a.blocks.entries[i].FilePosHi = binary.LittleEndian.Uint16(raw[i*2:])
		}
	}

	return nil
}

// readTable reads one encrypted table, verifying its v4 checksum when
// present and decompressing it when stored compressed.
func (a *Archive) readTable(offset, rawSize, storedSize uint64, compressed bool, sum [md5.Size]byte, key uint32) ([]uint32, error) {
	readSize := rawSize
	if compressed {
		readSize = storedSize
	}

	raw, err := a.readRange(offset, readSize)
	if err != nil {
		return nil, err
	}

	if a.header.FormatVersion >= formatVersion4 && sum != ([md5.Size]byte{}) {
		if md5.Sum(raw) != sum {
			return nil, fmt.Errorf("%w: table checksum mismatch", ErrTruncatedTable)
		}
	}

	decryptBytes(raw, key)

	if compressed {
		out, err := decompressData(raw)
		if err != nil {
			return nil, err
		}
		if uint64(len(out)) != rawSize {
			return nil, fmt.Errorf("%w: table decompressed to %d bytes, want %d",
				ErrTruncatedTable, len(out), rawSize)
		}
		raw = out
	}

	return bytesToWords(raw), nil
}

// readRange reads a byte range relative to the archive start, checking it
// lies within the source.
func (a *Archive) readRange(offset, length uint64) ([]byte, error) {
	abs := a.archiveOffset + offset
	if abs+length > uint64(a.size) {
		return nil, fmt.Errorf("%w: range %d+%d exceeds source size %d",
			ErrTruncatedTable, abs, length, a.size)
	}

	buf := make([]byte, length)
	if _, err := a.src.ReadAt(buf, int64(abs)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedTable, err)
	}
	return buf, nil
}

// buildNameIndex resolves block indexes to names using the archive's
// (listfile), if it has one. Failures leave the index empty; names are a
// convenience, not part of the format contract.
func (a *Archive) buildNameIndex() {
	a.names = make(map[uint32]string)

	record := func(name string) {
		if idx, err := a.hashes.lookupAny(name); err == nil {
			a.names[idx] = name
		}
	}
	record("(listfile)")
	record("(attributes)")
	record("(signature)")

	data, err := a.ReadFile("(listfile)")
	if err != nil {
		return
	}
	for _, line := range strings.FieldsFunc(string(data), func(r rune) bool {
		return r == '\r' || r == '\n'
	}) {
		if line != "" {
			record(strings.ReplaceAll(line, "/", "\\"))
		}
	}
}

// Close releases the backing source, if the Archive owns one.
func (a *Archive) Close() error {
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

// Format returns the archive's format version.
func (a *Archive) Format() FormatVersion {
	return FormatVersion(a.header.FormatVersion)
}

// ArchiveSize returns the archive size in bytes, computed per the format's
// rules (stored for v1/v3+, inferred from table extents for v2).
func (a *Archive) ArchiveSize() uint64 {
	return a.header.archiveSize64()
}

// SectorSize returns the logical sector size in bytes.
func (a *Archive) SectorSize() uint32 {
	return a.sectorSize
}

// HasFile reports whether the archive contains the named file in any locale.
func (a *Archive) HasFile(name string) bool {
	name = strings.ReplaceAll(name, "/", "\\")
	index, err := a.hashes.lookupAny(name)
	if err != nil {
		return false
	}
	_, err = a.blocks.resolve(index)
	return err == nil
}

// ReadFile returns the content of the named file, preferring the neutral
// locale.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	return a.ReadFileLocale(name, LocaleNeutral)
}

// ReadFileLocale returns the content of the named file for a specific
// locale, falling back to the neutral locale when the exact one is absent.
func (a *Archive) ReadFileLocale(name string, locale uint16) ([]byte, error) {
	block, err := a.findBlock(name, locale)
	if err != nil {
		return nil, err
	}

	raw, err := a.readRange(block.filePos64(), uint64(block.CompressedSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	return decodeBlock(raw, name, block, a.sectorSize)
}

// findBlock resolves a name to its block descriptor. The locale fallback to
// neutral lives here, above the hash table, which matches locales exactly.
func (a *Archive) findBlock(name string, locale uint16) (*blockTableEntryEx, error) {
	name = strings.ReplaceAll(name, "/", "\\")

	index, err := a.hashes.lookup(name, locale, 0)
	if errors.Is(err, ErrNotFound) && locale != LocaleNeutral {
		index, err = a.hashes.lookup(name, LocaleNeutral, 0)
	}
	if err != nil {
		return nil, err
	}

	return a.blocks.resolve(index)
}

// ListFiles returns the names recorded in the archive's (listfile), sorted.
func (a *Archive) ListFiles() ([]string, error) {
	files := make([]string, 0, len(a.names))
	for _, name := range a.names {
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

// ListEntries returns every live hash table entry as a (name, block index)
// pair. Entries whose names the (listfile) does not record have an empty
// name.
func (a *Archive) ListEntries() ([]Entry, error) {
	entries := make([]Entry, 0, len(a.names))
	for _, e := range a.hashes.entries {
		if e.BlockIndex == hashTableEmpty || e.BlockIndex == hashTableDeleted {
			continue
		}
		entries = append(entries, Entry{
			Name:       a.names[e.BlockIndex],
			BlockIndex: e.BlockIndex,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].BlockIndex < entries[j].BlockIndex
	})
	return entries, nil
}

// ExtractFile extracts the named file to destPath, creating parent
// directories as needed.
func (a *Archive) ExtractFile(name, destPath string) error {
	data, err := a.ReadFile(name)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(destPath, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// ExtractAll extracts every listed file into destDir, preserving archive
// paths. Files are decoded in parallel; the tables and source are read-only,
// so no synchronization is needed beyond the group itself.
func (a *Archive) ExtractAll(destDir string) error {
	files, err := a.ListFiles()
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())

	for _, name := range files {
		name := name
		g.Go(func() error {
			rel := filepath.FromSlash(strings.ReplaceAll(name, "\\", "/"))
			return a.ExtractFile(name, filepath.Join(destDir, rel))
		})
	}

	return g.Wait()
}
