// Copyright (c) 2025 the mopaq authors
// SPDX-License-Identifier: MIT

package mpq

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileOptions controls how a file is stored in the archive.
type FileOptions struct {
	// Compression is the method mask for sector compression
	// (CompressionZlib, CompressionSparse|CompressionZlib, ...). Zero stores
	// the file raw. Sectors that do not shrink are stored raw regardless.
	Compression byte

	// Encrypt encrypts the file with a key derived from its base name.
	Encrypt bool

	// FixKey additionally binds the key to the file's position and size.
	// Implies Encrypt.
	FixKey bool

	// SingleUnit stores the file as one unit instead of splitting it into
	// sectors.
	SingleUnit bool

	// SectorCRC appends per-sector adler32 checksums. Ignored for
	// single-unit files.
	SectorCRC bool

	// Locale is the file's locale ID. Zero is language-neutral.
	Locale uint16
}

// defaultFileOptions mirrors what the original tooling emits: sectored,
// zlib-compressed, unencrypted, neutral locale.
var defaultFileOptions = FileOptions{Compression: CompressionZlib}

// pendingFile is a file queued for writing.
type pendingFile struct {
	name string
	data []byte
	opts FileOptions
}

// Writer builds a new MPQ archive. Files are buffered until Close, which
// lays out the archive in one pass and atomically renames it into place.
type Writer struct {
	path       string
	tempPath   string
	format     FormatVersion
	header     *archiveHeader
	hashes     *hashTable
	pending    []pendingFile
	sectorSize uint32
}

// Create creates a new MPQ archive writer using the original format. The
// maxFiles parameter sizes the hash table.
func Create(path string, maxFiles int) (*Writer, error) {
	return CreateWithVersion(path, maxFiles, FormatV1)
}

// CreateWithVersion creates a new MPQ archive writer with the given format
// version.
func CreateWithVersion(path string, maxFiles int, version FormatVersion) (*Writer, error) {
	if version < FormatV1 || version > FormatV4 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, version)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	// Temp file in the same directory so the final rename is atomic.
	tempFile, err := os.CreateTemp(filepath.Dir(path), "mpq_*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	tempFile.Close()

	// Hash table sized to the next power of two >= maxFiles * 1.5, leaving
	// probe headroom, plus slots for the special files.
	hashTableSize := nextPowerOf2(uint32(float64(maxFiles)*1.5) + 4)
	if hashTableSize < 16 {
		hashTableSize = 16
	}

	hashes, err := newHashTable(hashTableSize)
	if err != nil {
		return nil, err
	}

	header := newHeader(version, hashTableSize)

	return &Writer{
		path:       path,
		tempPath:   tempPath,
		format:     version,
		header:     header,
		hashes:     hashes,
		pending:    make([]pendingFile, 0, maxFiles),
		sectorSize: header.sectorSize(),
	}, nil
}

// Add queues a file for writing. A nil opts uses zlib-compressed sectored
// storage. Adding the same (name, locale) twice is rejected.
func (w *Writer) Add(name string, data []byte, opts *FileOptions) error {
	name = strings.ReplaceAll(name, "/", "\\")

	o := defaultFileOptions
	if opts != nil {
		o = *opts
	}
	if o.FixKey {
		o.Encrypt = true
	}

	// Block indexes follow queue order, so the hash entry can be placed now;
	// this is also where duplicates surface.
	if err := w.hashes.insert(name, o.Locale, 0, uint32(len(w.pending))); err != nil {
		return err
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	w.pending = append(w.pending, pendingFile{name: name, data: cp, opts: o})
	return nil
}

// AddFile queues the file at srcPath under the archive path name.
func (w *Writer) AddFile(srcPath, name string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read file %s: %w", srcPath, err)
	}
	return w.Add(name, data, nil)
}

// Close writes the archive and moves it into place. The Writer is unusable
// afterwards.
func (w *Writer) Close() error {
	if err := w.writeArchive(); err != nil {
		os.Remove(w.tempPath)
		return err
	}

	os.Remove(w.path)
	if err := os.Rename(w.tempPath, w.path); err != nil {
		if err := copyFile(w.tempPath, w.path); err != nil {
			os.Remove(w.tempPath)
			return fmt.Errorf("save archive: %w", err)
		}
		os.Remove(w.tempPath)
	}
	return nil
}

// writeArchive lays the archive out: header, file data, hash table, block
// table, hi-block table, then rewrites the header with final offsets.
func (w *Writer) writeArchive() error {
	file, err := os.Create(w.tempPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(int64(w.header.HeaderSize), io.SeekStart); err != nil {
		return fmt.Errorf("seek past header: %w", err)
	}

	blocks := &blockTable{}
	attrs := newAttributesWriter(len(w.pending) + 2)
	var listNames []string

	for i, pf := range w.pending {
		entry, err := w.writeFileEntry(file, pf.name, pf.data, pf.opts)
		if err != nil {
			return fmt.Errorf("write %s: %w", pf.name, err)
		}
		blocks.entries = append(blocks.entries, *entry)
		attrs.setEntry(i, pf.data)
		listNames = append(listNames, pf.name)
	}

	// (listfile) records every named file; special files are not listed.
	if len(listNames) > 0 {
		listData := []byte(strings.Join(listNames, "\r\n") + "\r\n")
		attrs.setEntry(len(blocks.entries), listData)
		if err := w.writeSpecialFile(file, blocks, "(listfile)", listData); err != nil {
			return err
		}

		// (attributes) covers every block including itself; its own slot
		// stays zeroed.
		attrs.setEntry(len(blocks.entries), nil)
		attrData, err := attrs.build()
		if err != nil {
			return fmt.Errorf("build attributes: %w", err)
		}
		if err := w.writeSpecialFile(file, blocks, "(attributes)", attrData); err != nil {
			return err
		}
	}

	// Hash table, encrypted with its well-known key.
	hashTableOffset, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	hashWords := w.hashes.words()
	encryptBlock(hashWords, hashString("(hash table)", hashTypeFileKey))
	hashBytes := wordsToBytes(hashWords)
	if _, err := file.Write(hashBytes); err != nil {
		return fmt.Errorf("write hash table: %w", err)
	}

	// Block table, encrypted with its well-known key.
	blockTableOffset, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	blockWords := blocks.words()
	encryptBlock(blockWords, hashString("(block table)", hashTypeFileKey))
	blockBytes := wordsToBytes(blockWords)
	if _, err := file.Write(blockBytes); err != nil {
		return fmt.Errorf("write block table: %w", err)
	}

	// Hi-block table, only for extended formats and only when some block
	// actually lives above 4GB.
	var hiBlockTableOffset int64
	var hiBlockBytes []byte
	if w.format >= FormatV2 {
		needed := false
		for _, e := range blocks.entries {
			if e.FilePosHi != 0 {
				needed = true
				break
			}
		}
		if needed {
			hiBlockTableOffset, err = file.Seek(0, io.SeekCurrent)
			if err != nil {
				return err
			}
			hiBlockBytes = make([]byte, len(blocks.entries)*2)
			for i, e := range blocks.entries {
				hiBlockBytes[i*2] = byte(e.FilePosHi)
				hiBlockBytes[i*2+1] = byte(e.FilePosHi >> 8)
			}
			if _, err := file.Write(hiBlockBytes); err != nil {
				return fmt.Errorf("write hi-block table: %w", err)
			}
		}
	}

	archiveSize, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	if w.format == FormatV1 && archiveSize > 0xFFFFFFFF {
		return fmt.Errorf("%w: archive exceeds 4GB, use FormatV2 or later", ErrUnsupportedFormat)
	}

	w.finalizeHeader(uint64(hashTableOffset), uint64(blockTableOffset),
		uint64(hiBlockTableOffset), uint64(archiveSize),
		uint32(len(blocks.entries)), hashBytes, blockBytes, hiBlockBytes)

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek to header: %w", err)
	}
	if err := w.header.writeTo(file); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// finalizeHeader refreshes every derived header field from the final layout.
func (w *Writer) finalizeHeader(hashOffset, blockOffset, hiBlockOffset, archiveSize uint64, blockCount uint32, hashBytes, blockBytes, hiBlockBytes []byte) {
	h := w.header
	h.setHashTableOffset64(hashOffset)
	h.setBlockTableOffset64(blockOffset)
	h.BlockTableSize = blockCount

	// The 32-bit size field is authoritative for the original format only;
	// extended formats leave it zero and rely on inference or the 64-bit
	// field.
	if w.format == FormatV1 {
		h.ArchiveSize = uint32(archiveSize)
	} else {
		h.ArchiveSize = 0
	}

	if w.format >= FormatV2 {
		h.HiBlockTableOffset64 = hiBlockOffset
	}
	if w.format >= FormatV3 {
		h.ArchiveSize64 = archiveSize
		h.BetTableOffset64 = 0
		h.HetTableOffset64 = 0
	}
	if w.format >= FormatV4 {
		h.HashTableSize64 = uint64(len(hashBytes))
		h.BlockTableSize64 = uint64(len(blockBytes))
		h.HiBlockTableSize64 = uint64(len(hiBlockBytes))
		h.HetTableSize64 = 0
		h.BetTableSize64 = 0
		h.HashTableMD5 = md5.Sum(hashBytes)
		h.BlockTableMD5 = md5.Sum(blockBytes)
		if hiBlockBytes != nil {
			h.HiBlockTableMD5 = md5.Sum(hiBlockBytes)
		}
		h.updateHeaderMD5()
	}
}

// writeFileEntry encodes and writes one file at the current position and
// returns its block descriptor.
func (w *Writer) writeFileEntry(file *os.File, name string, data []byte, opts FileOptions) (*blockTableEntryEx, error) {
	filePos, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	if w.format == FormatV1 && filePos > 0xFFFFFFFF {
		return nil, fmt.Errorf("%w: file data exceeds 4GB, use FormatV2 or later", ErrUnsupportedFormat)
	}

	flags := uint32(fileExists)
	if opts.SingleUnit {
		flags |= fileSingleUnit
	}
	if opts.Encrypt {
		flags |= fileEncrypted
	}
	if opts.FixKey {
		flags |= fileFixKey
	}
	if opts.SectorCRC && !opts.SingleUnit {
		flags |= fileSectorCRC
	}

	var key uint32
	if opts.Encrypt {
		key = fileKey(name, uint64(filePos), uint32(len(data)), flags)
	}

	var stored []byte
	if opts.SingleUnit {
		var compressed bool
		stored, compressed, err = encodeSingleUnit(data, opts.Compression, opts.Encrypt, key)
		if err != nil {
			return nil, err
		}
		if compressed {
			flags |= fileCompress
		}
	} else {
		if opts.Compression != 0 {
			flags |= fileCompress
		}
		if opts.Compression != 0 || opts.SectorCRC {
			stored, err = encodeSectors(data, w.sectorSize, opts.Compression, opts.Encrypt, flags&fileSectorCRC != 0, key)
			if err != nil {
				return nil, err
			}
		} else {
			// Uncompressed sectored files are stored contiguously, encrypted
			// per sector.
			stored = make([]byte, len(data))
			copy(stored, data)
			if opts.Encrypt {
				n := sectorCount(uint32(len(data)), w.sectorSize)
				for i := uint32(0); i < n; i++ {
					start := i * w.sectorSize
					end := min(start+w.sectorSize, uint32(len(data)))
					encryptBytes(stored[start:end], key+i)
				}
			}
		}
	}

	if _, err := file.Write(stored); err != nil {
		return nil, fmt.Errorf("write file data: %w", err)
	}

	entry := &blockTableEntryEx{
		blockTableEntry: blockTableEntry{
			CompressedSize: uint32(len(stored)),
			FileSize:       uint32(len(data)),
			Flags:          flags,
		},
	}
	entry.setFilePos64(uint64(filePos))
	return entry, nil
}

// writeSpecialFile writes a generated file (listfile, attributes), adding it
// to the block and hash tables.
func (w *Writer) writeSpecialFile(file *os.File, blocks *blockTable, name string, data []byte) error {
	blockIndex := uint32(len(blocks.entries))
	if err := w.hashes.insert(name, LocaleNeutral, 0, blockIndex); err != nil {
		return fmt.Errorf("add %s to hash table: %w", name, err)
	}

	opts := FileOptions{Compression: CompressionZlib, SingleUnit: true}
	entry, err := w.writeFileEntry(file, name, data, opts)
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	blocks.entries = append(blocks.entries, *entry)
	return nil
}

// nextPowerOf2 returns the smallest power of 2 >= n.
func nextPowerOf2(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}

// copyFile copies a file from src to dst, for filesystems where rename
// across the temp file fails.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
