// Copyright (c) 2025 the mopaq authors
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"fmt"
)

// hashTableEntry is one slot of the hash table. A slot is live when
// BlockIndex is neither sentinel.
type hashTableEntry struct {
	HashA      uint32 // verification hash of the file path, method A
	HashB      uint32 // verification hash of the file path, method B
	Locale     uint16 // Windows LANGID, 0 = neutral
	Platform   uint16 // 0 = default, no other values observed
	BlockIndex uint32 // block table index, or hashTableEmpty/hashTableDeleted
}

// blockTableEntry describes one byte range in the archive.
type blockTableEntry struct {
	FilePos        uint32 // offset of the file data, low 32 bits
	CompressedSize uint32 // size as stored
	FileSize       uint32 // uncompressed size
	Flags          uint32 // file* flags
}

// blockTableEntryEx extends blockTableEntry with the hi-block table bits.
type blockTableEntryEx struct {
	blockTableEntry
	FilePosHi uint16 // bits 32-47 of the file offset
}

// filePos64 returns the full 48-bit file position.
func (b *blockTableEntryEx) filePos64() uint64 {
	return mergeHighBits(b.FilePos, b.FilePosHi)
}

// setFilePos64 stores a 48-bit file position.
func (b *blockTableEntryEx) setFilePos64(pos uint64) {
	b.FilePos, b.FilePosHi = splitOffset64(pos)
}

// hashTable is the open-addressed name index of an archive. The entry count
// is always a power of two so the probe start can be masked instead of
// reduced modulo.
type hashTable struct {
	entries []hashTableEntry
	mask    uint32
}

// newHashTable returns an empty hash table with the given entry count.
func newHashTable(count uint32) (*hashTable, error) {
	if count == 0 || count&(count-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrTableSize, count)
	}
	t := &hashTable{
		entries: make([]hashTableEntry, count),
		mask:    count - 1,
	}
	for i := range t.entries {
		t.entries[i] = hashTableEntry{
			HashA:      0xFFFFFFFF,
			HashB:      0xFFFFFFFF,
			Locale:     0xFFFF,
			Platform:   0xFFFF,
			BlockIndex: hashTableEmpty,
		}
	}
	return t, nil
}

// newHashTableFromWords rebuilds a hash table from its decrypted wire words.
func newHashTableFromWords(words []uint32) (*hashTable, error) {
	count := uint32(len(words) / 4)
	if count == 0 || count&(count-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrTableSize, count)
	}
	t := &hashTable{
		entries: make([]hashTableEntry, count),
		mask:    count - 1,
	}
	for i := range t.entries {
		t.entries[i] = hashTableEntry{
			HashA:      words[i*4],
			HashB:      words[i*4+1],
			Locale:     uint16(words[i*4+2] & 0xFFFF),
			Platform:   uint16(words[i*4+2] >> 16),
			BlockIndex: words[i*4+3],
		}
	}
	return t, nil
}

// words flattens the table to its wire representation (unencrypted).
func (t *hashTable) words() []uint32 {
	words := make([]uint32, len(t.entries)*4)
	for i, e := range t.entries {
		words[i*4] = e.HashA
		words[i*4+1] = e.HashB
		words[i*4+2] = uint32(e.Locale) | uint32(e.Platform)<<16
		words[i*4+3] = e.BlockIndex
	}
	return words
}

// lookup probes for a file and returns its block index. An empty slot
// terminates the probe; deleted slots are skipped. At most one full wrap of
// the table is probed.
func (t *hashTable) lookup(name string, locale, platform uint16) (uint32, error) {
	hashA := hashString(name, hashTypeNameA)
	hashB := hashString(name, hashTypeNameB)
	start := hashString(name, hashTypeTableOffset) & t.mask

	for i := uint32(0); i < uint32(len(t.entries)); i++ {
		entry := &t.entries[(start+i)&t.mask]

		if entry.BlockIndex == hashTableEmpty {
			break
		}
		if entry.BlockIndex == hashTableDeleted {
			continue
		}
		if entry.HashA == hashA && entry.HashB == hashB &&
			entry.Locale == locale && entry.Platform == platform {
			return entry.BlockIndex, nil
		}
	}

	return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// lookupAny probes for a file in any locale and platform.
func (t *hashTable) lookupAny(name string) (uint32, error) {
	hashA := hashString(name, hashTypeNameA)
	hashB := hashString(name, hashTypeNameB)
	start := hashString(name, hashTypeTableOffset) & t.mask

	for i := uint32(0); i < uint32(len(t.entries)); i++ {
		entry := &t.entries[(start+i)&t.mask]

		if entry.BlockIndex == hashTableEmpty {
			break
		}
		if entry.BlockIndex == hashTableDeleted {
			continue
		}
		if entry.HashA == hashA && entry.HashB == hashB {
			return entry.BlockIndex, nil
		}
	}

	return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// insert adds a file to the table. The probe scans the full collision chain
// so a duplicate (name, locale, platform) tuple is rejected even when a free
// slot precedes the existing entry.
func (t *hashTable) insert(name string, locale, platform uint16, blockIndex uint32) error {
	hashA := hashString(name, hashTypeNameA)
	hashB := hashString(name, hashTypeNameB)
	start := hashString(name, hashTypeTableOffset) & t.mask

	free := -1
	for i := uint32(0); i < uint32(len(t.entries)); i++ {
		idx := (start + i) & t.mask
		entry := &t.entries[idx]

		if entry.BlockIndex == hashTableEmpty {
			if free < 0 {
				free = int(idx)
			}
			break
		}
		if entry.BlockIndex == hashTableDeleted {
			if free < 0 {
				free = int(idx)
			}
			continue
		}
		if entry.HashA == hashA && entry.HashB == hashB &&
			entry.Locale == locale && entry.Platform == platform {
			return fmt.Errorf("%w: %s", ErrDuplicateFile, name)
		}
	}

	if free < 0 {
		return fmt.Errorf("%w: %s", ErrTableFull, name)
	}

	t.entries[free] = hashTableEntry{
		HashA:      hashA,
		HashB:      hashB,
		Locale:     locale,
		Platform:   platform,
		BlockIndex: blockIndex,
	}
	return nil
}

// blockTable is the descriptor array of an archive, indexed directly.
type blockTable struct {
	entries []blockTableEntryEx
}

// newBlockTableFromWords rebuilds a block table from its decrypted wire words.
func newBlockTableFromWords(words []uint32) *blockTable {
	t := &blockTable{entries: make([]blockTableEntryEx, len(words)/4)}
	for i := range t.entries {
		t.entries[i] = blockTableEntryEx{
			blockTableEntry: blockTableEntry{
				FilePos:        words[i*4],
				CompressedSize: words[i*4+1],
				FileSize:       words[i*4+2],
				Flags:          words[i*4+3],
			},
		}
	}
	return t
}

// words flattens the table to its wire representation (unencrypted).
func (t *blockTable) words() []uint32 {
	words := make([]uint32, len(t.entries)*4)
	for i, e := range t.entries {
		words[i*4] = e.FilePos
		words[i*4+1] = e.CompressedSize
		words[i*4+2] = e.FileSize
		words[i*4+3] = e.Flags
	}
	return words
}

// resolve returns the descriptor at index, rejecting out-of-range indexes
// and blocks that are deleted or free space.
func (t *blockTable) resolve(index uint32) (*blockTableEntryEx, error) {
	if index >= uint32(len(t.entries)) {
		return nil, fmt.Errorf("%w: %d of %d", ErrBlockOutOfRange, index, len(t.entries))
	}
	entry := &t.entries[index]
	if entry.Flags&fileExists == 0 || entry.Flags&fileDeleteMarker != 0 {
		return nil, fmt.Errorf("%w: %d", ErrBlockDeleted, index)
	}
	return entry, nil
}

// wordsToBytes and bytesToWords convert between wire bytes and the word
// slices the cipher operates on.
func wordsToBytes(words []uint32) []byte {
	data := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[i*4:], w)
	}
	return data
}

func bytesToWords(data []byte) []uint32 {
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return words
}
