// Copyright (c) 2025 the mopaq authors
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
)

// FormatVersion specifies which MPQ format version to use when creating
// archives. Each revision is a strict superset of the previous one.
type FormatVersion int

const (
	// FormatV1 is the original format: 32-bit offsets, archives up to 4GB.
	FormatV1 FormatVersion = 0

	// FormatV2 adds 48-bit offsets via high-bit extension fields and the
	// hi-block table, supporting archives larger than 4GB.
	FormatV2 FormatVersion = 1

	// FormatV3 adds a 64-bit archive size and HET/BET table offsets.
	FormatV3 FormatVersion = 2

	// FormatV4 adds per-table compressed sizes and MD5 checksums.
	FormatV4 FormatVersion = 3
)

// MPQ format constants.
const (
	// Magic signatures "MPQ\x1A" (archive header) and "MPQ\x1B" (user data
	// shunt block), little-endian.
	mpqMagic      = 0x1A51504D
	userDataMagic = 0x1B51504D

	// Wire format version codes.
	formatVersion1 = 0
	formatVersion2 = 1
	formatVersion3 = 2
	formatVersion4 = 3

	// Header sizes, fixed per format version.
	headerSizeV1 = 0x20
	headerSizeV2 = 0x2C
	headerSizeV3 = 0x44
	headerSizeV4 = 0xD0

	// Block table entry flags.
	fileImplode      = 0x00000100 // imploded (PKWare compression, legacy)
	fileCompress     = 0x00000200 // compressed (flag-byte multi-algorithm)
	fileEncrypted    = 0x00010000 // encrypted
	fileFixKey       = 0x00020000 // key adjusted by block offset and size
	filePatchFile    = 0x00100000 // patch file
	fileSingleUnit   = 0x01000000 // stored as one unit, not split into sectors
	fileDeleteMarker = 0x02000000 // deletion marker for patch chains
	fileSectorCRC    = 0x04000000 // sector checksums stored after sector data
	fileExists       = 0x80000000 // block holds a live file

	// Hash table block-index sentinels. Empty terminates a probe, deleted
	// does not.
	hashTableEmpty   = 0xFFFFFFFF
	hashTableDeleted = 0xFFFFFFFE

	// LocaleNeutral is the language-neutral locale ID.
	LocaleNeutral = 0x0000

	// Table entries are four little-endian words on the wire.
	hashEntrySize  = 16
	blockEntrySize = 16

	// Offsets are canonically 48 bits wide in extended formats.
	offsetMask48 = 0x0000FFFFFFFFFFFF

	// Default sector size (4096 bytes = 512 << 3).
	defaultSectorSizeShift = 3

	// Archives embedded in larger files start on a 512-byte boundary.
	archiveAlignment = 0x200
)

// baseHeader holds the fields present in every format version (32 bytes).
type baseHeader struct {
	Magic            uint32 // "MPQ\x1A"
	HeaderSize       uint32 // size of the persisted header
	ArchiveSize      uint32 // 32-bit archive size, deprecated in v2+
	FormatVersion    uint16 // 0..3
	SectorSizeShift  uint16 // sector size = 512 << shift
	HashTableOffset  uint32 // hash table offset, low 32 bits
	BlockTableOffset uint32 // block table offset, low 32 bits
	HashTableSize    uint32 // hash table entry count, power of two
	BlockTableSize   uint32 // block table entry count
}

// extendedHeaderV2 holds the v2 additions (12 bytes).
type extendedHeaderV2 struct {
	HiBlockTableOffset64 uint64 // 64-bit offset of the hi-block table
	HashTableOffsetHi    uint16 // bits 32-47 of the hash table offset
	BlockTableOffsetHi   uint16 // bits 32-47 of the block table offset
}

// extendedHeaderV3 holds the v3 additions (24 bytes).
type extendedHeaderV3 struct {
	ArchiveSize64    uint64 // authoritative archive size from v3 on
	BetTableOffset64 uint64 // BET table offset, 0 if absent
	HetTableOffset64 uint64 // HET table offset, 0 if absent
}

// extendedHeaderV4 holds the v4 additions (140 bytes): compressed table
// sizes, the chunk size for incremental hashing, and MD5 checksums of each
// table plus the header itself.
type extendedHeaderV4 struct {
	HashTableSize64    uint64
	BlockTableSize64   uint64
	HiBlockTableSize64 uint64
	HetTableSize64     uint64
	BetTableSize64     uint64
	RawChunkSize       uint32

	BlockTableMD5   [md5.Size]byte
	HashTableMD5    [md5.Size]byte
	HiBlockTableMD5 [md5.Size]byte
	BetTableMD5     [md5.Size]byte
	HetTableMD5     [md5.Size]byte
	HeaderMD5       [md5.Size]byte // covers the header up to this field
}

// archiveHeader combines all format revisions. Fields beyond the persisted
// header size for the archive's version are never read from or written to
// the wire.
type archiveHeader struct {
	baseHeader
	extendedHeaderV2
	extendedHeaderV3
	extendedHeaderV4
}

// headerSizeFor returns the persisted header size for a format version.
func headerSizeFor(version uint16) uint32 {
	switch version {
	case formatVersion1:
		return headerSizeV1
	case formatVersion2:
		return headerSizeV2
	case formatVersion3:
		return headerSizeV3
	default:
		return headerSizeV4
	}
}

// newHeader builds a minimal valid header for an empty archive of the given
// format version.
func newHeader(version FormatVersion, hashTableSize uint32) *archiveHeader {
	h := &archiveHeader{
		baseHeader: baseHeader{
			Magic:           mpqMagic,
			HeaderSize:      headerSizeFor(uint16(version)),
			FormatVersion:   uint16(version),
			SectorSizeShift: defaultSectorSizeShift,
			HashTableSize:   hashTableSize,
		},
	}
	if version >= FormatV4 {
		h.RawChunkSize = 0x4000
	}
	return h
}

// mergeHighBits reconstructs a 48-bit offset from a 32-bit base and a 16-bit
// high extension.
func mergeHighBits(base uint32, hi uint16) uint64 {
	return (((uint64(hi) << 32) & 0x0000FFFF00000000) + uint64(base)) & offsetMask48
}

// splitOffset64 is the inverse of mergeHighBits for offsets below 2^48.
func splitOffset64(offset uint64) (base uint32, hi uint16) {
	return uint32(offset), uint16(offset >> 32)
}

// hashTableOffset64 returns the full hash table offset. Basic format
// archives use the raw 32-bit field; extended formats merge in the high bits.
func (h *archiveHeader) hashTableOffset64() uint64 {
	if h.FormatVersion >= formatVersion2 {
		return mergeHighBits(h.HashTableOffset, h.HashTableOffsetHi)
	}
	return uint64(h.HashTableOffset)
}

// blockTableOffset64 returns the full block table offset.
func (h *archiveHeader) blockTableOffset64() uint64 {
	if h.FormatVersion >= formatVersion2 {
		return mergeHighBits(h.BlockTableOffset, h.BlockTableOffsetHi)
	}
	return uint64(h.BlockTableOffset)
}

func (h *archiveHeader) setHashTableOffset64(offset uint64) {
	h.HashTableOffset, h.HashTableOffsetHi = splitOffset64(offset)
}

func (h *archiveHeader) setBlockTableOffset64(offset uint64) {
	h.BlockTableOffset, h.BlockTableOffsetHi = splitOffset64(offset)
}

// archiveSize64 returns the archive size in bytes. For the basic format this
// is the stored 32-bit field and for v3+ the stored 64-bit field. The v2
// format has no reliable stored total, so the size is inferred as the
// furthest end of the hash, block, or hi-block table.
func (h *archiveHeader) archiveSize64() uint64 {
	switch {
	case h.FormatVersion == formatVersion1:
		return uint64(h.ArchiveSize)
	case h.FormatVersion >= formatVersion3:
		return h.ArchiveSize64
	}

	size := h.hashTableOffset64() + uint64(h.HashTableSize)*hashEntrySize
	if end := h.blockTableOffset64() + uint64(h.BlockTableSize)*blockEntrySize; end > size {
		size = end
	}
	if h.HiBlockTableOffset64 != 0 {
		if end := h.HiBlockTableOffset64 + uint64(h.BlockTableSize)*2; end > size {
			size = end
		}
	}
	return size
}

// hashTableCompressed reports whether the hash table is stored compressed.
// Only v4 archives record a stored table size; a table is compressed iff
// that size is nonzero and strictly smaller than the raw entry array.
func (h *archiveHeader) hashTableCompressed() bool {
	if h.FormatVersion < formatVersion4 || h.HashTableSize64 == 0 {
		return false
	}
	return h.HashTableSize64 < uint64(h.HashTableSize)*hashEntrySize
}

// blockTableCompressed reports whether the block table is stored compressed.
func (h *archiveHeader) blockTableCompressed() bool {
	if h.FormatVersion < formatVersion4 || h.BlockTableSize64 == 0 {
		return false
	}
	return h.BlockTableSize64 < uint64(h.BlockTableSize)*blockEntrySize
}

// sectorSize returns the logical sector size in bytes.
func (h *archiveHeader) sectorSize() uint32 {
	return 512 << h.SectorSizeShift
}

// readArchiveHeader parses a header from r. The signature is validated and
// version-gated extensions are read only when the persisted header is large
// enough to contain them.
func readArchiveHeader(r io.Reader) (*archiveHeader, error) {
	h := &archiveHeader{}

	if err := binary.Read(r, binary.LittleEndian, &h.baseHeader); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedHeader, err)
	}

	if h.Magic != mpqMagic {
		return nil, fmt.Errorf("%w: 0x%08X", ErrBadSignature, h.Magic)
	}
	if h.FormatVersion > formatVersion4 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, h.FormatVersion)
	}

	if h.FormatVersion >= formatVersion2 && h.HeaderSize >= headerSizeV2 {
		if err := binary.Read(r, binary.LittleEndian, &h.extendedHeaderV2); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncatedHeader, err)
		}
	}
	if h.FormatVersion >= formatVersion3 && h.HeaderSize >= headerSizeV3 {
		if err := binary.Read(r, binary.LittleEndian, &h.extendedHeaderV3); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncatedHeader, err)
		}
	}
	if h.FormatVersion >= formatVersion4 && h.HeaderSize >= headerSizeV4 {
		if err := binary.Read(r, binary.LittleEndian, &h.extendedHeaderV4); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncatedHeader, err)
		}
	}

	return h, nil
}

// writeTo serializes the header, mirroring the conditional layout of
// readArchiveHeader. Fields are written verbatim; callers that mutate layout
// must refresh sizes and checksums first (see finalize).
func (h *archiveHeader) writeTo(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, &h.baseHeader); err != nil {
		return err
	}
	if h.FormatVersion >= formatVersion2 {
		if err := binary.Write(w, binary.LittleEndian, &h.extendedHeaderV2); err != nil {
			return err
		}
	}
	if h.FormatVersion >= formatVersion3 {
		if err := binary.Write(w, binary.LittleEndian, &h.extendedHeaderV3); err != nil {
			return err
		}
	}
	if h.FormatVersion >= formatVersion4 {
		if err := binary.Write(w, binary.LittleEndian, &h.extendedHeaderV4); err != nil {
			return err
		}
	}
	return nil
}

// bytes serializes the header to a fresh buffer.
func (h *archiveHeader) bytes() []byte {
	var buf bytes.Buffer
	// Writing to a bytes.Buffer cannot fail.
	_ = h.writeTo(&buf)
	return buf.Bytes()
}

// updateHeaderMD5 recomputes the v4 header checksum, which covers every
// persisted byte before the checksum field itself.
func (h *archiveHeader) updateHeaderMD5() {
	if h.FormatVersion < formatVersion4 {
		return
	}
	raw := h.bytes()
	h.HeaderMD5 = md5.Sum(raw[:headerSizeV4-md5.Size])
}
