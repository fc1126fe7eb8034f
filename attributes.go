// Copyright (c) 2025 the mopaq authors
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	attributesVersion   = 100
	attributesFlagCRC32 = 0x00000001
)

// Attributes is the parsed (attributes) stream: one record per block table
// entry. Only the CRC32 column is produced by this package; timestamps and
// MD5 columns from other tools are ignored.
type Attributes struct {
	Version uint32
	Flags   uint32
	CRC32   []uint32
}

// Attributes parses the archive's (attributes) file, if present.
func (a *Archive) Attributes() (*Attributes, error) {
	data, err := a.ReadFile("(attributes)")
	if err != nil {
		return nil, err
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: attributes stream too short", ErrCorruptSector)
	}

	attrs := &Attributes{
		Version: binary.LittleEndian.Uint32(data[0:4]),
		Flags:   binary.LittleEndian.Uint32(data[4:8]),
	}

	if attrs.Flags&attributesFlagCRC32 != 0 {
		count := len(a.blocks.entries)
		if len(data) < 8+count*4 {
			return nil, fmt.Errorf("%w: attributes CRC column truncated", ErrCorruptSector)
		}
		attrs.CRC32 = bytesToWords(data[8 : 8+count*4])
	}

	return attrs, nil
}

// attributesWriter accumulates per-block CRC32 values for the (attributes)
// file emitted on write.
type attributesWriter struct {
	crc32 []uint32
}

func newAttributesWriter(blockCount int) *attributesWriter {
	return &attributesWriter{
		crc32: make([]uint32, blockCount),
	}
}

// setEntry records the CRC of a block's uncompressed content. A nil data
// zeroes the slot, used for the attributes file's own placeholder entry.
func (a *attributesWriter) setEntry(index int, data []byte) {
	if index < 0 || index >= len(a.crc32) {
		return
	}
	if data == nil {
		a.crc32[index] = 0
	} else {
		a.crc32[index] = crc32.ChecksumIEEE(data)
	}
}

func (a *attributesWriter) build() ([]byte, error) {
	if len(a.crc32) == 0 {
		return nil, nil
	}

	data := make([]byte, 8+len(a.crc32)*4)
	binary.LittleEndian.PutUint32(data[0:4], attributesVersion)
	binary.LittleEndian.PutUint32(data[4:8], attributesFlagCRC32)

	offset := 8
	for _, value := range a.crc32 {
		binary.LittleEndian.PutUint32(data[offset:offset+4], value)
		offset += 4
	}

	return data, nil
}
