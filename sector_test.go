// Copyright (c) 2025 the mopaq authors
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeBlock builds a descriptor matching a stored payload for decodeBlock.
func makeBlock(storedLen, fileSize int, flags uint32, filePos uint64) *blockTableEntryEx {
	e := &blockTableEntryEx{
		blockTableEntry: blockTableEntry{
			CompressedSize: uint32(storedLen),
			FileSize:       uint32(fileSize),
			Flags:          flags | fileExists,
		},
	}
	e.setFilePos64(filePos)
	return e
}

func TestSectoredRoundTripPlain(t *testing.T) {
	const sectorSize = 4096
	data := codecPayload(10000) // three sectors, short tail

	stored, err := encodeSectors(data, sectorSize, CompressionZlib, false, false, 0)
	require.NoError(t, err)

	block := makeBlock(len(stored), len(data), fileCompress, 0)
	out, err := decodeBlock(stored, "plain.bin", block, sectorSize)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, out))
}

func TestSectoredRoundTripEncryptedWithCRC(t *testing.T) {
	const sectorSize = 4096
	const name = "secret.bin"
	const filePos = 0x2000
	data := codecPayload(9000)

	flags := uint32(fileCompress | fileEncrypted | fileFixKey | fileSectorCRC)
	key := fileKey(name, filePos, uint32(len(data)), flags)

	stored, err := encodeSectors(data, sectorSize, CompressionZlib, true, true, key)
	require.NoError(t, err)

	block := makeBlock(len(stored), len(data), flags, filePos)
	out, err := decodeBlock(stored, name, block, sectorSize)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, out))

	// Without the name there is no key; the block must not decode.
	_, err = decodeBlock(stored, "", block, sectorSize)
	assert.ErrorIs(t, err, ErrDecryption)

	// The wrong name yields a wrong key, caught by the offset validation or
	// the checksum, never returned as garbage.
	_, err = decodeBlock(stored, "other.bin", block, sectorSize)
	assert.ErrorIs(t, err, ErrCorruptSector)
}

func TestSectorCRCDetectsFlippedByte(t *testing.T) {
	const sectorSize = 512
	data := codecPayload(2000)

	stored, err := encodeSectors(data, sectorSize, CompressionZlib, false, true, 0)
	require.NoError(t, err)

	// Flip one byte inside the first sector payload (past the offset table).
	tableSize := (sectorCount(uint32(len(data)), sectorSize) + 2) * 4
	corrupted := make([]byte, len(stored))
	copy(corrupted, stored)
	corrupted[tableSize+3] ^= 0xFF

	block := makeBlock(len(corrupted), len(data), fileCompress|fileSectorCRC, 0)
	_, err = decodeBlock(corrupted, "crc.bin", block, sectorSize)
	assert.ErrorIs(t, err, ErrCorruptSector)
}

func TestSingleUnitRoundTrip(t *testing.T) {
	data := codecPayload(511)

	stored, compressed, err := encodeSingleUnit(data, CompressionZlib, false, 0)
	require.NoError(t, err)
	require.True(t, compressed)

	block := makeBlock(len(stored), len(data), fileCompress|fileSingleUnit, 0)
	out, err := decodeBlock(stored, "unit.bin", block, 4096)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, out))
}

func TestSingleUnitLengthMismatchIsCorrupt(t *testing.T) {
	data := codecPayload(600)
	stored, compressed, err := encodeSingleUnit(data, CompressionZlib, false, 0)
	require.NoError(t, err)
	require.True(t, compressed)

	// Lie about the uncompressed size; the strict length check must fire.
	block := makeBlock(len(stored), len(data)+1, fileCompress|fileSingleUnit, 0)
	_, err = decodeBlock(stored, "unit.bin", block, 4096)
	assert.ErrorIs(t, err, ErrCorruptSector)
}

func TestContiguousEncryptedRoundTrip(t *testing.T) {
	const sectorSize = 512
	const name = "raw.bin"
	data := codecPayload(1500)

	flags := uint32(fileEncrypted)
	key := fileKey(name, 0, uint32(len(data)), flags)

	stored := make([]byte, len(data))
	copy(stored, data)
	n := sectorCount(uint32(len(data)), sectorSize)
	for i := uint32(0); i < n; i++ {
		start := i * sectorSize
		end := min(start+sectorSize, uint32(len(data)))
		encryptBytes(stored[start:end], key+i)
	}

	block := makeBlock(len(stored), len(data), flags, 0)
	out, err := decodeBlock(stored, name, block, sectorSize)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, out))
}

func TestEmptyFileDecodes(t *testing.T) {
	block := makeBlock(0, 0, 0, 0)
	out, err := decodeBlock(nil, "empty.txt", block, 4096)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestTruncatedOffsetTableIsCorrupt(t *testing.T) {
	block := makeBlock(4, 10000, fileCompress, 0)
	_, err := decodeBlock([]byte{1, 2, 3, 4}, "short.bin", block, 4096)
	assert.ErrorIs(t, err, ErrCorruptSector)
}
