// Copyright (c) 2025 the mopaq authors
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"fmt"
	"hash/adler32"
)

// sectorCount returns how many sectors a file of fileSize occupies.
func sectorCount(fileSize, sectorSize uint32) uint32 {
	return (fileSize + sectorSize - 1) / sectorSize
}

// decodeBlock turns a block's raw stored bytes into the file content,
// undoing encryption and compression per the block flags. name is required
// to derive the key when the block is encrypted.
func decodeBlock(raw []byte, name string, block *blockTableEntryEx, sectorSize uint32) ([]byte, error) {
	if block.FileSize == 0 {
		return []byte{}, nil
	}

	encrypted := block.Flags&fileEncrypted != 0
	compressed := block.Flags&(fileCompress|fileImplode) != 0

	var key uint32
	if encrypted {
		if name == "" {
			return nil, fmt.Errorf("%w: no name to derive key for encrypted block", ErrDecryption)
		}
		key = fileKey(name, block.filePos64(), block.FileSize, block.Flags)
	}

	// Imploded blocks predate the flag-byte dispatch: the sector payload is
	// a bare PKWare stream.
	inflate := decompressData
	if block.Flags&fileImplode != 0 {
		inflate = decompressPKWare
	}

	if block.Flags&fileSingleUnit != 0 {
		// A stored size equal to the file size means the unit is raw even
		// when the compression flag is set.
		unitCompressed := compressed && block.CompressedSize != block.FileSize
		return decodeSingleUnit(raw, block, unitCompressed, encrypted, key, inflate)
	}
	if !compressed && block.Flags&fileSectorCRC == 0 {
		return decodeContiguous(raw, block, sectorSize, encrypted, key)
	}
	return decodeSectors(raw, block, sectorSize, compressed, encrypted, key, inflate)
}

// decodeSingleUnit handles files stored as one unit.
func decodeSingleUnit(raw []byte, block *blockTableEntryEx, compressed, encrypted bool, key uint32, inflate func([]byte) ([]byte, error)) ([]byte, error) {
	data := make([]byte, len(raw))
	copy(data, raw)

	if encrypted {
		decryptBytes(data, key)
	}

	if compressed {
		out, err := inflate(data)
		if err != nil {
			return nil, err
		}
		if uint32(len(out)) != block.FileSize {
			return nil, fmt.Errorf("%w: single unit decompressed to %d bytes, want %d",
				ErrCorruptSector, len(out), block.FileSize)
		}
		return out, nil
	}

	if uint32(len(data)) != block.FileSize {
		return nil, fmt.Errorf("%w: single unit has %d bytes, want %d",
			ErrCorruptSector, len(data), block.FileSize)
	}
	return data, nil
}

// decodeContiguous handles uncompressed sectored files, which carry no
// sector offset table: sectors follow each other directly.
func decodeContiguous(raw []byte, block *blockTableEntryEx, sectorSize uint32, encrypted bool, key uint32) ([]byte, error) {
	if uint32(len(raw)) != block.FileSize {
		return nil, fmt.Errorf("%w: stored %d bytes, want %d",
			ErrCorruptSector, len(raw), block.FileSize)
	}

	data := make([]byte, len(raw))
	copy(data, raw)

	if encrypted {
		n := sectorCount(block.FileSize, sectorSize)
		for i := uint32(0); i < n; i++ {
			start := i * sectorSize
			end := min(start+sectorSize, block.FileSize)
			decryptBytes(data[start:end], key+i)
		}
	}
	return data, nil
}

// decodeSectors handles sectored files with an offset table: n+1 offsets
// (one more when a CRC sector trails the data), each sector independently
// decrypted with key+i and decompressed per its leading flag byte.
func decodeSectors(raw []byte, block *blockTableEntryEx, sectorSize uint32, compressed, encrypted bool, key uint32, inflate func([]byte) ([]byte, error)) ([]byte, error) {
	numSectors := sectorCount(block.FileSize, sectorSize)
	hasCRC := block.Flags&fileSectorCRC != 0

	tableEntries := numSectors + 1
	if hasCRC {
		tableEntries++
	}
	tableSize := tableEntries * 4
	if uint32(len(raw)) < tableSize {
		return nil, fmt.Errorf("%w: data too small for sector offset table", ErrCorruptSector)
	}

	offsets := bytesToWords(raw[:tableSize])
	if encrypted {
		decryptBlock(offsets, key-1)
	}

	for i := uint32(0); i < tableEntries-1; i++ {
		if offsets[i] > offsets[i+1] || offsets[i+1] > uint32(len(raw)) {
			return nil, fmt.Errorf("%w: invalid sector offsets %d-%d",
				ErrCorruptSector, offsets[i], offsets[i+1])
		}
	}

	var crcs []uint32
	if hasCRC {
		crcData := make([]byte, offsets[numSectors+1]-offsets[numSectors])
		copy(crcData, raw[offsets[numSectors]:offsets[numSectors+1]])
		if encrypted {
			decryptBytes(crcData, key+numSectors)
		}
		if uint32(len(crcData)) != numSectors*4 {
			// The CRC sector itself may be stored compressed.
			out, err := inflate(crcData)
			if err != nil || uint32(len(out)) != numSectors*4 {
				return nil, fmt.Errorf("%w: bad CRC sector", ErrCorruptSector)
			}
			crcData = out
		}
		crcs = bytesToWords(crcData)
	}

	result := make([]byte, 0, block.FileSize)

	for i := uint32(0); i < numSectors; i++ {
		sector := make([]byte, offsets[i+1]-offsets[i])
		copy(sector, raw[offsets[i]:offsets[i+1]])

		if encrypted {
			decryptBytes(sector, key+i)
		}

		if crcs != nil && crcs[i] != 0 && adler32.Checksum(sector) != crcs[i] {
			return nil, fmt.Errorf("%w: sector %d checksum mismatch", ErrCorruptSector, i)
		}

		expected := sectorSize
		if i == numSectors-1 {
			expected = block.FileSize - i*sectorSize
		}

		if compressed && uint32(len(sector)) < expected {
			out, err := inflate(sector)
			if err != nil {
				return nil, fmt.Errorf("sector %d: %w", i, err)
			}
			sector = out
		}
		if uint32(len(sector)) != expected {
			return nil, fmt.Errorf("%w: sector %d has %d bytes, want %d",
				ErrCorruptSector, i, len(sector), expected)
		}

		result = append(result, sector...)
	}

	return result, nil
}

// encodeSectors assembles the stored representation of a sectored file:
// offset table, per-sector (optionally compressed, optionally encrypted)
// payloads, and an optional trailing CRC sector. Returns the stored bytes.
func encodeSectors(data []byte, sectorSize uint32, mask byte, encrypted, withCRC bool, key uint32) ([]byte, error) {
	numSectors := sectorCount(uint32(len(data)), sectorSize)
	tableEntries := numSectors + 1
	if withCRC {
		tableEntries++
	}

	sectors := make([][]byte, 0, numSectors)
	for i := uint32(0); i < numSectors; i++ {
		start := i * sectorSize
		end := min(start+sectorSize, uint32(len(data)))
		chunk := data[start:end]

		stored := chunk
		if mask != 0 {
			c, err := compressData(chunk, mask)
			if err != nil {
				return nil, err
			}
			if len(c) < len(chunk) {
				stored = c
			}
		}
		// Copy so encryption below never touches the caller's buffer.
		cp := make([]byte, len(stored))
		copy(cp, stored)
		sectors = append(sectors, cp)
	}

	var crcSector []byte
	if withCRC {
		crcSector = make([]byte, numSectors*4)
		for i, s := range sectors {
			binary.LittleEndian.PutUint32(crcSector[i*4:], adler32.Checksum(s))
		}
	}

	offsets := make([]uint32, tableEntries)
	pos := tableEntries * 4
	for i, s := range sectors {
		offsets[i] = pos
		pos += uint32(len(s))
	}
	offsets[numSectors] = pos
	if withCRC {
		pos += uint32(len(crcSector))
		offsets[numSectors+1] = pos
	}

	if encrypted {
		for i, s := range sectors {
			encryptBytes(s, key+uint32(i))
		}
		if crcSector != nil {
			encryptBytes(crcSector, key+numSectors)
		}
		encryptBlock(offsets, key-1)
	}

	out := make([]byte, 0, pos)
	out = append(out, wordsToBytes(offsets)...)
	for _, s := range sectors {
		out = append(out, s...)
	}
	out = append(out, crcSector...)
	return out, nil
}

// encodeSingleUnit assembles the stored representation of a single-unit
// file. The returned flag reports whether the payload ended up compressed.
func encodeSingleUnit(data []byte, mask byte, encrypted bool, key uint32) ([]byte, bool, error) {
	stored := data
	compressed := false

	if mask != 0 {
		c, err := compressData(data, mask)
		if err != nil {
			return nil, false, err
		}
		if len(c) < len(data) {
			stored = c
			compressed = true
		}
	}

	cp := make([]byte, len(stored))
	copy(cp, stored)
	if encrypted {
		encryptBytes(cp, key)
	}
	return cp, compressed, nil
}
