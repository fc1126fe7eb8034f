// Copyright (c) 2025 the mopaq authors
// SPDX-License-Identifier: MIT

package mpq

import "encoding/binary"

// Hash types for hashString.
const (
	hashTypeTableOffset = 0 // probe start index in the hash table
	hashTypeNameA       = 1 // verification hash A
	hashTypeNameB       = 2 // verification hash B
	hashTypeFileKey     = 3 // file/table encryption key
)

// cryptTable is the shared lookup table behind both the name hasher and the
// block cipher. It is pure data derived from a fixed seed and must be
// bit-identical across implementations.
var cryptTable = buildCryptTable()

func buildCryptTable() [0x500]uint32 {
	var table [0x500]uint32
	seed := uint32(0x00100001)

	for index1 := 0; index1 < 0x100; index1++ {
		index2 := index1
		for i := 0; i < 5; i++ {
			seed = (seed*125 + 3) % 0x2AAAAB
			temp1 := (seed & 0xFFFF) << 0x10

			seed = (seed*125 + 3) % 0x2AAAAB
			temp2 := seed & 0xFFFF

			table[index2] = temp1 | temp2
			index2 += 0x100
		}
	}
	return table
}

// hashString computes the MPQ hash of a string. Names are case-insensitive
// and use backslash separators; both are normalized here so callers may pass
// either form.
func hashString(s string, hashType uint32) uint32 {
	seed1 := uint32(0x7FED7FED)
	seed2 := uint32(0xEEEEEEEE)

	for i := 0; i < len(s); i++ {
		ch := uint32(s[i])
		if ch >= 'a' && ch <= 'z' {
			ch -= 0x20
		}
		if ch == '/' {
			ch = '\\'
		}

		seed1 = cryptTable[hashType*0x100+ch] ^ (seed1 + seed2)
		seed2 = ch + seed1 + seed2 + (seed2 << 5) + 3
	}

	return seed1
}

// encryptBlock encrypts a block of little-endian words in place.
func encryptBlock(data []uint32, key uint32) {
	seed := uint32(0xEEEEEEEE)

	for i := range data {
		seed += cryptTable[0x400+(key&0xFF)]
		plain := data[i]
		encrypted := plain ^ (key + seed)
		key = ((^key << 0x15) + 0x11111111) | (key >> 0x0B)
		seed = plain + seed + (seed << 5) + 3
		data[i] = encrypted
	}
}

// decryptBlock decrypts a block of little-endian words in place. The cipher
// is symmetric: the only difference from encryptBlock is which side of the
// XOR feeds the rolling seed.
func decryptBlock(data []uint32, key uint32) {
	seed := uint32(0xEEEEEEEE)

	for i := range data {
		seed += cryptTable[0x400+(key&0xFF)]
		encrypted := data[i]
		plain := encrypted ^ (key + seed)
		key = ((^key << 0x15) + 0x11111111) | (key >> 0x0B)
		seed = plain + seed + (seed << 5) + 3
		data[i] = plain
	}
}

// encryptBytes encrypts a byte slice in place, interpreting it as
// little-endian words. A trailing partial word is left as-is; the cipher
// operates on whole words only, matching how the format stores
// byte-granular payloads.
func encryptBytes(data []byte, key uint32) {
	cipherBytes(data, key, encryptBlock)
}

// decryptBytes decrypts a byte slice in place.
func decryptBytes(data []byte, key uint32) {
	cipherBytes(data, key, decryptBlock)
}

func cipherBytes(data []byte, key uint32, apply func([]uint32, uint32)) {
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}

	apply(words, key)

	for i := range words {
		binary.LittleEndian.PutUint32(data[i*4:], words[i])
	}
}

// fileKey computes the encryption key for a file from its base name. With
// the fix-key flag the key is further bound to the block's position and
// uncompressed size.
func fileKey(name string, blockOffset uint64, fileSize uint32, flags uint32) uint32 {
	plainName := name
	if idx := lastIndexOfSlash(name); idx >= 0 {
		plainName = name[idx+1:]
	}

	key := hashString(plainName, hashTypeFileKey)

	if flags&fileFixKey != 0 {
		key = (key + uint32(blockOffset)) ^ fileSize
	}

	return key
}

// lastIndexOfSlash finds the last path separator in a string.
func lastIndexOfSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\\' || s[i] == '/' {
			return i
		}
	}
	return -1
}
