// Copyright (c) 2025 the mopaq authors
// SPDX-License-Identifier: MIT

package mpq

import "errors"

// Sentinel errors returned by the archive engine. All errors produced by this
// package wrap one of these, so callers can classify failures with errors.Is
// regardless of the contextual message.
var (
	// ErrBadSignature means the source does not start with the MPQ magic.
	ErrBadSignature = errors.New("mpq: bad archive signature")

	// ErrUnsupportedFormat means the header declares a format version newer
	// than v4 (format code 3).
	ErrUnsupportedFormat = errors.New("mpq: unsupported format version")

	// ErrTruncatedHeader means the source ends inside the declared header.
	ErrTruncatedHeader = errors.New("mpq: truncated header")

	// ErrTruncatedTable means a table's declared extent runs past the end of
	// the source.
	ErrTruncatedTable = errors.New("mpq: truncated table")

	// ErrNotFound means no live hash table entry matches the requested
	// name/locale/platform. Recoverable; callers may retry another locale.
	ErrNotFound = errors.New("mpq: file not found")

	// ErrCorruptSector means a sector decompressed to the wrong length, its
	// checksum failed, or its offsets are inconsistent. Recoverable per file.
	ErrCorruptSector = errors.New("mpq: corrupt sector")

	// ErrDecryption means an encrypted block could not be decrypted, e.g.
	// because no file name is available to derive the key from.
	ErrDecryption = errors.New("mpq: decryption failed")

	// ErrBlockOutOfRange means a hash table entry points past the block table.
	ErrBlockOutOfRange = errors.New("mpq: block index out of range")

	// ErrBlockDeleted means the resolved block is free space or a deleted file.
	ErrBlockDeleted = errors.New("mpq: block deleted")

	// ErrTableSize means a hash table entry count is not a power of two.
	ErrTableSize = errors.New("mpq: hash table size must be a power of two")

	// ErrTableFull means the hash table has no free slot left.
	ErrTableFull = errors.New("mpq: hash table full")

	// ErrDuplicateFile means a (name, locale, platform) tuple was added twice.
	ErrDuplicateFile = errors.New("mpq: duplicate file entry")
)
