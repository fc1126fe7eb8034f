// Copyright (c) 2025 the mopaq authors
// SPDX-License-Identifier: MIT

/*
Package mpq reads and writes MPQ (Mo'PaQ) archives.

MPQ is a hash-indexed, sector-compressed, optionally encrypted container
format that bundles many named files into one binary blob with fast lookup.
This package implements all four header revisions (the original 32-byte
format through the v4 format with per-table checksums), the table and sector
encryption scheme, and the stackable sector compression codecs (zlib, bzip2,
LZMA, sparse, PKWare DCL on the read side).

# Reading

	archive, err := mpq.Open("game.mpq")
	if err != nil {
		log.Fatal(err)
	}
	defer archive.Close()

	data, err := archive.ReadFile(`Data\file.txt`)

Open memory-maps the archive; the header and tables are immutable after
load and file reads are positional, so one Archive may serve concurrent
readers without locking. ReadFile returns typed errors (ErrNotFound,
ErrCorruptSector, ErrDecryption) that callers can test with errors.Is.

# Writing

	w, err := mpq.Create("patch.mpq", 100)
	if err != nil {
		log.Fatal(err)
	}
	err = w.Add(`Data\file.txt`, data, nil)
	...
	err = w.Close() // lays out and atomically renames the archive

Per-file storage is controlled with FileOptions: compression method mask,
encryption with optional position-bound keys, single-unit storage, and
per-sector checksums. Writers emit a (listfile) and an (attributes) stream
alongside the added files.

# Patch chains

Several archives can be overlaid with OpenChain; later archives shadow
earlier ones and deletion markers hide files from the base archives.

# Path conventions

MPQ paths use backslash separators and compare case-insensitively. Forward
slashes are accepted everywhere and converted internally.
*/
package mpq
