// Copyright (c) 2025 the mopaq authors
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTestArchive(t *testing.T, path string, version FormatVersion, files map[string][]byte) {
	t.Helper()

	w, err := CreateWithVersion(path, len(files)+2, version)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	for name, data := range files {
		if err := w.Add(name, data, nil); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
}

func TestCreateAndRead(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "test.mpq")

	content1 := []byte("Hello, World! This is test file 1 with some content.")
	content2 := []byte("Test file 2 contains different data for the archive.")

	writeTestArchive(t, mpqPath, FormatV1, map[string][]byte{
		`Data\Test1.txt`:        content1,
		`Data\SubDir\Test2.txt`: content2,
	})

	archive, err := Open(mpqPath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer archive.Close()

	if !archive.HasFile(`Data\Test1.txt`) {
		t.Errorf("file 1 not found")
	}
	if !archive.HasFile("Data/SubDir/Test2.txt") {
		t.Errorf("file 2 not found via forward slashes")
	}
	if archive.HasFile("NonExistent.txt") {
		t.Errorf("non-existent file found")
	}

	got, err := archive.ReadFile(`Data\Test1.txt`)
	if err != nil {
		t.Fatalf("read file 1: %v", err)
	}
	if !bytes.Equal(got, content1) {
		t.Errorf("file 1 content mismatch")
	}

	got, err = archive.ReadFile(`Data\SubDir\Test2.txt`)
	if err != nil {
		t.Fatalf("read file 2: %v", err)
	}
	if !bytes.Equal(got, content2) {
		t.Errorf("file 2 content mismatch")
	}

	if _, err := archive.ReadFile("NonExistent.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStoredFileRoundTrip(t *testing.T) {
	// Minimal archive: one stored (uncompressed, unencrypted) file.
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "minimal.mpq")
	content := []byte("stored without compression or encryption")

	w, err := Create(mpqPath, 4)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	opts := &FileOptions{Compression: 0, SingleUnit: true}
	if err := w.Add("test.txt", content, opts); err != nil {
		t.Fatalf("add file: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	archive, err := Open(mpqPath)
	if err != nil {
		t.Fatalf("reopen archive: %v", err)
	}
	defer archive.Close()

	got, err := archive.ReadFile("test.txt")
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}
}

func TestAllFormatVersions(t *testing.T) {
	content := codecPayload(20000) // forces multiple sectors

	for _, version := range []FormatVersion{FormatV1, FormatV2, FormatV3, FormatV4} {
		tmpDir := t.TempDir()
		mpqPath := filepath.Join(tmpDir, "versioned.mpq")

		writeTestArchive(t, mpqPath, version, map[string][]byte{
			`big\payload.bin`: content,
			`small.txt`:       []byte("small"),
		})

		archive, err := Open(mpqPath)
		if err != nil {
			t.Fatalf("format %d: open: %v", version, err)
		}

		if archive.Format() != version {
			t.Errorf("format %d: got format %d", version, archive.Format())
		}
		if archive.ArchiveSize() == 0 {
			t.Errorf("format %d: zero archive size", version)
		}

		got, err := archive.ReadFile(`big\payload.bin`)
		if err != nil {
			t.Fatalf("format %d: read payload: %v", version, err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("format %d: payload mismatch", version)
		}

		archive.Close()
	}
}

func TestEncryptedFiles(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "crypted.mpq")
	content := codecPayload(10000)

	w, err := Create(mpqPath, 8)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}

	cases := map[string]*FileOptions{
		`enc\plain.bin`:   {Encrypt: true},
		`enc\sectors.bin`: {Compression: CompressionZlib, Encrypt: true, SectorCRC: true},
		`enc\fixkey.bin`:  {Compression: CompressionZlib, FixKey: true},
		`enc\unit.bin`:    {Compression: CompressionZlib, Encrypt: true, SingleUnit: true},
	}
	for name, opts := range cases {
		if err := w.Add(name, content, opts); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	archive, err := Open(mpqPath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer archive.Close()

	for name := range cases {
		got, err := archive.ReadFile(name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("%s: content mismatch", name)
		}
	}
}

func TestCompressionChoices(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "codecs.mpq")
	content := codecPayload(10000)

	w, err := Create(mpqPath, 8)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}

	cases := map[string]*FileOptions{
		"zlib.bin":   {Compression: CompressionZlib},
		"bzip2.bin":  {Compression: CompressionBzip2},
		"lzma.bin":   {Compression: CompressionLZMA},
		"sparse.bin": {Compression: CompressionSparse | CompressionZlib},
	}
	for name, opts := range cases {
		if err := w.Add(name, content, opts); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	archive, err := Open(mpqPath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer archive.Close()

	for name := range cases {
		got, err := archive.ReadFile(name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("%s: content mismatch", name)
		}
	}
}

func TestLocales(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "locales.mpq")

	w, err := Create(mpqPath, 8)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	if err := w.Add("strings.txt", []byte("neutral"), &FileOptions{SingleUnit: true}); err != nil {
		t.Fatalf("add neutral: %v", err)
	}
	if err := w.Add("strings.txt", []byte("enUS"), &FileOptions{SingleUnit: true, Locale: 0x409}); err != nil {
		t.Fatalf("add enUS: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	archive, err := Open(mpqPath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer archive.Close()

	got, err := archive.ReadFileLocale("strings.txt", 0x409)
	if err != nil {
		t.Fatalf("read enUS: %v", err)
	}
	if string(got) != "enUS" {
		t.Errorf("enUS locale: got %q", got)
	}

	// A locale with no entry falls back to neutral.
	got, err = archive.ReadFileLocale("strings.txt", 0x40C)
	if err != nil {
		t.Fatalf("read with fallback: %v", err)
	}
	if string(got) != "neutral" {
		t.Errorf("fallback: got %q", got)
	}
}

func TestDuplicateAddRejected(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := Create(filepath.Join(tmpDir, "dup.mpq"), 8)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	defer w.Close()

	if err := w.Add("same.txt", []byte("a"), nil); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := w.Add("same.txt", []byte("b"), nil); !errors.Is(err, ErrDuplicateFile) {
		t.Errorf("expected ErrDuplicateFile, got %v", err)
	}
}

func TestListFilesAndEntries(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "list.mpq")

	writeTestArchive(t, mpqPath, FormatV1, map[string][]byte{
		`a.txt`:     []byte("a"),
		`dir\b.txt`: []byte("b"),
	})

	archive, err := Open(mpqPath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer archive.Close()

	files, err := archive.ListFiles()
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	want := map[string]bool{"a.txt": false, `dir\b.txt`: false, "(listfile)": false, "(attributes)": false}
	for _, f := range files {
		if _, ok := want[f]; ok {
			want[f] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("ListFiles missing %s", name)
		}
	}

	entries, err := archive.ListEntries()
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	// Two files plus (listfile) and (attributes).
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	for _, e := range entries {
		if e.Name == "" {
			t.Errorf("entry %d has no name", e.BlockIndex)
		}
	}
}

func TestAttributesStream(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "attrs.mpq")
	content := []byte("attribute me")

	writeTestArchive(t, mpqPath, FormatV1, map[string][]byte{"f.txt": content})

	archive, err := Open(mpqPath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer archive.Close()

	attrs, err := archive.Attributes()
	if err != nil {
		t.Fatalf("read attributes: %v", err)
	}
	if attrs.Version != attributesVersion {
		t.Errorf("attributes version: got %d", attrs.Version)
	}
	if attrs.Flags&attributesFlagCRC32 == 0 {
		t.Fatalf("attributes missing CRC32 flag")
	}
	// Block 0 is f.txt; its CRC must match the content.
	if len(attrs.CRC32) != 3 {
		t.Fatalf("got %d CRC entries, want 3", len(attrs.CRC32))
	}
	if got := attrs.CRC32[0]; got == 0 {
		t.Errorf("zero CRC for block 0")
	}
}

func TestEmbeddedArchive(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "inner.mpq")
	content := []byte("embedded payload")

	writeTestArchive(t, mpqPath, FormatV1, map[string][]byte{"inner.txt": content})

	inner, err := os.ReadFile(mpqPath)
	if err != nil {
		t.Fatalf("read archive bytes: %v", err)
	}

	// Plain embedding: archive at the second 512-byte boundary.
	padded := make([]byte, archiveAlignment)
	for i := range padded {
		padded[i] = 0x5A
	}
	buf := append(padded, inner...)

	archive, err := NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		t.Fatalf("open embedded archive: %v", err)
	}
	got, err := archive.ReadFile("inner.txt")
	if err != nil {
		t.Fatalf("read embedded file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("embedded content mismatch")
	}

	// User-data shunt: a block at offset 0 redirecting to the header.
	shunt := make([]byte, archiveAlignment)
	binary.LittleEndian.PutUint32(shunt[0:4], userDataMagic)
	binary.LittleEndian.PutUint32(shunt[4:8], archiveAlignment-16) // user data size
	binary.LittleEndian.PutUint32(shunt[8:12], archiveAlignment)   // header offset
	buf = append(shunt, inner...)

	archive, err = NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		t.Fatalf("open shunted archive: %v", err)
	}
	got, err = archive.ReadFile("inner.txt")
	if err != nil {
		t.Fatalf("read shunted file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("shunted content mismatch")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	garbage := bytes.Repeat([]byte{0x42}, 1024)
	if _, err := NewReader(bytes.NewReader(garbage), int64(len(garbage))); !errors.Is(err, ErrBadSignature) {
		t.Errorf("expected ErrBadSignature, got %v", err)
	}

	if _, err := NewReader(bytes.NewReader(nil), 0); !errors.Is(err, ErrBadSignature) {
		t.Errorf("empty source: expected ErrBadSignature, got %v", err)
	}
}

func TestExtractAll(t *testing.T) {
	tmpDir := t.TempDir()
	mpqPath := filepath.Join(tmpDir, "extract.mpq")

	files := map[string][]byte{
		`a.txt`:           []byte("alpha"),
		`dir\b.txt`:       []byte("bravo"),
		`dir\sub\c.dat`:   codecPayload(5000),
		`another\one.bin`: codecPayload(777),
	}
	writeTestArchive(t, mpqPath, FormatV2, files)

	archive, err := Open(mpqPath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer archive.Close()

	destDir := filepath.Join(tmpDir, "out")
	if err := archive.ExtractAll(destDir); err != nil {
		t.Fatalf("extract all: %v", err)
	}

	for name, content := range files {
		rel := filepath.Join(destDir, filepath.FromSlash(replaceBackslashes(name)))
		got, err := os.ReadFile(rel)
		if err != nil {
			t.Fatalf("read extracted %s: %v", name, err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("%s: extracted content mismatch", name)
		}
	}
}

func replaceBackslashes(name string) string {
	out := []byte(name)
	for i, c := range out {
		if c == '\\' {
			out[i] = '/'
		}
	}
	return string(out)
}
