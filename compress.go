// Copyright (c) 2025 the mopaq authors
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/JoshVarga/blast"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zlib"
	"github.com/ulikunitz/xz/lzma"
)

// Compression method flags. The first byte of a compressed sector selects
// one method or a bitmask of stacked methods; stacked methods are undone in
// reverse order of application (primary codec first, then sparse).
const (
	CompressionHuffman     = 0x01 // Huffman (wave files only, unsupported)
	CompressionZlib        = 0x02 // zlib
	CompressionPKWare      = 0x08 // PKWare DCL implode
	CompressionBzip2       = 0x10 // bzip2
	CompressionSparse      = 0x20 // sparse/RLE zero-run preprocessor
	CompressionADPCMMono   = 0x40 // ADPCM mono audio (unsupported)
	CompressionADPCMStereo = 0x80 // ADPCM stereo audio (unsupported)

	// CompressionLZMA is an exclusive method code, not a bitmask, despite
	// colliding with zlib|bzip2.
	CompressionLZMA = 0x12
)

// compressData compresses data with the given method mask and prepends the
// flag byte. The caller decides whether the result is worth storing; the
// format requires the raw bytes instead whenever compression does not win.
func compressData(data []byte, mask byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(mask)

	payload := data
	if mask != CompressionLZMA && mask&CompressionSparse != 0 {
		payload = sparseCompress(payload)
	}

	switch {
	case mask == CompressionLZMA:
		w, err := lzma.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("lzma writer: %w", err)
		}
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("lzma write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lzma close: %w", err)
		}

	case mask&CompressionZlib != 0:
		w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
		if err != nil {
			return nil, fmt.Errorf("zlib writer: %w", err)
		}
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("zlib write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib close: %w", err)
		}

	case mask&CompressionBzip2 != 0:
		w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.BestCompression})
		if err != nil {
			return nil, fmt.Errorf("bzip2 writer: %w", err)
		}
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("bzip2 write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("bzip2 close: %w", err)
		}

	case mask&CompressionSparse != 0:
		// Sparse-only: the preprocessed payload is the output.
		buf.Write(payload)

	default:
		return nil, fmt.Errorf("unsupported compression mask: 0x%02X", mask)
	}

	return buf.Bytes(), nil
}

// decompressData undoes the compression selected by the leading flag byte.
// The returned length is not validated here; the sector codec checks it
// against the expected uncompressed size.
func decompressData(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty compressed data", ErrCorruptSector)
	}

	mask := data[0]
	payload := data[1:]

	if mask == CompressionLZMA {
		return decompressLZMA(payload)
	}

	if mask&(CompressionADPCMMono|CompressionADPCMStereo) != 0 {
		return nil, fmt.Errorf("%w: ADPCM compression not supported", ErrCorruptSector)
	}
	if mask&CompressionHuffman != 0 {
		return nil, fmt.Errorf("%w: Huffman compression not supported", ErrCorruptSector)
	}
	if mask&^byte(CompressionZlib|CompressionPKWare|CompressionBzip2|CompressionSparse) != 0 {
		return nil, fmt.Errorf("%w: unknown compression mask 0x%02X", ErrCorruptSector, mask)
	}

	var err error
	result := payload

	// Primary codec first, sparse preprocessing last.
	switch {
	case mask&CompressionBzip2 != 0:
		result, err = decompressBzip2(result)
	case mask&CompressionZlib != 0:
		result, err = decompressZlib(result)
	case mask&CompressionPKWare != 0:
		result, err = decompressPKWare(result)
	}
	if err != nil {
		return nil, err
	}

	if mask&CompressionSparse != 0 {
		result, err = sparseDecompress(result)
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

func decompressZlib(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", ErrCorruptSector, err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", ErrCorruptSector, err)
	}
	return out, nil
}

func decompressBzip2(data []byte) ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bzip2: %v", ErrCorruptSector, err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: bzip2: %v", ErrCorruptSector, err)
	}
	return out, nil
}

func decompressLZMA(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: lzma: %v", ErrCorruptSector, err)
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: lzma: %v", ErrCorruptSector, err)
	}
	return out, nil
}

func decompressPKWare(data []byte) ([]byte, error) {
	r, err := blast.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: pkware: %v", ErrCorruptSector, err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: pkware: %v", ErrCorruptSector, err)
	}
	return out, nil
}

// sparseCompress encodes zero runs of three or more bytes as single control
// bytes. The stream starts with the big-endian uncompressed size; control
// bytes with the high bit carry (n&0x7F)+1 literal bytes, without it they
// expand to (n&0x7F)+3 zeros.
func sparseCompress(data []byte) []byte {
	out := make([]byte, 4, len(data)+4+len(data)/128+1)
	binary.BigEndian.PutUint32(out, uint32(len(data)))

	i := 0
	for i < len(data) {
		run := 0
		for i+run < len(data) && data[i+run] == 0 {
			run++
		}
		if run >= 3 {
			if run > 0x7F+3 {
				run = 0x7F + 3
			}
			out = append(out, byte(run-3))
			i += run
			continue
		}

		j := i
		for j < len(data) && j-i < 0x80 {
			if data[j] == 0 && j+2 < len(data) && data[j+1] == 0 && data[j+2] == 0 {
				break
			}
			j++
		}
		out = append(out, 0x80|byte(j-i-1))
		out = append(out, data[i:j]...)
		i = j
	}

	return out
}

// sparseDecompress is the inverse of sparseCompress.
func sparseDecompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: sparse stream too short", ErrCorruptSector)
	}
	total := binary.BigEndian.Uint32(data)
	in := data[4:]

	out := make([]byte, 0, total)
	pos := 0
	for pos < len(in) {
		ctrl := in[pos]
		pos++
		if ctrl&0x80 != 0 {
			n := int(ctrl&0x7F) + 1
			if pos+n > len(in) {
				return nil, fmt.Errorf("%w: sparse literal overrun", ErrCorruptSector)
			}
			out = append(out, in[pos:pos+n]...)
			pos += n
		} else {
			out = append(out, make([]byte, int(ctrl&0x7F)+3)...)
		}
	}

	if uint32(len(out)) != total {
		return nil, fmt.Errorf("%w: sparse size mismatch: got %d, want %d",
			ErrCorruptSector, len(out), total)
	}
	return out, nil
}
