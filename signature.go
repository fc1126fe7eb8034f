// Copyright (c) 2025 the mopaq authors
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SignatureInfo contains parsed signature data from the (signature) file.
type SignatureInfo struct {
	Version   uint32
	Signature []byte
}

// ReadSignature reads and parses the (signature) special file if present.
// Returns nil without error if the archive carries no signature.
func (a *Archive) ReadSignature() (*SignatureInfo, error) {
	data, err := a.ReadFile("(signature)")
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if len(data) < 8 {
		return nil, fmt.Errorf("signature data too small: %d bytes", len(data))
	}

	version := binary.LittleEndian.Uint32(data[0:4])
	sigLength := binary.LittleEndian.Uint32(data[4:8])

	if uint32(len(data)) < 8+sigLength {
		return nil, fmt.Errorf("signature data truncated: expected %d bytes, got %d",
			8+sigLength, len(data))
	}

	signature := make([]byte, sigLength)
	copy(signature, data[8:8+sigLength])

	return &SignatureInfo{
		Version:   version,
		Signature: signature,
	}, nil
}

// Validate checks the signature's shape. Cryptographic verification against
// the archive bytes needs the matching public key and is up to the caller.
func (s *SignatureInfo) Validate() error {
	if s == nil {
		return fmt.Errorf("no signature available")
	}
	if len(s.Signature) == 0 {
		return fmt.Errorf("empty signature")
	}

	switch s.Version {
	case 0: // weak signature, 512-bit RSA
		if len(s.Signature) < 64 {
			return fmt.Errorf("weak signature too short: %d bytes", len(s.Signature))
		}
	case 1: // strong signature, 2048-bit RSA
		if len(s.Signature) < 256 {
			return fmt.Errorf("strong signature too short: %d bytes", len(s.Signature))
		}
	default:
		return fmt.Errorf("unknown signature version: %d", s.Version)
	}

	return nil
}
