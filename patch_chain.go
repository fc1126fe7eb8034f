// Copyright (c) 2025 the mopaq authors
// SPDX-License-Identifier: MIT

package mpq

import (
	"fmt"
	"sort"
	"strings"
)

// normalizeName normalizes a path for chain lookups: backslash separators,
// case-insensitive.
func normalizeName(name string) string {
	normalized := strings.ReplaceAll(name, "/", "\\")
	normalized = strings.ToUpper(normalized)
	for strings.Contains(normalized, "\\\\") {
		normalized = strings.ReplaceAll(normalized, "\\\\", "\\")
	}
	return normalized
}

// Chain is a prioritized overlay of archives: the last archive in the list
// has the highest priority, and its version of a file shadows earlier ones.
// Deletion markers in higher-priority archives hide files from lower ones.
type Chain struct {
	archives []*Archive
	names    map[string]string // normalized name -> listed name
}

// OpenChain opens multiple archives in order of increasing priority.
func OpenChain(paths []string) (*Chain, error) {
	archives := make([]*Archive, 0, len(paths))

	for _, path := range paths {
		archive, err := Open(path)
		if err != nil {
			for _, opened := range archives {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("open archive %s: %w", path, err)
		}
		archives = append(archives, archive)
	}

	c := &Chain{archives: archives}
	c.rebuildNameUnion()
	return c, nil
}

// Close closes all archives in the chain.
func (c *Chain) Close() error {
	var firstErr error
	for _, archive := range c.archives {
		if err := archive.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HasFile reports whether the highest-priority version of the file exists
// and is not a deletion marker.
func (c *Chain) HasFile(name string) bool {
	_, err := c.findArchive(name)
	return err == nil
}

// ReadFile returns the highest-priority version of the named file.
func (c *Chain) ReadFile(name string) ([]byte, error) {
	archive, err := c.findArchive(name)
	if err != nil {
		return nil, err
	}
	return archive.ReadFile(name)
}

// ListFiles returns the union of listed file names across the chain, sorted,
// excluding files hidden by deletion markers.
func (c *Chain) ListFiles() ([]string, error) {
	result := make([]string, 0, len(c.names))
	for _, name := range c.names {
		if c.HasFile(name) {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result, nil
}

// findArchive resolves a name to the archive holding its highest-priority
// version. The scan goes by hash so it works for unlisted names too, and the
// first archive that knows the name decides: a deletion marker there hides
// every lower-priority version.
func (c *Chain) findArchive(name string) (*Archive, error) {
	bare := strings.ReplaceAll(name, "/", "\\")

	for i := len(c.archives) - 1; i >= 0; i-- {
		idx, err := c.archives[i].hashes.lookupAny(bare)
		if err != nil {
			continue
		}
		block, err := c.archives[i].blocks.resolve(idx)
		if err != nil || block.Flags&fileDeleteMarker != 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return c.archives[i], nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// rebuildNameUnion collects every listed name in the chain, preferring the
// spelling from the highest-priority archive that lists it.
func (c *Chain) rebuildNameUnion() {
	c.names = make(map[string]string)

	for i := len(c.archives) - 1; i >= 0; i-- {
		files, err := c.archives[i].ListFiles()
		if err != nil {
			continue
		}
		for _, file := range files {
			key := normalizeName(file)
			if _, exists := c.names[key]; !exists {
				c.names[key] = file
			}
		}
	}
}
