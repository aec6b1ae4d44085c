// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// wipe.go - whole-container destruction sparing one vault

package container

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Region is a half open [Offset, Offset+Length) byte range in the blob.
type Region struct {
	Offset int64
	Length int64
}

// LiveRegions returns the blob regions backing idx's files, including
// entries mid-delete, sorted by offset.
func LiveRegions(idx *VaultIndex) []Region {
	regions := make([]Region, 0, len(idx.Files))
	for _, f := range idx.Files {
		regions = append(regions, Region{Offset: f.Offset, Length: f.Length})
	}
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].Offset < regions[j].Offset
	})
	return regions
}

// WipeAllExcept destroys every vault except the one identified by
// keepArtifact: all other index artifacts are securely removed and
// every blob byte outside the keep regions is overwritten with fresh
// random data.  The keep vault's index artifact and blob regions are
// untouched, byte for byte.
//
// The operation is idempotent so an interrupted wipe can simply be
// re-run from its write-ahead marker: already-removed artifacts are
// skipped and re-randomizing random bytes changes nothing observable.
func (c *Container) WipeAllExcept(keep []Region, keepArtifact string) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, indexPrefix) || name == keepArtifact {
			continue
		}
		if err = secureRemove(filepath.Join(c.dir, name)); err != nil {
			return err
		}
	}

	cursor := int64(0)
	for _, r := range keep {
		if r.Offset > cursor {
			if err = c.randomize(cursor, r.Offset-cursor); err != nil {
				return err
			}
		}
		if end := r.Offset + r.Length; end > cursor {
			cursor = end
		}
	}
	if cursor < c.capacity {
		if err = c.randomize(cursor, c.capacity-cursor); err != nil {
			return err
		}
	}
	if err = c.blob.Sync(); err != nil {
		return err
	}
	return syncDirOf(c.dir)
}

func syncDirOf(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err = d.Sync(); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}
