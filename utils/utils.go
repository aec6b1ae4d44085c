// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package utils provides filesystem helpers shared by the storage
// packages.
package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Exists returns true if the file f exists.
func Exists(f string) bool {
	if _, err := os.Stat(f); err == nil {
		return true
	} else if errors.Is(err, os.ErrNotExist) {
		return false
	} else {
		panic(err)
	}
}

// WriteAtomic writes data to path via a temporary file in the same
// directory, fsyncs it, and renames it into place so that a crash
// leaves either the old contents or the new, never a torn write.
func WriteAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFn := fmt.Sprintf("%s.tmp", path)
	out, err := os.OpenFile(tmpFn, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err = out.Write(data); err != nil {
		out.Close()
		os.Remove(tmpFn)
		return err
	}
	if err = out.Sync(); err != nil {
		out.Close()
		os.Remove(tmpFn)
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpFn, path); err != nil {
		return err
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dirFn string) error {
	dir, err := os.Open(dirFn)
	if err != nil {
		return err
	}
	if err = dir.Sync(); err != nil {
		dir.Close()
		return err
	}
	return dir.Close()
}
