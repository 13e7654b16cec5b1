// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package atomicfile writes files that appear at their destination complete
// or not at all.
package atomicfile

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// F is a file being staged for an atomic write.
//
// While F is active, it resides in a temporary file next to its destination.
// Once finished, F can either be committed or destroyed. On commit, it is
// atomically renamed over its destination; on destroy, it is deleted.
type F struct {
	*os.File

	// dest is the destination path.
	dest string
	// done is true once F has been committed or destroyed.
	done bool
}

// New creates a staging file for dest. The staging file lives alongside dest,
// so that the final rename never crosses a filesystem boundary.
func New(dest string) (*F, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating directory %q", dir)
	}

	fd, err := ioutil.TempFile(dir, "."+filepath.Base(dest)+".tmp")
	if err != nil {
		return nil, errors.Wrap(err, "creating staging file")
	}
	return &F{
		File: fd,
		dest: dest,
	}, nil
}

// Destroy closes and purges the staging file. Destroying a committed or
// destroyed F does nothing.
func (f *F) Destroy() error {
	if f.done {
		return nil
	}
	f.done = true

	_ = f.File.Close()
	if err := os.Remove(f.File.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Commit flushes and closes the staging file, then atomically moves it to the
// destination.
func (f *F) Commit() error {
	if f.done {
		return errors.New("staging file is already finished")
	}

	if err := f.File.Sync(); err != nil {
		_ = f.Destroy()
		return errors.Wrap(err, "syncing staging file")
	}
	if err := f.File.Close(); err != nil {
		_ = f.Destroy()
		return errors.Wrap(err, "closing staging file")
	}

	if err := os.Rename(f.File.Name(), f.dest); err != nil {
		_ = f.Destroy()
		return errors.Wrapf(err, "moving staging file into place (%q => %q)", f.File.Name(), f.dest)
	}
	f.done = true
	return nil
}

// Write stages the output of fn and commits it to dest. If fn returns an
// error, nothing is written to dest.
func Write(dest string, fn func(f *os.File) error) error {
	f, err := New(dest)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Destroy()
	}()

	if err := fn(f.File); err != nil {
		return err
	}
	return f.Commit()
}
