// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package file implements backend.Backend on top of a plain local
// directory, one file per object. It backs the "file" (and "rados")
// config.Cfg.Backend selection; the package tests use in-memory fakes
// instead.
package file

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/asch/lsvd/internal/backend"
)

// File is a backend.Backend backed by a local directory.
type File struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &File{dir: dir}, nil
}

func (f *File) path(name string) string {
	return filepath.Join(f.dir, name)
}

func (f *File) WriteObject(name string, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp := f.path(name) + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path(name))
}

func (f *File) ReadObject(name string, buf []byte, offset int64) (int, error) {
	fh, err := os.Open(f.path(name))
	if err != nil {
		return 0, err
	}
	defer fh.Close()

	n, err := fh.ReadAt(buf, offset)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (f *File) DeleteObject(name string) error {
	err := os.Remove(f.path(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *File) WriteNumberedObject(prefix string, seq uint64, buf []byte) error {
	return f.WriteObject(backend.ObjectName(prefix, seq), buf)
}

func (f *File) ReadNumberedObject(prefix string, seq uint64, buf []byte, offset int64) (int, error) {
	return f.ReadObject(backend.ObjectName(prefix, seq), buf, offset)
}

func (f *File) DeleteFromSeq(prefix string, fromSeq uint64) error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	want := prefix + "."
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, want) || strings.HasSuffix(name, ".tmp") {
			continue
		}
		var seq uint64
		if _, err := fmt.Sscanf(name[len(want):], "%08x", &seq); err != nil {
			continue
		}
		if seq >= fromSeq {
			if err := f.DeleteObject(name); err != nil {
				return err
			}
		}
	}
	return nil
}

var _ backend.Backend = (*File)(nil)
