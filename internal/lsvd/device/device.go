// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package device wraps the local NVMe device shared by the write cache and
// read cache: page-0 outer superblock (spec.md §6 "Local device layout")
// plus aligned, page-granular I/O via O_DIRECT.
package device

import (
	"os"

	"github.com/ncw/directio"

	"github.com/asch/lsvd/internal/lsvd/lsvderr"
	"github.com/asch/lsvd/internal/lsvd/wire"
)

// Device is the local block device (or file standing in for one in tests)
// backing the write cache journal and read cache slab.
type Device struct {
	f    *os.File
	size int64
}

// Open opens path with O_DIRECT and reports its size in bytes.
func Open(path string) (*Device, error) {
	f, err := directio.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, lsvderr.Wrap(lsvderr.IODevice, err)
	}
	size, err := f.Seek(0, os.SEEK_END)
	if err != nil {
		f.Close()
		return nil, lsvderr.Wrap(lsvderr.IODevice, err)
	}
	return &Device{f: f, size: size}, nil
}

// AlignedBuffer returns an n-byte buffer suitable for O_DIRECT I/O.
func AlignedBuffer(n int) []byte {
	return directio.AlignedBlock(n)
}

// Size returns the device size in bytes.
func (d *Device) Size() int64 { return d.size }

// ReadAt reads len(buf) bytes at off, both of which must be
// wire.HeaderAlign-aligned, using an O_DIRECT-safe buffer.
func (d *Device) ReadAt(buf []byte, off int64) (int, error) {
	if off%wire.HeaderAlign != 0 || len(buf)%wire.HeaderAlign != 0 {
		return 0, lsvderr.InvalidArgument
	}
	n, err := d.f.ReadAt(buf, off)
	if err != nil {
		return n, lsvderr.Wrap(lsvderr.IODevice, err)
	}
	return n, nil
}

// WriteAt writes buf at off, both of which must be wire.HeaderAlign-aligned.
func (d *Device) WriteAt(buf []byte, off int64) (int, error) {
	if off%wire.HeaderAlign != 0 || len(buf)%wire.HeaderAlign != 0 {
		return 0, lsvderr.InvalidArgument
	}
	n, err := d.f.WriteAt(buf, off)
	if err != nil {
		return n, lsvderr.Wrap(lsvderr.IODevice, err)
	}
	return n, nil
}

// Sync flushes any writes not yet durable.
func (d *Device) Sync() error {
	if err := d.f.Sync(); err != nil {
		return lsvderr.Wrap(lsvderr.IODevice, err)
	}
	return nil
}

func (d *Device) Close() error {
	return d.f.Close()
}

// Outer is page 0 of the device: it points at the write-cache and
// read-cache superblock pages (spec.md §6).
type Outer struct {
	WriteSuperPage uint32
	ReadSuperPage  uint32
}

// ReadOuter reads and decodes page 0.
func ReadOuter(d *Device) (Outer, error) {
	buf := AlignedBuffer(wire.HeaderAlign)
	if _, err := d.ReadAt(buf, 0); err != nil {
		return Outer{}, err
	}
	o, err := wire.DecodeOuterSuper(buf)
	if err != nil {
		return Outer{}, err
	}
	return Outer{WriteSuperPage: o.WriteSuperPage, ReadSuperPage: o.ReadSuperPage}, nil
}

// WriteOuter encodes and writes page 0.
func WriteOuter(d *Device, o Outer) error {
	buf := AlignedBuffer(wire.HeaderAlign)
	enc := wire.EncodeOuterSuper(wire.OuterSuper{WriteSuperPage: o.WriteSuperPage, ReadSuperPage: o.ReadSuperPage})
	copy(buf, enc)
	_, err := d.WriteAt(buf, 0)
	return err
}
