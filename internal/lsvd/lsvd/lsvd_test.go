// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package lsvd

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asch/lsvd/internal/backend"
	"github.com/asch/lsvd/internal/lsvd/device"
	"github.com/asch/lsvd/internal/lsvd/rcache"
	"github.com/asch/lsvd/internal/lsvd/wire"
)

type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBackend() *memBackend { return &memBackend{objects: map[string][]byte{}} }

func (m *memBackend) WriteObject(name string, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	m.objects[name] = cp
	return nil
}

func (m *memBackend) ReadObject(name string, buf []byte, offset int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	if !ok {
		return 0, os.ErrNotExist
	}
	if offset >= int64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[offset:]), nil
}

func (m *memBackend) DeleteObject(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, name)
	return nil
}

func (m *memBackend) WriteNumberedObject(prefix string, seq uint64, buf []byte) error {
	return m.WriteObject(backend.ObjectName(prefix, seq), buf)
}

func (m *memBackend) ReadNumberedObject(prefix string, seq uint64, buf []byte, offset int64) (int, error) {
	return m.ReadObject(backend.ObjectName(prefix, seq), buf, offset)
}

func (m *memBackend) DeleteFromSeq(prefix string, fromSeq uint64) error { return nil }

var _ backend.Backend = (*memBackend)(nil)

const (
	pgOuter = 0
	pgWSuper = 1
	wBase    = 2
	wRegion  = 32
	wMetaBase = wBase + wRegion
	wMetaLimit = wMetaBase + 8
	pgRSuper = wMetaLimit
	rBase    = pgRSuper + 1
	rUnits   = 4
	rUnitPages = rcache.UnitSize / wire.HeaderAlign
	rMapStart  = rBase + rUnits*rUnitPages
	rMapBlocks = 1
	devPages   = rMapStart + rMapBlocks + 2
)

func formatDevice(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(devPages)*wire.HeaderAlign))
	require.NoError(t, f.Close())

	dev, err := device.Open(path)
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, device.WriteOuter(dev, device.Outer{WriteSuperPage: pgWSuper, ReadSuperPage: pgRSuper}))

	wbuf := device.AlignedBuffer(wire.HeaderAlign)
	copy(wbuf, wire.EncodeWriteCacheSuper(wire.WriteCacheSuper{
		Base: wBase, Limit: wBase + wRegion, Next: wBase, Oldest: wBase,
		Seq: 1, MapStart: wMetaBase, MetaBase: wMetaBase, MetaLimit: wMetaLimit,
	}))
	_, err = dev.WriteAt(wbuf, pgWSuper*wire.HeaderAlign)
	require.NoError(t, err)

	rbuf := device.AlignedBuffer(wire.HeaderAlign)
	copy(rbuf, wire.EncodeReadCacheSuper(wire.ReadCacheSuper{
		UnitSize: rcache.UnitSize, Base: rBase, Units: rUnits,
		MapStart: rMapStart, MapBlocks: rMapBlocks,
	}))
	_, err = dev.WriteAt(rbuf, pgRSuper*wire.HeaderAlign)
	require.NoError(t, err)
}

func newTestVolume(t *testing.T, be backend.Backend, prefix string, volSectors int64) *Volume {
	t.Helper()

	sbBuf := wire.EncodeSuperObject([16]byte{1, 2, 3}, uint64(volSectors), 0, nil, nil, nil)
	require.NoError(t, be.WriteObject(prefix, sbBuf))

	path := filepath.Join(t.TempDir(), "dev.img")
	formatDevice(t, path)

	v, err := Open(be, Config{
		DevicePath:   path,
		VolumePrefix: prefix,
		BatchSize:    64 * 1024,
		WcacheBatch:  1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func sectorBuf(n int, fill byte) []byte {
	b := make([]byte, n*wire.SectorSize)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestWritevThenReadvRoundTrips(t *testing.T) {
	be := newMemBackend()
	v := newTestVolume(t, be, "vol0", 4096)

	data := sectorBuf(4, 0x5A)
	n, err := v.Writev(0, [][]byte{data})
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	out := make([]byte, len(data))
	n, err = v.Readv(0, [][]byte{out})
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, out)
}

func TestReadvUnmappedRangeIsZero(t *testing.T) {
	be := newMemBackend()
	v := newTestVolume(t, be, "vol0", 4096)

	out := sectorBuf(4, 0xFF)
	_, err := v.Readv(8*wire.SectorSize, [][]byte{out})
	require.NoError(t, err)
	require.Equal(t, sectorBuf(4, 0), out)
}

func TestReadvReturnsDataAfterCheckpointAndReopen(t *testing.T) {
	be := newMemBackend()
	path := filepath.Join(t.TempDir(), "dev.img")
	formatDevice(t, path)

	prefix := "vol0"
	sbBuf := wire.EncodeSuperObject([16]byte{9}, 4096, 0, nil, nil, nil)
	require.NoError(t, be.WriteObject(prefix, sbBuf))

	v, err := Open(be, Config{DevicePath: path, VolumePrefix: prefix, BatchSize: 64 * 1024, WcacheBatch: 1})
	require.NoError(t, err)

	data := sectorBuf(2, 0x77)
	_, err = v.Writev(0, [][]byte{data})
	require.NoError(t, err)

	_, err = v.tr.Checkpoint()
	require.NoError(t, err)

	require.NoError(t, v.Close())

	v2, err := Open(be, Config{DevicePath: path, VolumePrefix: prefix, BatchSize: 64 * 1024, WcacheBatch: 1})
	require.NoError(t, err)
	defer v2.Close()

	out := make([]byte, len(data))
	_, err = v2.Readv(0, [][]byte{out})
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestFlushReturnsIncreasingSequence(t *testing.T) {
	be := newMemBackend()
	v := newTestVolume(t, be, "vol0", 4096)

	_, err := v.Writev(0, [][]byte{sectorBuf(1, 1)})
	require.NoError(t, err)
	seq1, err := v.Flush()
	require.NoError(t, err)

	_, err = v.Writev(0, [][]byte{sectorBuf(1, 2)})
	require.NoError(t, err)
	seq2, err := v.Flush()
	require.NoError(t, err)

	require.Greater(t, seq2, seq1)
}

func TestAioWriteThenAioReadRoundTrips(t *testing.T) {
	be := newMemBackend()
	v := newTestVolume(t, be, "vol0", 4096)

	data := sectorBuf(2, 0x33)
	done := make(chan error, 1)
	v.AioWrite(0, [][]byte{data}, func(err error) { done <- err })
	require.NoError(t, <-done)

	out := make([]byte, len(data))
	v.AioRead(0, [][]byte{out}, func(err error) { done <- err })
	require.NoError(t, <-done)
	require.Equal(t, data, out)
}
