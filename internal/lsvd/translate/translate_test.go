// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package translate

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asch/lsvd/internal/backend"
	"github.com/asch/lsvd/internal/lsvd/wire"
)

var errNotFound = errors.New("object not found")

// memBackend is an in-memory backend.Backend used by these tests in place
// of a real object store, in the style of the fakes the teacher's mapproxy
// tests build around an in-process channel.
type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[string][]byte)}
}

func (m *memBackend) WriteObject(name string, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), buf...)
	m.objects[name] = cp
	return nil
}

func (m *memBackend) ReadObject(name string, buf []byte, offset int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[name]
	if !ok {
		return 0, errNotFound
	}
	if offset >= int64(len(obj)) {
		return 0, nil
	}
	n := copy(buf, obj[offset:])
	return n, nil
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

func (m *memBackend) DeleteFromSeq(prefix string, fromSeq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := prefix + "."
	for name := range m.objects {
		if !strings.HasPrefix(name, want) {
			continue
		}
		var seq uint64
		if _, err := fmt.Sscanf(name[len(want):], "%08x", &seq); err != nil {
			continue
		}
		if seq >= fromSeq {
			delete(m.objects, name)
		}
	}
	return nil
}

var _ backend.Backend = (*memBackend)(nil)

func makeSuper(t *testing.T, be backend.Backend, prefix string, volSectors uint64) [16]byte {
	t.Helper()
	var uuid [16]byte
	copy(uuid[:], "test-volume-uuid")
	buf := wire.EncodeSuperObject(uuid, volSectors, 0, nil, nil, nil)
	require.NoError(t, be.WriteObject(prefix, buf))
	return uuid
}

func newTestTranslate(t *testing.T, volSectors uint64) (*Translate, *memBackend) {
	t.Helper()
	be := newMemBackend()
	makeSuper(t, be, "vol0", volSectors)

	tr := New(be, Config{BatchSize: 64 * 1024, VolumePrefix: "vol0"})
	_, err := tr.Init(2, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, be
}

func sectorBuf(n int, fill byte) []byte {
	b := make([]byte, n*wire.SectorSize)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestInitReadsVolumeSize(t *testing.T) {
	tr, _ := newTestTranslate(t, 2048)
	require.Equal(t, int64(2048*wire.SectorSize), tr.volSizeSectors*wire.SectorSize)
}

func TestWritevThenReadRoundTrips(t *testing.T) {
	tr, _ := newTestTranslate(t, 2048)

	data := sectorBuf(4, 0xAB)
	n, err := tr.Writev(0, [][]byte{data}, false)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	seq := tr.Flush()
	require.GreaterOrEqual(t, seq, uint64(0))

	waitForApply(t, tr)

	out := make([]byte, len(data))
	n, err = tr.Read(0, out)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, out)
}

func TestReadGapReturnsZeros(t *testing.T) {
	tr, _ := newTestTranslate(t, 2048)

	out := sectorBuf(4, 0xFF)
	n, err := tr.Read(0, out)
	require.NoError(t, err)
	require.Equal(t, len(out), n)
	for _, b := range out {
		require.Equal(t, byte(0), b)
	}
}

func TestNocacheWriteVisibleBeforeFlush(t *testing.T) {
	tr, _ := newTestTranslate(t, 2048)

	data := sectorBuf(2, 0x11)
	_, err := tr.Writev(wire.SectorSize*10, [][]byte{data}, true)
	require.NoError(t, err)

	out := make([]byte, len(data))
	_, err = tr.Read(wire.SectorSize*10, out)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestOverwriteDisplacesOldMapping(t *testing.T) {
	tr, _ := newTestTranslate(t, 2048)

	first := sectorBuf(4, 0x01)
	_, err := tr.Writev(0, [][]byte{first}, false)
	require.NoError(t, err)
	tr.Flush()
	waitForApply(t, tr)

	second := sectorBuf(2, 0x02)
	_, err = tr.Writev(wire.SectorSize, [][]byte{second}, false)
	require.NoError(t, err)
	tr.Flush()
	waitForApply(t, tr)

	out := make([]byte, 4*wire.SectorSize)
	_, err = tr.Read(0, out)
	require.NoError(t, err)

	require.Equal(t, byte(0x01), out[0])
	require.Equal(t, byte(0x02), out[wire.SectorSize])
	require.Equal(t, byte(0x02), out[2*wire.SectorSize-1])
	require.Equal(t, byte(0x01), out[3*wire.SectorSize])
}

func TestCheckpointThenRecover(t *testing.T) {
	be := newMemBackend()
	makeSuper(t, be, "vol0", 4096)

	tr := New(be, Config{BatchSize: 64 * 1024, VolumePrefix: "vol0"})
	_, err := tr.Init(2, false)
	require.NoError(t, err)

	data := sectorBuf(4, 0x77)
	_, err = tr.Writev(0, [][]byte{data}, false)
	require.NoError(t, err)
	tr.Flush()
	waitForApply(t, tr)

	_, err = tr.Checkpoint()
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	tr2 := New(be, Config{BatchSize: 64 * 1024, VolumePrefix: "vol0"})
	_, err = tr2.Init(2, false)
	require.NoError(t, err)
	defer tr2.Close()

	out := make([]byte, len(data))
	_, err = tr2.Read(0, out)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestWritevRejectsUnalignedOffset(t *testing.T) {
	tr, _ := newTestTranslate(t, 2048)
	_, err := tr.Writev(1, [][]byte{sectorBuf(1, 0)}, false)
	require.Error(t, err)
}

func TestWritevRejectsOversizeSegment(t *testing.T) {
	tr, _ := newTestTranslate(t, 2048)
	_, err := tr.Writev(0, [][]byte{make([]byte, tr.cfg.BatchSize+wire.SectorSize)}, false)
	require.Error(t, err)
}

func waitForApply(t *testing.T, tr *Translate) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tr.mu.Lock()
		empty := len(tr.inMemObjects) == 0
		tr.mu.Unlock()
		if empty {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for batch apply")
}
