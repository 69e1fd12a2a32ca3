// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataObjectRoundTrip(t *testing.T) {
	uuid := [16]byte{1, 2, 3}
	payload := make([]byte, 2*SectorSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	buf := EncodeDataObject(uuid, 42, 41,
		[]uint64{10, 20},
		[]ObjCleaned{{Seq: 5, WasDeleted: true}},
		[]DataMapEntry{{LBA: 100, Len: 2}},
		payload)

	d, err := DecodeDataObjectHeader(buf)
	require.NoError(t, err)
	require.Equal(t, ObjData, d.Header.Type)
	require.Equal(t, uint64(42), d.Header.Seq)
	require.Equal(t, uint64(41), d.LastDataObj)
	require.Equal(t, []uint64{10, 20}, d.Ckpts)
	require.Equal(t, []ObjCleaned{{Seq: 5, WasDeleted: true}}, d.ObjsCleaned)
	require.Equal(t, []DataMapEntry{{LBA: 100, Len: 2}}, d.Map)

	gotPayload := buf[d.Header.HdrSectors*SectorSize:]
	require.Equal(t, payload, gotPayload)
}

func TestCkptObjectRoundTrip(t *testing.T) {
	uuid := [16]byte{9}
	buf := EncodeCkptObject(uuid, 7,
		[]uint64{1, 2, 3},
		[]CkptObjEntry{{Seq: 1, HdrSectors: 8, DataSectors: 100, LiveSectors: 50}},
		[]DeleteEntry{{Seq: 1, Time: 123}},
		[]CkptMapEntry{{LBA: 0, Len: 10, Obj: 1, Offset: 8}})

	c, err := DecodeCkptObject(buf)
	require.NoError(t, err)
	require.Equal(t, ObjCkpt, c.Header.Type)
	require.Equal(t, []uint64{1, 2, 3}, c.Ckpts)
	require.Len(t, c.Objs, 1)
	require.Equal(t, uint64(50), c.Objs[0].LiveSectors)
	require.Len(t, c.Deletes, 1)
	require.Len(t, c.Map, 1)
}

func TestSuperObjectRoundTrip(t *testing.T) {
	uuid := [16]byte{3}
	buf := EncodeSuperObject(uuid, 1<<20, 5, []uint64{1, 2}, []byte("clone"), []byte("snap"))

	s, err := DecodeSuperObject(buf)
	require.NoError(t, err)
	require.Equal(t, uint64(1<<20), s.VolSize)
	require.Equal(t, uint64(5), s.NextObj)
	require.Equal(t, []uint64{1, 2}, s.Ckpts)
	require.Equal(t, []byte("clone"), s.Clones)
	require.Equal(t, []byte("snap"), s.Snaps)
}

func TestSuperObjectEmptyClonesSnaps(t *testing.T) {
	uuid := [16]byte{}
	buf := EncodeSuperObject(uuid, 0, 0, nil, nil, nil)
	s, err := DecodeSuperObject(buf)
	require.NoError(t, err)
	require.Empty(t, s.Ckpts)
	require.Empty(t, s.Clones)
}

func TestJournalHeaderRoundTrip(t *testing.T) {
	h := JournalHeader{
		Type: RecData, Version: Version, Seq: 99, TotalPages: 3,
		Extents: []JournalExtent{{LBA: 0, Len: 8}, {LBA: 100, Len: 16}},
	}
	buf := EncodeJournalHeader(h)
	require.Len(t, buf, HeaderAlign)

	got, err := DecodeJournalHeader(buf)
	require.NoError(t, err)
	require.Equal(t, RecData, got.Type)
	require.Equal(t, uint64(99), got.Seq)
	require.Equal(t, uint32(3), got.TotalPages)
	require.Equal(t, h.Extents, got.Extents)
}

func TestJournalHeaderChecksumCatchesCorruption(t *testing.T) {
	h := JournalHeader{Type: RecData, Version: Version, Seq: 1, TotalPages: 1}
	buf := EncodeJournalHeader(h)
	buf[30] ^= 0xff

	_, err := DecodeJournalHeader(buf)
	require.Error(t, err)
}

func TestJournalHeaderBadMagic(t *testing.T) {
	buf := make([]byte, HeaderAlign)
	_, err := DecodeJournalHeader(buf)
	require.Error(t, err)
}

func TestWriteCacheSuperRoundTrip(t *testing.T) {
	s := WriteCacheSuper{
		Base: 10, Limit: 1000, Next: 20, Oldest: 10, Seq: 55,
		MapStart: 2, MapBlocks: 3, MapEntries: 4,
		LenStart: 5, LenBlocks: 6, LenEntries: 7,
		MetaBase: 1000, MetaLimit: 1100,
	}
	buf := EncodeWriteCacheSuper(s)
	got, err := DecodeWriteCacheSuper(buf)
	require.NoError(t, err)
	got.Magic = 0
	require.Equal(t, s, got)
}

func TestReadCacheSuperRoundTrip(t *testing.T) {
	s := ReadCacheSuper{UnitSize: 128, Base: 1100, Units: 256, MapStart: 1101, MapBlocks: 1, BitmapStart: 1102, BitmapBlocks: 1}
	buf := EncodeReadCacheSuper(s)
	got, err := DecodeReadCacheSuper(buf)
	require.NoError(t, err)
	got.Magic = 0
	require.Equal(t, s, got)
}

func TestRCacheSlotsRoundTrip(t *testing.T) {
	slots := []RCacheSlot{
		{Obj: 7, UnitBase: 0, Bitmap: 0xFFFF},
		{Obj: 0, UnitBase: 0, Bitmap: 0},
		{Obj: 42, UnitBase: 65536, Bitmap: 0x0007},
	}
	buf := EncodeRCacheSlots(slots)
	got := DecodeRCacheSlots(buf, len(slots))
	require.Equal(t, slots, got)
}

func TestOuterSuperRoundTrip(t *testing.T) {
	s := OuterSuper{WriteSuperPage: 1, ReadSuperPage: 1100}
	buf := EncodeOuterSuper(s)
	got, err := DecodeOuterSuper(buf)
	require.NoError(t, err)
	require.Equal(t, s.WriteSuperPage, got.WriteSuperPage)
	require.Equal(t, s.ReadSuperPage, got.ReadSuperPage)
}

func TestMapExtentsRoundTrip(t *testing.T) {
	entries := []MapExtent{{LBA: 0, Len: 8, PLBA: 100}, {LBA: 8, Len: 8, PLBA: 108}}
	buf := EncodeMapExtents(entries)
	got := DecodeMapExtents(buf, len(entries))
	require.Equal(t, entries, got)
}

func TestRecordLengthsRoundTrip(t *testing.T) {
	entries := []RecordLength{{Page: 10, Len: 3}, {Page: 13, Len: 5}}
	buf := EncodeRecordLengths(entries)
	got := DecodeRecordLengths(buf, len(entries))
	require.Equal(t, entries, got)
}
