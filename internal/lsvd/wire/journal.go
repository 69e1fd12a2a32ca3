// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/asch/lsvd/internal/lsvd/lsvderr"
)

// RecType distinguishes the kinds of journal record spec.md §3 names.
type RecType uint32

const (
	RecData RecType = 10
	RecPad  RecType = 12
)

// JournalExtent is one {lba,len} entry inside a DATA journal record,
// naming the payload sectors that follow the header.
type JournalExtent struct {
	LBA int64
	Len int64
}

// JournalHeader is the fixed 4 KiB header at the start of every journal
// record. Checksum covers the fields after itself (sequence, total pages,
// extent count and extent array) but not the zero padding that fills the
// rest of the page; it is computed with xxhash64 in place of the
// original's crc32 field.
type JournalHeader struct {
	Magic      uint32
	Type       RecType
	Version    uint32
	Seq        uint64
	TotalPages uint32
	Checksum   uint64
	Extents    []JournalExtent
}

// EncodeJournalHeader renders h into exactly one HeaderAlign-byte page.
func EncodeJournalHeader(h JournalHeader) []byte {
	var extBuf bytes.Buffer
	for _, e := range h.Extents {
		binary.Write(&extBuf, binary.LittleEndian, e.LBA)
		binary.Write(&extBuf, binary.LittleEndian, e.Len)
	}

	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, h.Seq)
	binary.Write(&body, binary.LittleEndian, h.TotalPages)
	binary.Write(&body, binary.LittleEndian, uint32(len(h.Extents)))
	body.Write(extBuf.Bytes())

	checksum := xxhash.Sum64(body.Bytes())

	out := make([]byte, HeaderAlign)
	w := bytes.NewBuffer(out[:0])
	binary.Write(w, binary.LittleEndian, uint32(Magic))
	binary.Write(w, binary.LittleEndian, h.Type)
	binary.Write(w, binary.LittleEndian, h.Version)
	binary.Write(w, binary.LittleEndian, checksum)
	w.Write(body.Bytes())

	return out
}

// DecodeJournalHeader parses and validates a journal record header. A
// magic, version or checksum mismatch returns lsvderr.Corrupt (the
// expected-sequence check is left to the caller); per
// spec.md §4.2/§7 the write cache treats that as a benign end-of-log
// signal during recovery, not as data corruption to repair.
func DecodeJournalHeader(buf []byte) (JournalHeader, error) {
	if len(buf) < HeaderAlign {
		return JournalHeader{}, lsvderr.Corrupt
	}

	r := bytes.NewReader(buf)
	var magic uint32
	var h JournalHeader
	var checksum uint64

	binary.Read(r, binary.LittleEndian, &magic)
	binary.Read(r, binary.LittleEndian, &h.Type)
	binary.Read(r, binary.LittleEndian, &h.Version)
	binary.Read(r, binary.LittleEndian, &checksum)

	if magic != Magic || h.Version != Version {
		return JournalHeader{}, lsvderr.Corrupt
	}

	body := buf[4+4+4+8:]
	bodyReader := bytes.NewReader(body)
	binary.Read(bodyReader, binary.LittleEndian, &h.Seq)
	binary.Read(bodyReader, binary.LittleEndian, &h.TotalPages)

	var n uint32
	binary.Read(bodyReader, binary.LittleEndian, &n)
	h.Extents = make([]JournalExtent, n)
	for i := range h.Extents {
		binary.Read(bodyReader, binary.LittleEndian, &h.Extents[i].LBA)
		binary.Read(bodyReader, binary.LittleEndian, &h.Extents[i].Len)
	}

	// Recompute checksum over the same body bytes that were hashed at
	// encode time: seq, totalpages, extent count and extents, without
	// the zero padding tail.
	var recomputed bytes.Buffer
	binary.Write(&recomputed, binary.LittleEndian, h.Seq)
	binary.Write(&recomputed, binary.LittleEndian, h.TotalPages)
	binary.Write(&recomputed, binary.LittleEndian, uint32(len(h.Extents)))
	for _, e := range h.Extents {
		binary.Write(&recomputed, binary.LittleEndian, e.LBA)
		binary.Write(&recomputed, binary.LittleEndian, e.Len)
	}

	if xxhash.Sum64(recomputed.Bytes()) != checksum {
		return JournalHeader{}, lsvderr.Corrupt
	}

	return h, nil
}

// WriteCacheSuper is the write cache's on-disk superblock, spec.md §3
// "Write-cache superblock". All page-indexed fields are in 4 KiB pages on
// the local device.
type WriteCacheSuper struct {
	Magic      uint32
	Base       uint32
	Limit      uint32
	Next       uint32
	Oldest     uint32
	Seq        uint64
	MapStart   uint32
	MapBlocks  uint32
	MapEntries uint32
	LenStart   uint32
	LenBlocks  uint32
	LenEntries uint32
	MetaBase   uint32
	MetaLimit  uint32
}

func EncodeWriteCacheSuper(s WriteCacheSuper) []byte {
	out := make([]byte, HeaderAlign)
	w := bytes.NewBuffer(out[:0])
	binary.Write(w, binary.LittleEndian, uint32(Magic))
	binary.Write(w, binary.LittleEndian, s.Base)
	binary.Write(w, binary.LittleEndian, s.Limit)
	binary.Write(w, binary.LittleEndian, s.Next)
	binary.Write(w, binary.LittleEndian, s.Oldest)
	binary.Write(w, binary.LittleEndian, s.Seq)
	binary.Write(w, binary.LittleEndian, s.MapStart)
	binary.Write(w, binary.LittleEndian, s.MapBlocks)
	binary.Write(w, binary.LittleEndian, s.MapEntries)
	binary.Write(w, binary.LittleEndian, s.LenStart)
	binary.Write(w, binary.LittleEndian, s.LenBlocks)
	binary.Write(w, binary.LittleEndian, s.LenEntries)
	binary.Write(w, binary.LittleEndian, s.MetaBase)
	binary.Write(w, binary.LittleEndian, s.MetaLimit)
	return out
}

func DecodeWriteCacheSuper(buf []byte) (WriteCacheSuper, error) {
	if len(buf) < HeaderAlign {
		return WriteCacheSuper{}, lsvderr.Corrupt
	}
	r := bytes.NewReader(buf)
	var magic uint32
	var s WriteCacheSuper
	binary.Read(r, binary.LittleEndian, &magic)
	if magic != Magic {
		return WriteCacheSuper{}, lsvderr.Corrupt
	}
	binary.Read(r, binary.LittleEndian, &s.Base)
	binary.Read(r, binary.LittleEndian, &s.Limit)
	binary.Read(r, binary.LittleEndian, &s.Next)
	binary.Read(r, binary.LittleEndian, &s.Oldest)
	binary.Read(r, binary.LittleEndian, &s.Seq)
	binary.Read(r, binary.LittleEndian, &s.MapStart)
	binary.Read(r, binary.LittleEndian, &s.MapBlocks)
	binary.Read(r, binary.LittleEndian, &s.MapEntries)
	binary.Read(r, binary.LittleEndian, &s.LenStart)
	binary.Read(r, binary.LittleEndian, &s.LenBlocks)
	binary.Read(r, binary.LittleEndian, &s.LenEntries)
	binary.Read(r, binary.LittleEndian, &s.MetaBase)
	binary.Read(r, binary.LittleEndian, &s.MetaLimit)
	s.Magic = magic
	return s, nil
}

// MapExtent is one entry of the write cache's checkpointed forward map.
type MapExtent struct {
	LBA, Len, PLBA int64
}

// RecordLength names one still-relevant journal record by its starting
// page and page length, for cache_blocks[] reconstruction at open.
type RecordLength struct {
	Page uint32
	Len  uint32
}

func EncodeMapExtents(entries []MapExtent) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		binary.Write(&buf, binary.LittleEndian, e.LBA)
		binary.Write(&buf, binary.LittleEndian, e.Len)
		binary.Write(&buf, binary.LittleEndian, e.PLBA)
	}
	return buf.Bytes()
}

func DecodeMapExtents(buf []byte, n int) []MapExtent {
	r := bytes.NewReader(buf)
	out := make([]MapExtent, n)
	for i := range out {
		binary.Read(r, binary.LittleEndian, &out[i].LBA)
		binary.Read(r, binary.LittleEndian, &out[i].Len)
		binary.Read(r, binary.LittleEndian, &out[i].PLBA)
	}
	return out
}

func EncodeRecordLengths(entries []RecordLength) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		binary.Write(&buf, binary.LittleEndian, e.Page)
		binary.Write(&buf, binary.LittleEndian, e.Len)
	}
	return buf.Bytes()
}

func DecodeRecordLengths(buf []byte, n int) []RecordLength {
	r := bytes.NewReader(buf)
	out := make([]RecordLength, n)
	for i := range out {
		binary.Read(r, binary.LittleEndian, &out[i].Page)
		binary.Read(r, binary.LittleEndian, &out[i].Len)
	}
	return out
}

// ReadCacheSuper is the read cache's on-disk superblock, spec.md §3.
type ReadCacheSuper struct {
	Magic         uint32
	UnitSize      uint32
	Base          uint32
	Units         uint32
	MapStart      uint32
	MapBlocks     uint32
	BitmapStart   uint32
	BitmapBlocks  uint32
}

func EncodeReadCacheSuper(s ReadCacheSuper) []byte {
	out := make([]byte, HeaderAlign)
	w := bytes.NewBuffer(out[:0])
	binary.Write(w, binary.LittleEndian, uint32(Magic))
	binary.Write(w, binary.LittleEndian, s.UnitSize)
	binary.Write(w, binary.LittleEndian, s.Base)
	binary.Write(w, binary.LittleEndian, s.Units)
	binary.Write(w, binary.LittleEndian, s.MapStart)
	binary.Write(w, binary.LittleEndian, s.MapBlocks)
	binary.Write(w, binary.LittleEndian, s.BitmapStart)
	binary.Write(w, binary.LittleEndian, s.BitmapBlocks)
	return out
}

func DecodeReadCacheSuper(buf []byte) (ReadCacheSuper, error) {
	if len(buf) < HeaderAlign {
		return ReadCacheSuper{}, lsvderr.Corrupt
	}
	r := bytes.NewReader(buf)
	var magic uint32
	var s ReadCacheSuper
	binary.Read(r, binary.LittleEndian, &magic)
	if magic != Magic {
		return ReadCacheSuper{}, lsvderr.Corrupt
	}
	binary.Read(r, binary.LittleEndian, &s.UnitSize)
	binary.Read(r, binary.LittleEndian, &s.Base)
	binary.Read(r, binary.LittleEndian, &s.Units)
	binary.Read(r, binary.LittleEndian, &s.MapStart)
	binary.Read(r, binary.LittleEndian, &s.MapBlocks)
	binary.Read(r, binary.LittleEndian, &s.BitmapStart)
	binary.Read(r, binary.LittleEndian, &s.BitmapBlocks)
	s.Magic = magic
	return s, nil
}

// OuterSuper is page 0 of the local device, spec.md §6 "Local device
// layout": it just names where the write-cache and read-cache
// superblocks live.
type OuterSuper struct {
	Magic          uint32
	WriteSuperPage uint32
	ReadSuperPage  uint32
}

func EncodeOuterSuper(s OuterSuper) []byte {
	out := make([]byte, HeaderAlign)
	w := bytes.NewBuffer(out[:0])
	binary.Write(w, binary.LittleEndian, uint32(Magic))
	binary.Write(w, binary.LittleEndian, s.WriteSuperPage)
	binary.Write(w, binary.LittleEndian, s.ReadSuperPage)
	return out
}

// RCacheSlot is one entry of the read cache's persisted slot table: which
// object/unit a slab slot holds, and a 16-bit mask of which of its 4 KiB
// pages currently hold valid data (spec.md §3 "bitmap[i]"). A slot with a
// zero bitmap holds no valid data and is free.
type RCacheSlot struct {
	Obj      uint64
	UnitBase int64
	Bitmap   uint16
}

func EncodeRCacheSlots(entries []RCacheSlot) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		binary.Write(&buf, binary.LittleEndian, e.Obj)
		binary.Write(&buf, binary.LittleEndian, e.UnitBase)
		binary.Write(&buf, binary.LittleEndian, e.Bitmap)
	}
	return buf.Bytes()
}

func DecodeRCacheSlots(buf []byte, n int) []RCacheSlot {
	r := bytes.NewReader(buf)
	out := make([]RCacheSlot, n)
	for i := range out {
		binary.Read(r, binary.LittleEndian, &out[i].Obj)
		binary.Read(r, binary.LittleEndian, &out[i].UnitBase)
		binary.Read(r, binary.LittleEndian, &out[i].Bitmap)
	}
	return out
}

func DecodeOuterSuper(buf []byte) (OuterSuper, error) {
	if len(buf) < HeaderAlign {
		return OuterSuper{}, lsvderr.Corrupt
	}
	r := bytes.NewReader(buf)
	var s OuterSuper
	binary.Read(r, binary.LittleEndian, &s.Magic)
	if s.Magic != Magic {
		return OuterSuper{}, lsvderr.Corrupt
	}
	binary.Read(r, binary.LittleEndian, &s.WriteSuperPage)
	binary.Read(r, binary.LittleEndian, &s.ReadSuperPage)
	return s, nil
}
