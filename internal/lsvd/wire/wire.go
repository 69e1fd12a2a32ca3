// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package wire encodes and decodes every persisted structure named in
// spec.md §3 and §6: backend object headers (superblock, DATA, CKPT) and
// the local-device journal record header used by the write cache. All
// integers are little-endian; every structure round-trips exactly through
// Encode/Decode, which is what §8's "Serialize(Deserialize(x)) == x"
// property depends on.
package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/asch/lsvd/internal/lsvd/lsvderr"
)

const (
	// Magic identifies every on-disk structure this package writes. It is
	// versioned by the Version field alongside it, never bumped itself.
	Magic = 0x4456534c

	Version = 1

	// SectorSize is the fixed unit of addressing across the whole
	// system; every LBA, extent length and object offset is in sectors.
	SectorSize = 512

	// HeaderAlign is the block size journal records and local-device I/O
	// are aligned to. Backend object headers are padded to whole sectors
	// (SectorSize), not to HeaderAlign.
	HeaderAlign = 4096
)

// ObjType distinguishes the three kinds of backend object.
type ObjType uint32

const (
	ObjSuper ObjType = 1
	ObjData  ObjType = 2
	ObjCkpt  ObjType = 3
)

// Header is the fixed part of every backend object, spec.md §3
// "Backend object".
type Header struct {
	Magic      uint32
	Version    uint32
	UUID       [16]byte
	Type       ObjType
	Seq        uint64
	HdrSectors uint32
	DataSectors uint32
}

func (h Header) encode(buf *bytes.Buffer) {
	binary.Write(buf, binary.LittleEndian, h.Magic)
	binary.Write(buf, binary.LittleEndian, h.Version)
	buf.Write(h.UUID[:])
	binary.Write(buf, binary.LittleEndian, h.Type)
	binary.Write(buf, binary.LittleEndian, h.Seq)
	binary.Write(buf, binary.LittleEndian, h.HdrSectors)
	binary.Write(buf, binary.LittleEndian, h.DataSectors)
}

const headerFixedLen = 4 + 4 + 16 + 4 + 8 + 4 + 4

func decodeHeader(r *bytes.Reader) (Header, error) {
	var h Header
	binary.Read(r, binary.LittleEndian, &h.Magic)
	binary.Read(r, binary.LittleEndian, &h.Version)
	readFull(r, h.UUID[:])
	binary.Read(r, binary.LittleEndian, &h.Type)
	binary.Read(r, binary.LittleEndian, &h.Seq)
	binary.Read(r, binary.LittleEndian, &h.HdrSectors)
	binary.Read(r, binary.LittleEndian, &h.DataSectors)

	if h.Magic != Magic || h.Version != Version {
		return Header{}, lsvderr.Corrupt
	}
	return h, nil
}

// readFull reads exactly len(p) bytes from r, unlike a single Read call
// which bytes.Reader can satisfy short.
func readFull(r *bytes.Reader, p []byte) {
	io.ReadFull(r, p)
}

// DataMapEntry is one {lba,len} pair inside a DATA object's map array.
type DataMapEntry struct {
	LBA int64
	Len int64
}

// ObjCleaned records that seq was fully superseded as of this object.
type ObjCleaned struct {
	Seq        uint64
	WasDeleted bool
}

// DataObject is the parsed form of a DATA backend object.
type DataObject struct {
	Header      Header
	LastDataObj uint64
	Ckpts       []uint64
	ObjsCleaned []ObjCleaned
	Map         []DataMapEntry
	Payload     []byte
}

// EncodeDataObject serializes a DATA object: fixed header, sub-header,
// arrays, then payload sectors in map order. hdrSectors is computed here
// and stamped into the returned header region.
func EncodeDataObject(uuid [16]byte, seq uint64, lastDataObj uint64, ckpts []uint64,
	objsCleaned []ObjCleaned, mapEntries []DataMapEntry, payload []byte) []byte {

	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, lastDataObj)

	binary.Write(&body, binary.LittleEndian, uint32(len(ckpts)))
	for _, c := range ckpts {
		binary.Write(&body, binary.LittleEndian, c)
	}

	binary.Write(&body, binary.LittleEndian, uint32(len(objsCleaned)))
	for _, oc := range objsCleaned {
		binary.Write(&body, binary.LittleEndian, oc.Seq)
		binary.Write(&body, binary.LittleEndian, oc.WasDeleted)
	}

	binary.Write(&body, binary.LittleEndian, uint32(len(mapEntries)))
	for _, m := range mapEntries {
		binary.Write(&body, binary.LittleEndian, m.LBA)
		binary.Write(&body, binary.LittleEndian, m.Len)
	}

	hdrLen := headerFixedLen + body.Len()
	hdrSectors := (hdrLen + SectorSize - 1) / SectorSize
	dataSectors := len(payload) / SectorSize

	h := Header{
		Magic: Magic, Version: Version, UUID: uuid, Type: ObjData,
		Seq: seq, HdrSectors: uint32(hdrSectors), DataSectors: uint32(dataSectors),
	}

	out := make([]byte, 0, hdrSectors*SectorSize+len(payload))
	var hb bytes.Buffer
	h.encode(&hb)
	out = append(out, hb.Bytes()...)
	out = append(out, body.Bytes()...)
	if pad := hdrSectors*SectorSize - len(out); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	out = append(out, payload...)

	return out
}

// DecodeDataObjectHeader parses only the header region (cheap; used by
// translate's forward-scan recovery, which never reads payload).
func DecodeDataObjectHeader(buf []byte) (DataObject, error) {
	r := bytes.NewReader(buf)
	h, err := decodeHeader(r)
	if err != nil {
		return DataObject{}, err
	}
	if h.Type != ObjData {
		return DataObject{}, lsvderr.Corrupt
	}

	var d DataObject
	d.Header = h
	binary.Read(r, binary.LittleEndian, &d.LastDataObj)

	var n uint32
	binary.Read(r, binary.LittleEndian, &n)
	d.Ckpts = make([]uint64, n)
	for i := range d.Ckpts {
		binary.Read(r, binary.LittleEndian, &d.Ckpts[i])
	}

	binary.Read(r, binary.LittleEndian, &n)
	d.ObjsCleaned = make([]ObjCleaned, n)
	for i := range d.ObjsCleaned {
		binary.Read(r, binary.LittleEndian, &d.ObjsCleaned[i].Seq)
		binary.Read(r, binary.LittleEndian, &d.ObjsCleaned[i].WasDeleted)
	}

	binary.Read(r, binary.LittleEndian, &n)
	d.Map = make([]DataMapEntry, n)
	for i := range d.Map {
		binary.Read(r, binary.LittleEndian, &d.Map[i].LBA)
		binary.Read(r, binary.LittleEndian, &d.Map[i].Len)
	}

	return d, nil
}

// CkptObjEntry is one entry of a checkpoint's live-object table.
type CkptObjEntry struct {
	Seq         uint64
	HdrSectors  uint32
	DataSectors uint32
	LiveSectors uint64
}

// CkptMapEntry is one fully-resolved {lba,len,obj,offset} map entry.
type CkptMapEntry struct {
	LBA, Len, Obj, Offset int64
}

// DeleteEntry names an object considered a candidate for later deletion.
type DeleteEntry struct {
	Seq  uint64
	Time int64
}

// CkptObject is the parsed form of a CKPT backend object.
type CkptObject struct {
	Header  Header
	Ckpts   []uint64
	Objs    []CkptObjEntry
	Deletes []DeleteEntry
	Map     []CkptMapEntry
}

func EncodeCkptObject(uuid [16]byte, seq uint64, ckpts []uint64, objs []CkptObjEntry,
	deletes []DeleteEntry, mapEntries []CkptMapEntry) []byte {

	var body bytes.Buffer

	binary.Write(&body, binary.LittleEndian, uint32(len(ckpts)))
	for _, c := range ckpts {
		binary.Write(&body, binary.LittleEndian, c)
	}

	binary.Write(&body, binary.LittleEndian, uint32(len(objs)))
	for _, o := range objs {
		binary.Write(&body, binary.LittleEndian, o.Seq)
		binary.Write(&body, binary.LittleEndian, o.HdrSectors)
		binary.Write(&body, binary.LittleEndian, o.DataSectors)
		binary.Write(&body, binary.LittleEndian, o.LiveSectors)
	}

	binary.Write(&body, binary.LittleEndian, uint32(len(deletes)))
	for _, d := range deletes {
		binary.Write(&body, binary.LittleEndian, d.Seq)
		binary.Write(&body, binary.LittleEndian, d.Time)
	}

	binary.Write(&body, binary.LittleEndian, uint32(len(mapEntries)))
	for _, m := range mapEntries {
		binary.Write(&body, binary.LittleEndian, m.LBA)
		binary.Write(&body, binary.LittleEndian, m.Len)
		binary.Write(&body, binary.LittleEndian, m.Obj)
		binary.Write(&body, binary.LittleEndian, m.Offset)
	}

	hdrLen := headerFixedLen + body.Len()
	hdrSectors := (hdrLen + SectorSize - 1) / SectorSize

	h := Header{
		Magic: Magic, Version: Version, UUID: uuid, Type: ObjCkpt,
		Seq: seq, HdrSectors: uint32(hdrSectors),
	}

	out := make([]byte, 0, hdrSectors*SectorSize)
	var hb bytes.Buffer
	h.encode(&hb)
	out = append(out, hb.Bytes()...)
	out = append(out, body.Bytes()...)
	if pad := hdrSectors*SectorSize - len(out); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}

	return out
}

func DecodeCkptObject(buf []byte) (CkptObject, error) {
	r := bytes.NewReader(buf)
	h, err := decodeHeader(r)
	if err != nil {
		return CkptObject{}, err
	}
	if h.Type != ObjCkpt {
		return CkptObject{}, lsvderr.Corrupt
	}

	var c CkptObject
	c.Header = h

	var n uint32
	binary.Read(r, binary.LittleEndian, &n)
	c.Ckpts = make([]uint64, n)
	for i := range c.Ckpts {
		binary.Read(r, binary.LittleEndian, &c.Ckpts[i])
	}

	binary.Read(r, binary.LittleEndian, &n)
	c.Objs = make([]CkptObjEntry, n)
	for i := range c.Objs {
		binary.Read(r, binary.LittleEndian, &c.Objs[i].Seq)
		binary.Read(r, binary.LittleEndian, &c.Objs[i].HdrSectors)
		binary.Read(r, binary.LittleEndian, &c.Objs[i].DataSectors)
		binary.Read(r, binary.LittleEndian, &c.Objs[i].LiveSectors)
	}

	binary.Read(r, binary.LittleEndian, &n)
	c.Deletes = make([]DeleteEntry, n)
	for i := range c.Deletes {
		binary.Read(r, binary.LittleEndian, &c.Deletes[i].Seq)
		binary.Read(r, binary.LittleEndian, &c.Deletes[i].Time)
	}

	binary.Read(r, binary.LittleEndian, &n)
	c.Map = make([]CkptMapEntry, n)
	for i := range c.Map {
		binary.Read(r, binary.LittleEndian, &c.Map[i].LBA)
		binary.Read(r, binary.LittleEndian, &c.Map[i].Len)
		binary.Read(r, binary.LittleEndian, &c.Map[i].Obj)
		binary.Read(r, binary.LittleEndian, &c.Map[i].Offset)
	}

	return c, nil
}

// SuperObject is the parsed form of the volume's superblock object.
// Clones and Snaps are kept as opaque byte blobs: this core implements no
// clone/snapshot operations, but must still round-trip whatever is there.
type SuperObject struct {
	Header     Header
	VolSize    uint64
	NextObj    uint64
	Ckpts      []uint64
	Clones     []byte
	Snaps      []byte
}

func EncodeSuperObject(uuid [16]byte, volSize, nextObj uint64, ckpts []uint64, clones, snaps []byte) []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, volSize)
	binary.Write(&body, binary.LittleEndian, nextObj)

	binary.Write(&body, binary.LittleEndian, uint32(len(ckpts)))
	for _, c := range ckpts {
		binary.Write(&body, binary.LittleEndian, c)
	}

	binary.Write(&body, binary.LittleEndian, uint32(len(clones)))
	body.Write(clones)

	binary.Write(&body, binary.LittleEndian, uint32(len(snaps)))
	body.Write(snaps)

	hdrLen := headerFixedLen + body.Len()
	hdrSectors := (hdrLen + SectorSize - 1) / SectorSize

	h := Header{Magic: Magic, Version: Version, UUID: uuid, Type: ObjSuper, HdrSectors: uint32(hdrSectors)}

	out := make([]byte, 0, hdrSectors*SectorSize)
	var hb bytes.Buffer
	h.encode(&hb)
	out = append(out, hb.Bytes()...)
	out = append(out, body.Bytes()...)
	if pad := hdrSectors*SectorSize - len(out); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}

	return out
}

func DecodeSuperObject(buf []byte) (SuperObject, error) {
	r := bytes.NewReader(buf)
	h, err := decodeHeader(r)
	if err != nil {
		return SuperObject{}, err
	}
	if h.Type != ObjSuper {
		return SuperObject{}, lsvderr.Corrupt
	}

	var s SuperObject
	s.Header = h
	binary.Read(r, binary.LittleEndian, &s.VolSize)
	binary.Read(r, binary.LittleEndian, &s.NextObj)

	var n uint32
	binary.Read(r, binary.LittleEndian, &n)
	s.Ckpts = make([]uint64, n)
	for i := range s.Ckpts {
		binary.Read(r, binary.LittleEndian, &s.Ckpts[i])
	}

	binary.Read(r, binary.LittleEndian, &n)
	s.Clones = make([]byte, n)
	readFull(r, s.Clones)

	binary.Read(r, binary.LittleEndian, &n)
	s.Snaps = make([]byte, n)
	readFull(r, s.Snaps)

	return s, nil
}
