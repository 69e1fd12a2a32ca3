// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package wcache implements the write cache: a durable circular journal on
// the local device that batches host writes into 4 KiB-page journal
// records, throttles callers against a write window, forwards durable
// writes to the translation layer, and periodically checkpoints its
// forward/reverse maps so recovery need only roll forward the log's tail
// (spec.md §4.2).
package wcache

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/lsvd/internal/lsvd/device"
	"github.com/asch/lsvd/internal/lsvd/extmap"
	"github.com/asch/lsvd/internal/lsvd/lsvderr"
	"github.com/asch/lsvd/internal/lsvd/wire"
)

const sectorsPerPage = wire.HeaderAlign / wire.SectorSize

// Translator is the subset of translate.Translate the write cache needs:
// forwarding a durable write on to become part of a future backend object.
type Translator interface {
	Writev(offsetBytes int64, iov [][]byte, nocache bool) (int, error)
}

func mergeInt64(a, b extmap.Entry[int64]) bool { return a.Value+a.Len() == b.Value }
func shiftInt64(v int64, delta int64) int64    { return v + delta }

type blockType int

const (
	blockNone blockType = iota
	blockHDR
	blockPAD
	blockData
)

type blockDesc struct {
	typ    blockType
	nPages uint32
}

type pageRange struct {
	start, length uint32
}

type pendingWrite struct {
	lba  int64
	iov  [][]byte
	done chan error
}

// Config holds the write cache's tunables.
type Config struct {
	// WriteBatch is the number of pending writes that triggers an
	// immediate send even while a previous batch is still outstanding.
	WriteBatch int

	// CheckpointInterval bounds how long the log can advance without a
	// checkpoint being taken.
	CheckpointInterval time.Duration
}

// WriteCache is the local-device write-back journal in front of the
// translation layer.
type WriteCache struct {
	dev *device.Device
	be  Translator
	cfg Config

	superPage uint32

	mu          sync.Mutex
	cond        *sync.Cond
	base        uint32
	limit       uint32
	next        uint32
	oldest      uint32
	metaBase    uint32
	metaLimit   uint32
	mapStart    uint32
	seq         uint64
	cacheBlocks []blockDesc
	outstanding []pageRange
	nextAcked   uint32
	mapDirty    bool
	ckptBusy    bool

	fwdMap *extmap.Map[int64] // vLBA sectors -> pLBA sectors
	revMap *extmap.Map[int64] // pLBA sectors -> vLBA sectors

	pending           []pendingWrite
	outstandingWrites int
	totalWritePages   int
	maxWritePages     int

	stopCh chan struct{}
	loops  sync.WaitGroup
}

// Open reads the write-cache superblock at superPage, replays any
// committed-but-unapplied tail of the journal, and starts the background
// flush and checkpoint goroutines.
func Open(dev *device.Device, superPage uint32, be Translator, cfg Config) (*WriteCache, error) {
	if cfg.WriteBatch <= 0 {
		cfg.WriteBatch = 8
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 5 * time.Second
	}

	w := &WriteCache{
		dev: dev, be: be, cfg: cfg, superPage: superPage,
		fwdMap: extmap.New(mergeInt64, shiftInt64),
		revMap: extmap.New(mergeInt64, shiftInt64),
		stopCh: make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)

	buf := device.AlignedBuffer(wire.HeaderAlign)
	if _, err := dev.ReadAt(buf, int64(superPage)*wire.HeaderAlign); err != nil {
		return nil, err
	}
	s, err := wire.DecodeWriteCacheSuper(buf)
	if err != nil {
		return nil, err
	}

	w.base, w.limit, w.next, w.oldest = s.Base, s.Limit, s.Next, s.Oldest
	w.metaBase, w.metaLimit, w.mapStart = s.MetaBase, s.MetaLimit, s.MapStart
	w.seq = s.Seq
	w.cacheBlocks = make([]blockDesc, w.limit-w.base)
	w.maxWritePages = int(w.limit-w.base) / 2

	if s.MapEntries > 0 {
		if err := w.readCheckpointedMaps(s); err != nil {
			return nil, err
		}
	}

	if err := w.rollLogForward(); err != nil {
		return nil, err
	}

	w.loops.Add(2)
	go w.flushLoop()
	go w.checkpointLoop()

	return w, nil
}

func (w *WriteCache) readCheckpointedMaps(s wire.WriteCacheSuper) error {
	mapBytes := int(s.MapEntries) * 24 // {lba,len,plba} each int64
	mapPages := divRoundUp(mapBytes, wire.HeaderAlign)
	buf := device.AlignedBuffer(mapPages * wire.HeaderAlign)
	if _, err := w.dev.ReadAt(buf, int64(s.MapStart)*wire.HeaderAlign); err != nil {
		return err
	}
	entries := wire.DecodeMapExtents(buf, int(s.MapEntries))
	for _, e := range entries {
		w.fwdMap.Update(e.LBA, e.LBA+e.Len, e.PLBA)
		w.revMap.Update(e.PLBA, e.PLBA+e.Len, e.LBA)
	}

	lenBytes := int(s.LenEntries) * 8 // {page,len} each uint32
	lenPages := divRoundUp(lenBytes, wire.HeaderAlign)
	lbuf := device.AlignedBuffer(lenPages * wire.HeaderAlign)
	if _, err := w.dev.ReadAt(lbuf, int64(s.LenStart)*wire.HeaderAlign); err != nil {
		return err
	}
	lengths := wire.DecodeRecordLengths(lbuf, int(s.LenEntries))
	for _, l := range lengths {
		idx := l.Page - w.base
		w.cacheBlocks[idx] = blockDesc{typ: blockHDR, nPages: l.Len}
		for i := uint32(1); i < l.Len; i++ {
			w.cacheBlocks[idx+i] = blockDesc{typ: blockData}
		}
	}
	return nil
}

// rollLogForward reads forward from super.next, applying any journal
// records the checkpoint hadn't yet accounted for. A magic/version/seq
// mismatch is the expected way this loop ends (spec.md §4.2, §7): it is
// never treated as corruption to repair.
func (w *WriteCache) rollLogForward() error {
	dirty := false
	hdrBuf := device.AlignedBuffer(wire.HeaderAlign)

	for {
		if _, err := w.dev.ReadAt(hdrBuf, int64(w.next)*wire.HeaderAlign); err != nil {
			break
		}
		h, err := wire.DecodeJournalHeader(hdrBuf)
		if err != nil || h.Seq != w.seq {
			break
		}

		idx := w.next - w.base
		if h.Type == wire.RecPad {
			w.cacheBlocks[idx] = blockDesc{typ: blockPAD, nPages: h.TotalPages}
			for i := idx + 1; i < uint32(len(w.cacheBlocks)); i++ {
				w.cacheBlocks[i] = blockDesc{}
			}
			w.next = w.base
			w.seq++
			continue
		}

		w.cacheBlocks[idx] = blockDesc{typ: blockHDR, nPages: h.TotalPages}
		for i := uint32(1); i < h.TotalPages; i++ {
			w.cacheBlocks[idx+i] = blockDesc{typ: blockData}
		}
		dirty = true

		dataPages := h.TotalPages - 1
		dataBuf := device.AlignedBuffer(int(dataPages) * wire.HeaderAlign)
		if _, err := w.dev.ReadAt(dataBuf, int64(w.next+1)*wire.HeaderAlign); err != nil {
			return err
		}

		plba := int64(w.next+1) * sectorsPerPage
		off := 0
		for _, e := range h.Extents {
			bytes := int(e.Len) * wire.SectorSize
			seg := dataBuf[off : off+bytes]
			off += bytes

			w.fwdMap.Update(e.LBA, e.LBA+e.Len, plba)
			w.revMap.Update(plba, plba+e.Len, e.LBA)

			if _, err := w.be.Writev(e.LBA*wire.SectorSize, [][]byte{seg}, false); err != nil {
				log.Error().Err(err).Msg("wcache: forwarding recovered write failed")
			}
			plba += e.Len
		}

		w.next += h.TotalPages
		w.seq++
	}

	if dirty {
		w.mapDirty = true
		return w.writeCheckpoint()
	}
	return nil
}

// Writev durably journals iov at offsetBytes, forwards it to the
// translation layer, and returns once both have happened.
func (w *WriteCache) Writev(offsetBytes int64, iov [][]byte) error {
	if offsetBytes%wire.SectorSize != 0 {
		return lsvderr.InvalidArgument
	}
	sectors := int64(0)
	for _, seg := range iov {
		if len(seg)%wire.SectorSize != 0 {
			return lsvderr.InvalidArgument
		}
		sectors += int64(len(seg)) / wire.SectorSize
	}

	w.getRoom(sectors)
	defer w.releaseRoom(sectors)

	done := make(chan error, 1)
	w.mu.Lock()
	w.pending = append(w.pending, pendingWrite{lba: offsetBytes / wire.SectorSize, iov: iov, done: done})
	if w.outstandingWrites == 0 || len(w.pending) >= w.cfg.WriteBatch {
		w.sendWritesLocked()
	}
	w.mu.Unlock()

	return <-done
}

// admittedPages is the number of journal pages a write of sectors sectors
// actually reserves once allocated: one header page plus its data pages
// rounded up, matching sendWritesLocked/allocateLocked.
func admittedPages(sectors int64) int {
	return divRoundUp(int(sectors), sectorsPerPage) + 1
}

// getRoom blocks until sectors worth of pages fit within the write
// window, spec.md §4.2 "Throttling".
func (w *WriteCache) getRoom(sectors int64) {
	pages := admittedPages(sectors)
	w.mu.Lock()
	for w.totalWritePages+pages > w.maxWritePages {
		w.cond.Wait()
	}
	w.totalWritePages += pages
	w.mu.Unlock()
}

func (w *WriteCache) releaseRoom(sectors int64) {
	pages := admittedPages(sectors)
	w.mu.Lock()
	w.totalWritePages -= pages
	if w.totalWritePages < w.maxWritePages {
		w.cond.Broadcast()
	}
	w.mu.Unlock()
}

// Flush blocks until the write window has drained.
func (w *WriteCache) Flush() {
	w.mu.Lock()
	for w.totalWritePages > 0 {
		w.cond.Wait()
	}
	w.mu.Unlock()
}

// sendWritesLocked must be called with mu held. It allocates journal
// pages for the pending batch and hands the I/O off to a goroutine, the
// Go-idiomatic replacement for the original's async request objects.
func (w *WriteCache) sendWritesLocked() {
	batch := w.pending
	w.pending = nil

	sectors := int64(0)
	for _, pw := range batch {
		for _, seg := range pw.iov {
			sectors += int64(len(seg)) / wire.SectorSize
		}
	}
	pages := uint32(divRoundUp(int(sectors), sectorsPerPage))

	page, padPage, nPad := w.allocateLocked(pages + 1)

	w.cacheBlocks[page-w.base] = blockDesc{typ: blockHDR, nPages: pages + 1}
	for i := uint32(1); i <= pages; i++ {
		w.cacheBlocks[page-w.base+i] = blockDesc{typ: blockData}
	}
	w.recordOutstandingLocked(page, pages+1)
	if padPage != 0 {
		w.recordOutstandingLocked(padPage, nPad)
	}

	seq := w.seq
	w.seq++
	w.outstandingWrites++

	go w.runWrite(batch, seq, page, pages, padPage, nPad)
}

func (w *WriteCache) runWrite(batch []pendingWrite, seq uint64, page, dataPages, padPage, nPad uint32) {
	var writeErr error

	if padPage != 0 {
		padBuf := device.AlignedBuffer(wire.HeaderAlign)
		enc := wire.EncodeJournalHeader(wire.JournalHeader{Type: wire.RecPad, Version: wire.Version, Seq: seq, TotalPages: nPad})
		copy(padBuf, enc)
		if _, err := w.dev.WriteAt(padBuf, int64(padPage)*wire.HeaderAlign); err != nil {
			writeErr = err
		}
	}

	extents := make([]wire.JournalExtent, len(batch))
	dataLen := 0
	for i, pw := range batch {
		n := int64(0)
		for _, seg := range pw.iov {
			n += int64(len(seg)) / wire.SectorSize
			dataLen += len(seg)
		}
		extents[i] = wire.JournalExtent{LBA: pw.lba, Len: n}
	}

	recBuf := device.AlignedBuffer(int(dataPages+1) * wire.HeaderAlign)
	enc := wire.EncodeJournalHeader(wire.JournalHeader{Type: wire.RecData, Version: wire.Version, Seq: seq, TotalPages: dataPages + 1, Extents: extents})
	copy(recBuf, enc)
	off := wire.HeaderAlign
	for _, pw := range batch {
		for _, seg := range pw.iov {
			copy(recBuf[off:], seg)
			off += len(seg)
		}
	}

	if writeErr == nil {
		if _, err := w.dev.WriteAt(recBuf, int64(page)*wire.HeaderAlign); err != nil {
			writeErr = err
		}
	}

	w.mu.Lock()
	if writeErr == nil {
		plba := int64(page+1) * sectorsPerPage
		for _, pw := range batch {
			n := int64(0)
			for _, seg := range pw.iov {
				n += int64(len(seg)) / wire.SectorSize
			}
			w.fwdMap.Update(pw.lba, pw.lba+n, plba)
			w.revMap.Update(plba, plba+n, pw.lba)
			plba += n
		}
		w.mapDirty = true
	}
	w.outstandingWrites--
	if len(w.pending) > 0 {
		w.sendWritesLocked()
	}
	if padPage != 0 {
		w.notifyCompleteLocked(padPage, nPad)
	}
	w.notifyCompleteLocked(page, dataPages+1)
	w.mu.Unlock()

	for _, pw := range batch {
		err := writeErr
		if err == nil {
			_, err = w.be.Writev(pw.lba*wire.SectorSize, pw.iov, false)
		}
		pw.done <- err
	}
}

// allocateLocked reserves n contiguous pages starting at next, wrapping
// and padding the tail of the region if it doesn't fit, and evicting any
// stale map entries the reserved pages used to carry.
func (w *WriteCache) allocateLocked(n uint32) (page, pad, nPad uint32) {
	if w.limit-w.next < n {
		pad = w.next
		nPad = w.limit - pad
		w.evictLocked(pad, w.limit)
		w.next = w.base
	}

	val := w.next
	w.evictLocked(val, val+n)
	w.next += n
	if w.next == w.limit {
		w.next = w.base
	}
	return val, pad, nPad
}

// evictLocked must be called before writing to [page,limit): it clears
// any map entries pointing into a journal record about to be overwritten.
func (w *WriteCache) evictLocked(page, limit uint32) {
	b := w.base
	p := page
	for p < limit && w.cacheBlocks[p-b].typ == blockNone {
		p++
	}
	if p == limit {
		return
	}

	oldest := w.oldest
	if w.cacheBlocks[p-b].typ == blockPAD {
		w.cacheBlocks[p-b] = blockDesc{}
		w.oldest = w.base
		return
	}

	for oldest < limit {
		length := w.cacheBlocks[oldest-b].nPages
		sBase := int64(oldest) * sectorsPerPage
		sLimit := sBase + int64(length)*sectorsPerPage

		for _, h := range w.revMap.LookupRange(sBase, sLimit) {
			w.fwdMap.Trim(h.Value, h.Value+h.Len())
		}
		w.revMap.Trim(sBase, sLimit)

		for i := uint32(0); i < length; i++ {
			w.cacheBlocks[oldest-b+i] = blockDesc{}
		}
		oldest += length
	}

	if oldest == w.limit {
		oldest = w.base
	}
	w.oldest = oldest
}

func (w *WriteCache) recordOutstandingLocked(start, length uint32) {
	w.outstanding = append(w.outstanding, pageRange{start, length})
}

func (w *WriteCache) notifyCompleteLocked(start, length uint32) {
	for i, r := range w.outstanding {
		if r.start == start && r.length == length {
			w.outstanding = append(w.outstanding[:i], w.outstanding[i+1:]...)
			break
		}
	}
	if len(w.outstanding) > 0 {
		w.nextAcked = w.outstanding[0].start
	} else {
		w.nextAcked = w.next
	}
}

// AsyncRead resolves the sector range [offset,offset+len(buf)) against the
// journal's forward map. It returns the number of leading bytes of buf
// that precede the first journal extent in the range (all of buf when
// there is none) and reads that one extent into buf after them; bytes past
// the end of that extent are left untouched for the caller to fill.
func (w *WriteCache) AsyncRead(offset int64, buf []byte) (skipped int, err error) {
	base := offset / wire.SectorSize
	limit := base + int64(len(buf))/wire.SectorSize

	w.mu.Lock()
	e, ok := w.fwdMap.Lookup(base)
	w.mu.Unlock()

	if !ok || e.Base >= limit {
		return len(buf), nil
	}

	hb, hl := e.Base, e.Limit
	if hb < base {
		hb = base
	}
	if hl > limit {
		hl = limit
	}

	skip := int((hb - base) * wire.SectorSize)
	readLen := int((hl - hb) * wire.SectorSize)
	plba := e.Value + (hb - e.Base)

	if err := w.ReadPhys(plba, hl-hb, buf[skip:skip+readLen]); err != nil {
		return skip, err
	}

	return skip, nil
}

// LookupRange exposes the journal's forward map for the façade's read
// path, so it can serve any sector still resident in the journal before
// falling through to the read cache or backend.
func (w *WriteCache) LookupRange(base, limit int64) []extmap.Entry[int64] {
	w.mu.Lock()
	defer w.mu.Unlock()
	hits := w.fwdMap.LookupRange(base, limit)
	out := make([]extmap.Entry[int64], len(hits))
	copy(out, hits)
	return out
}

// ReadPhys reads length sectors starting at journal physical sector plba
// directly off the local device. The device read is widened to whole
// HeaderAlign pages around the range.
func (w *WriteCache) ReadPhys(plba, length int64, dst []byte) error {
	start := plba * wire.SectorSize
	aligned := start - start%wire.HeaderAlign
	n := divRoundUp(int(start-aligned)+int(length)*wire.SectorSize, wire.HeaderAlign) * wire.HeaderAlign
	devBuf := device.AlignedBuffer(n)
	if _, err := w.dev.ReadAt(devBuf, aligned); err != nil {
		return err
	}
	copy(dst, devBuf[start-aligned:])
	return nil
}

// writeCheckpoint serializes the forward map and still-relevant journal
// record lengths, writing them to the alternating metadata slot along
// with a refreshed superblock (spec.md §4.2 "Checkpoint format").
func (w *WriteCache) writeCheckpoint() error {
	w.mu.Lock()
	if w.ckptBusy {
		w.mu.Unlock()
		return nil
	}
	w.ckptBusy = true

	var lengths []wire.RecordLength
	for i := w.base; i < w.limit; i++ {
		bd := w.cacheBlocks[i-w.base]
		if bd.typ == blockHDR && (i < w.nextAcked || i >= w.oldest) {
			lengths = append(lengths, wire.RecordLength{Page: i, Len: bd.nPages})
		}
	}

	all := w.fwdMap.All()
	mapEntries := make([]wire.MapExtent, len(all))
	for i, e := range all {
		mapEntries[i] = wire.MapExtent{LBA: e.Base, Len: e.Len(), PLBA: e.Value}
	}

	blockno := w.metaBase
	if w.mapStart == blockno {
		blockno = (w.metaBase + w.metaLimit) / 2
	}

	mapBuf := wire.EncodeMapExtents(mapEntries)
	mapPages := divRoundUp(len(mapBuf), wire.HeaderAlign)
	lenBuf := wire.EncodeRecordLengths(lengths)
	lenPages := divRoundUp(len(lenBuf), wire.HeaderAlign)

	seq := w.seq
	next := w.nextAcked
	base, limit, oldest := w.base, w.limit, w.oldest
	metaBase, metaLimit := w.metaBase, w.metaLimit
	w.mapStart = blockno
	w.mu.Unlock()

	padded := device.AlignedBuffer((mapPages + lenPages) * wire.HeaderAlign)
	copy(padded, mapBuf)
	copy(padded[mapPages*wire.HeaderAlign:], lenBuf)
	if _, err := w.dev.WriteAt(padded, int64(blockno)*wire.HeaderAlign); err != nil {
		w.mu.Lock()
		w.ckptBusy = false
		w.mu.Unlock()
		return err
	}

	superBuf := device.AlignedBuffer(wire.HeaderAlign)
	// Next is intentionally the acked point, not the raw allocation tail,
	// so a crash after this checkpoint never replays already acknowledged
	// writes.
	enc := wire.EncodeWriteCacheSuper(wire.WriteCacheSuper{
		Base: base, Limit: limit, Next: next, Oldest: oldest,
		Seq: seq, MapStart: blockno, MapBlocks: uint32(mapPages), MapEntries: uint32(len(mapEntries)),
		LenStart: blockno + uint32(mapPages), LenBlocks: uint32(lenPages), LenEntries: uint32(len(lengths)),
		MetaBase: metaBase, MetaLimit: metaLimit,
	})
	copy(superBuf, enc)
	if _, err := w.dev.WriteAt(superBuf, int64(w.superPage)*wire.HeaderAlign); err != nil {
		w.mu.Lock()
		w.ckptBusy = false
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	w.mapDirty = false
	w.ckptBusy = false
	w.mu.Unlock()

	return nil
}

func (w *WriteCache) flushLoop() {
	defer w.loops.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.outstandingWrites == 0 && len(w.pending) > 0 {
				w.sendWritesLocked()
			}
			w.mu.Unlock()
		}
	}
}

func (w *WriteCache) checkpointLoop() {
	defer w.loops.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	start := time.Now()

	w.mu.Lock()
	next0 := w.next
	region := w.limit - w.base
	w.mu.Unlock()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			advanced := int((w.next + region - next0) % region)
			dirty := w.mapDirty
			w.mu.Unlock()

			if advanced > int(region)/4 || (time.Since(start) > w.cfg.CheckpointInterval && dirty) {
				next0 = w.next
				start = time.Now()
				if err := w.writeCheckpoint(); err != nil {
					log.Error().Err(err).Msg("wcache: checkpoint failed")
				}
			}
		}
	}
}

// Close stops background goroutines and takes a final checkpoint if
// anything changed since the last one.
func (w *WriteCache) Close() error {
	close(w.stopCh)
	w.loops.Wait()

	w.mu.Lock()
	dirty := w.mapDirty
	w.mu.Unlock()
	if dirty {
		return w.writeCheckpoint()
	}
	return nil
}

func divRoundUp(n, d int) int {
	return (n + d - 1) / d
}
