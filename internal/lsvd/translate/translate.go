// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package translate implements the translation layer of spec.md §4.1: it
// batches logical writes into sequentially numbered backend objects,
// maintains the virtual-LBA -> (object,offset) extent map, emits periodic
// checkpoints, and reconstructs state on restart.
package translate

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/lsvd/internal/backend"
	"github.com/asch/lsvd/internal/lsvd/extmap"
	"github.com/asch/lsvd/internal/lsvd/lsvderr"
	"github.com/asch/lsvd/internal/lsvd/wire"
)

const (
	// maxHeaderReadBytes bounds the "cheap, header-only" read done for
	// each DATA object during forward-scan recovery (spec.md §4.1
	// "init"). It comfortably covers the map array of even an
	// all-single-sector-write batch (8 MiB / 512B * 16B ~= 256 KiB).
	maxHeaderReadBytes = 1 << 20

	// maxObjectReadBytes bounds the growing read used for the
	// superblock and checkpoint objects, whose size is not known ahead
	// of time.
	maxObjectReadBytes = 1 << 30

	// checkpointSeqThreshold is the number of newly assigned batch
	// sequence numbers that triggers the checkpoint thread (spec.md
	// §4.1 "Checkpoint thread").
	checkpointSeqThreshold = 100

	timedFlushPeriod    = 500 * time.Millisecond
	timedFlushStableFor = 2 * time.Second
	checkpointPeriod    = time.Second
)

// PhysAddr is the value type of the translation map: the backend object
// carrying a range of sectors, and the sector offset within that object's
// data region (i.e. not counting the object's own header sectors).
type PhysAddr struct {
	Obj    uint64
	Offset int64
}

func mergePhysAddr(a, b extmap.Entry[PhysAddr]) bool {
	return a.Value.Obj == b.Value.Obj && a.Value.Offset+a.Len() == b.Value.Offset
}

func shiftPhysAddr(v PhysAddr, delta int64) PhysAddr {
	return PhysAddr{Obj: v.Obj, Offset: v.Offset + delta}
}

// objectInfo is the in-memory bookkeeping for one live backend object,
// spec.md §3 "object_info".
type objectInfo struct {
	HdrSectors  int64
	DataSectors int64
	LiveSectors int64
}

// Config holds the translation layer's tunables, sourced from
// internal/config.
type Config struct {
	// BatchSize is the maximum bytes per backend DATA object.
	BatchSize int

	// VolumePrefix names the volume; it is both the superblock object's
	// name and the numbered-object prefix.
	VolumePrefix string

	// TimedFlushPeriod is how often the idle-batch flush timer wakes to
	// check whether the current batch has gone stale; it defaults to
	// timedFlushPeriod when zero.
	TimedFlushPeriod time.Duration
}

func (c Config) withDefaults() Config {
	if c.TimedFlushPeriod <= 0 {
		c.TimedFlushPeriod = timedFlushPeriod
	}
	return c
}

// Translate is the translation layer. It is safe for concurrent use by
// multiple writer/reader goroutines once Init has returned.
type Translate struct {
	cfg Config
	be  backend.Backend

	uuid [16]byte

	// mu protects current batch, batch pool, object_info, in-flight
	// batch bookkeeping and checkpoint scheduling state -- everything
	// except the virtual-LBA map itself (spec.md §5).
	mu               sync.Mutex
	currentBatch     *batch
	batchPool        []*batch
	objectInfo       map[uint64]*objectInfo
	inMemObjects     map[uint64]*batch
	deadObjects      map[uint64]struct{}
	lastCkptSeq      uint64
	seqSinceLastCkpt int
	fatalErr         error

	// mapMu is the separate reader/writer lock over the virtual-LBA map.
	mapMu sync.RWMutex
	vmap  *extmap.Map[PhysAddr]

	nextSeq atomic.Uint64

	volSizeSectors int64

	sealedCh     chan *batch
	pendingApply sync.WaitGroup
	workers      sync.WaitGroup

	stopCh chan struct{}
	loops  sync.WaitGroup
}

// New constructs a Translate bound to be, not yet usable until Init
// succeeds.
func New(be backend.Backend, cfg Config) *Translate {
	return &Translate{
		cfg:          cfg.withDefaults(),
		be:           be,
		objectInfo:   make(map[uint64]*objectInfo),
		inMemObjects: make(map[uint64]*batch),
		deadObjects:  make(map[uint64]struct{}),
		vmap:         extmap.New(mergePhysAddr, shiftPhysAddr),
		sealedCh:     make(chan *batch, 64),
		stopCh:       make(chan struct{}),
	}
}

// Init reads the superblock object, replays the latest checkpoint and any
// trailing DATA object headers, then starts the worker, timed-flush and
// checkpoint goroutines. It returns the volume size in bytes.
func (t *Translate) Init(workerThreads int, enableTimedFlush bool) (int64, error) {
	sbBuf, err := readGrowing(func(buf []byte) (int, error) {
		return t.be.ReadObject(t.cfg.VolumePrefix, buf, 0)
	}, 1<<16)
	if err != nil {
		return 0, lsvderr.Wrap(lsvderr.IOBackend, err)
	}

	sb, err := wire.DecodeSuperObject(sbBuf)
	if err != nil {
		return 0, err
	}
	t.uuid = sb.Header.UUID
	t.volSizeSectors = int64(sb.VolSize)

	haveCkpt := len(sb.Ckpts) > 0
	var lastCkpt uint64
	if haveCkpt {
		lastCkpt = sb.Ckpts[0]
		for _, c := range sb.Ckpts {
			if c > lastCkpt {
				lastCkpt = c
			}
		}

		ckptBuf, err := readGrowing(func(buf []byte) (int, error) {
			return t.be.ReadNumberedObject(t.cfg.VolumePrefix, lastCkpt, buf, 0)
		}, 1<<20)
		if err != nil {
			return 0, lsvderr.Wrap(lsvderr.IOBackend, err)
		}
		ck, err := wire.DecodeCkptObject(ckptBuf)
		if err != nil {
			return 0, err
		}
		t.applyCkpt(ck)
		t.lastCkptSeq = lastCkpt
	}

	seq := uint64(0)
	if haveCkpt {
		seq = lastCkpt + 1
	}
	for {
		hdrBuf := make([]byte, maxHeaderReadBytes)
		n, err := t.be.ReadNumberedObject(t.cfg.VolumePrefix, seq, hdrBuf, 0)
		if err != nil || n == 0 {
			break
		}
		d, err := wire.DecodeDataObjectHeader(hdrBuf[:n])
		if err != nil {
			// Malformed header at recovery ends the forward scan
			// silently -- treated as end-of-log, never as
			// corruption to repair (spec.md §7).
			break
		}
		t.applyDataObject(seq, int64(d.Header.HdrSectors), int64(d.Header.DataSectors), d.Map)
		seq++
	}
	t.nextSeq.Store(seq)

	if err := t.be.DeleteFromSeq(t.cfg.VolumePrefix, seq); err != nil {
		log.Warn().Err(err).Msg("could not clear torn tail after recovery")
	}

	if workerThreads <= 0 {
		workerThreads = 2
	}
	for i := 0; i < workerThreads; i++ {
		t.workers.Add(1)
		go t.workerLoop()
	}

	if enableTimedFlush {
		t.loops.Add(1)
		go t.timedFlushLoop()
	}
	t.loops.Add(1)
	go t.checkpointLoop()

	return t.volSizeSectors * wire.SectorSize, nil
}

func (t *Translate) applyCkpt(ck wire.CkptObject) {
	t.mu.Lock()
	for _, o := range ck.Objs {
		t.objectInfo[o.Seq] = &objectInfo{
			HdrSectors:  int64(o.HdrSectors),
			DataSectors: int64(o.DataSectors),
			LiveSectors: int64(o.LiveSectors),
		}
	}
	t.mu.Unlock()

	t.mapMu.Lock()
	for _, m := range ck.Map {
		t.vmap.Update(m.LBA, m.LBA+m.Len, PhysAddr{Obj: uint64(m.Obj), Offset: m.Offset})
	}
	t.mapMu.Unlock()
}

// applyDataObject installs one DATA object's map entries and creates its
// object_info entry. It is used both by recovery's forward scan and by
// worker goroutines once a batch's object is durable.
func (t *Translate) applyDataObject(seq uint64, hdrSectors, dataSectors int64, entries []wire.DataMapEntry) {
	t.mapMu.Lock()
	var displaced []extmap.Entry[PhysAddr]
	relOffset := int64(0)
	for _, e := range entries {
		d := t.vmap.Update(e.LBA, e.LBA+e.Len, PhysAddr{Obj: seq, Offset: relOffset})
		displaced = append(displaced, d...)
		relOffset += e.Len
	}
	t.mapMu.Unlock()

	t.mu.Lock()
	for _, d := range displaced {
		// Open question (a) resolved as "no self-decrement": a
		// mapping displaced by a later write from the same object
		// never decrements that object's own live_sectors.
		if d.Value.Obj == seq {
			continue
		}
		if oi, ok := t.objectInfo[d.Value.Obj]; ok {
			oi.LiveSectors -= d.Len()
			if oi.LiveSectors <= 0 {
				t.deadObjects[d.Value.Obj] = struct{}{}
			}
		}
	}
	t.objectInfo[seq] = &objectInfo{HdrSectors: hdrSectors, DataSectors: dataSectors, LiveSectors: relOffset}
	t.mu.Unlock()
}

// Writev atomically appends bytes across the batch(es) needed to hold
// them. In nocache mode the virtual map is updated immediately so
// in-memory reads see the write before it reaches the backend; otherwise
// the map is updated only once the owning object is durable (see
// workerLoop).
func (t *Translate) Writev(offsetBytes int64, iov [][]byte, nocache bool) (int, error) {
	if offsetBytes%wire.SectorSize != 0 {
		return 0, lsvderr.InvalidArgument
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.fatalErr != nil {
		return 0, t.fatalErr
	}

	lba := offsetBytes / wire.SectorSize
	total := 0

	for _, seg := range iov {
		if len(seg)%wire.SectorSize != 0 {
			return total, lsvderr.InvalidArgument
		}
		if len(seg) > t.cfg.BatchSize {
			return total, lsvderr.InvalidArgument
		}

		if t.currentBatch == nil {
			t.currentBatch = t.allocateBatchLocked()
		}
		if !t.currentBatch.room(len(seg)) {
			t.sealCurrentLocked()
			t.currentBatch = t.allocateBatchLocked()
		}

		segSectors := int64(len(seg)) / wire.SectorSize
		relOffset := t.currentBatch.sectors()
		t.currentBatch.append(lba, seg)
		t.currentBatch.lastAppend = time.Now()

		if nocache {
			seq := t.currentBatch.seq
			t.mapMu.Lock()
			t.vmap.Update(lba, lba+segSectors, PhysAddr{Obj: seq, Offset: relOffset})
			t.mapMu.Unlock()
		}

		lba += segSectors
		total += len(seg)
	}

	return total, nil
}

func (t *Translate) allocateBatchLocked() *batch {
	var b *batch
	if n := len(t.batchPool); n > 0 {
		b = t.batchPool[n-1]
		t.batchPool = t.batchPool[:n-1]
	} else {
		b = newBatch(t.cfg.BatchSize)
	}
	b.reset(t.nextSeq.Add(1) - 1)
	return b
}

// sealCurrentLocked must be called with mu held. It hands the current
// batch to a worker; the caller is responsible for clearing
// t.currentBatch afterward if appropriate.
func (t *Translate) sealCurrentLocked() {
	b := t.currentBatch
	t.inMemObjects[b.seq] = b
	t.pendingApply.Add(1)
	t.sealedCh <- b
}

// Flush seals and enqueues the current batch if it has pending data, and
// returns its sequence number (or the most recently assigned sequence
// number if there is nothing to flush).
func (t *Translate) Flush() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.currentBatch != nil && len(t.currentBatch.buf) > 0 {
		seq := t.currentBatch.seq
		t.sealCurrentLocked()
		t.currentBatch = nil
		return seq
	}

	if n := t.nextSeq.Load(); n > 0 {
		return n - 1
	}
	return 0
}

// Checkpoint seals any current batch, waits for all sealed batches to be
// applied, then synchronously serializes and writes a CKPT object holding
// the full live map and live-object table.
func (t *Translate) Checkpoint() (uint64, error) {
	t.mu.Lock()
	if t.currentBatch != nil && len(t.currentBatch.buf) > 0 {
		t.sealCurrentLocked()
		t.currentBatch = nil
	}
	t.mu.Unlock()

	t.pendingApply.Wait()

	seq := t.nextSeq.Add(1) - 1

	t.mu.Lock()
	objs := make([]wire.CkptObjEntry, 0, len(t.objectInfo))
	for s, oi := range t.objectInfo {
		objs = append(objs, wire.CkptObjEntry{
			Seq: s, HdrSectors: uint32(oi.HdrSectors),
			DataSectors: uint32(oi.DataSectors), LiveSectors: uint64(oi.LiveSectors),
		})
	}
	t.mu.Unlock()

	t.mapMu.RLock()
	all := t.vmap.All()
	mapEntries := make([]wire.CkptMapEntry, 0, len(all))
	for _, e := range all {
		mapEntries = append(mapEntries, wire.CkptMapEntry{
			LBA: e.Base, Len: e.Len(), Obj: int64(e.Value.Obj), Offset: e.Value.Offset,
		})
	}
	t.mapMu.RUnlock()

	buf := wire.EncodeCkptObject(t.uuid, seq, nil, objs, nil, mapEntries)
	if err := t.be.WriteNumberedObject(t.cfg.VolumePrefix, seq, buf); err != nil {
		return 0, lsvderr.Wrap(lsvderr.IOBackend, err)
	}

	t.mu.Lock()
	t.lastCkptSeq = seq
	t.seqSinceLastCkpt = 0
	t.mu.Unlock()

	sbBuf := wire.EncodeSuperObject(t.uuid, uint64(t.volSizeSectors), t.nextSeq.Load(), []uint64{seq}, nil, nil)
	if err := t.be.WriteObject(t.cfg.VolumePrefix, sbBuf); err != nil {
		return seq, lsvderr.Wrap(lsvderr.IOBackend, err)
	}

	return seq, nil
}

// Read fills buf (which must be sector-aligned and sector-length) with
// the bytes at offset, zero-filling any range not covered by the map.
func (t *Translate) Read(offset int64, buf []byte) (int, error) {
	if offset%wire.SectorSize != 0 || len(buf)%wire.SectorSize != 0 {
		return 0, lsvderr.InvalidArgument
	}

	base := offset / wire.SectorSize
	limit := base + int64(len(buf))/wire.SectorSize

	t.mapMu.RLock()
	hits := t.vmap.LookupRange(base, limit)
	t.mapMu.RUnlock()

	for i := range buf {
		buf[i] = 0
	}

	for _, h := range hits {
		hb, hl := h.Base, h.Limit
		if hb < base {
			hb = base
		}
		if hl > limit {
			hl = limit
		}
		if hb >= hl {
			continue
		}

		bufOff := (hb - base) * wire.SectorSize
		length := (hl - hb) * wire.SectorSize
		physOffset := h.Value.Offset + (hb - h.Base)

		if err := t.readObjectRange(h.Value.Obj, physOffset, buf[bufOff:bufOff+length]); err != nil {
			return 0, err
		}
	}

	return len(buf), nil
}

func (t *Translate) readObjectRange(obj uint64, physOffsetSectors int64, dst []byte) error {
	t.mu.Lock()
	b, inMem := t.resolveInMemLocked(obj)
	oi := t.objectInfo[obj]
	t.mu.Unlock()

	if inMem {
		srcOff := physOffsetSectors * wire.SectorSize
		copy(dst, b.buf[srcOff:srcOff+int64(len(dst))])
		return nil
	}

	if oi == nil {
		return lsvderr.Wrap(lsvderr.Corrupt, errors.New("translate: read of unknown object"))
	}

	absOffset := (oi.HdrSectors + physOffsetSectors) * wire.SectorSize
	n, err := t.be.ReadNumberedObject(t.cfg.VolumePrefix, obj, dst, absOffset)
	if err != nil {
		return lsvderr.Wrap(lsvderr.IOBackend, err)
	}
	if n < len(dst) {
		return lsvderr.Wrap(lsvderr.IOBackend, errors.New("translate: short read from backend"))
	}
	return nil
}

func (t *Translate) resolveInMemLocked(seq uint64) (*batch, bool) {
	if t.currentBatch != nil && t.currentBatch.seq == seq {
		return t.currentBatch, true
	}
	if b, ok := t.inMemObjects[seq]; ok {
		return b, true
	}
	return nil, false
}

// LookupRange exposes the virtual map to the façade's read path, which
// resolves a requested range into (obj,offset,length) regions and hands
// each one to the read cache.
func (t *Translate) LookupRange(base, limit int64) []extmap.Entry[PhysAddr] {
	t.mapMu.RLock()
	defer t.mapMu.RUnlock()
	hits := t.vmap.LookupRange(base, limit)
	out := make([]extmap.Entry[PhysAddr], len(hits))
	copy(out, hits)
	return out
}

// HeaderSectors returns the number of header sectors of obj, needed by
// the read cache to compute an absolute backend offset.
func (t *Translate) HeaderSectors(obj uint64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	oi, ok := t.objectInfo[obj]
	if !ok {
		return 0, false
	}
	return oi.HdrSectors, true
}

// Backend returns the backend driver and volume prefix, so peer
// components (the read cache) can issue their own backend reads without
// going through Translate.Read.
func (t *Translate) Backend() (backend.Backend, string) {
	return t.be, t.cfg.VolumePrefix
}

// DeadObjects returns a snapshot of objects with zero live sectors. This
// core runs no garbage collector; it is exposed for an external operator
// or CLI tool to drive threshold/dead collection (spec.md §4.1, §12).
func (t *Translate) DeadObjects() map[uint64]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint64]struct{}, len(t.deadObjects))
	for k := range t.deadObjects {
		out[k] = struct{}{}
	}
	return out
}

func (t *Translate) workerLoop() {
	defer t.workers.Done()
	for b := range t.sealedCh {
		t.processBatch(b)
	}
}

func (t *Translate) processBatch(b *batch) {
	t.mu.Lock()
	lastCkpt := t.lastCkptSeq
	t.mu.Unlock()

	var lastDataObj uint64
	if b.seq > 0 {
		lastDataObj = b.seq - 1
	}

	buf := wire.EncodeDataObject(t.uuid, b.seq, lastDataObj, []uint64{lastCkpt}, nil, b.entries, b.buf)

	if err := t.be.WriteNumberedObject(t.cfg.VolumePrefix, b.seq, buf); err != nil {
		log.Error().Err(err).Uint64("seq", b.seq).Msg("backend write failed, batch stalled")
		t.mu.Lock()
		t.fatalErr = lsvderr.Wrap(lsvderr.IOBackend, err)
		t.mu.Unlock()
		t.pendingApply.Done()
		return
	}

	hdrSectors := int64(len(buf)-len(b.buf)) / wire.SectorSize
	dataSectors := int64(len(b.buf)) / wire.SectorSize

	t.applyDataObject(b.seq, hdrSectors, dataSectors, b.entries)

	t.mu.Lock()
	delete(t.inMemObjects, b.seq)
	t.seqSinceLastCkpt++
	t.mu.Unlock()

	t.releaseBatch(b)
	t.pendingApply.Done()
}

func (t *Translate) releaseBatch(b *batch) {
	t.mu.Lock()
	t.batchPool = append(t.batchPool, b)
	t.mu.Unlock()
}

func (t *Translate) timedFlushLoop() {
	defer t.loops.Done()
	ticker := time.NewTicker(t.cfg.TimedFlushPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.mu.Lock()
			cur := t.currentBatch
			if cur != nil && len(cur.buf) > 0 && time.Since(cur.lastAppend) > timedFlushStableFor {
				t.sealCurrentLocked()
				t.currentBatch = nil
			}
			t.mu.Unlock()
		}
	}
}

func (t *Translate) checkpointLoop() {
	defer t.loops.Done()
	ticker := time.NewTicker(checkpointPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.mu.Lock()
			due := t.seqSinceLastCkpt >= checkpointSeqThreshold
			t.mu.Unlock()
			if due {
				if _, err := t.Checkpoint(); err != nil {
					log.Error().Err(err).Msg("checkpoint failed, retrying next tick")
				}
			}
		}
	}
}

// Close stops the background goroutines. Callers must ensure no
// concurrent Writev/Flush/Checkpoint calls are in flight.
func (t *Translate) Close() error {
	close(t.stopCh)
	t.loops.Wait()

	t.mu.Lock()
	if t.currentBatch != nil && len(t.currentBatch.buf) > 0 {
		t.sealCurrentLocked()
		t.currentBatch = nil
	}
	t.mu.Unlock()

	close(t.sealedCh)
	t.workers.Wait()

	return nil
}

func readGrowing(read func(buf []byte) (int, error), start int) ([]byte, error) {
	for size := start; size <= maxObjectReadBytes; size *= 2 {
		buf := make([]byte, size)
		n, err := read(buf)
		if err != nil {
			return nil, err
		}
		if n < size {
			return buf[:n], nil
		}
	}
	return nil, errors.New("translate: object exceeds maximum readable size")
}
