// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package rcache implements the read cache: a fixed-size slab of 64 KiB
// units on the local device, indexed by (object,unit) key, that shields
// the backend from repeat reads of the same region (spec.md §4.3). Each
// line carries a 16-bit bitmap of which of its 4 KiB pages currently hold
// valid data, matching the original's rcache_bitmap().
package rcache

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/asch/lsvd/internal/backend"
	"github.com/asch/lsvd/internal/lsvd/device"
	"github.com/asch/lsvd/internal/lsvd/extmap"
	"github.com/asch/lsvd/internal/lsvd/lsvderr"
	"github.com/asch/lsvd/internal/lsvd/translate"
	"github.com/asch/lsvd/internal/lsvd/wire"
)

// UnitSize is the granularity of one cache line.
const UnitSize = 64 * 1024

const (
	unitSectors = UnitSize / wire.SectorSize
	unitPages   = UnitSize / wire.HeaderAlign

	evictionPeriod = 2 * time.Second
	persistPeriod  = 15 * time.Second
	fullBitmap     = uint16(0xFFFF)
)

// Source is what the read cache needs from the translation layer: the
// virtual map and enough object bookkeeping to compute an absolute backend
// offset. Get does not resolve ranges itself; its caller passes an
// already-resolved (obj, offset, length) region.
type Source interface {
	LookupRange(base, limit int64) []extmap.Entry[translate.PhysAddr]
	HeaderSectors(obj uint64) (int64, bool)
	Backend() (backend.Backend, string)
}

type unitKey struct {
	obj      uint64
	unitBase int64
}

// ReadCache is the local-device backed cache of backend object contents.
type ReadCache struct {
	dev       *device.Device
	superPage uint32
	src       Source

	mu           sync.Mutex
	cond         *sync.Cond
	base         uint32
	units        uint32
	mapStart     uint32
	mapBlocks    uint32
	bitmapStart  uint32
	bitmapBlocks uint32

	slotKey    []unitKey
	slotBitmap []uint16
	rev        map[unitKey]uint32
	freeList   []uint32
	busy       map[unitKey]bool
	dirty      bool

	stopCh chan struct{}
	loopWg sync.WaitGroup
}

// Open reads the read-cache superblock and its persisted slot table, and
// starts the background eviction/persist thread.
func Open(dev *device.Device, superPage uint32, src Source) (*ReadCache, error) {
	buf := device.AlignedBuffer(wire.HeaderAlign)
	if _, err := dev.ReadAt(buf, int64(superPage)*wire.HeaderAlign); err != nil {
		return nil, err
	}
	s, err := wire.DecodeReadCacheSuper(buf)
	if err != nil {
		return nil, err
	}

	rc := &ReadCache{
		dev: dev, superPage: superPage, src: src,
		base: s.Base, units: s.Units,
		mapStart: s.MapStart, mapBlocks: s.MapBlocks,
		bitmapStart: s.BitmapStart, bitmapBlocks: s.BitmapBlocks,
		slotKey:    make([]unitKey, s.Units),
		slotBitmap: make([]uint16, s.Units),
		rev:        make(map[unitKey]uint32, s.Units),
		busy:       make(map[unitKey]bool),
		stopCh:     make(chan struct{}),
	}
	rc.cond = sync.NewCond(&rc.mu)

	if s.MapBlocks > 0 && s.Units > 0 {
		mbuf := device.AlignedBuffer(int(s.MapBlocks) * wire.HeaderAlign)
		if _, err := dev.ReadAt(mbuf, int64(s.MapStart)*wire.HeaderAlign); err != nil {
			return nil, err
		}
		slots := wire.DecodeRCacheSlots(mbuf, int(s.Units))
		for i, sl := range slots {
			if sl.Bitmap == 0 {
				rc.freeList = append(rc.freeList, uint32(i))
				continue
			}
			k := unitKey{obj: sl.Obj, unitBase: sl.UnitBase}
			rc.slotKey[i] = k
			rc.slotBitmap[i] = sl.Bitmap
			rc.rev[k] = uint32(i)
		}
	} else {
		for i := uint32(0); i < s.Units; i++ {
			rc.freeList = append(rc.freeList, i)
		}
	}

	rc.loopWg.Add(1)
	go rc.evictionLoop()

	return rc, nil
}

// ErrPending is returned by Get when obj has not yet been sealed to the
// backend (still an in-memory translation batch). Callers fall through to
// the translation layer's own read path, which knows how to serve
// in-memory batches directly.
var ErrPending = errors.New("rcache: object not yet on backend")

// Get fills out (length lengthSectors*SectorSize) with the bytes at
// [offsetSectors, offsetSectors+lengthSectors) inside obj's data region,
// fetching and caching whole units from the backend as needed.
func (rc *ReadCache) Get(obj uint64, offsetSectors, lengthSectors int64, out []byte) error {
	hdrSectors, ok := rc.src.HeaderSectors(obj)
	if !ok {
		return ErrPending
	}

	cur := offsetSectors
	end := offsetSectors + lengthSectors
	for cur < end {
		unitBase := (cur / unitSectors) * unitSectors
		unitEnd := unitBase + unitSectors
		hi := unitEnd
		if hi > end {
			hi = end
		}

		accessMask := accessMaskFor((cur-unitBase)*wire.SectorSize, (hi-cur)*wire.SectorSize)

		unitBuf, err := rc.fetchUnit(obj, unitBase, hdrSectors, accessMask)
		if err != nil {
			return err
		}

		srcOff := (cur - unitBase) * wire.SectorSize
		n := (hi - cur) * wire.SectorSize
		dstOff := (cur - offsetSectors) * wire.SectorSize
		copy(out[dstOff:dstOff+n], unitBuf[srcOff:srcOff+n])

		cur = hi
	}
	return nil
}

// accessMaskFor returns the mask of 4 KiB pages within a unit touched by
// [byteOffset, byteOffset+byteLen), spec.md §4.3's "required sub-page
// mask".
func accessMaskFor(byteOffset, byteLen int64) uint16 {
	pageStart := byteOffset / wire.HeaderAlign
	pageEnd := (byteOffset + byteLen + wire.HeaderAlign - 1) / wire.HeaderAlign
	var mask uint16
	for p := pageStart; p < pageEnd; p++ {
		mask |= 1 << uint(p)
	}
	return mask
}

// bitmapForLen returns the mask of whole 4 KiB pages fully covered by the
// first n bytes of a unit-sized fetch buffer.
func bitmapForLen(n int) uint16 {
	full := n / wire.HeaderAlign
	if full >= unitPages {
		return fullBitmap
	}
	return uint16(1<<uint(full)) - 1
}

// fetchUnit returns the UnitSize buffer for (obj,unitBase) covering at
// least accessMask, serving it from the slab if the line already covers
// that mask, or reading it from the backend and installing it into a slot
// otherwise. Concurrent fetches of the same key are serialized: the line
// is marked busy for the duration of exactly one in-flight fill (the
// backend read and the write of the unit into its slab slot),
// spec.md §3's busy-line invariant.
func (rc *ReadCache) fetchUnit(obj uint64, unitBase, hdrSectors int64, accessMask uint16) ([]byte, error) {
	key := unitKey{obj: obj, unitBase: unitBase}

	rc.mu.Lock()
	for {
		if rc.busy[key] {
			rc.cond.Wait()
			continue
		}
		if slot, ok := rc.rev[key]; ok && rc.slotBitmap[slot]&accessMask == accessMask {
			rc.mu.Unlock()
			buf := device.AlignedBuffer(UnitSize)
			off := int64(rc.base+slot*unitPages) * wire.HeaderAlign
			if _, err := rc.dev.ReadAt(buf, off); err != nil {
				return nil, err
			}
			return buf, nil
		}
		rc.busy[key] = true
		break
	}
	rc.mu.Unlock()
	defer func() {
		rc.mu.Lock()
		delete(rc.busy, key)
		rc.cond.Broadcast()
		rc.mu.Unlock()
	}()

	be, prefix := rc.src.Backend()
	fetchBuf := make([]byte, UnitSize)
	absOffset := (hdrSectors + unitBase) * wire.SectorSize
	n, err := be.ReadNumberedObject(prefix, obj, fetchBuf, absOffset)

	rc.mu.Lock()
	if err != nil {
		rc.mu.Unlock()
		return nil, lsvderr.Wrap(lsvderr.IOBackend, err)
	}
	fetchBuf = fetchBuf[:n]

	slot, assigned := rc.assignSlotLocked(key, bitmapForLen(n))
	if assigned {
		rc.dirty = true
	}
	rc.mu.Unlock()

	if assigned {
		devBuf := device.AlignedBuffer(UnitSize)
		copy(devBuf, fetchBuf)
		off := int64(rc.base+slot*unitPages) * wire.HeaderAlign
		if _, err := rc.dev.WriteAt(devBuf, off); err != nil {
			return nil, err
		}
	}

	if len(fetchBuf) < UnitSize {
		padded := make([]byte, UnitSize)
		copy(padded, fetchBuf)
		return padded, nil
	}
	return fetchBuf, nil
}

// assignSlotLocked must be called with mu held. If key already holds a
// slot, that slot is reused in place with the wider bitmap. Otherwise it
// pops a slot off the free list and marks it as holding key with the
// given bitmap. On a full cache it does not evict inline -- spec.md §4.3
// insertion is "pop one from the free list, else drop" -- so it reports
// ok=false and leaves the fetched data uncached; the background eviction
// thread is what makes room for future insertions.
func (rc *ReadCache) assignSlotLocked(key unitKey, bitmap uint16) (uint32, bool) {
	if slot, ok := rc.rev[key]; ok {
		rc.slotBitmap[slot] |= bitmap
		return slot, true
	}

	n := len(rc.freeList)
	if n == 0 {
		return 0, false
	}
	slot := rc.freeList[n-1]
	rc.freeList = rc.freeList[:n-1]

	rc.slotKey[slot] = key
	rc.slotBitmap[slot] = bitmap
	rc.rev[key] = slot
	return slot, true
}

// evictionLoop wakes periodically to keep the free list above a low
// watermark and to persist the slot table while it's dirty, spec.md §4.3
// "background thread wakes every 2s ... Metadata ... persisted on any
// evicting pass or at least every 15s when the map is dirty."
func (rc *ReadCache) evictionLoop() {
	defer rc.loopWg.Done()

	evictTicker := time.NewTicker(evictionPeriod)
	defer evictTicker.Stop()
	persistTicker := time.NewTicker(persistPeriod)
	defer persistTicker.Stop()

	for {
		select {
		case <-rc.stopCh:
			return
		case <-evictTicker.C:
			if rc.evictionPass() {
				rc.Checkpoint()
			}
		case <-persistTicker.C:
			rc.mu.Lock()
			dirty := rc.dirty
			rc.mu.Unlock()
			if dirty {
				rc.Checkpoint()
			}
		}
	}
}

// evictionPass evicts uniformly-at-random victims when free slots have
// dropped below units/16, bringing the free list back up to units/4. It
// never touches a busy line. It reports whether anything was evicted.
func (rc *ReadCache) evictionPass() bool {
	rc.mu.Lock()

	lowWater := rc.units / 16
	if uint32(len(rc.freeList)) >= lowWater {
		rc.mu.Unlock()
		return false
	}

	target := rc.units / 4
	need := int(target) - len(rc.freeList)
	if need <= 0 {
		rc.mu.Unlock()
		return false
	}

	candidates := make([]uint32, 0, len(rc.rev))
	for k, slot := range rc.rev {
		if rc.busy[k] {
			continue
		}
		candidates = append(candidates, slot)
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if need > len(candidates) {
		need = len(candidates)
	}

	for _, slot := range candidates[:need] {
		delete(rc.rev, rc.slotKey[slot])
		rc.slotKey[slot] = unitKey{}
		rc.slotBitmap[slot] = 0
		rc.freeList = append(rc.freeList, slot)
	}
	evicted := need > 0
	if evicted {
		rc.dirty = true
	}
	rc.mu.Unlock()
	return evicted
}

// Checkpoint persists the slot table so a restart doesn't have to warm the
// cache from scratch.
func (rc *ReadCache) Checkpoint() error {
	rc.mu.Lock()
	slots := make([]wire.RCacheSlot, rc.units)
	for i := range slots {
		slots[i] = wire.RCacheSlot{Obj: rc.slotKey[i].obj, UnitBase: rc.slotKey[i].unitBase, Bitmap: rc.slotBitmap[i]}
	}
	mapStart, mapBlocks := rc.mapStart, rc.mapBlocks
	rc.dirty = false
	rc.mu.Unlock()

	buf := wire.EncodeRCacheSlots(slots)
	padded := device.AlignedBuffer(int(mapBlocks) * wire.HeaderAlign)
	copy(padded, buf)
	if _, err := rc.dev.WriteAt(padded, int64(mapStart)*wire.HeaderAlign); err != nil {
		return err
	}
	return nil
}

// Reset drops every cached unit without touching the slab contents on
// disk; the next Get for any key will be a miss.
func (rc *ReadCache) Reset() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.rev = make(map[unitKey]uint32, rc.units)
	rc.freeList = rc.freeList[:0]
	for i := range rc.slotBitmap {
		rc.slotKey[i] = unitKey{}
		rc.slotBitmap[i] = 0
		rc.freeList = append(rc.freeList, uint32(i))
	}
	rc.dirty = true
}

// Close stops the background eviction/persist thread and checkpoints the
// slot table one last time.
func (rc *ReadCache) Close() error {
	close(rc.stopCh)
	rc.loopWg.Wait()
	return rc.Checkpoint()
}
