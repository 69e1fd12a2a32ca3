// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package lsvd is the façade that owns the translation layer, write
// cache and read cache, wires them to each other as peers per spec.md
// §9, and exposes the external Block interface of spec.md §6 to
// whatever process embeds this module.
package lsvd

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asch/lsvd/internal/backend"
	"github.com/asch/lsvd/internal/lsvd/device"
	"github.com/asch/lsvd/internal/lsvd/rcache"
	"github.com/asch/lsvd/internal/lsvd/translate"
	"github.com/asch/lsvd/internal/lsvd/wcache"
	"github.com/asch/lsvd/internal/lsvd/wire"
)

// Block is the external interface spec.md §6 names: a conventional
// random-access block device, consumed by whatever transport a caller
// wires it to (a kernel block device driver, an NBD server, a
// benchmarking harness).
type Block interface {
	Writev(offsetBytes int64, iov [][]byte) (int, error)
	Readv(offsetBytes int64, iov [][]byte) (int, error)
	Flush() (uint64, error)
	AioWrite(offsetBytes int64, iov [][]byte, completion func(error))
	AioRead(offsetBytes int64, iov [][]byte, completion func(error))
	Close() error
}

// Config gathers the tunables the façade passes on to its components.
type Config struct {
	// DevicePath is the local device (or file standing in for one)
	// backing the write and read caches.
	DevicePath string

	// VolumePrefix names the volume's superblock object and the prefix
	// of its numbered objects.
	VolumePrefix string

	// BatchSize is the maximum bytes per backend DATA object.
	BatchSize int

	// XlateThreads is the translation worker count.
	XlateThreads int

	// WcacheBatch is the minimum sub-writes before forcing a journal
	// flush under load.
	WcacheBatch int

	// CheckpointInterval bounds how long the write cache waits before
	// checkpointing a dirty map even without a size-based trigger.
	CheckpointInterval time.Duration

	// TimedFlushPeriod is how often the translation layer's idle-batch
	// flush timer wakes to check for a stale batch.
	TimedFlushPeriod time.Duration

	// EnableTimedFlush turns on the translation layer's idle-batch
	// flush timer; tests that want deterministic batch boundaries leave
	// it off and call Flush explicitly.
	EnableTimedFlush bool
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 8 << 20
	}
	if c.XlateThreads <= 0 {
		c.XlateThreads = 2
	}
	if c.WcacheBatch <= 0 {
		c.WcacheBatch = 8
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 5 * time.Second
	}
	return c
}

// Volume is one open instance of the device: a translation layer, a
// write cache and a read cache sharing a single local device, plus a
// backend driver borrowed from the caller.
type Volume struct {
	cfg      Config
	dev      *device.Device
	tr       *translate.Translate
	wc       *wcache.WriteCache
	rc       *rcache.ReadCache
	sizeB    int64
	sectorSz int64
}

// Open wires a fresh or existing volume: it opens the local device,
// reads its outer superblock (page 0) to find the write-cache and
// read-cache superblock pages, then brings up translate, wcache and
// rcache against them in that order, since wcache and rcache both need
// a live Translator/Source (spec.md §9's peer-not-owner model).
func Open(be backend.Backend, cfg Config) (*Volume, error) {
	cfg = cfg.withDefaults()

	dev, err := device.Open(cfg.DevicePath)
	if err != nil {
		return nil, err
	}

	outer, err := device.ReadOuter(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}

	tr := translate.New(be, translate.Config{
		BatchSize:        cfg.BatchSize,
		VolumePrefix:     cfg.VolumePrefix,
		TimedFlushPeriod: cfg.TimedFlushPeriod,
	})

	sizeB, err := tr.Init(cfg.XlateThreads, cfg.EnableTimedFlush)
	if err != nil {
		dev.Close()
		return nil, err
	}

	wc, err := wcache.Open(dev, outer.WriteSuperPage, tr, wcache.Config{
		WriteBatch:         cfg.WcacheBatch,
		CheckpointInterval: cfg.CheckpointInterval,
	})
	if err != nil {
		tr.Close()
		dev.Close()
		return nil, err
	}

	rc, err := rcache.Open(dev, outer.ReadSuperPage, tr)
	if err != nil {
		wc.Close()
		tr.Close()
		dev.Close()
		return nil, err
	}

	log.Info().Str("volume", cfg.VolumePrefix).Int64("size_bytes", sizeB).Msg("volume opened")

	return &Volume{cfg: cfg, dev: dev, tr: tr, wc: wc, rc: rc, sizeB: sizeB, sectorSz: wire.SectorSize}, nil
}

// Size returns the volume's size in bytes.
func (v *Volume) Size() int64 { return v.sizeB }

// Writev durably journals iov at offsetBytes before returning, per
// spec.md §4.2: the write cache is the durability gate, and forwards
// the payload on to translation itself once acknowledged.
func (v *Volume) Writev(offsetBytes int64, iov [][]byte) (int, error) {
	total := 0
	for _, seg := range iov {
		total += len(seg)
	}
	if err := v.wc.Writev(offsetBytes, iov); err != nil {
		return 0, err
	}
	return total, nil
}

// Readv serves offsetBytes/len(iov) by falling through write cache,
// then read cache, then backend, per spec.md §7 "Read paths fall
// through". Entirely unmapped ranges return zeros without any I/O.
func (v *Volume) Readv(offsetBytes int64, iov [][]byte) (int, error) {
	total := 0
	for _, seg := range iov {
		total += len(seg)
	}

	buf := make([]byte, total)

	if err := v.readInto(offsetBytes, buf); err != nil {
		return 0, err
	}

	off := 0
	for _, seg := range iov {
		copy(seg, buf[off:off+len(seg)])
		off += len(seg)
	}
	return total, nil
}

func (v *Volume) readInto(offsetBytes int64, buf []byte) error {
	base := offsetBytes / v.sectorSz
	limit := base + int64(len(buf))/v.sectorSz

	covered := make([]bool, limit-base)

	jHits := v.wc.LookupRange(base, limit)
	for _, h := range jHits {
		hb, hl := clip(h.Base, h.Limit, base, limit)
		if hb >= hl {
			continue
		}
		plba := h.Value + (hb - h.Base)
		dst := buf[(hb-base)*v.sectorSz : (hl-base)*v.sectorSz]
		if err := v.wc.ReadPhys(plba, hl-hb, dst); err != nil {
			return err
		}
		markCovered(covered, hb-base, hl-base)
	}

	tHits := v.tr.LookupRange(base, limit)
	for _, h := range tHits {
		hb, hl := clip(h.Base, h.Limit, base, limit)
		if hb >= hl {
			continue
		}
		if allCovered(covered, hb-base, hl-base) {
			continue
		}

		physOffset := h.Value.Offset + (hb - h.Base)
		dst := make([]byte, (hl-hb)*v.sectorSz)

		if err := v.rc.Get(h.Value.Obj, physOffset, hl-hb, dst); err != nil {
			if err != rcache.ErrPending {
				return err
			}
			if _, terr := v.tr.Read(hb*v.sectorSz, dst); terr != nil {
				return terr
			}
		}
		for s := hb - base; s < hl-base; s++ {
			if !covered[s] {
				d := (s - (hb - base)) * v.sectorSz
				copy(buf[s*v.sectorSz:(s+1)*v.sectorSz], dst[d:d+v.sectorSz])
				covered[s] = true
			}
		}
	}

	return nil
}

func clip(hb, hl, base, limit int64) (int64, int64) {
	if hb < base {
		hb = base
	}
	if hl > limit {
		hl = limit
	}
	return hb, hl
}

func markCovered(covered []bool, from, to int64) {
	for i := from; i < to; i++ {
		covered[i] = true
	}
}

func allCovered(covered []bool, from, to int64) bool {
	for i := from; i < to; i++ {
		if !covered[i] {
			return false
		}
	}
	return true
}

// Flush seals any pending translation batch and returns its sequence
// number, spec.md §6 "flush() -> last_sequence".
func (v *Volume) Flush() (uint64, error) {
	v.wc.Flush()
	return v.tr.Flush(), nil
}

// AioWrite runs Writev on its own goroutine and calls completion
// exactly once with the result, spec.md §6.
func (v *Volume) AioWrite(offsetBytes int64, iov [][]byte, completion func(error)) {
	go func() {
		_, err := v.Writev(offsetBytes, iov)
		completion(err)
	}()
}

// AioRead runs Readv on its own goroutine and calls completion exactly
// once with the result, spec.md §6.
func (v *Volume) AioRead(offsetBytes int64, iov [][]byte, completion func(error)) {
	go func() {
		_, err := v.Readv(offsetBytes, iov)
		completion(err)
	}()
}

// Close stops every component's background threads. The read and write
// caches persist their maps on close; the translation layer seals its
// pending batch and waits for its workers, without writing a checkpoint.
func (v *Volume) Close() error {
	if err := v.rc.Close(); err != nil {
		log.Error().Err(err).Msg("read cache close failed")
	}
	if err := v.wc.Close(); err != nil {
		return err
	}
	if err := v.tr.Close(); err != nil {
		return err
	}
	return v.dev.Close()
}

var _ Block = (*Volume)(nil)
