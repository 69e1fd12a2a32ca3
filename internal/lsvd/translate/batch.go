// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package translate

import (
	"time"

	"github.com/asch/lsvd/internal/lsvd/wire"
)

// batch is an in-memory accumulation of host writes destined to become one
// backend DATA object, spec.md §3 "Batch". It is mutated only by the
// appending goroutine while current, then handed to a worker and never
// touched again until it is returned to the pool.
type batch struct {
	buf        []byte
	cap        int
	entries    []wire.DataMapEntry
	seq        uint64
	lastAppend time.Time
}

func newBatch(capacity int) *batch {
	return &batch{buf: make([]byte, 0, capacity), cap: capacity}
}

func (b *batch) reset(seq uint64) {
	b.buf = b.buf[:0]
	b.entries = b.entries[:0]
	b.seq = seq
	b.lastAppend = time.Now()
}

func (b *batch) room(n int) bool {
	return len(b.buf)+n <= b.cap
}

// append copies data into the batch and records the map entry describing
// it. lba and length are in sectors.
func (b *batch) append(lba int64, data []byte) {
	length := int64(len(data)) / wire.SectorSize
	b.entries = append(b.entries, wire.DataMapEntry{LBA: lba, Len: length})
	b.buf = append(b.buf, data...)
}

func (b *batch) sectors() int64 {
	return int64(len(b.buf)) / wire.SectorSize
}
