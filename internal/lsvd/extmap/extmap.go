// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package extmap is the shared extent-map library used by the translation
// layer (virtual LBA -> object,offset) and by the write cache's forward and
// reverse maps (virtual LBA -> journal page, and back). It keeps an ordered,
// disjoint set of half-open sector intervals [Base,Limit) each carrying an
// arbitrary payload, and supports the point/range operations both callers
// need: lookup, range update with split/merge/overwrite, range trim, and
// in-order iteration.
//
// The container is not safe for concurrent use; callers serialize access
// with their own mutex (translate's map lock, write cache's mu), exactly as
// the teacher's SectorMap is used only from behind mapproxy's single
// worker goroutine.
package extmap

import "sort"

// Entry is one mapping interval [Base,Limit) -> Value.
type Entry[V any] struct {
	Base, Limit int64
	Value       V
}

func (e Entry[V]) Len() int64 { return e.Limit - e.Base }

// Map is an ordered map from disjoint sector intervals to values of type V.
// Adjacent, touching intervals that canMerge accepts are coalesced; empty
// intervals are never stored.
type Map[V any] struct {
	entries  []Entry[V]
	canMerge func(a, b Entry[V]) bool
	shift    func(v V, delta int64) V
}

// New returns an empty map. canMerge decides whether two adjacent entries
// with touching bounds (a.Limit == b.Base) should be coalesced into one; it
// is given both full entries (not just their values) so it can check that
// the physical mapping is actually contiguous, e.g. same object id and
// b.Value.Offset == a.Value.Offset + a.Len(). shift adjusts a value when an
// entry is partially trimmed from its low end (e.g. advancing a physical
// sector offset); pass nil if V has no positional component that needs
// adjusting.
func New[V any](canMerge func(a, b Entry[V]) bool, shift func(v V, delta int64) V) *Map[V] {
	if canMerge == nil {
		canMerge = func(a, b Entry[V]) bool { return false }
	}
	if shift == nil {
		shift = func(v V, delta int64) V { return v }
	}
	return &Map[V]{canMerge: canMerge, shift: shift}
}

// search returns the index of the first entry whose Limit is > base, i.e.
// the first entry that could possibly contain or follow base.
func (m *Map[V]) search(base int64) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Limit > base
	})
}

// Lookup returns the entry containing base, or if none contains it, the
// next entry above base. ok is false if there is no entry at or above base.
func (m *Map[V]) Lookup(base int64) (e Entry[V], ok bool) {
	i := m.search(base)
	if i >= len(m.entries) {
		return Entry[V]{}, false
	}
	return m.entries[i], true
}

// LookupRange returns every entry that overlaps [base,limit), in order.
func (m *Map[V]) LookupRange(base, limit int64) []Entry[V] {
	if limit <= base {
		return nil
	}
	i := m.search(base)
	var out []Entry[V]
	for ; i < len(m.entries) && m.entries[i].Base < limit; i++ {
		out = append(out, m.entries[i])
	}
	return out
}

// Update installs value across [base,limit), splitting or overwriting any
// existing entries that overlap it, and returns the entries (or entry
// fragments) that were displaced -- i.e. the mapping that was authoritative
// for that range immediately before this call. Callers use the displaced
// entries to decrement liveness accounting on the objects they used to
// point at.
func (m *Map[V]) Update(base, limit int64, value V) []Entry[V] {
	if limit <= base {
		return nil
	}

	i := m.search(base)
	var displaced []Entry[V]
	var rebuilt []Entry[V]
	rebuilt = append(rebuilt, m.entries[:i]...)

	for i < len(m.entries) && m.entries[i].Base < limit {
		e := m.entries[i]
		i++

		if e.Base < base {
			// Left remainder survives untouched.
			rebuilt = append(rebuilt, Entry[V]{Base: e.Base, Limit: base, Value: e.Value})
			displaced = append(displaced, Entry[V]{Base: base, Limit: min(e.Limit, limit), Value: m.shift(e.Value, base-e.Base)})
		} else {
			displaced = append(displaced, Entry[V]{Base: e.Base, Limit: min(e.Limit, limit), Value: e.Value})
		}

		if e.Limit > limit {
			// Right remainder survives, shifted forward.
			shifted := m.shift(e.Value, limit-e.Base)
			rebuilt = append(rebuilt, Entry[V]{Base: limit, Limit: e.Limit, Value: shifted})
		}
	}

	rebuilt = append(rebuilt, Entry[V]{Base: base, Limit: limit, Value: value})
	rebuilt = append(rebuilt, m.entries[i:]...)

	sort.Slice(rebuilt, func(a, b int) bool { return rebuilt[a].Base < rebuilt[b].Base })
	m.entries = m.coalesce(rebuilt)

	return displaced
}

// coalesce merges touching entries whose values canMerge accepts and drops
// empties.
func (m *Map[V]) coalesce(in []Entry[V]) []Entry[V] {
	out := in[:0]
	for _, e := range in {
		if e.Base >= e.Limit {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Limit == e.Base && m.canMerge(out[n-1], e) {
			out[n-1].Limit = e.Limit
			continue
		}
		out = append(out, e)
	}
	return out
}

// Trim removes [base,limit) from the map without installing a replacement,
// splitting any overlapping entries as necessary.
func (m *Map[V]) Trim(base, limit int64) {
	if limit <= base {
		return
	}

	i := m.search(base)
	var rebuilt []Entry[V]
	rebuilt = append(rebuilt, m.entries[:i]...)

	for i < len(m.entries) && m.entries[i].Base < limit {
		e := m.entries[i]
		i++

		if e.Base < base {
			rebuilt = append(rebuilt, Entry[V]{Base: e.Base, Limit: base, Value: e.Value})
		}
		if e.Limit > limit {
			shifted := m.shift(e.Value, limit-e.Base)
			rebuilt = append(rebuilt, Entry[V]{Base: limit, Limit: e.Limit, Value: shifted})
		}
	}

	rebuilt = append(rebuilt, m.entries[i:]...)
	m.entries = rebuilt
}

// All returns every entry in ascending base order. The returned slice must
// not be mutated by the caller.
func (m *Map[V]) All() []Entry[V] {
	return m.entries
}

// Reset empties the map.
func (m *Map[V]) Reset() {
	m.entries = nil
}

// Len returns the number of stored (disjoint) entries.
func (m *Map[V]) Len() int {
	return len(m.entries)
}

func min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
