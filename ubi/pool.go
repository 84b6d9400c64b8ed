package ubi

import "container/heap"

// pebEntry is a single (erase counter, PEB index) pair as held in the free
// and dirty pools (spec.md §4.4).
type pebEntry struct {
	ec   uint32
	pnum uint32
}

// pebHeap is a min-heap over pebEntry ordered by ec, realizing spec.md §4.4's
// "ordered container permitting duplicate keys, supporting insert,
// remove-given-entry, and get-entry-with-smallest-key". Duplicate EC values
// are tolerated by heap.Interface's Less, same as the source's red-black
// tree comparator.
type pebHeap []pebEntry

func (h pebHeap) Len() int            { return len(h) }
func (h pebHeap) Less(i, j int) bool   { return h[i].ec < h[j].ec }
func (h pebHeap) Swap(i, j int)        { h[i], h[j] = h[j], h[i] }
func (h *pebHeap) Push(x interface{})  { *h = append(*h, x.(pebEntry)) }
func (h *pebHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// pebPool wraps a pebHeap behind the insert / extract-min / remove-given-pnum
// operations the pool manager needs. It is not safe for concurrent use on
// its own — callers hold Device.mu.
type pebPool struct {
	h pebHeap
}

func newPEBPool() *pebPool {
	p := &pebPool{}
	heap.Init(&p.h)
	return p
}

func (p *pebPool) insert(ec uint32, pnum uint32) {
	heap.Push(&p.h, pebEntry{ec: ec, pnum: pnum})
}

// extractMin removes and returns the entry with the smallest EC. ok is false
// if the pool is empty.
func (p *pebPool) extractMin() (pebEntry, bool) {
	if p.h.Len() == 0 {
		return pebEntry{}, false
	}
	e := heap.Pop(&p.h).(pebEntry)
	return e, true
}

// remove deletes the first entry matching pnum, if any, and reports whether
// one was found. It pulls a PEB out of a pool by identity rather than by
// minimum key; no function in this package calls it.
func (p *pebPool) remove(pnum uint32) (pebEntry, bool) {
	for i, e := range p.h {
		if e.pnum == pnum {
			removed := heap.Remove(&p.h, i).(pebEntry)
			return removed, true
		}
	}
	return pebEntry{}, false
}

func (p *pebPool) len() int {
	return p.h.Len()
}

// entries returns a copy of every (ec, pnum) pair currently in the pool, in
// no particular order. No function in this package calls it.
func (p *pebPool) entries() []pebEntry {
	out := make([]pebEntry, len(p.h))
	copy(out, p.h)
	return out
}

// badEntry records a PEB retired to the bad list, with its last known erase
// count (spec.md §4.4's "bad list: append-only").
type badEntry struct {
	pnum      uint32
	nrErases  uint32
}

type badList struct {
	entries []badEntry
}

func (b *badList) append(pnum uint32, nrErases uint32) {
	b.entries = append(b.entries, badEntry{pnum: pnum, nrErases: nrErases})
}

func (b *badList) len() int {
	return len(b.entries)
}
