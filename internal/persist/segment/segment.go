// Package segment implements the fixed-size address-space allocator
// backing the persistent log: a virtual address space divided into
// fixed-size segments, handed out first-fit via a bitset, the same
// layout SPDKPersistLog.hpp uses (NUM_SEGMENTS derived from
// VIRTUAL_ADDRESS_SPACE / SEGMENT_SIZE). There is no per-log segment
// table: the allocator tracks which segments are in use, not which log
// holds them, and it places no cap on the number of logs.
package segment

import "fmt"

// Config sizes the allocator. Defaults mirror the original's hardcoded
// constants but are overridable per spec.md's Open Question on this
// point (see DESIGN.md).
type Config struct {
	// MaxLogs is the configured log-count limit (NUM_LOGS_SUPPORTED in
	// the original). The Allocator stores it but does not enforce it.
	MaxLogs int
	// SegmentBytes is the fixed size of one allocation unit.
	SegmentBytes int64
	// AddressSpaceBytes is the total virtual address space the
	// allocator manages; NumSegments = AddressSpaceBytes / SegmentBytes.
	AddressSpaceBytes int64
}

// DefaultConfig matches the original SPDKPersistLog constants:
// 16384 logs, 8MiB segments, 1TiB of virtual address space.
func DefaultConfig() Config {
	return Config{
		MaxLogs:           16384,
		SegmentBytes:      8 * 1024 * 1024,
		AddressSpaceBytes: 1024 * 1024 * 1024 * 1024,
	}
}

// NumSegments returns the total segment count implied by cfg.
func (cfg Config) NumSegments() int64 {
	if cfg.SegmentBytes <= 0 {
		return 0
	}
	return cfg.AddressSpaceBytes / cfg.SegmentBytes
}

// Allocator hands out segment indices first-fit from a bitset, and frees
// them back for reuse. It does not itself hold segment contents — callers
// (persist/log) use the returned index to address a backing store.
type Allocator struct {
	cfg   Config
	bits  []uint64 // one bit per segment; 1 = in use
	free  int64
	total int64
}

// NewAllocator constructs an Allocator sized per cfg.
func NewAllocator(cfg Config) *Allocator {
	total := cfg.NumSegments()
	words := (total + 63) / 64
	return &Allocator{
		cfg:   cfg,
		bits:  make([]uint64, words),
		free:  total,
		total: total,
	}
}

// Alloc returns the lowest-numbered free segment index, marking it used.
// Returns ok=false if the address space is exhausted.
func (a *Allocator) Alloc() (idx int64, ok bool) {
	for w := 0; w < len(a.bits); w++ {
		if a.bits[w] == ^uint64(0) {
			continue
		}
		for b := 0; b < 64; b++ {
			segIdx := int64(w)*64 + int64(b)
			if segIdx >= a.total {
				return 0, false
			}
			if a.bits[w]&(1<<uint(b)) == 0 {
				a.bits[w] |= 1 << uint(b)
				a.free--
				return segIdx, true
			}
		}
	}
	return 0, false
}

// Free releases a previously allocated segment. Freeing an already-free
// segment is a no-op (idempotent, matching trim-then-retrim patterns in
// the log's retention logic).
func (a *Allocator) Free(idx int64) error {
	if idx < 0 || idx >= a.total {
		return fmt.Errorf("segment: index %d out of range [0,%d)", idx, a.total)
	}
	w, b := idx/64, uint(idx%64)
	if a.bits[w]&(1<<b) == 0 {
		return nil
	}
	a.bits[w] &^= 1 << b
	a.free++
	return nil
}

// InUse reports whether idx is currently allocated.
func (a *Allocator) InUse(idx int64) bool {
	if idx < 0 || idx >= a.total {
		return false
	}
	w, b := idx/64, uint(idx%64)
	return a.bits[w]&(1<<b) != 0
}

// FreeCount returns the number of currently unallocated segments.
func (a *Allocator) FreeCount() int64 { return a.free }

// Total returns the total number of segments the allocator manages.
func (a *Allocator) Total() int64 { return a.total }

// SegmentBytes returns the fixed size of one segment.
func (a *Allocator) SegmentBytes() int64 { return a.cfg.SegmentBytes }
