// Package log implements the Persistent Log contract: an append-only,
// versioned log of entries, each stamped with a hybrid-logical-clock
// timestamp, with explicit control over when appended entries become
// durable (Persist) and how far back the log can be trimmed.
//
// Grounded on SPDKPersistLog.hpp: the fixed 64-byte LogEntry layout
// (version, data length, data offset, HLC real/logical components, and
// reserved padding) is preserved byte-for-byte via encoding/binary so a
// log segment written by one build can be read by another; the backing
// storage is carved out of internal/persist/segment's allocator instead
// of SPDK's raw block device.
package log

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/oriys/groupcast/internal/metrics"
	"github.com/oriys/groupcast/internal/persist/segment"
	"github.com/oriys/groupcast/internal/rpcerr"
)

// EntrySize is the fixed on-disk size of one LogEntry's metadata record.
const EntrySize = 8 + 8 + 8 + 8 + 8 + 24 // version + dataLength + dataOffset + hlcReal + hlcLogic + reserved

// InvalidVersion is the sentinel version meaning "no lower bound": passed
// to ToBytes/PostObject it means serialize the entire log rather than a
// tail starting after some version.
const InvalidVersion int64 = -1

// LogEntry is one record's metadata. The payload itself is stored
// separately (addressed by DataOffset/DataLength) so metadata scans don't
// need to touch payload bytes.
type LogEntry struct {
	Version    int64
	DataLength uint64
	DataOffset uint64
	HLCReal    uint64
	HLCLogic   uint64
}

func (e LogEntry) encode() []byte {
	buf := make([]byte, EntrySize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.Version))
	binary.BigEndian.PutUint64(buf[8:16], e.DataLength)
	binary.BigEndian.PutUint64(buf[16:24], e.DataOffset)
	binary.BigEndian.PutUint64(buf[24:32], e.HLCReal)
	binary.BigEndian.PutUint64(buf[32:40], e.HLCLogic)
	// remaining 24 bytes reserved, left zero
	return buf
}

func decodeEntry(b []byte) (LogEntry, error) {
	if len(b) < EntrySize {
		return LogEntry{}, fmt.Errorf("log: entry truncated: need %d bytes, have %d", EntrySize, len(b))
	}
	return LogEntry{
		Version:    int64(binary.BigEndian.Uint64(b[0:8])),
		DataLength: binary.BigEndian.Uint64(b[8:16]),
		DataOffset: binary.BigEndian.Uint64(b[16:24]),
		HLCReal:    binary.BigEndian.Uint64(b[24:32]),
		HLCLogic:   binary.BigEndian.Uint64(b[32:40]),
	}, nil
}

// Log is an append-only, versioned, HLC-stamped log. All operations are
// safe for concurrent use.
type Log struct {
	mu sync.Mutex

	alloc *segment.Allocator

	entries    []LogEntry
	data       [][]byte // data[i] is the payload for entries[i]
	segOf      []int64  // segment index backing entries[i], for eviction bookkeeping
	baseIndex  int64    // index of entries[0] in the log's lifetime numbering (advances on trim)
	persistedN int      // number of leading entries (by position in 'entries') known durable

	lastVersion int64
	haveVersion bool
	lastHLCReal uint64
	lastHLCLogic uint64
}

// New constructs an empty Log backed by a segment allocator sized per cfg.
func New(cfg segment.Config) *Log {
	return &Log{alloc: segment.NewAllocator(cfg)}
}

// Append adds a new entry with the given version and HLC timestamp.
// Versions must be non-decreasing and HLC timestamps must be
// non-decreasing (lexicographically on (real, logical)), matching the
// monotonicity invariant SPDKPersistLog documents; a violation is a
// PersistFailed error rather than silently accepted.
func (l *Log) Append(dataIn []byte, ver int64, hlcReal, hlcLogic uint64) (index int64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.haveVersion && ver < l.lastVersion {
		return 0, &rpcerr.PersistFailed{Op: "append", Err: fmt.Errorf("version %d is less than last version %d", ver, l.lastVersion)}
	}
	if l.haveVersion && (hlcReal < l.lastHLCReal || (hlcReal == l.lastHLCReal && hlcLogic < l.lastHLCLogic)) {
		return 0, &rpcerr.PersistFailed{Op: "append", Err: fmt.Errorf("HLC timestamp (%d,%d) regresses past (%d,%d)", hlcReal, hlcLogic, l.lastHLCReal, l.lastHLCLogic)}
	}

	segIdx, ok := l.alloc.Alloc()
	if !ok {
		return 0, &rpcerr.PersistFailed{Op: "append", Err: fmt.Errorf("segment address space exhausted")}
	}
	if int64(len(dataIn)) > l.alloc.SegmentBytes() {
		l.alloc.Free(segIdx)
		return 0, &rpcerr.PersistFailed{Op: "append", Err: fmt.Errorf("entry of %d bytes exceeds segment size %d", len(dataIn), l.alloc.SegmentBytes())}
	}

	buf := make([]byte, len(dataIn))
	copy(buf, dataIn)

	entry := LogEntry{
		Version:    ver,
		DataLength: uint64(len(dataIn)),
		DataOffset: uint64(segIdx) * uint64(l.alloc.SegmentBytes()),
		HLCReal:    hlcReal,
		HLCLogic:   hlcLogic,
	}

	l.entries = append(l.entries, entry)
	l.data = append(l.data, buf)
	l.segOf = append(l.segOf, segIdx)
	l.lastVersion, l.haveVersion = ver, true
	l.lastHLCReal, l.lastHLCLogic = hlcReal, hlcLogic

	metrics.Global().RecordLogAppend(int64(len(dataIn)))
	if total := l.alloc.Total(); total > 0 {
		metrics.SetSegmentUtilization("default", float64(total-l.alloc.FreeCount())/float64(total))
	}

	return l.baseIndex + int64(len(l.entries)) - 1, nil
}

// AdvanceVersion bumps the log's current version without appending a new
// entry, establishing a version boundary other replicas can agree on
// (e.g. after a batch of ordered sends with no durable side effect).
func (l *Log) AdvanceVersion(ver int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.haveVersion && ver < l.lastVersion {
		return &rpcerr.PersistFailed{Op: "advance_version", Err: fmt.Errorf("version %d is less than last version %d", ver, l.lastVersion)}
	}
	l.lastVersion, l.haveVersion = ver, true
	return nil
}

// Persist marks every entry appended so far as durable, returning the
// version it persisted up to. preLocked signals the caller already holds
// an external lock coordinating concurrent Append calls with this
// Persist — mirroring the original's preLocked parameter, used when
// Persist is invoked from inside a critical section that already holds
// the log's mutex at a higher level (e.g. a batched group commit).
func (l *Log) Persist(preLocked bool) (int64, error) {
	if !preLocked {
		l.mu.Lock()
		defer l.mu.Unlock()
	}
	l.persistedN = len(l.entries)
	if l.persistedN == 0 {
		return 0, nil
	}
	return l.entries[l.persistedN-1].Version, nil
}

// GetLastPersisted returns the version of the last persisted entry, or 0
// if nothing has been persisted yet.
func (l *Log) GetLastPersisted() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.persistedN == 0 {
		return 0
	}
	return l.entries[l.persistedN-1].Version
}

// GetLength returns the number of live entries currently in the log.
func (l *Log) GetLength() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.entries))
}

// GetEarliestIndex returns the lowest live index, or -1 if the log is empty.
func (l *Log) GetEarliestIndex() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return -1
	}
	return l.baseIndex
}

// GetLatestIndex returns the highest live index, or -1 if the log is empty.
func (l *Log) GetLatestIndex() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return -1
	}
	return l.baseIndex + int64(len(l.entries)) - 1
}

// GetEarliestVersion returns the version of the earliest live entry.
func (l *Log) GetEarliestVersion() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return 0, fmt.Errorf("log: empty")
	}
	return l.entries[0].Version, nil
}

// GetLatestVersion returns the version of the most recently appended entry.
func (l *Log) GetLatestVersion() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return 0, fmt.Errorf("log: empty")
	}
	return l.entries[len(l.entries)-1].Version, nil
}

// GetVersionIndex translates a version number to its log index via binary
// search (versions are non-decreasing, so this is well-defined modulo
// duplicate versions, which resolve to the first match).
func (l *Log) GetVersionIndex(ver int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lo, hi := 0, len(l.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.entries[mid].Version < ver {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo >= len(l.entries) || l.entries[lo].Version != ver {
		return 0, fmt.Errorf("log: version %d not found", ver)
	}
	return l.baseIndex + int64(lo), nil
}

// GetEntryByIndex returns the metadata and payload for a live index.
func (l *Log) GetEntryByIndex(idx int64) (LogEntry, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos := idx - l.baseIndex
	if pos < 0 || pos >= int64(len(l.entries)) {
		return LogEntry{}, nil, fmt.Errorf("log: index %d out of range", idx)
	}
	return l.entries[pos], l.data[pos], nil
}

// GetEntry returns the metadata and payload for the entry at a version.
func (l *Log) GetEntry(ver int64) (LogEntry, []byte, error) {
	idx, err := l.GetVersionIndex(ver)
	if err != nil {
		return LogEntry{}, nil, err
	}
	return l.GetEntryByIndex(idx)
}

// EntryAtOrBeforeVersion returns the metadata and payload for the latest
// live entry whose version is at or before ver (not necessarily an exact
// match), mirroring SPDKPersistLog.hpp's getEntry(version_t).
func (l *Log) EntryAtOrBeforeVersion(ver int64) (LogEntry, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos := -1
	for i, e := range l.entries {
		if e.Version > ver {
			break
		}
		pos = i
	}
	if pos < 0 {
		return LogEntry{}, nil, fmt.Errorf("log: no entry at or before version %d", ver)
	}
	return l.entries[pos], l.data[pos], nil
}

// EntryAtOrBeforeHLC returns the metadata and payload for the latest live
// entry whose HLC timestamp is at or before (real, logic) lexicographically,
// mirroring SPDKPersistLog.hpp's getEntry(HLC).
func (l *Log) EntryAtOrBeforeHLC(real, logic uint64) (LogEntry, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos := -1
	for i, e := range l.entries {
		if e.HLCReal > real || (e.HLCReal == real && e.HLCLogic > logic) {
			break
		}
		pos = i
	}
	if pos < 0 {
		return LogEntry{}, nil, fmt.Errorf("log: no entry at or before HLC (%d,%d)", real, logic)
	}
	return l.entries[pos], l.data[pos], nil
}

// TrimByIndex discards every entry at or before idx, freeing their
// segments back to the allocator. Trimming only ever removes from the
// front: it is the log's garbage-collection operation, not a rollback.
func (l *Log) TrimByIndex(idx int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cut := idx - l.baseIndex + 1
	if cut <= 0 {
		return nil
	}
	if cut > int64(len(l.entries)) {
		cut = int64(len(l.entries))
	}
	for i := int64(0); i < cut; i++ {
		if err := l.alloc.Free(l.segOf[i]); err != nil {
			return &rpcerr.PersistFailed{Op: "trim", Err: err}
		}
	}
	l.entries = append([]LogEntry(nil), l.entries[cut:]...)
	l.data = append([][]byte(nil), l.data[cut:]...)
	l.segOf = append([]int64(nil), l.segOf[cut:]...)
	l.baseIndex += cut
	if int64(l.persistedN) > cut {
		l.persistedN -= int(cut)
	} else {
		l.persistedN = 0
	}
	metrics.Global().RecordLogTrim()
	if total := l.alloc.Total(); total > 0 {
		metrics.SetSegmentUtilization("default", float64(total-l.alloc.FreeCount())/float64(total))
	}
	return nil
}

// Trim discards every entry with a version at or before ver.
func (l *Log) Trim(ver int64) error {
	idx, err := l.GetVersionIndex(ver)
	if err != nil {
		// Nothing at exactly ver; trim everything strictly before it.
		l.mu.Lock()
		cut := int64(0)
		for cut < int64(len(l.entries)) && l.entries[cut].Version < ver {
			cut++
		}
		l.mu.Unlock()
		if cut == 0 {
			return nil
		}
		return l.TrimByIndex(l.baseIndex + cut - 1)
	}
	return l.TrimByIndex(idx)
}

// TrimByHLC discards every entry whose HLC timestamp is at or before
// (real, logic) lexicographically, mirroring SPDKPersistLog.hpp's
// trim(HLC).
func (l *Log) TrimByHLC(real, logic uint64) error {
	l.mu.Lock()
	cut := int64(0)
	for cut < int64(len(l.entries)) {
		e := l.entries[cut]
		if e.HLCReal > real || (e.HLCReal == real && e.HLCLogic > logic) {
			break
		}
		cut++
	}
	l.mu.Unlock()
	if cut == 0 {
		return nil
	}
	return l.TrimByIndex(l.baseIndex + cut - 1)
}

// Truncate discards every entry with a version strictly greater than ver,
// used to roll back speculative entries that lost an ordering race.
func (l *Log) Truncate(ver int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cut := len(l.entries)
	for cut > 0 && l.entries[cut-1].Version > ver {
		cut--
	}
	for i := cut; i < len(l.entries); i++ {
		if err := l.alloc.Free(l.segOf[i]); err != nil {
			return &rpcerr.PersistFailed{Op: "truncate", Err: err}
		}
	}
	l.entries = l.entries[:cut]
	l.data = l.data[:cut]
	l.segOf = l.segOf[:cut]
	if l.persistedN > cut {
		l.persistedN = cut
	}
	if cut > 0 {
		l.lastVersion = l.entries[cut-1].Version
	}
	return nil
}

// BytesSize returns the number of bytes ToBytes(ver) would produce.
func (l *Log) BytesSize(ver int64) (int64, error) {
	b, err := l.ToBytes(ver)
	if err != nil {
		return 0, err
	}
	return int64(len(b)), nil
}

// ToBytes serializes the tail of the log from ver+1 onward — every live
// entry a replica that already has everything through ver is still
// missing — into a self-contained byte stream: a stream of (64-byte
// metadata, payload) pairs. InvalidVersion serializes the entire log.
// This is used to transfer a log tail to a node catching up after a view
// change, or to archive it (internal/persist/archive).
func (l *Log) ToBytes(ver int64) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	buf := &bytes.Buffer{}
	for i, e := range l.entries {
		if ver != InvalidVersion && e.Version <= ver {
			continue
		}
		buf.Write(e.encode())
		buf.Write(l.data[i])
	}
	return buf.Bytes(), nil
}

// PostObject streams the same tail ToBytes(ver) would serialize to sink,
// one entry at a time, without materializing the whole tail in memory
// first. Grounded on SPDKPersistLog.hpp's post_object, which hands
// serialized chunks to a callback rather than returning one buffer.
func (l *Log) PostObject(sink func(chunk []byte) error, ver int64) error {
	l.mu.Lock()
	type chunk struct {
		meta []byte
		data []byte
	}
	var chunks []chunk
	for i, e := range l.entries {
		if ver != InvalidVersion && e.Version <= ver {
			continue
		}
		chunks = append(chunks, chunk{meta: e.encode(), data: l.data[i]})
	}
	l.mu.Unlock()

	for _, c := range chunks {
		if err := sink(c.meta); err != nil {
			return err
		}
		if err := sink(c.data); err != nil {
			return err
		}
	}
	return nil
}

// ApplyLogTail appends entries from a serialized stream produced by
// ToBytes onto this log, skipping any whose version is not strictly
// greater than the log's current latest version (idempotent re-apply).
func (l *Log) ApplyLogTail(serialized []byte) error {
	for len(serialized) > 0 {
		if len(serialized) < EntrySize {
			return &rpcerr.PersistFailed{Op: "apply_log_tail", Err: fmt.Errorf("truncated entry header")}
		}
		e, err := decodeEntry(serialized[:EntrySize])
		if err != nil {
			return &rpcerr.PersistFailed{Op: "apply_log_tail", Err: err}
		}
		serialized = serialized[EntrySize:]
		if uint64(len(serialized)) < e.DataLength {
			return &rpcerr.PersistFailed{Op: "apply_log_tail", Err: fmt.Errorf("truncated payload")}
		}
		payload := serialized[:e.DataLength]
		serialized = serialized[e.DataLength:]

		l.mu.Lock()
		skip := l.haveVersion && e.Version <= l.lastVersion
		l.mu.Unlock()
		if skip {
			continue
		}
		if _, err := l.Append(payload, e.Version, e.HLCReal, e.HLCLogic); err != nil {
			return err
		}
	}
	return nil
}
