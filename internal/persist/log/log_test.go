package log

import (
	"bytes"
	"testing"

	"github.com/oriys/groupcast/internal/persist/segment"
)

func testLog() *Log {
	return New(segment.Config{MaxLogs: 16, SegmentBytes: 4096, AddressSpaceBytes: 4096 * 64})
}

func TestLog_AppendAndRetrieve(t *testing.T) {
	l := testLog()
	idx, err := l.Append([]byte("entry-one"), 1, 100, 0)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if idx != 0 {
		t.Fatalf("expected first index 0, got %d", idx)
	}

	entry, data, err := l.GetEntryByIndex(idx)
	if err != nil {
		t.Fatalf("GetEntryByIndex: %v", err)
	}
	if string(data) != "entry-one" || entry.Version != 1 {
		t.Fatalf("unexpected entry: %+v data=%q", entry, data)
	}
}

func TestLog_MonotonicVersionEnforced(t *testing.T) {
	l := testLog()
	if _, err := l.Append([]byte("a"), 5, 10, 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append([]byte("b"), 4, 11, 0); err == nil {
		t.Fatal("expected append with regressing version to fail")
	}
}

func TestLog_MonotonicHLCEnforced(t *testing.T) {
	l := testLog()
	if _, err := l.Append([]byte("a"), 1, 100, 5); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append([]byte("b"), 2, 100, 4); err == nil {
		t.Fatal("expected append with regressing HLC logical clock to fail")
	}
}

func TestLog_PersistAndTrim(t *testing.T) {
	l := testLog()
	l.Append([]byte("a"), 1, 1, 0)
	l.Append([]byte("b"), 2, 2, 0)
	l.Append([]byte("c"), 3, 3, 0)

	lastPersisted, err := l.Persist(false)
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if lastPersisted != 3 {
		t.Fatalf("expected persisted up to version 3, got %d", lastPersisted)
	}

	if err := l.Trim(2); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if l.GetLength() != 1 {
		t.Fatalf("expected 1 entry remaining after trim, got %d", l.GetLength())
	}
	v, err := l.GetEarliestVersion()
	if err != nil || v != 3 {
		t.Fatalf("expected earliest version 3 after trim, got %d err=%v", v, err)
	}
}

func TestLog_Truncate(t *testing.T) {
	l := testLog()
	l.Append([]byte("a"), 1, 1, 0)
	l.Append([]byte("b"), 2, 2, 0)
	l.Append([]byte("c"), 3, 3, 0)

	if err := l.Truncate(2); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if l.GetLength() != 2 {
		t.Fatalf("expected 2 entries after truncate to version 2, got %d", l.GetLength())
	}
	latest, _ := l.GetLatestVersion()
	if latest != 2 {
		t.Fatalf("expected latest version 2 after truncate, got %d", latest)
	}
}

func TestLog_ToBytesAndApplyLogTail(t *testing.T) {
	src := testLog()
	src.Append([]byte("a"), 1, 1, 0)
	src.Append([]byte("b"), 2, 2, 0)
	src.Append([]byte("c"), 3, 3, 0)

	// ToBytes(2) serializes the tail a replica that already has through
	// version 2 is missing: just version 3, not the prefix it already has.
	serialized, err := src.ToBytes(2)
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}

	dst := testLog()
	dst.Append([]byte("a"), 1, 1, 0)
	dst.Append([]byte("b"), 2, 2, 0)
	if err := dst.ApplyLogTail(serialized); err != nil {
		t.Fatalf("ApplyLogTail: %v", err)
	}
	if dst.GetLength() != 3 {
		t.Fatalf("expected 3 entries after applying the tail, got %d", dst.GetLength())
	}
	latest, _ := dst.GetLatestVersion()
	if latest != 3 {
		t.Fatalf("expected latest applied version 3, got %d", latest)
	}

	// Re-applying the same tail must be a no-op (idempotent catch-up).
	if err := dst.ApplyLogTail(serialized); err != nil {
		t.Fatalf("second ApplyLogTail: %v", err)
	}
	if dst.GetLength() != 3 {
		t.Fatalf("expected re-apply to be idempotent, got %d entries", dst.GetLength())
	}
}

func TestLog_ToBytesInvalidVersionSerializesEverything(t *testing.T) {
	src := testLog()
	src.Append([]byte("a"), 1, 1, 0)
	src.Append([]byte("b"), 2, 2, 0)
	src.Append([]byte("c"), 3, 3, 0)

	serialized, err := src.ToBytes(InvalidVersion)
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}

	dst := testLog()
	if err := dst.ApplyLogTail(serialized); err != nil {
		t.Fatalf("ApplyLogTail: %v", err)
	}
	if dst.GetLength() != 3 {
		t.Fatalf("expected all 3 entries applied, got %d", dst.GetLength())
	}
}

func TestLog_PostObject(t *testing.T) {
	src := testLog()
	src.Append([]byte("a"), 1, 1, 0)
	src.Append([]byte("b"), 2, 2, 0)
	src.Append([]byte("c"), 3, 3, 0)

	var buf bytes.Buffer
	if err := src.PostObject(func(chunk []byte) error {
		buf.Write(chunk)
		return nil
	}, 2); err != nil {
		t.Fatalf("PostObject: %v", err)
	}

	want, err := src.ToBytes(2)
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("PostObject output diverged from ToBytes: got %d bytes, want %d", buf.Len(), len(want))
	}
}

func TestLog_EntryAtOrBeforeVersion(t *testing.T) {
	l := testLog()
	l.Append([]byte("a"), 1, 1, 0)
	l.Append([]byte("c"), 3, 3, 0)
	l.Append([]byte("e"), 5, 5, 0)

	entry, data, err := l.EntryAtOrBeforeVersion(4)
	if err != nil {
		t.Fatalf("EntryAtOrBeforeVersion: %v", err)
	}
	if entry.Version != 3 || string(data) != "c" {
		t.Fatalf("expected entry at version 3, got %+v data=%q", entry, data)
	}

	if _, _, err := l.EntryAtOrBeforeVersion(0); err == nil {
		t.Fatal("expected an error when no entry is at or before the requested version")
	}
}

func TestLog_EntryAtOrBeforeHLC(t *testing.T) {
	l := testLog()
	l.Append([]byte("a"), 1, 10, 0)
	l.Append([]byte("b"), 2, 10, 5)
	l.Append([]byte("c"), 3, 20, 0)

	entry, data, err := l.EntryAtOrBeforeHLC(10, 2)
	if err != nil {
		t.Fatalf("EntryAtOrBeforeHLC: %v", err)
	}
	if entry.Version != 1 || string(data) != "a" {
		t.Fatalf("expected entry at version 1, got %+v data=%q", entry, data)
	}
}

func TestLog_TrimByHLC(t *testing.T) {
	l := testLog()
	l.Append([]byte("a"), 1, 10, 0)
	l.Append([]byte("b"), 2, 20, 0)
	l.Append([]byte("c"), 3, 30, 0)

	if err := l.TrimByHLC(20, 0); err != nil {
		t.Fatalf("TrimByHLC: %v", err)
	}
	if l.GetLength() != 1 {
		t.Fatalf("expected 1 entry remaining after TrimByHLC, got %d", l.GetLength())
	}
	v, err := l.GetEarliestVersion()
	if err != nil || v != 3 {
		t.Fatalf("expected earliest version 3 after TrimByHLC, got %d err=%v", v, err)
	}
}

func TestLog_AdvanceVersion(t *testing.T) {
	l := testLog()
	l.Append([]byte("a"), 1, 1, 0)
	if err := l.AdvanceVersion(5); err != nil {
		t.Fatalf("AdvanceVersion: %v", err)
	}
	if _, err := l.Append([]byte("b"), 4, 2, 0); err == nil {
		t.Fatal("expected append below the advanced version to fail")
	}
	if _, err := l.Append([]byte("b"), 5, 2, 0); err != nil {
		t.Fatalf("Append at advanced version should succeed: %v", err)
	}
}

func TestLog_SegmentExhaustion(t *testing.T) {
	l := New(segment.Config{MaxLogs: 4, SegmentBytes: 8, AddressSpaceBytes: 16})
	if _, err := l.Append([]byte("12345678"), 1, 1, 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append([]byte("12345678"), 2, 2, 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append([]byte("12345678"), 3, 3, 0); err == nil {
		t.Fatal("expected append to fail once segment space is exhausted")
	}
}
