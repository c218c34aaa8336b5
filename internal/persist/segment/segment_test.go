package segment

import "testing"

func TestAllocator_FirstFit(t *testing.T) {
	cfg := Config{MaxLogs: 4, SegmentBytes: 1024, AddressSpaceBytes: 1024 * 8}
	a := NewAllocator(cfg)
	if a.Total() != 8 {
		t.Fatalf("expected 8 segments, got %d", a.Total())
	}

	idx0, ok := a.Alloc()
	if !ok || idx0 != 0 {
		t.Fatalf("expected first alloc to return segment 0, got %d ok=%v", idx0, ok)
	}
	idx1, ok := a.Alloc()
	if !ok || idx1 != 1 {
		t.Fatalf("expected second alloc to return segment 1, got %d ok=%v", idx1, ok)
	}

	if err := a.Free(idx0); err != nil {
		t.Fatalf("Free: %v", err)
	}
	idx2, ok := a.Alloc()
	if !ok || idx2 != 0 {
		t.Fatalf("expected freed segment 0 to be reused first-fit, got %d ok=%v", idx2, ok)
	}
}

func TestAllocator_Exhaustion(t *testing.T) {
	cfg := Config{SegmentBytes: 10, AddressSpaceBytes: 20}
	a := NewAllocator(cfg)
	if a.Total() != 2 {
		t.Fatalf("expected 2 segments, got %d", a.Total())
	}
	a.Alloc()
	a.Alloc()
	if _, ok := a.Alloc(); ok {
		t.Fatal("expected allocator to be exhausted")
	}
}

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxLogs != 16384 {
		t.Fatalf("expected 16384 max logs, got %d", cfg.MaxLogs)
	}
	if cfg.SegmentBytes != 8*1024*1024 {
		t.Fatalf("expected 8MiB segments, got %d", cfg.SegmentBytes)
	}
	if cfg.NumSegments() != cfg.AddressSpaceBytes/cfg.SegmentBytes {
		t.Fatal("NumSegments should be AddressSpaceBytes/SegmentBytes")
	}
}

func TestAllocator_FreeOutOfRange(t *testing.T) {
	a := NewAllocator(Config{SegmentBytes: 10, AddressSpaceBytes: 20})
	if err := a.Free(100); err == nil {
		t.Fatal("expected error freeing out-of-range segment")
	}
}
