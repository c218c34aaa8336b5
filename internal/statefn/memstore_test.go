package statefn

import (
	"context"
	"testing"
	"time"
)

func TestMemStore_PutGet(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	entry, err := s.Put(ctx, "fn-a", "k1", []byte(`{"v":1}`), nil)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if entry.Version != 1 {
		t.Fatalf("expected version 1, got %d", entry.Version)
	}

	got, err := s.Get(ctx, "fn-a", "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Value) != `{"v":1}` {
		t.Fatalf("unexpected value: %s", got.Value)
	}
}

func TestMemStore_Get_NotFound(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Get(context.Background(), "fn-a", "missing"); err != ErrStateNotFound {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

func TestMemStore_Put_ExpectedVersionMismatch(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if _, err := s.Put(ctx, "fn-a", "k1", []byte(`1`), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_, err := s.Put(ctx, "fn-a", "k1", []byte(`2`), &PutOptions{ExpectedVersion: 5})
	if err != ErrVersionMismatch {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestMemStore_Put_ExpectedVersionSucceeds(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	entry, err := s.Put(ctx, "fn-a", "k1", []byte(`1`), nil)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	updated, err := s.Put(ctx, "fn-a", "k1", []byte(`2`), &PutOptions{ExpectedVersion: entry.Version})
	if err != nil {
		t.Fatalf("conditional Put: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
}

func TestMemStore_Delete(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if _, err := s.Put(ctx, "fn-a", "k1", []byte(`1`), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "fn-a", "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "fn-a", "k1"); err != ErrStateNotFound {
		t.Fatalf("expected ErrStateNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "fn-a", "missing"); err != nil {
		t.Fatalf("deleting a missing key should not error: %v", err)
	}
}

func TestMemStore_List_PrefixAndPagination(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for _, k := range []string{"session:a", "session:b", "session:c", "other"} {
		if _, err := s.Put(ctx, "fn-a", k, []byte(`1`), nil); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	entries, err := s.List(ctx, "fn-a", &ListOptions{Prefix: "session:"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 session: entries, got %d", len(entries))
	}

	paged, err := s.List(ctx, "fn-a", &ListOptions{Prefix: "session:", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List paged: %v", err)
	}
	if len(paged) != 1 || paged[0].Key != "session:b" {
		t.Fatalf("expected single entry session:b, got %+v", paged)
	}
}

func TestMemStore_Put_TTLExpires(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if _, err := s.Put(ctx, "fn-a", "k1", []byte(`1`), &PutOptions{TTL: time.Nanosecond}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := s.Get(ctx, "fn-a", "k1"); err != ErrStateNotFound {
		t.Fatalf("expected expired entry to read as ErrStateNotFound, got %v", err)
	}
}

func TestMemStore_PingClose(t *testing.T) {
	s := NewMemStore()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
