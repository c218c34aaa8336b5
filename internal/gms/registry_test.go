package gms

import (
	"context"
	"testing"
	"time"
)

func testConfig() *Config {
	cfg := DefaultConfig("n0")
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	cfg.HealthCheckInterval = 10 * time.Millisecond
	return cfg
}

func TestRegistry_JoinInstallsView(t *testing.T) {
	r := NewRegistry(nil, nil, testConfig())
	ctx := context.Background()

	if err := r.Join(ctx, &Member{ID: "n0", Address: "localhost:9000"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	v := r.CurrentView()
	if v.ViewID != 1 {
		t.Fatalf("expected ViewID 1 after first join, got %d", v.ViewID)
	}
	if !v.Contains("n0") {
		t.Fatal("expected view to contain n0")
	}
	if len(v.Subgroups) != 1 || len(v.Subgroups[0].Shards) != 1 {
		t.Fatalf("expected default round-robin single-shard layout, got %+v", v.Subgroups)
	}
}

func TestRegistry_EvictInstallsNewView(t *testing.T) {
	r := NewRegistry(nil, nil, testConfig())
	ctx := context.Background()

	r.Join(ctx, &Member{ID: "n0", Address: "a"})
	r.Join(ctx, &Member{ID: "n1", Address: "b"})
	before := r.CurrentView()

	if err := r.Evict(ctx, "n1"); err != nil {
		t.Fatalf("evict: %v", err)
	}
	after := r.CurrentView()

	if after.ViewID <= before.ViewID {
		t.Fatalf("expected a newer ViewID after evict, before=%d after=%d", before.ViewID, after.ViewID)
	}
	if after.Contains("n1") {
		t.Fatal("expected n1 to be gone from the view")
	}

	d := Diff(before, after)
	if len(d.Left) != 1 || d.Left[0] != "n1" {
		t.Fatalf("expected Left=[n1], got %+v", d.Left)
	}
}

func TestRegistry_OnViewChangeListener(t *testing.T) {
	r := NewRegistry(nil, nil, testConfig())
	ctx := context.Background()

	var calls int
	var lastDelta Delta
	r.OnViewChange(func(prev, next *View) {
		calls++
		lastDelta = Diff(prev, next)
	})

	r.Join(ctx, &Member{ID: "n0", Address: "a"})
	r.Join(ctx, &Member{ID: "n1", Address: "b"})

	if calls != 2 {
		t.Fatalf("expected 2 listener calls, got %d", calls)
	}
	if len(lastDelta.Joined) != 1 || lastDelta.Joined[0] != "n1" {
		t.Fatalf("expected last delta Joined=[n1], got %+v", lastDelta.Joined)
	}
}

func TestDiff_NilPrev(t *testing.T) {
	next := &View{ViewID: 1, Members: []Member{{ID: "n0"}, {ID: "n1"}}}
	d := Diff(nil, next)
	if len(d.Joined) != 2 || len(d.Left) != 0 {
		t.Fatalf("expected both members to show as joined from nil prev, got %+v", d)
	}
}

func TestMember_IsHealthy(t *testing.T) {
	m := &Member{State: MemberActive, LastHeartbeat: time.Now()}
	if !m.IsHealthy(time.Second) {
		t.Fatal("expected fresh heartbeat to be healthy")
	}
	m.LastHeartbeat = time.Now().Add(-time.Minute)
	if m.IsHealthy(time.Second) {
		t.Fatal("expected stale heartbeat to be unhealthy")
	}
	m.State = MemberDrained
	m.LastHeartbeat = time.Now()
	if m.IsHealthy(time.Second) {
		t.Fatal("drained member should never be healthy")
	}
}
