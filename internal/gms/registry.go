package gms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/groupcast/internal/logging"
	"github.com/oriys/groupcast/internal/metrics"
)

// Config holds membership registry tuning parameters.
type Config struct {
	NodeID              string
	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
	HeartbeatTimeout    time.Duration
	Layout              LayoutFunc
}

// DefaultConfig returns sane defaults for a single local node.
func DefaultConfig(nodeID string) *Config {
	return &Config{
		NodeID:              nodeID,
		HeartbeatInterval:   10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		HeartbeatTimeout:    60 * time.Second,
		Layout:              RoundRobinLayout,
	}
}

// ViewListener is notified whenever the Registry installs a new View.
type ViewListener func(prev, next *View)

// Registry tracks live membership, persists it, and produces new Views as
// members join, heartbeat, or are evicted. It is the single source of
// truth the RPC layer (dispatch/viewadapt) consults to know who is in the
// group right now.
type Registry struct {
	store  *Store // may be nil: in-memory only, used by tests and cmd/repldemo
	notify *Notifier // may be nil: single-node, no cross-process fan-out

	cfg *Config

	mu        sync.RWMutex
	members   map[string]*Member
	view      *View
	listeners []ViewListener

	stopCh chan struct{}
	stopo  sync.Once
}

// NewRegistry constructs a Registry. Both store and notify are optional;
// passing nil for either degrades gracefully to in-memory-only operation.
func NewRegistry(store *Store, notify *Notifier, cfg *Config) *Registry {
	if cfg == nil {
		cfg = DefaultConfig("node-local")
	}
	if cfg.Layout == nil {
		cfg.Layout = RoundRobinLayout
	}
	r := &Registry{
		store:   store,
		notify:  notify,
		cfg:     cfg,
		members: make(map[string]*Member),
		stopCh:  make(chan struct{}),
	}
	r.view = &View{ViewID: 0}
	return r
}

// OnViewChange registers a callback invoked synchronously after every
// installed View change, in registration order. Intended consumer: viewadapt.
func (r *Registry) OnViewChange(l ViewListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// CurrentView returns the most recently installed View.
func (r *Registry) CurrentView() *View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.view
}

// Join registers a member and installs a new View reflecting its presence.
func (r *Registry) Join(ctx context.Context, m *Member) error {
	r.mu.Lock()
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.LastHeartbeat = now
	if m.State == "" {
		m.State = MemberActive
	}
	r.members[m.ID] = m
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpsertMember(ctx, m); err != nil {
			logging.Op().Warn("gms: failed to persist member join", "id", m.ID, "error", err)
		}
	}

	r.installView(ctx)
	metrics.Global().RecordMemberJoined()
	logging.Op().Info("gms: member joined", "id", m.ID, "address", m.Address)
	return nil
}

// Heartbeat refreshes a member's liveness timestamp. It does not by itself
// trigger a View change; StartHealthChecker periodically reconciles.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	m, ok := r.members[nodeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("gms: unknown member %s", nodeID)
	}
	m.LastHeartbeat = time.Now()
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateHeartbeat(ctx, nodeID, m.LastHeartbeat); err != nil {
			logging.Op().Warn("gms: failed to persist heartbeat", "id", nodeID, "error", err)
		}
	}
	return nil
}

// Evict forcibly removes a member (failure detection or admin action) and
// installs a new View.
func (r *Registry) Evict(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	delete(r.members, nodeID)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteMember(ctx, nodeID); err != nil {
			logging.Op().Warn("gms: failed to delete member from store", "id", nodeID, "error", err)
		}
	}

	r.installView(ctx)
	metrics.Global().RecordMemberEvicted()
	logging.Op().Warn("gms: member evicted", "id", nodeID)
	return nil
}

// GetMember looks up a member by ID.
func (r *Registry) GetMember(nodeID string) (*Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[nodeID]
	return m, ok
}

// ListHealthy returns all members currently considered live.
func (r *Registry) ListHealthy() []*Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		if m.IsHealthy(r.cfg.HeartbeatTimeout) {
			out = append(out, m)
		}
	}
	return out
}

// SyncFromStore refreshes membership from the persisted roster and evicts
// members that have gone stale since the last sync. This is the
// registry's resync mechanism in lieu of a gossip/consensus layer.
func (r *Registry) SyncFromStore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.ListActive(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		seen[rec.ID] = struct{}{}
		if existing, ok := r.members[rec.ID]; ok {
			existing.Address = rec.Address
			existing.State = coerceMemberState(rec.State)
			existing.Labels = rec.Labels
			existing.LastHeartbeat = rec.LastHeartbeat
			existing.UpdatedAt = rec.UpdatedAt
		} else {
			r.members[rec.ID] = rec
		}
	}
	now := time.Now()
	var evicted bool
	for id, m := range r.members {
		if id == r.cfg.NodeID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		if now.Sub(m.LastHeartbeat) > r.cfg.HeartbeatTimeout {
			delete(r.members, id)
			evicted = true
		}
	}
	r.mu.Unlock()

	if evicted || len(records) > 0 {
		r.installView(ctx)
	}
	return nil
}

// checkHealth demotes members whose heartbeat has lapsed without removing
// them outright; SyncFromStore performs the actual eviction.
func (r *Registry) checkHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.members {
		if m.State == MemberActive && !m.IsHealthy(r.cfg.HeartbeatTimeout) {
			logging.Op().Warn("gms: member became unhealthy", "id", id, "last_heartbeat", m.LastHeartbeat)
			m.State = MemberInactive
		}
	}
}

// StartHealthChecker runs the periodic resync/health loop until ctx is
// cancelled or Stop is called.
func (r *Registry) StartHealthChecker(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()

	var unsub func()
	if r.notify != nil {
		unsub = r.notify.Subscribe(ctx, func() {
			if err := r.SyncFromStore(ctx); err != nil {
				logging.Op().Warn("gms: view resync from notification failed", "error", err)
			}
		})
	}
	if unsub != nil {
		defer unsub()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.SyncFromStore(ctx); err != nil {
				logging.Op().Warn("gms: periodic resync failed", "error", err)
			}
			r.checkHealth()
		}
	}
}

// Stop halts the health checker loop. Safe to call multiple times.
func (r *Registry) Stop() {
	r.stopo.Do(func() { close(r.stopCh) })
}

// installView builds and publishes a new View from current membership,
// fans it out over the notifier (if any), and invokes listeners.
func (r *Registry) installView(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.members))
	members := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		ids = append(ids, m.ID)
	}
	for i, id := range sortedCopy(ids) {
		m := *r.members[id]
		m.Rank = uint32(i + 1)
		members = append(members, m)
	}
	prev := r.view
	next := &View{
		ViewID:    prev.ViewID + 1,
		Members:   members,
		Subgroups: r.cfg.Layout(sortedCopy(ids)),
	}
	r.view = next
	listeners := append([]ViewListener(nil), r.listeners...)
	r.mu.Unlock()

	metrics.Global().RecordViewInstall(len(next.Members))

	for _, l := range listeners {
		l(prev, next)
	}

	if r.notify != nil {
		if err := r.notify.Publish(ctx); err != nil {
			logging.Op().Warn("gms: view-change publish failed", "error", err)
		}
	}
}

func sortedCopy(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
