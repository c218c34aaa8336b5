// Package viewadapt reconciles in-flight RPC calls against group
// membership changes, implementing spec.md §4.5's view-change policy:
//
//   - If the local node itself was evicted from the group,
//     SetExceptionForCallerRemoved is called on every outstanding call,
//     since there is no longer a caller to deliver further results to.
//     For a call whose destination set is known, each unanswered reply
//     resolves with SenderRemoved; for a call whose destination set is
//     not yet known, the destination-set stage stays unresolved.
//   - If a destination node was evicted before its reply arrived, and the
//     call's destination set had already been fulfilled, that single
//     destination is resolved with SetExceptionForRemovedNode.
//   - If a destination was evicted before the destination set was even
//     fulfilled (the call hadn't been ordered against a View yet), the
//     whole call is Reset to its unfulfilled state. dispatch.Dispatcher
//     has no resend path, so nothing sends a Reset call again.
//
// The same policy applies to every call type; ordered sends and P2P
// queries are not handled differently.
//
// Grounded on spec.md §4.5 directly; the reconciliation loop itself (walk
// a snapshot, compare against a diff, act per entry) is modeled on the
// teacher's internal/cluster/scheduler.go reconciliation pass over its
// node registry snapshot.
package viewadapt

import (
	"github.com/oriys/groupcast/internal/gms"
	"github.com/oriys/groupcast/internal/rpc/dispatch"
	"github.com/oriys/groupcast/internal/rpc/pending"
)

// NodeID is the RPC-layer numeric identifier, bridged from a gms.Member
// via its Rank (the member's 1-based position among the View's sorted
// member IDs, recomputed for every View).
type NodeID = uint32

// InflightSource is the subset of dispatch.Dispatcher's surface the
// adaptor needs: a live snapshot of every call this node currently has
// outstanding.
type InflightSource interface {
	Inflight() map[dispatch.CallKey]pending.Base
}

// Adaptor reconciles one dispatcher's in-flight calls against gms view
// changes. Construct one per Dispatcher and register it with
// gms.Registry.OnViewChange.
type Adaptor struct {
	localMemberID string
	dispatcher    InflightSource
}

// New constructs an Adaptor for localMemberID (this node's gms.Member.ID)
// watching dispatcher's in-flight table.
func New(localMemberID string, dispatcher InflightSource) *Adaptor {
	return &Adaptor{localMemberID: localMemberID, dispatcher: dispatcher}
}

// OnViewChange is the gms.ViewListener to register: call
// registry.OnViewChange(adaptor.OnViewChange).
func (a *Adaptor) OnViewChange(prev, next *gms.View) {
	delta := gms.Diff(prev, next)
	if len(delta.Left) == 0 {
		return
	}

	if containsID(delta.Left, a.localMemberID) {
		a.resolveCallerRemoved()
		return
	}

	removedNodeIDs := ranksOf(prev, delta.Left)
	if len(removedNodeIDs) == 0 {
		return
	}
	a.resolveRemovedDestinations(removedNodeIDs)
}

func (a *Adaptor) resolveCallerRemoved() {
	for _, entry := range a.dispatcher.Inflight() {
		entry.SetExceptionForCallerRemoved()
	}
}

func (a *Adaptor) resolveRemovedDestinations(removed map[NodeID]struct{}) {
	for _, entry := range a.dispatcher.Inflight() {
		if !entry.MapFulfilled() {
			// The call hadn't been ordered against a View when its
			// destination departed: there is nothing to except against
			// yet, so return it to its unfulfilled state. Nothing
			// resends it.
			entry.Reset()
			continue
		}
		for nid := range removed {
			entry.SetExceptionForRemovedNode(nid)
		}
	}
}

func containsID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

// ranksOf resolves each departed member's RPC-layer NodeID from the View
// it was last present in (next no longer carries a record for it).
func ranksOf(prev *gms.View, leftIDs []string) map[NodeID]struct{} {
	out := make(map[NodeID]struct{}, len(leftIDs))
	if prev == nil {
		return out
	}
	byID := make(map[string]NodeID, len(prev.Members))
	for _, m := range prev.Members {
		byID[m.ID] = m.Rank
	}
	for _, id := range leftIDs {
		if rank, ok := byID[id]; ok {
			out[rank] = struct{}{}
		}
	}
	return out
}
