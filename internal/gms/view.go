package gms

import "sort"

// SubgroupID identifies one subgroup within a View. FunctionRegistry
// dispatch uses this as part of the Opcode four-tuple.
type SubgroupID uint32

// Shard is one replicated partition of a subgroup: an ordered list of member
// IDs. Index 0 is conventionally the shard leader for ordered sends, but
// nothing in this package enforces that — leader election is a pluggable
// policy left to the caller, per the membership Non-goals.
type Shard struct {
	Members []string `json:"members"`
}

// Subgroup groups one or more Shards under a single SubgroupID. Layout
// (how many shards, how members are assigned to them) is supplied by the
// caller via a LayoutFunc; this package only tracks the result.
type Subgroup struct {
	ID     SubgroupID `json:"id"`
	Shards []Shard    `json:"shards"`
}

// View is an immutable snapshot of group membership plus subgroup layout.
// ViewID increases monotonically with each installed View. Wire messages
// and PendingResults entries are not tagged with it.
type View struct {
	ViewID    uint64     `json:"view_id"`
	Members   []Member   `json:"members"`
	Subgroups []Subgroup `json:"subgroups"`
}

// MemberIDs returns the sorted set of member IDs in the View, used for
// stable hashing / rank assignment.
func (v *View) MemberIDs() []string {
	ids := make([]string, 0, len(v.Members))
	for _, m := range v.Members {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids
}

// Contains reports whether nodeID is a member of the View, whatever its
// MemberState.
func (v *View) Contains(nodeID string) bool {
	for _, m := range v.Members {
		if m.ID == nodeID {
			return true
		}
	}
	return false
}

// ShardOf returns the shard within subgroup sg that contains nodeID, and
// whether one was found.
func (v *View) ShardOf(sg SubgroupID, nodeID string) (Shard, bool) {
	for _, s := range v.Subgroups {
		if s.ID != sg {
			continue
		}
		for _, sh := range s.Shards {
			for _, m := range sh.Members {
				if m == nodeID {
					return sh, true
				}
			}
		}
	}
	return Shard{}, false
}

// LayoutFunc assigns members to subgroups/shards for a new View. The
// default, RoundRobinLayout, is a single subgroup with a single shard
// containing every member of the View — sufficient for the reference
// implementation and for cmd/repldemo; production layout policy is
// explicitly pluggable.
type LayoutFunc func(memberIDs []string) []Subgroup

// RoundRobinLayout places every member into one shard of one subgroup.
func RoundRobinLayout(memberIDs []string) []Subgroup {
	members := make([]string, len(memberIDs))
	copy(members, memberIDs)
	return []Subgroup{{ID: 0, Shards: []Shard{{Members: members}}}}
}

// Delta describes what changed between two Views, used by the view-change
// adaptor to decide which in-flight RPCs need exception handling.
type Delta struct {
	Joined []string
	Left   []string // includes both voluntary departures and failure evictions
}

// Diff computes the membership delta from 'prev' to 'next'.
func Diff(prev, next *View) Delta {
	var d Delta
	prevSet := make(map[string]struct{})
	if prev != nil {
		for _, m := range prev.Members {
			prevSet[m.ID] = struct{}{}
		}
	}
	nextSet := make(map[string]struct{})
	for _, m := range next.Members {
		nextSet[m.ID] = struct{}{}
		if _, ok := prevSet[m.ID]; !ok {
			d.Joined = append(d.Joined, m.ID)
		}
	}
	if prev != nil {
		for _, m := range prev.Members {
			if _, ok := nextSet[m.ID]; !ok {
				d.Left = append(d.Left, m.ID)
			}
		}
	}
	sort.Strings(d.Joined)
	sort.Strings(d.Left)
	return d
}
