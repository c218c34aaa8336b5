// Package gms implements the group membership service: it tracks which
// nodes belong to the group, produces Views as membership changes, and
// persists the current View so a restarted node can recover it.
//
// This is deliberately not a consensus protocol. Membership is derived from
// heartbeats and a periodic resync against the persisted roster, the same
// way the teacher's cluster registry derives worker liveness. A production
// deployment would sit a real membership/consensus protocol underneath this
// package; SPEC_FULL.md explicitly scopes that out.
package gms

import "time"

// MemberState is the liveness state of a group member.
type MemberState string

const (
	MemberActive   MemberState = "active"
	MemberInactive MemberState = "inactive"
	MemberDrained  MemberState = "drained" // leaving voluntarily, not evicted
)

// Member is a single node's membership record.
type Member struct {
	ID            string            `json:"id"`
	Address       string            `json:"address"` // RPC front-door address
	State         MemberState       `json:"state"`
	Rank          uint32            `json:"rank"` // sorted-ID position within the current View (1-based); this View's numeric NodeID for the RPC layer
	Labels        map[string]string `json:"labels"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// IsHealthy reports whether the member's heartbeat is recent enough to be
// considered live.
func (m *Member) IsHealthy(timeout time.Duration) bool {
	if m.State != MemberActive {
		return false
	}
	return time.Since(m.LastHeartbeat) < timeout
}

func coerceMemberState(raw string) MemberState {
	switch MemberState(raw) {
	case MemberActive, MemberInactive, MemberDrained:
		return MemberState(raw)
	default:
		return MemberActive
	}
}
