// Package rpcerr defines the typed exceptions propagated through a
// PendingResults/QueryResults reply, mirroring rpc_utils.hpp's exception
// hierarchy (remote_exception_occurred, node_removed_from_group_exception,
// sender_removed_from_group_exception). Go has no exception hierarchy, so
// these are plain error types distinguished with errors.As, each wrapping
// a lower-level cause with fmt.Errorf("%w: ...") in the teacher's style.
package rpcerr

import (
	"errors"
	"fmt"
)

// RemoteException is returned when a callee's handler itself returned an
// error, as opposed to failing to respond at all.
type RemoteException struct {
	Who NodeID
	Err error
}

func (e *RemoteException) Error() string {
	return fmt.Sprintf("rpcerr: remote exception from node %d: %v", e.Who, e.Err)
}

func (e *RemoteException) Unwrap() error { return e.Err }

// NodeRemoved is returned for a destination that was evicted from the
// group before it replied. The caller itself is still in the group.
type NodeRemoved struct {
	Who NodeID
}

func (e *NodeRemoved) Error() string {
	return fmt.Sprintf("rpcerr: node %d was removed from the group before replying", e.Who)
}

// SenderRemoved is returned for every outstanding reply when the caller
// itself is evicted mid-call; there is no point collecting further
// results once the caller can no longer observe them.
type SenderRemoved struct{}

func (e *SenderRemoved) Error() string {
	return "rpcerr: the calling node was removed from the group"
}

// DeliveryFailed wraps a transport-level failure to deliver an ordered
// multicast or P2P send, classified by the circuit breaker guarding the
// destination.
type DeliveryFailed struct {
	Who NodeID
	Err error
}

func (e *DeliveryFailed) Error() string {
	return fmt.Sprintf("rpcerr: delivery to node %d failed: %v", e.Who, e.Err)
}

func (e *DeliveryFailed) Unwrap() error { return e.Err }

// PersistFailed wraps a failure in the persistent log contract (append,
// persist, trim, or truncate).
type PersistFailed struct {
	Op  string
	Err error
}

func (e *PersistFailed) Error() string {
	return fmt.Sprintf("rpcerr: persistent log %s failed: %v", e.Op, e.Err)
}

func (e *PersistFailed) Unwrap() error { return e.Err }

// NodeID is a group member's numeric identifier, as carried in wire
// headers and View membership.
type NodeID = uint32

// IsRemoved reports whether err is, or wraps, a NodeRemoved or
// SenderRemoved exception — the two exceptions a view-change adaptor can
// produce.
func IsRemoved(err error) bool {
	var nr *NodeRemoved
	var sr *SenderRemoved
	return errors.As(err, &nr) || errors.As(err, &sr)
}
