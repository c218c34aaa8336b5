// Package tom defines the totally-ordered multicast / point-to-point
// transport seam that internal/rpc/dispatch sends through, plus an
// in-process reference implementation for tests and cmd/repldemo.
//
// A production deployment plugs in a real transport (a Paxos-ordered
// multicast, a sequencer-based broadcast, etc.) behind this same
// interface; choosing that implementation is explicitly out of scope
// (SPEC_FULL.md Non-goals) — this package only defines the seam and a
// correctness-oriented stand-in.
//
// Grounded on the teacher's internal/mq/mq.go for the shape of a
// transport abstraction decoupled from its broker, and on
// internal/circuitbreaker/breaker.go for classifying repeated delivery
// failures to one destination as DeliveryFailed rather than retrying
// forever.
package tom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/groupcast/internal/circuitbreaker"
	"github.com/oriys/groupcast/internal/rpcerr"
)

// breakerConfig governs when one destination's breaker trips: on the
// percentage of failed sends within a sliding window (ErrorPct over
// WindowDuration). While it is open, further sends to that destination
// are rejected outright as DeliveryFailed.
var breakerConfig = circuitbreaker.Config{
	ErrorPct:       50,
	WindowDuration: 10 * time.Second,
	OpenDuration:   5 * time.Second,
	HalfOpenProbes: 1,
}

// NodeID is a group member's numeric identifier.
type NodeID = uint32

// ReceiveFunc handles one inbound wire-encoded message (header + payload
// already framed by the caller) and returns a reply payload, or nil for
// messages with no reply.
type ReceiveFunc func(ctx context.Context, fromNode NodeID, payload []byte) ([]byte, error)

// Transport is the seam dispatch sends through. Implementations must be
// safe for concurrent use.
type Transport interface {
	// OrderedMulticast delivers payload to every member of subgroup sg in
	// the same order at every recipient (including the sender, if it is a
	// member), and returns each destination's reply (or per-destination
	// delivery error) once every member has been reached. A reference,
	// single-process transport can resolve this synchronously; a real
	// distributed transport would instead correlate asynchronous replies
	// by (subgroup, function tag, local sequence number) as they arrive —
	// that correlation table lives in internal/rpc/dispatch, not here.
	OrderedMulticast(ctx context.Context, sg uint32, payload []byte) (replies map[NodeID][]byte, failures map[NodeID]error, err error)

	// P2PSend delivers payload to exactly one node and returns its reply.
	P2PSend(ctx context.Context, nid NodeID, payload []byte) ([]byte, error)

	// RegisterReceiver installs the handler invoked for every message
	// (ordered or P2P) this transport instance delivers locally.
	RegisterReceiver(fn ReceiveFunc)

	// OutAlloc returns a buffer of at least n bytes suitable for building
	// an outbound message into, pre-sized to avoid a reallocation when
	// the wire header is prepended.
	OutAlloc(n int) []byte

	// LocalNode returns this transport endpoint's own node ID.
	LocalNode() NodeID
}

// InProcRouter wires a set of in-process Transport endpoints together,
// standing in for a real network in tests and cmd/repldemo. It delivers
// each ordered multicast to every registered member in Go map iteration
// order. Concurrent multicasts are not serialized against each other, so
// recipients see one common order only for multicasts issued one at a
// time (sufficient for a single-process reference but not for a real
// distributed deployment).
type InProcRouter struct {
	mu       sync.Mutex
	members  map[NodeID]*InProcTransport
	breakers *circuitbreaker.Registry
}

// NewInProcRouter constructs an empty router.
func NewInProcRouter() *InProcRouter {
	return &InProcRouter{
		members:  make(map[NodeID]*InProcTransport),
		breakers: circuitbreaker.NewRegistry(),
	}
}

// Join creates and registers a new endpoint for nid.
func (r *InProcRouter) Join(nid NodeID) *InProcTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := &InProcTransport{router: r, self: nid}
	r.members[nid] = t
	return t
}

// Leave removes nid's endpoint, simulating a crash or eviction: further
// P2P sends to it fail as DeliveryFailed, and ordered multicasts no
// longer include it.
func (r *InProcRouter) Leave(nid NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, nid)
}

func (r *InProcRouter) snapshot() map[NodeID]*InProcTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[NodeID]*InProcTransport, len(r.members))
	for k, v := range r.members {
		out[k] = v
	}
	return out
}

// InProcTransport is one node's endpoint on an InProcRouter.
type InProcTransport struct {
	router *InProcRouter
	self   NodeID

	mu      sync.Mutex
	receive ReceiveFunc
}

func (t *InProcTransport) RegisterReceiver(fn ReceiveFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receive = fn
}

func (t *InProcTransport) LocalNode() NodeID { return t.self }

func (t *InProcTransport) OutAlloc(n int) []byte { return make([]byte, 0, n) }

// OrderedMulticast delivers payload to every currently-joined member,
// including the sender, in Go map iteration order. Any per-destination
// delivery failure is recorded against that destination's circuit
// breaker and reported back in failures, but does not abort delivery to
// the rest — a failed destination is an eviction decision for gms to
// make, never a silently dropped message.
func (t *InProcTransport) OrderedMulticast(ctx context.Context, sg uint32, payload []byte) (map[NodeID][]byte, map[NodeID]error, error) {
	members := t.router.snapshot()
	replies := make(map[NodeID][]byte, len(members))
	failures := make(map[NodeID]error, len(members))

	for nid, dest := range members {
		breaker := t.router.breakers.Get(fmt.Sprintf("%d", nid), breakerConfig)
		if !breaker.Allow() {
			failures[nid] = &rpcerr.DeliveryFailed{Who: nid, Err: fmt.Errorf("circuit open for node %d", nid)}
			continue
		}
		dest.mu.Lock()
		recv := dest.receive
		dest.mu.Unlock()
		if recv == nil {
			breaker.RecordFailure()
			failures[nid] = &rpcerr.DeliveryFailed{Who: nid, Err: fmt.Errorf("node %d has no registered receiver", nid)}
			continue
		}
		reply, err := recv(ctx, t.self, payload)
		if err != nil {
			breaker.RecordFailure()
			failures[nid] = &rpcerr.DeliveryFailed{Who: nid, Err: err}
			continue
		}
		breaker.RecordSuccess()
		replies[nid] = reply
	}
	return replies, failures, nil
}

// P2PSend delivers payload to exactly one node and returns its reply.
func (t *InProcTransport) P2PSend(ctx context.Context, nid NodeID, payload []byte) ([]byte, error) {
	members := t.router.snapshot()
	dest, ok := members[nid]
	if !ok {
		return nil, &rpcerr.DeliveryFailed{Who: nid, Err: fmt.Errorf("node not reachable (left the group)")}
	}

	key := fmt.Sprintf("%d", nid)
	breaker := t.router.breakers.Get(key, breakerConfig)
	if !breaker.Allow() {
		return nil, &rpcerr.DeliveryFailed{Who: nid, Err: fmt.Errorf("circuit open for node %d", nid)}
	}

	dest.mu.Lock()
	recv := dest.receive
	dest.mu.Unlock()
	if recv == nil {
		breaker.RecordFailure()
		return nil, &rpcerr.DeliveryFailed{Who: nid, Err: fmt.Errorf("node %d has no registered receiver", nid)}
	}

	reply, err := recv(ctx, t.self, payload)
	if err != nil {
		breaker.RecordFailure()
		return nil, &rpcerr.DeliveryFailed{Who: nid, Err: err}
	}
	breaker.RecordSuccess()
	return reply, nil
}
