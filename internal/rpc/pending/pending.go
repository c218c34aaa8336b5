// Package pending implements the two-stage future returned by every
// ordered multicast and P2P send: PendingResults is the write side,
// fulfilled by dispatch as the call progresses; QueryResults is the
// read side handed back to the caller.
//
// Stage one resolves the destination set (who is this call going to —
// unknown until the View is consulted and, for an ordered send, until the
// multicast has actually been ordered). Stage two resolves each
// destination's individual reply.
//
// Grounded on rpc_utils.hpp's PendingResults<Ret>/QueryResults<Ret>, and
// on the Go promise/future idiom in capnproto2's answer type
// (other_examples/.../rpc-answer.go.go): a mutex-guarded state plus a
// channel closed exactly once to broadcast readiness, rather than a
// polled condition variable.
package pending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/groupcast/internal/rpcerr"
)

// NodeID is a group member's numeric identifier.
type NodeID = uint32

// defaultWaitTimeout bounds an unbounded Get()/Wait() call. The original
// implementation polls in a loop with a five-minute ceiling specifically
// to avoid deadlocking forever on a destination that will never respond
// because its eviction notice was lost; this is a deliberate safety valve,
// not an arbitrary number, and callers that want a tighter bound should
// pass a context with their own deadline instead of relying on it.
const defaultWaitTimeout = 5 * time.Minute

// perNodeFuture is one destination's reply slot: closed exactly once,
// either with a value or with an error.
type perNodeFuture[R any] struct {
	mu     sync.Mutex
	done   chan struct{}
	val    R
	err    error
	closed bool
}

func newPerNodeFuture[R any]() *perNodeFuture[R] {
	return &perNodeFuture[R]{done: make(chan struct{})}
}

func (f *perNodeFuture[R]) set(val R, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.val, f.err, f.closed = val, err, true
	close(f.done)
}

func (f *perNodeFuture[R]) wait(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.val, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Base is the type-erased half of PendingResults that the view-change
// adaptor operates on without needing to know the reply type R. Both
// PendingResults[R] and PendingResultsVoid implement it.
type Base interface {
	// FulfillMap resolves the destination-set stage to exactly dest.
	FulfillMap(dest []NodeID)
	// MapFulfilled reports whether FulfillMap has already run.
	MapFulfilled() bool
	// SetExceptionForCallerRemoved resolves every still-outstanding reply
	// with a SenderRemoved exception: the caller itself was evicted, so
	// there is no one left to deliver further results to. Before
	// FulfillMap there are no reply slots yet: the call is only marked,
	// and the destination-set stage stays unresolved.
	SetExceptionForCallerRemoved()
	// SetExceptionForRemovedNode resolves a single destination's reply
	// with a NodeRemoved exception. Before FulfillMap it does nothing;
	// viewadapt only calls it on fulfilled entries, so that precondition
	// is kept by call order rather than by an assertion here (see
	// DESIGN.md's Open Question decisions).
	SetExceptionForRemovedNode(nid NodeID)
	// AllResponded returns a channel closed once every destination has
	// either replied or been resolved with an exception.
	AllResponded() <-chan struct{}
	// Reset clears all progress, returning the entry to its pre-send
	// state.
	Reset()
}

// PendingResults is the write side of a typed (non-void) two-stage
// future.
type PendingResults[R any] struct {
	mu            sync.Mutex
	destNodes     map[NodeID]struct{}
	mapFulfilled  bool
	destReady     chan struct{}
	futures       map[NodeID]*perNodeFuture[R]
	responded     map[NodeID]struct{}
	allDone       chan struct{}
	allDoneClosed bool
	callerRemoved bool
}

// New constructs an unfulfilled PendingResults.
func New[R any]() *PendingResults[R] {
	return &PendingResults[R]{
		destReady: make(chan struct{}),
		futures:   make(map[NodeID]*perNodeFuture[R]),
		responded: make(map[NodeID]struct{}),
		allDone:   make(chan struct{}),
	}
}

// FulfillMap resolves the destination set. It is a no-op if already
// fulfilled (matches the original's single-assignment semantics).
func (p *PendingResults[R]) FulfillMap(dest []NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mapFulfilled {
		return
	}
	p.destNodes = make(map[NodeID]struct{}, len(dest))
	p.futures = make(map[NodeID]*perNodeFuture[R], len(dest))
	for _, n := range dest {
		p.destNodes[n] = struct{}{}
		p.futures[n] = newPerNodeFuture[R]()
	}
	p.mapFulfilled = true
	close(p.destReady)
	p.maybeCloseAllDoneLocked()
}

func (p *PendingResults[R]) MapFulfilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mapFulfilled
}

// SetValue resolves nid's reply with val. A nid outside the destination
// set is ignored.
func (p *PendingResults[R]) SetValue(nid NodeID, val R) {
	p.resolve(nid, val, nil)
}

// SetException resolves nid's reply with err (a RemoteException, for a
// handler that itself returned an error).
func (p *PendingResults[R]) SetException(nid NodeID, err error) {
	var zero R
	p.resolve(nid, zero, err)
}

func (p *PendingResults[R]) resolve(nid NodeID, val R, err error) {
	p.mu.Lock()
	f, ok := p.futures[nid]
	if !ok {
		p.mu.Unlock()
		return
	}
	if _, already := p.responded[nid]; already {
		p.mu.Unlock()
		return
	}
	p.responded[nid] = struct{}{}
	p.maybeCloseAllDoneLocked()
	p.mu.Unlock()
	f.set(val, err)
}

func (p *PendingResults[R]) SetExceptionForCallerRemoved() {
	p.mu.Lock()
	if p.callerRemoved {
		p.mu.Unlock()
		return
	}
	p.callerRemoved = true
	var toResolve []*perNodeFuture[R]
	for nid, f := range p.futures {
		if _, done := p.responded[nid]; done {
			continue
		}
		p.responded[nid] = struct{}{}
		toResolve = append(toResolve, f)
	}
	p.maybeCloseAllDoneLocked()
	p.mu.Unlock()

	for _, f := range toResolve {
		var zero R
		f.set(zero, &rpcerr.SenderRemoved{})
	}
}

func (p *PendingResults[R]) SetExceptionForRemovedNode(nid NodeID) {
	p.mu.Lock()
	if !p.mapFulfilled {
		p.mu.Unlock()
		return
	}
	f, ok := p.futures[nid]
	if !ok {
		p.mu.Unlock()
		return
	}
	if _, already := p.responded[nid]; already {
		p.mu.Unlock()
		return
	}
	p.responded[nid] = struct{}{}
	p.maybeCloseAllDoneLocked()
	p.mu.Unlock()

	var zero R
	f.set(zero, &rpcerr.NodeRemoved{Who: nid})
}

func (p *PendingResults[R]) maybeCloseAllDoneLocked() {
	if p.allDoneClosed || !p.mapFulfilled {
		return
	}
	if len(p.responded) < len(p.destNodes) {
		return
	}
	p.allDoneClosed = true
	close(p.allDone)
}

func (p *PendingResults[R]) AllResponded() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allDone
}

// Reset clears all progress so the call can be resent under a new View.
func (p *PendingResults[R]) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destNodes = nil
	p.mapFulfilled = false
	p.destReady = make(chan struct{})
	p.futures = make(map[NodeID]*perNodeFuture[R])
	p.responded = make(map[NodeID]struct{})
	p.allDone = make(chan struct{})
	p.allDoneClosed = false
	p.callerRemoved = false
}

// Query returns the read-side handle for this call.
func (p *PendingResults[R]) Query() *QueryResults[R] { return &QueryResults[R]{pr: p} }

// QueryResults is the caller-facing read side of a typed two-stage
// future.
type QueryResults[R any] struct {
	pr *PendingResults[R]
}

// Get blocks until the destination set is known, then returns a ReplyMap
// for reading individual replies. If ctx has no deadline, defaultWaitTimeout
// applies.
func (q *QueryResults[R]) Get(ctx context.Context) (*ReplyMap[R], error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	select {
	case <-q.pr.destReady:
		q.pr.mu.Lock()
		defer q.pr.mu.Unlock()
		return &ReplyMap[R]{dest: q.pr.destNodes, futures: q.pr.futures}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("pending: timed out waiting for destination set: %w", ctx.Err())
	}
}

// Wait is Get with a plain duration instead of a context, returning ok=false
// on timeout instead of an error (matching the Wait(Time)/ok-bool shape
// the original exposes alongside its blocking Get()).
func (q *QueryResults[R]) Wait(d time.Duration) (*ReplyMap[R], bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	rm, err := q.Get(ctx)
	return rm, err == nil
}

// ReplyMap exposes each destination's individual reply future once the
// destination set is known.
type ReplyMap[R any] struct {
	dest    map[NodeID]struct{}
	futures map[NodeID]*perNodeFuture[R]
}

// Valid reports whether nid is a member of the destination set. A nid
// outside the set returns false rather than panicking (see DESIGN.md's
// Open Question decision on this point).
func (m *ReplyMap[R]) Valid(nid NodeID) bool {
	_, ok := m.dest[nid]
	return ok
}

// Contains is an alias for Valid, matching the original's naming for the
// read-only membership check as distinct from value retrieval.
func (m *ReplyMap[R]) Contains(nid NodeID) bool { return m.Valid(nid) }

// Get blocks until nid's reply is available. Returns an error if nid is
// not in the destination set, if ctx is cancelled, or if the reply itself
// carried an error (RemoteException, NodeRemoved, SenderRemoved).
func (m *ReplyMap[R]) Get(ctx context.Context, nid NodeID) (R, error) {
	var zero R
	f, ok := m.futures[nid]
	if !ok {
		return zero, fmt.Errorf("pending: node %d is not in the destination set", nid)
	}
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	return f.wait(ctx)
}

// Nodes returns the destination set.
func (m *ReplyMap[R]) Nodes() []NodeID {
	out := make([]NodeID, 0, len(m.dest))
	for n := range m.dest {
		out = append(out, n)
	}
	return out
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, defaultWaitTimeout)
}
