package pending

import (
	"context"
	"fmt"
	"sync"

	"github.com/oriys/groupcast/internal/rpcerr"
)

// PendingResultsVoid is the void specialization: methods with no reply
// payload only need the destination-set stage, fulfilled once dispatch
// knows who the call was ordered to. There is no per-node reply to wait
// on, only whether each destination is still a group member when the
// delivery is attempted.
type PendingResultsVoid struct {
	mu            sync.Mutex
	destNodes     map[NodeID]struct{}
	mapFulfilled  bool
	destReady     chan struct{}
	responded     map[NodeID]struct{}
	failed        map[NodeID]error
	allDone       chan struct{}
	allDoneClosed bool
	callerRemoved bool
}

func NewVoid() *PendingResultsVoid {
	return &PendingResultsVoid{
		destReady: make(chan struct{}),
		responded: make(map[NodeID]struct{}),
		failed:    make(map[NodeID]error),
		allDone:   make(chan struct{}),
	}
}

func (p *PendingResultsVoid) FulfillMap(dest []NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mapFulfilled {
		return
	}
	p.destNodes = make(map[NodeID]struct{}, len(dest))
	for _, n := range dest {
		p.destNodes[n] = struct{}{}
	}
	p.mapFulfilled = true
	close(p.destReady)
	p.maybeCloseAllDoneLocked()
}

func (p *PendingResultsVoid) MapFulfilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mapFulfilled
}

// Ack records a successful (void) reply from nid.
func (p *PendingResultsVoid) Ack(nid NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.destNodes[nid]; !ok {
		return
	}
	if _, done := p.responded[nid]; done {
		return
	}
	p.responded[nid] = struct{}{}
	p.maybeCloseAllDoneLocked()
}

func (p *PendingResultsVoid) SetException(nid NodeID, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.destNodes[nid]; !ok {
		return
	}
	if _, done := p.responded[nid]; done {
		return
	}
	p.responded[nid] = struct{}{}
	p.failed[nid] = err
	p.maybeCloseAllDoneLocked()
}

func (p *PendingResultsVoid) SetExceptionForCallerRemoved() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.callerRemoved {
		return
	}
	p.callerRemoved = true
	for nid := range p.destNodes {
		if _, done := p.responded[nid]; done {
			continue
		}
		p.responded[nid] = struct{}{}
		p.failed[nid] = &rpcerr.SenderRemoved{}
	}
	p.maybeCloseAllDoneLocked()
}

func (p *PendingResultsVoid) SetExceptionForRemovedNode(nid NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.mapFulfilled {
		return
	}
	if _, ok := p.destNodes[nid]; !ok {
		return
	}
	if _, done := p.responded[nid]; done {
		return
	}
	p.responded[nid] = struct{}{}
	p.failed[nid] = &rpcerr.NodeRemoved{Who: nid}
	p.maybeCloseAllDoneLocked()
}

func (p *PendingResultsVoid) maybeCloseAllDoneLocked() {
	if p.allDoneClosed || !p.mapFulfilled {
		return
	}
	if len(p.responded) < len(p.destNodes) {
		return
	}
	p.allDoneClosed = true
	close(p.allDone)
}

func (p *PendingResultsVoid) AllResponded() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allDone
}

func (p *PendingResultsVoid) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destNodes = nil
	p.mapFulfilled = false
	p.destReady = make(chan struct{})
	p.responded = make(map[NodeID]struct{})
	p.failed = make(map[NodeID]error)
	p.allDone = make(chan struct{})
	p.allDoneClosed = false
	p.callerRemoved = false
}

// Query returns the read-side handle.
func (p *PendingResultsVoid) Query() *QueryResultsVoid { return &QueryResultsVoid{pr: p} }

// QueryResultsVoid is the caller-facing void specialization: it exposes
// only the destination set, since there is no reply payload to collect.
type QueryResultsVoid struct {
	pr *PendingResultsVoid
}

// Get blocks until the destination set is known and returns it, along
// with any per-node delivery exceptions recorded so far.
func (q *QueryResultsVoid) Get(ctx context.Context) ([]NodeID, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	select {
	case <-q.pr.destReady:
		q.pr.mu.Lock()
		defer q.pr.mu.Unlock()
		out := make([]NodeID, 0, len(q.pr.destNodes))
		for n := range q.pr.destNodes {
			out = append(out, n)
		}
		return out, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("pending: timed out waiting for destination set: %w", ctx.Err())
	}
}

// Failures returns the exceptions recorded for any destination once
// AllResponded (on the underlying PendingResultsVoid) has fired.
func (q *QueryResultsVoid) Failures() map[NodeID]error {
	q.pr.mu.Lock()
	defer q.pr.mu.Unlock()
	out := make(map[NodeID]error, len(q.pr.failed))
	for k, v := range q.pr.failed {
		out[k] = v
	}
	return out
}
