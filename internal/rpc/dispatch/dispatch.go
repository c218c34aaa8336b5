// Package dispatch implements typed RPC dispatch: turning a method call
// into a wire-framed message sent through a tom.Transport, demultiplexing
// inbound messages back to the registered handler, and tracking every
// in-flight call so a view change can be reconciled against it.
//
// Grounded on rpc_utils.hpp's recv_ret/receive_fun_t (the inbound
// dispatch shape) and on the teacher's internal/grpc/server.go request
// routing for the overall "decode header, look up handler, encode
// reply" structure.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/groupcast/internal/logging"
	"github.com/oriys/groupcast/internal/metrics"
	"github.com/oriys/groupcast/internal/rpc/pending"
	"github.com/oriys/groupcast/internal/rpc/registry"
	"github.com/oriys/groupcast/internal/rpc/wire"
	"github.com/oriys/groupcast/internal/rpcerr"
	"github.com/oriys/groupcast/internal/tom"
)

// NodeID is a group member's numeric identifier.
type NodeID = uint32

// CallKey uniquely identifies one in-flight call for the view-change
// adaptor to look up: (subgroup, function tag, local sequence number),
// exactly the tuple SPEC_FULL.md's dispatch section names.
type CallKey struct {
	Subgroup uint32
	Tag      registry.FunctionTag
	Seq      uint64
}

// inflightEntry bundles a call's type-erased Base (for viewadapt) with
// its concrete byte-level pending result (for this package's own
// bookkeeping, e.g. removing it once resolved).
type inflightEntry struct {
	base      pending.Base
	isVoid    bool
	typedByte *pending.PendingResults[[]byte]
	typedVoid *pending.PendingResultsVoid
}

// Dispatcher binds a function Registry to a transport and tracks every
// call this node currently has outstanding.
type Dispatcher struct {
	localNode NodeID
	classID   uint32
	transport tom.Transport
	reg       *registry.Registry

	seq uint64 // atomic

	mu       sync.Mutex
	inflight map[CallKey]*inflightEntry
}

// New constructs a Dispatcher and registers its inbound handler on
// transport.
func New(localNode NodeID, classID uint32, transport tom.Transport, reg *registry.Registry) *Dispatcher {
	d := &Dispatcher{
		localNode: localNode,
		classID:   classID,
		transport: transport,
		reg:       reg,
		inflight:  make(map[CallKey]*inflightEntry),
	}
	transport.RegisterReceiver(d.handleInbound)
	return d
}

func (d *Dispatcher) nextSeq() uint64 { return atomic.AddUint64(&d.seq, 1) }

// HandleInbound is the same inbound entry point registered with an
// in-process tom.Transport, exported so an out-of-process transport
// front door (internal/rpcserver) can feed it messages arriving over a
// real network connection.
func (d *Dispatcher) HandleInbound(ctx context.Context, from NodeID, raw []byte) ([]byte, error) {
	return d.handleInbound(ctx, from, raw)
}

// handleInbound is invoked by the transport for every message this node
// must act on locally: look up the bound handler by FunctionTag, invoke
// it, and encode its reply (if any) back onto the wire.
func (d *Dispatcher) handleInbound(ctx context.Context, from NodeID, raw []byte) ([]byte, error) {
	h, payload, err := wire.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("dispatch: decode inbound message: %w", err)
	}
	if h.Op.IsReply {
		return nil, fmt.Errorf("dispatch: received a reply-flagged message on the request path")
	}
	entry, ok := d.reg.Lookup(registry.FunctionTag(h.Op.FunctionTag))
	if !ok {
		return nil, fmt.Errorf("dispatch: no handler registered for function tag %d", h.Op.FunctionTag)
	}

	reply, err := entry.Receive(from, payload)
	if err != nil {
		return nil, &rpcerr.RemoteException{Who: from, Err: err}
	}
	if reply == nil {
		return nil, nil
	}
	replyHeader := wire.Header{
		Op:   wire.Opcode{ClassID: h.Op.ClassID, SubgroupID: h.Op.SubgroupID, FunctionTag: h.Op.FunctionTag, IsReply: true},
		From: d.localNode,
	}
	if h.Flags&wire.FlagCascade != 0 {
		// Re-emit the reply as an ordered multicast into the same subgroup
		// instead of unicasting it back to the sender. The re-emitted
		// message doesn't carry FlagCascade itself, bounding the cascade
		// to a single hop and guarding against cascade cycles.
		if _, _, err := d.transport.OrderedMulticast(ctx, h.Op.SubgroupID, wire.Encode(replyHeader, reply)); err != nil {
			return nil, fmt.Errorf("dispatch: cascade re-emit of reply: %w", err)
		}
		return nil, nil
	}
	return wire.Encode(replyHeader, reply), nil
}

// CallP2P sends a P2P request to target and returns the byte-level
// two-stage future for its single reply.
func (d *Dispatcher) CallP2P(ctx context.Context, methodName string, subgroup uint32, target NodeID, args []byte) (*pending.QueryResults[[]byte], error) {
	entry, ok := d.reg.LookupByName(methodName)
	if !ok {
		return nil, fmt.Errorf("dispatch: method %q is not registered", methodName)
	}
	if !entry.Tag.IsP2P() {
		return nil, fmt.Errorf("dispatch: method %q was registered as ordered, not P2P", methodName)
	}

	key := CallKey{Subgroup: subgroup, Tag: entry.Tag, Seq: d.nextSeq()}
	pr := pending.New[[]byte]()
	d.track(key, &inflightEntry{base: pr, typedByte: pr})
	defer d.untrack(key)

	pr.FulfillMap([]NodeID{target})

	reqHeader := wire.Header{
		Op:   wire.Opcode{ClassID: d.classID, SubgroupID: subgroup, FunctionTag: uint64(entry.Tag), IsReply: false},
		From: d.localNode,
	}
	start := time.Now()
	reply, err := d.transport.P2PSend(ctx, target, wire.Encode(reqHeader, args))
	if err != nil {
		elapsed := time.Since(start).Milliseconds()
		metrics.Global().RecordCall(methodName, elapsed, true, false)
		logCall(methodName, subgroup, "p2p", elapsed, len(args), false, err)
		pr.SetException(target, err)
		return pr.Query(), nil
	}

	var payload []byte
	if len(reply) > 0 {
		_, body, derr := wire.Decode(reply)
		if derr != nil {
			elapsed := time.Since(start).Milliseconds()
			metrics.Global().RecordCall(methodName, elapsed, true, false)
			logCall(methodName, subgroup, "p2p", elapsed, len(args), false, derr)
			pr.SetException(target, derr)
			return pr.Query(), nil
		}
		payload = body
	}
	elapsed := time.Since(start).Milliseconds()
	metrics.Global().RecordCall(methodName, elapsed, true, true)
	logCall(methodName, subgroup, "p2p", elapsed, len(args), true, nil)
	pr.SetValue(target, payload)
	return pr.Query(), nil
}

// CallOrdered sends an ordered multicast into subgroup and collects the
// replies of the nodes in dest; replies from other recipients are ignored.
func (d *Dispatcher) CallOrdered(ctx context.Context, methodName string, subgroup uint32, dest []NodeID, args []byte) (*pending.QueryResults[[]byte], error) {
	entry, ok := d.reg.LookupByName(methodName)
	if !ok {
		return nil, fmt.Errorf("dispatch: method %q is not registered", methodName)
	}
	if entry.Tag.IsP2P() {
		return nil, fmt.Errorf("dispatch: method %q was registered as P2P, not ordered", methodName)
	}

	key := CallKey{Subgroup: subgroup, Tag: entry.Tag, Seq: d.nextSeq()}
	pr := pending.New[[]byte]()
	d.track(key, &inflightEntry{base: pr, typedByte: pr})
	defer d.untrack(key)

	pr.FulfillMap(dest)

	reqHeader := wire.Header{
		Op:   wire.Opcode{ClassID: d.classID, SubgroupID: subgroup, FunctionTag: uint64(entry.Tag), IsReply: false},
		From: d.localNode,
	}
	start := time.Now()
	replies, failures, err := d.transport.OrderedMulticast(ctx, subgroup, wire.Encode(reqHeader, args))
	if err != nil {
		elapsed := time.Since(start).Milliseconds()
		metrics.Global().RecordCall(methodName, elapsed, false, false)
		logCall(methodName, subgroup, "ordered", elapsed, len(args), false, err)
		return nil, err
	}
	for nid, raw := range replies {
		var payload []byte
		if len(raw) > 0 {
			_, body, derr := wire.Decode(raw)
			if derr != nil {
				pr.SetException(nid, derr)
				continue
			}
			payload = body
		}
		pr.SetValue(nid, payload)
	}
	for nid, ferr := range failures {
		pr.SetException(nid, ferr)
	}
	elapsed := time.Since(start).Milliseconds()
	success := len(failures) == 0
	metrics.Global().RecordCall(methodName, elapsed, false, success)
	var callErr error
	if !success {
		callErr = fmt.Errorf("dispatch: %d destination(s) failed", len(failures))
	}
	logCall(methodName, subgroup, "ordered", elapsed, len(args), success, callErr)
	return pr.Query(), nil
}

// CallOrderedVoid is CallOrdered for methods with no reply payload.
func (d *Dispatcher) CallOrderedVoid(ctx context.Context, methodName string, subgroup uint32, dest []NodeID, args []byte) (*pending.QueryResultsVoid, error) {
	entry, ok := d.reg.LookupByName(methodName)
	if !ok {
		return nil, fmt.Errorf("dispatch: method %q is not registered", methodName)
	}

	key := CallKey{Subgroup: subgroup, Tag: entry.Tag, Seq: d.nextSeq()}
	pv := pending.NewVoid()
	d.track(key, &inflightEntry{base: pv, isVoid: true, typedVoid: pv})
	defer d.untrack(key)

	pv.FulfillMap(dest)

	reqHeader := wire.Header{
		Op:   wire.Opcode{ClassID: d.classID, SubgroupID: subgroup, FunctionTag: uint64(entry.Tag), IsReply: false},
		From: d.localNode,
	}
	start := time.Now()
	_, failures, err := d.transport.OrderedMulticast(ctx, subgroup, wire.Encode(reqHeader, args))
	if err != nil {
		elapsed := time.Since(start).Milliseconds()
		metrics.Global().RecordCall(methodName, elapsed, false, false)
		logCall(methodName, subgroup, "ordered", elapsed, len(args), false, err)
		return nil, err
	}
	for nid := range dest2Set(dest) {
		if ferr, failed := failures[nid]; failed {
			pv.SetException(nid, ferr)
		} else {
			pv.Ack(nid)
		}
	}
	elapsed := time.Since(start).Milliseconds()
	success := len(failures) == 0
	metrics.Global().RecordCall(methodName, elapsed, false, success)
	var callErr error
	if !success {
		callErr = fmt.Errorf("dispatch: %d destination(s) failed", len(failures))
	}
	logCall(methodName, subgroup, "ordered", elapsed, len(args), success, callErr)
	return pv.Query(), nil
}

func logCall(method string, subgroup uint32, kind string, durationMs int64, payloadSize int, success bool, err error) {
	entry := &logging.CallLog{
		Method:      method,
		Subgroup:    subgroup,
		Kind:        kind,
		DurationMs:  durationMs,
		PayloadSize: payloadSize,
		Success:     success,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	logging.Default().Log(entry)
}

func dest2Set(dest []NodeID) map[NodeID]struct{} {
	out := make(map[NodeID]struct{}, len(dest))
	for _, n := range dest {
		out[n] = struct{}{}
	}
	return out
}

func (d *Dispatcher) track(key CallKey, e *inflightEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight[key] = e
}

func (d *Dispatcher) untrack(key CallKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, key)
}

// Inflight returns a snapshot of every call this dispatcher currently has
// outstanding, for the view-change adaptor to walk.
func (d *Dispatcher) Inflight() map[CallKey]pending.Base {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[CallKey]pending.Base, len(d.inflight))
	for k, e := range d.inflight {
		out[k] = e.base
	}
	return out
}
