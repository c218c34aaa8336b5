package rpcserver

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/oriys/groupcast/internal/observability"
	"github.com/oriys/groupcast/internal/rpcerr"
	"github.com/oriys/groupcast/internal/tom"
)

// MemberResolver returns the current destination set for a subgroup, so
// GRPCTransport knows who to fan an ordered multicast out to without
// owning group-membership logic itself — that lives in internal/gms.
type MemberResolver func(subgroup uint32) []uint32

// AddressBook resolves a NodeID to its RPC front-door address ("host:port"),
// kept up to date by the caller as gms views change.
type AddressBook interface {
	Address(nid uint32) (string, bool)
}

// GRPCTransport is a tom.Transport that moves wire-framed frames between
// real processes over gRPC, using rawCodec so every call is just bytes
// in, bytes out — dispatch already did the encoding.
//
// Grounded on the teacher's client-dial patterns in internal/grpc (one
// grpc.ClientConn per destination, lazily dialed and cached) and on
// internal/tom.InProcTransport for the Transport method set it mirrors
// with real network calls instead of direct function invocation.
type GRPCTransport struct {
	self     uint32
	book     AddressBook
	members  MemberResolver
	dialOpts []grpc.DialOption

	mu      sync.Mutex
	conns   map[uint32]*grpc.ClientConn
	receive tom.ReceiveFunc
}

// NewGRPCTransport constructs a client-side transport for node self,
// resolving peer addresses via book and subgroup membership via members.
func NewGRPCTransport(self uint32, book AddressBook, members MemberResolver, dialOpts ...grpc.DialOption) *GRPCTransport {
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, dialOpts...)
	return &GRPCTransport{
		self:     self,
		book:     book,
		members:  members,
		dialOpts: opts,
		conns:    make(map[uint32]*grpc.ClientConn),
	}
}

func (t *GRPCTransport) RegisterReceiver(fn tom.ReceiveFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receive = fn
}

// Receiver returns the handler installed via RegisterReceiver, for
// Server to forward inbound calls to.
func (t *GRPCTransport) Receiver() tom.ReceiveFunc {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.receive
}

func (t *GRPCTransport) LocalNode() uint32 { return t.self }

func (t *GRPCTransport) OutAlloc(n int) []byte { return make([]byte, 0, n) }

func (t *GRPCTransport) connFor(nid uint32) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[nid]; ok {
		return conn, nil
	}
	addr, ok := t.book.Address(nid)
	if !ok {
		return nil, fmt.Errorf("rpcserver: no known address for node %d", nid)
	}
	conn, err := grpc.NewClient(addr, t.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: dial node %d at %s: %w", nid, addr, err)
	}
	t.conns[nid] = conn
	return conn, nil
}

func (t *GRPCTransport) call(ctx context.Context, nid uint32, payload []byte) ([]byte, error) {
	ctx, span := observability.StartClientSpan(ctx, serviceDesc.ServiceName+"/Invoke", observability.AttrNodeID.Int64(int64(nid)))
	defer span.End()

	conn, err := t.connFor(nid)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, &rpcerr.DeliveryFailed{Who: nid, Err: err}
	}
	var reply []byte
	invokeErr := conn.Invoke(ctx, "/"+serviceDesc.ServiceName+"/Invoke", payload, &reply, grpc.ForceCodec(rawCodec{}))
	if invokeErr != nil {
		observability.SetSpanError(span, invokeErr)
		return nil, &rpcerr.DeliveryFailed{Who: nid, Err: invokeErr}
	}
	observability.SetSpanOK(span)
	return reply, nil
}

// P2PSend delivers payload to exactly one node and returns its reply.
func (t *GRPCTransport) P2PSend(ctx context.Context, nid uint32, payload []byte) ([]byte, error) {
	return t.call(ctx, nid, payload)
}

// OrderedMulticast fans payload out to every member of subgroup sg
// concurrently, collecting per-destination replies and failures. A
// departed or unreachable destination's failure is reported, not fatal
// to the rest of the multicast — eviction is gms's decision, not this
// transport's.
func (t *GRPCTransport) OrderedMulticast(ctx context.Context, sg uint32, payload []byte) (map[uint32][]byte, map[uint32]error, error) {
	dest := t.members(sg)
	replies := make(map[uint32][]byte, len(dest))
	failures := make(map[uint32]error, len(dest))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, nid := range dest {
		nid := nid
		g.Go(func() error {
			reply, err := t.call(gctx, nid, payload)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[nid] = err
			} else {
				replies[nid] = reply
			}
			return nil
		})
	}
	_ = g.Wait()
	return replies, failures, nil
}

// Close tears down every cached connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for nid, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("rpcserver: close connection to node %d: %w", nid, err)
		}
	}
	t.conns = make(map[uint32]*grpc.ClientConn)
	return firstErr
}
