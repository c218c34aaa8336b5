package dispatch

import (
	"context"
	"fmt"
	"testing"

	"github.com/oriys/groupcast/internal/rpc/registry"
	"github.com/oriys/groupcast/internal/rpc/wire"
	"github.com/oriys/groupcast/internal/tom"
)

// recordingTransport is a minimal tom.Transport fake that just records
// every OrderedMulticast call, for asserting on cascade re-emission
// without needing a full router round-trip.
type recordingTransport struct {
	self            tom.NodeID
	multicastCalls  []recordedMulticast
	multicastResult struct {
		replies  map[tom.NodeID][]byte
		failures map[tom.NodeID]error
		err      error
	}
}

type recordedMulticast struct {
	subgroup uint32
	payload  []byte
}

func (t *recordingTransport) OrderedMulticast(ctx context.Context, sg uint32, payload []byte) (map[tom.NodeID][]byte, map[tom.NodeID]error, error) {
	t.multicastCalls = append(t.multicastCalls, recordedMulticast{subgroup: sg, payload: append([]byte(nil), payload...)})
	return t.multicastResult.replies, t.multicastResult.failures, t.multicastResult.err
}

func (t *recordingTransport) P2PSend(ctx context.Context, nid tom.NodeID, payload []byte) ([]byte, error) {
	return nil, fmt.Errorf("recordingTransport: P2PSend not used in this test")
}

func (t *recordingTransport) RegisterReceiver(fn tom.ReceiveFunc) {}

func (t *recordingTransport) OutAlloc(n int) []byte { return make([]byte, 0, n) }

func (t *recordingTransport) LocalNode() tom.NodeID { return t.self }

func buildEchoRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.NewBuilder().
		OrderedMethod("Echo", func(from uint32, payload []byte) ([]byte, error) {
			return append([]byte("echo:"), payload...), nil
		}, nil).
		P2PMethod("Ping", func(from uint32, payload []byte) ([]byte, error) {
			return []byte("pong"), nil
		}, nil).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return reg
}

func TestDispatcher_CallP2P(t *testing.T) {
	router := tom.NewInProcRouter()
	ta := router.Join(1)
	tb := router.Join(2)

	New(1, 0, ta, buildEchoRegistry(t))
	New(2, 0, tb, buildEchoRegistry(t))

	qr, err := New(1, 0, ta, buildEchoRegistry(t)).CallP2P(context.Background(), "Ping", 0, 2, []byte("x"))
	if err != nil {
		t.Fatalf("CallP2P: %v", err)
	}
	rm, err := qr.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	val, err := rm.Get(context.Background(), 2)
	if err != nil {
		t.Fatalf("reply error: %v", err)
	}
	if string(val) != "pong" {
		t.Fatalf("unexpected reply: %q", val)
	}
}

func TestDispatcher_CallOrdered(t *testing.T) {
	router := tom.NewInProcRouter()
	ta := router.Join(1)
	tb := router.Join(2)

	d1 := New(1, 0, ta, buildEchoRegistry(t))
	New(2, 0, tb, buildEchoRegistry(t))

	qr, err := d1.CallOrdered(context.Background(), "Echo", 0, []uint32{1, 2}, []byte("hi"))
	if err != nil {
		t.Fatalf("CallOrdered: %v", err)
	}
	rm, err := qr.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for _, nid := range []uint32{1, 2} {
		val, err := rm.Get(context.Background(), nid)
		if err != nil {
			t.Fatalf("node %d reply error: %v", nid, err)
		}
		if string(val) != "echo:hi" {
			t.Fatalf("node %d unexpected reply: %q", nid, val)
		}
	}
}

func TestDispatcher_CallOrderedVoid(t *testing.T) {
	router := tom.NewInProcRouter()
	ta := router.Join(1)
	tb := router.Join(2)

	reg, err := registry.NewBuilder().
		OrderedMethod("Notify", func(from uint32, payload []byte) ([]byte, error) {
			return nil, nil
		}, nil).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	d1 := New(1, 0, ta, reg)
	New(2, 0, tb, reg)

	qv, err := d1.CallOrderedVoid(context.Background(), "Notify", 0, []uint32{1, 2}, []byte("go"))
	if err != nil {
		t.Fatalf("CallOrderedVoid: %v", err)
	}
	acked, err := qv.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(acked) != 2 {
		t.Fatalf("expected 2 acks, got %v", acked)
	}
}

func TestDispatcher_CallP2PUnknownMethod(t *testing.T) {
	router := tom.NewInProcRouter()
	ta := router.Join(1)
	router.Join(2)
	d := New(1, 0, ta, buildEchoRegistry(t))

	if _, err := d.CallP2P(context.Background(), "DoesNotExist", 0, 2, nil); err == nil {
		t.Fatal("expected error for unregistered method")
	}
}

func TestDispatcher_CascadeReplyReEmittedAsOrderedMulticast(t *testing.T) {
	transport := &recordingTransport{self: 1}
	d := New(1, 7, transport, buildEchoRegistry(t))

	entry, ok := d.reg.LookupByName("Echo")
	if !ok {
		t.Fatal("Echo method not registered")
	}
	reqHeader := wire.Header{
		Op:    wire.Opcode{ClassID: 7, SubgroupID: 3, FunctionTag: uint64(entry.Tag), IsReply: false},
		From:  2,
		Flags: wire.FlagCascade,
	}
	raw := wire.Encode(reqHeader, []byte("hi"))

	reply, err := d.HandleInbound(context.Background(), 2, raw)
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if reply != nil {
		t.Fatalf("expected no direct unicast reply for a cascade request, got %q", reply)
	}
	if len(transport.multicastCalls) != 1 {
		t.Fatalf("expected exactly one OrderedMulticast re-emission, got %d", len(transport.multicastCalls))
	}
	call := transport.multicastCalls[0]
	if call.subgroup != 3 {
		t.Fatalf("expected cascade reply re-emitted into subgroup 3, got %d", call.subgroup)
	}
	h, body, err := wire.Decode(call.payload)
	if err != nil {
		t.Fatalf("decode re-emitted cascade message: %v", err)
	}
	if !h.Op.IsReply {
		t.Fatal("expected the re-emitted cascade message to be reply-flagged")
	}
	if h.Flags&wire.FlagCascade != 0 {
		t.Fatal("expected the re-emitted cascade message to not itself carry FlagCascade")
	}
	if string(body) != "echo:hi" {
		t.Fatalf("unexpected cascade reply payload: %q", body)
	}
}

func TestDispatcher_InflightTrackedThenCleared(t *testing.T) {
	router := tom.NewInProcRouter()
	ta := router.Join(1)
	tb := router.Join(2)

	d1 := New(1, 0, ta, buildEchoRegistry(t))
	New(2, 0, tb, buildEchoRegistry(t))

	if got := len(d1.Inflight()); got != 0 {
		t.Fatalf("expected empty inflight table before any call, got %d", got)
	}
	if _, err := d1.CallP2P(context.Background(), "Ping", 0, 2, []byte("x")); err != nil {
		t.Fatalf("CallP2P: %v", err)
	}
	if got := len(d1.Inflight()); got != 0 {
		t.Fatalf("expected inflight entry to be cleared after completion, got %d: %v", got, fmt.Sprint(d1.Inflight()))
	}
}
