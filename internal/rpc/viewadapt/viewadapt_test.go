package viewadapt

import (
	"testing"
	"time"

	"github.com/oriys/groupcast/internal/gms"
	"github.com/oriys/groupcast/internal/rpc/dispatch"
	"github.com/oriys/groupcast/internal/rpc/pending"
)

type fakeSource struct {
	entries map[dispatch.CallKey]pending.Base
}

func (f *fakeSource) Inflight() map[dispatch.CallKey]pending.Base { return f.entries }

func memberView(viewID uint64, ids ...string) *gms.View {
	members := make([]gms.Member, 0, len(ids))
	for i, id := range ids {
		members = append(members, gms.Member{ID: id, Rank: uint32(i + 1), State: gms.MemberActive, LastHeartbeat: time.Now()})
	}
	return &gms.View{ViewID: viewID, Members: members}
}

func TestAdaptor_DestinationRemoved_ResolvesException(t *testing.T) {
	prev := memberView(1, "n1", "n2", "n3")
	next := memberView(2, "n1", "n3")

	pr := pending.New[[]byte]()
	pr.FulfillMap([]uint32{1, 2, 3})
	pr.SetValue(1, []byte("a"))
	pr.SetValue(3, []byte("c"))

	src := &fakeSource{entries: map[dispatch.CallKey]pending.Base{
		{Subgroup: 0, Seq: 1}: pr,
	}}
	a := New("n1", src)
	a.OnViewChange(prev, next)

	select {
	case <-pr.AllResponded():
	default:
		t.Fatal("expected call to be fully resolved once its remaining destination was evicted")
	}
}

func TestAdaptor_LocalNodeRemoved_ResolvesCallerRemoved(t *testing.T) {
	prev := memberView(1, "n1", "n2")
	next := memberView(2, "n2")

	pr := pending.New[[]byte]()
	pr.FulfillMap([]uint32{2})

	src := &fakeSource{entries: map[dispatch.CallKey]pending.Base{
		{Subgroup: 0, Seq: 1}: pr,
	}}
	a := New("n1", src)
	a.OnViewChange(prev, next)

	select {
	case <-pr.AllResponded():
	default:
		t.Fatal("expected call to resolve once the local caller was evicted")
	}
}

func TestAdaptor_UnfulfilledCall_IsReset(t *testing.T) {
	prev := memberView(1, "n1", "n2")
	next := memberView(2, "n1")

	pv := pending.NewVoid()
	// never call FulfillMap: simulates a call that hadn't been ordered yet.

	src := &fakeSource{entries: map[dispatch.CallKey]pending.Base{
		{Subgroup: 0, Seq: 1}: pv,
	}}
	a := New("n1", src)
	a.OnViewChange(prev, next)

	if pv.MapFulfilled() {
		t.Fatal("Reset should leave the call unfulfilled, ready to resend")
	}
}

func TestAdaptor_NoChange_IsNoop(t *testing.T) {
	v := memberView(1, "n1", "n2")
	pr := pending.New[[]byte]()
	pr.FulfillMap([]uint32{1, 2})

	src := &fakeSource{entries: map[dispatch.CallKey]pending.Base{
		{Subgroup: 0, Seq: 1}: pr,
	}}
	a := New("n1", src)
	a.OnViewChange(v, v)

	select {
	case <-pr.AllResponded():
		t.Fatal("expected call to remain unresolved when no member left")
	default:
	}
}
