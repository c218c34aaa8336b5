package registry

import "testing"

func TestToInternalTag_Parity(t *testing.T) {
	if ToInternalTag(5, false)%2 != 0 {
		t.Fatal("ordered tags must be even")
	}
	if ToInternalTag(5, true)%2 != 1 {
		t.Fatal("P2P tags must be odd")
	}
	if ToInternalTag(5, true).IsP2P() != true {
		t.Fatal("IsP2P should report true for a P2P-folded tag")
	}
	if ToInternalTag(5, false).IsP2P() != false {
		t.Fatal("IsP2P should report false for an ordered-folded tag")
	}
}

func TestHashName_Stable(t *testing.T) {
	a := HashName("Increment")
	b := HashName("Increment")
	if a != b {
		t.Fatal("hash of the same name must be stable")
	}
	if HashName("Increment") == HashName("Decrement") {
		t.Fatal("different names should not normally collide (not guaranteed, but true for this pair)")
	}
}

func noopRecv(_ uint32, _ []byte) ([]byte, error) { return nil, nil }
func noopEnc(_ interface{}) ([]byte, error)        { return nil, nil }

func TestBuilder_BuildAndLookup(t *testing.T) {
	b := NewBuilder()
	b.OrderedMethod("Increment", noopRecv, noopEnc)
	b.P2PMethod("Read", noopRecv, noopEnc)

	r, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	incEntry, ok := r.LookupByName("Increment")
	if !ok {
		t.Fatal("expected Increment to be registered")
	}
	if incEntry.Tag.IsP2P() {
		t.Fatal("Increment was registered as ordered, should not be P2P")
	}

	readEntry, ok := r.LookupByName("Read")
	if !ok {
		t.Fatal("expected Read to be registered")
	}
	if !readEntry.Tag.IsP2P() {
		t.Fatal("Read was registered as P2P")
	}

	if _, ok := r.Lookup(incEntry.Tag); !ok {
		t.Fatal("expected lookup by tag to find Increment")
	}
	if len(r.Tags()) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(r.Tags()))
	}
}

func TestBuilder_DuplicateNameCollision(t *testing.T) {
	b := NewBuilder()
	b.OrderedMethod("Foo", noopRecv, noopEnc)
	b.OrderedMethod("Foo", noopRecv, noopEnc)

	if _, err := b.Build(); err == nil {
		t.Fatal("expected duplicate method name to be rejected")
	}
}

func TestBuilder_TagsAreOrderIndependent(t *testing.T) {
	// Two processes registering the same methods in a different order
	// must still agree on each method's FunctionTag, since the tag comes
	// from hashing the name rather than from registration sequence.
	r1, err := NewBuilder().
		OrderedMethod("Increment", noopRecv, noopEnc).
		P2PMethod("Read", noopRecv, noopEnc).
		Build()
	if err != nil {
		t.Fatalf("Build r1: %v", err)
	}
	r2, err := NewBuilder().
		P2PMethod("Read", noopRecv, noopEnc).
		OrderedMethod("Increment", noopRecv, noopEnc).
		Build()
	if err != nil {
		t.Fatalf("Build r2: %v", err)
	}

	inc1, _ := r1.LookupByName("Increment")
	inc2, _ := r2.LookupByName("Increment")
	if inc1.Tag != inc2.Tag {
		t.Fatalf("expected Increment to get the same tag regardless of registration order: %d vs %d", inc1.Tag, inc2.Tag)
	}
	read1, _ := r1.LookupByName("Read")
	read2, _ := r2.LookupByName("Read")
	if read1.Tag != read2.Tag {
		t.Fatalf("expected Read to get the same tag regardless of registration order: %d vs %d", read1.Tag, read2.Tag)
	}
}

func TestBuilder_RealHashCollisionDetected(t *testing.T) {
	// "Aa" and "BB" are the textbook base-31 polynomial hash collision
	// (31*'A'+'a' == 31*'B'+'B' == 2112), so registering both as ordered
	// methods must collide on the same internal FunctionTag.
	if HashName("Aa") != HashName("BB") {
		t.Fatal("test setup assumption broken: \"Aa\" and \"BB\" no longer collide under HashName")
	}

	b := NewBuilder()
	b.OrderedMethod("Aa", noopRecv, noopEnc)
	b.OrderedMethod("BB", noopRecv, noopEnc)

	if _, err := b.Build(); err == nil {
		t.Fatal("expected a real FunctionTag hash collision to be rejected at Build")
	}
}

func TestBuilder_LookupMissing(t *testing.T) {
	b := NewBuilder()
	r, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := r.Lookup(FunctionTag(999)); ok {
		t.Fatal("expected lookup of unregistered tag to fail")
	}
}
