package wire

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Op:    Opcode{ClassID: 7, SubgroupID: 2, FunctionTag: 42, IsReply: true},
		From:  9,
		Flags: FlagCascade,
	}
	payload := []byte("hello group")
	encoded := Encode(h, payload)

	gotH, gotPayload, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if gotH.Op != h.Op {
		t.Fatalf("opcode mismatch: got %+v want %+v", gotH.Op, h.Op)
	}
	if gotH.From != h.From {
		t.Fatalf("from mismatch: got %d want %d", gotH.From, h.From)
	}
	if gotH.Flags != h.Flags {
		t.Fatalf("flags mismatch: got %d want %d", gotH.Flags, h.Flags)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", gotPayload, payload)
	}
}

func TestReadHeaderTruncated(t *testing.T) {
	if _, _, err := ReadHeader([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestReadHeaderTruncatedPayload(t *testing.T) {
	h := Header{PayloadSize: 100, Op: Opcode{}, From: 1}
	buf := &bytes.Buffer{}
	WriteHeader(buf, h)
	buf.Write([]byte("short"))
	if _, _, err := ReadHeader(buf.Bytes()); err == nil {
		t.Fatal("expected error when declared payload size exceeds available bytes")
	}
}

func TestOpcodeCompare(t *testing.T) {
	a := Opcode{ClassID: 1, SubgroupID: 0, FunctionTag: 0}
	b := Opcode{ClassID: 2, SubgroupID: 0, FunctionTag: 0}
	if !a.Less(b) {
		t.Fatal("expected a < b by ClassID")
	}
	if b.Less(a) {
		t.Fatal("expected b not < a")
	}

	c := Opcode{ClassID: 1, SubgroupID: 0, FunctionTag: 0, IsReply: false}
	d := Opcode{ClassID: 1, SubgroupID: 0, FunctionTag: 0, IsReply: true}
	if !c.Less(d) {
		t.Fatal("expected non-reply to sort before reply when all else equal")
	}
	if c.Compare(c) != 0 {
		t.Fatal("expected equal opcodes to compare equal")
	}
}

func TestHeaderFieldsAreLittleEndian(t *testing.T) {
	h := Header{
		PayloadSize: 1,
		Op:          Opcode{ClassID: 0x01020304},
		From:        1,
	}
	buf := &bytes.Buffer{}
	WriteHeader(buf, h)
	b := buf.Bytes()

	// PayloadSize (first 8 bytes) little-endian: low byte first.
	if b[0] != 1 || b[1] != 0 {
		t.Fatalf("expected PayloadSize little-endian, got leading bytes %v", b[0:8])
	}
	// Opcode.ClassID (next 4 bytes) little-endian: 0x04 0x03 0x02 0x01.
	classIDBytes := b[8:12]
	want := []byte{0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(classIDBytes, want) {
		t.Fatalf("expected ClassID little-endian bytes %v, got %v", want, classIDBytes)
	}
}

func TestOpcodePaddingAfterIsReply(t *testing.T) {
	// opcodeSize must reserve 3 padding bytes after the single-byte
	// IsReply field so the following uint32 From field in Header lands on
	// a 4-byte boundary.
	if opcodeSize != 4+4+8+1+3 {
		t.Fatalf("expected opcodeSize to include 3 alignment-padding bytes, got %d", opcodeSize)
	}
	if (8+opcodeSize)%4 != 0 {
		t.Fatalf("expected From field offset %d to be 4-byte aligned", 8+opcodeSize)
	}
}

func TestHeaderSizeIsFixed(t *testing.T) {
	// The header must occupy a constant number of bytes regardless of
	// field values, since readers rely on HeaderSize to know where the
	// payload begins.
	h1 := Header{}
	h2 := Header{PayloadSize: ^uint64(0), Op: Opcode{ClassID: ^uint32(0), FunctionTag: ^uint64(0), IsReply: true}, From: ^uint32(0), Flags: ^Flags(0)}

	buf1 := &bytes.Buffer{}
	WriteHeader(buf1, h1)
	buf2 := &bytes.Buffer{}
	WriteHeader(buf2, h2)

	if buf1.Len() != HeaderSize || buf2.Len() != HeaderSize {
		t.Fatalf("expected both headers to be exactly %d bytes, got %d and %d", HeaderSize, buf1.Len(), buf2.Len())
	}
}
