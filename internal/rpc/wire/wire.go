// Package wire implements the on-wire Opcode and Header encoding shared by
// every RPC message: ordered sends, P2P sends, and their replies. The
// layout is a fixed-offset byte format, not a self-describing one, so it
// is encoded with encoding/binary rather than a general-purpose
// serialization library — the spec requires byte-identical framing with
// no padding beyond natural alignment, which a schema-based codec would
// not preserve.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Flags is a bitmask carried in the Header.
type Flags uint32

const (
	// FlagCascade on a request asks for its reply to be emitted as an
	// ordered multicast into the same subgroup instead of a unicast back
	// to the sender. Dispatch does not set it on the re-emitted reply, so
	// a cascade goes one hop.
	FlagCascade Flags = 1 << 0
)

// Opcode identifies the destination handler and message role for one RPC
// message. It mirrors derecho's (class_id, subgroup_id, function_id,
// is_reply) tuple.
type Opcode struct {
	ClassID     uint32
	SubgroupID  uint32
	FunctionTag uint64
	IsReply     bool
}

// Compare provides the total order derecho's Opcode gets for free from
// std::tie: field by field, ClassID, SubgroupID, FunctionTag, IsReply.
// Returns -1, 0, or 1.
func (o Opcode) Compare(other Opcode) int {
	if o.ClassID != other.ClassID {
		return cmpUint32(o.ClassID, other.ClassID)
	}
	if o.SubgroupID != other.SubgroupID {
		return cmpUint32(o.SubgroupID, other.SubgroupID)
	}
	if o.FunctionTag != other.FunctionTag {
		return cmpUint64(o.FunctionTag, other.FunctionTag)
	}
	return cmpBool(o.IsReply, other.IsReply)
}

// Less reports whether o sorts before other under Compare's total order.
func (o Opcode) Less(other Opcode) bool { return o.Compare(other) < 0 }

func cmpUint32(a, b uint32) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func cmpUint64(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func cmpBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a && b {
		return -1
	}
	return 1
}

// opcodeSize includes 3 padding bytes after the single-byte IsReply field,
// rounding up to the 4-byte natural alignment of the uint32 From field that
// immediately follows the Opcode in Header.
const opcodeSize = 4 + 4 + 8 + 1 + 3 // ClassID + SubgroupID + FunctionTag + IsReply + padding

func (o Opcode) encode(buf *bytes.Buffer) {
	var tmp [opcodeSize]byte
	binary.LittleEndian.PutUint32(tmp[0:4], o.ClassID)
	binary.LittleEndian.PutUint32(tmp[4:8], o.SubgroupID)
	binary.LittleEndian.PutUint64(tmp[8:16], o.FunctionTag)
	if o.IsReply {
		tmp[16] = 1
	}
	buf.Write(tmp[:])
}

func decodeOpcode(b []byte) (Opcode, error) {
	if len(b) < opcodeSize {
		return Opcode{}, fmt.Errorf("wire: opcode truncated: need %d bytes, have %d", opcodeSize, len(b))
	}
	return Opcode{
		ClassID:     binary.LittleEndian.Uint32(b[0:4]),
		SubgroupID:  binary.LittleEndian.Uint32(b[4:8]),
		FunctionTag: binary.LittleEndian.Uint64(b[8:16]),
		IsReply:     b[16] != 0,
	}, nil
}

// Header precedes every RPC message's payload on the wire. Field order
// and widths here are part of the wire contract: changing them breaks
// interoperability with any peer running a different build.
type Header struct {
	PayloadSize uint64
	Op          Opcode
	From        uint32 // sender node ID
	Flags       Flags
}

// HeaderSize is the fixed number of bytes a Header occupies on the wire.
const HeaderSize = 8 + opcodeSize + 4 + 4 // PayloadSize + Opcode + From + Flags

// ExtraAlloc returns the number of additional bytes a caller must
// allocate beyond a raw payload of size n bytes to also hold the header,
// mirroring remote_invocation_utilities::extra_alloc.
func ExtraAlloc(n int) int { return HeaderSize }

// WriteHeader serializes h to buf, which must have at least HeaderSize
// bytes of capacity from its current length; WriteHeader appends to it.
func WriteHeader(buf *bytes.Buffer, h Header) {
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], h.PayloadSize)
	buf.Write(sizeBuf[:])
	h.Op.encode(buf)
	var fromBuf, flagsBuf [4]byte
	binary.LittleEndian.PutUint32(fromBuf[:], h.From)
	buf.Write(fromBuf[:])
	binary.LittleEndian.PutUint32(flagsBuf[:], uint32(h.Flags))
	buf.Write(flagsBuf[:])
}

// ReadHeader parses a Header from the front of b and returns it along
// with the remaining bytes (the payload, at least PayloadSize long).
func ReadHeader(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, fmt.Errorf("wire: header truncated: need %d bytes, have %d", HeaderSize, len(b))
	}
	payloadSize := binary.LittleEndian.Uint64(b[0:8])
	op, err := decodeOpcode(b[8 : 8+opcodeSize])
	if err != nil {
		return Header{}, nil, err
	}
	rest := b[8+opcodeSize:]
	from := binary.LittleEndian.Uint32(rest[0:4])
	flags := binary.LittleEndian.Uint32(rest[4:8])
	h := Header{PayloadSize: payloadSize, Op: op, From: from, Flags: Flags(flags)}
	body := b[HeaderSize:]
	if uint64(len(body)) < payloadSize {
		return Header{}, nil, fmt.Errorf("wire: payload truncated: header declares %d bytes, have %d", payloadSize, len(body))
	}
	return h, body, nil
}

// Encode serializes a Header followed immediately by payload into a single
// contiguous buffer ready to send.
func Encode(h Header, payload []byte) []byte {
	h.PayloadSize = uint64(len(payload))
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(payload)))
	WriteHeader(buf, h)
	buf.Write(payload)
	return buf.Bytes()
}

// Decode is the inverse of Encode: it parses the header and returns the
// payload slice (sharing b's backing array, not copied).
func Decode(b []byte) (Header, []byte, error) {
	h, body, err := ReadHeader(b)
	if err != nil {
		return Header{}, nil, err
	}
	return h, body[:h.PayloadSize], nil
}
