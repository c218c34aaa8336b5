// Package rpcserver is the gRPC front door: it carries already wire-framed
// (internal/rpc/wire) request/reply payloads between nodes as opaque
// bytes, rather than generating a service from a .proto file. The method
// tag, subgroup, and sender are already encoded in the wire.Header at the
// front of the payload, so the gRPC layer only needs to move bytes; a
// generated stub would duplicate framing the payload already carries.
//
// Grounded on the teacher's internal/grpc/server.go for the overall
// server lifecycle (Start/Stop, interceptor chain, logging via
// internal/logging.Op()) and internal/grpc/interceptors.go for the
// interceptor shapes; the raw-bytes codec and hand-written
// grpc.ServiceDesc pattern is the standard "passthrough gRPC proxy"
// idiom used when a .proto-derived stub isn't available.
package rpcserver

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "groupcast-raw"

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// rawCodec marshals/unmarshals gRPC messages as plain []byte, since every
// message this service carries is already a complete wire.Encode frame.
type rawCodec struct{}

func (rawCodec) Name() string { return codecName }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("rpcserver: codec %s can only marshal []byte, got %T", codecName, v)
	}
	return b, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	dst, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rpcserver: codec %s can only unmarshal into *[]byte, got %T", codecName, v)
	}
	*dst = append([]byte(nil), data...)
	return nil
}
