package rpcserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/oriys/groupcast/internal/logging"
)

// Server is the gRPC front door one group member runs to accept inbound
// wire-framed RPC frames from its peers over a real network connection.
type Server struct {
	handler Handler
	server  *grpc.Server
	metrics *transportMetrics
}

// NewServer constructs a Server that hands every inbound frame to
// handler — typically a *dispatch.Dispatcher's HandleInbound method.
func NewServer(handler Handler) *Server {
	return &Server{handler: handler, metrics: newTransportMetrics()}
}

// MetricsHandler exposes this server's Prometheus metrics for scraping.
func (s *Server) MetricsHandler() http.Handler { return s.metrics.Handler() }

// Start listens on addr and serves until Stop is called. It returns once
// the listener is bound; serving continues on a background goroutine.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpcserver: listen on %s: %w", addr, err)
	}

	s.server = grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingInterceptor, tracingInterceptor, s.metrics.interceptor, errorStatusInterceptor),
	)
	s.server.RegisterService(&serviceDesc, s)

	logging.Op().Info("rpcserver: gRPC transport listening", "addr", addr)

	go func() {
		if err := s.server.Serve(lis); err != nil {
			logging.Op().Error("rpcserver: gRPC server exited", "error", err)
		}
	}()
	return nil
}

// Stop gracefully drains and stops the server.
func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}

// loggingInterceptor logs every inbound Invoke call, grounded on the
// teacher's internal/grpc/interceptors.go loggingInterceptor.
func loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	duration := time.Since(start)
	if err != nil {
		logging.Op().Error("rpcserver: inbound call failed", "method", info.FullMethod, "duration", duration, "error", err)
	} else {
		logging.Op().Debug("rpcserver: inbound call completed", "method", info.FullMethod, "duration", duration)
	}
	return resp, err
}

// errorStatusInterceptor converts an inbound-handler error into a gRPC
// status so callers see a well-formed code rather than a bare error
// string, mirroring the teacher's errorHandlingInterceptor.
func errorStatusInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}
