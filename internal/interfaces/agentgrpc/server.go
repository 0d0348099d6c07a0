// Package agentgrpc exposes service.Driver over gRPC server-side
// streaming, for the VS Code extension and other long-lived clients that
// want to render a completion as it runs rather than polling for it.
//
// The wire contract is documented at api/rlmgo/completion.proto, but the
// service is registered by hand against a JSON grpc.Codec (service.go)
// rather than against protoc-gen-go-grpc stubs, so the RPC surface is
// real without a generated-code step.
package agentgrpc

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
	"github.com/rlmgo/rlmgo/internal/domain/service"
)

// Server implements the gRPC completion service. ExecuteCompletion below
// is the method body completionServiceStreamCompletionHandler dispatches
// to once RegisterCompletionServiceServer wires it into s.server.
type Server struct {
	driver *service.Driver
	logger *zap.Logger
	server *grpc.Server
	port   int
}

// NewServer wraps driver for gRPC streaming on port.
func NewServer(driver *service.Driver, port int, logger *zap.Logger) *Server {
	return &Server{
		driver: driver,
		logger: logger.With(zap.String("component", "completion-grpc")),
		port:   port,
	}
}

// Start begins listening and serving.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen port %d: %w", s.port, err)
	}

	s.server = grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	RegisterCompletionServiceServer(s.server, s)

	s.logger.Info("starting completion gRPC server", zap.Int("port", s.port))

	go func() {
		if err := s.server.Serve(lis); err != nil {
			s.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
		s.logger.Info("completion gRPC server stopped")
	}
}

// RunCompletionRequest is the inbound request for the StreamCompletion RPC.
type RunCompletionRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
	Depth     int    `json:"depth"`
}

// channelEventSink adapts a channel to service.EventSink so
// ExecuteCompletion can forward events to sendEvent while Driver.Complete
// is still running on its own goroutine.
type channelEventSink struct {
	ch chan entity.DriverEvent
}

func (s *channelEventSink) Emit(ctx context.Context, ev entity.DriverEvent) {
	select {
	case s.ch <- ev:
	case <-ctx.Done():
	}
}

// ExecuteCompletion runs req through the driver and streams one
// entity.DriverEvent per observable step via sendEvent, returning the
// final result once the completion finishes.
func (s *Server) ExecuteCompletion(ctx context.Context, req *RunCompletionRequest, sendEvent func(*entity.DriverEvent) error) (entity.ChatCompletion, error) {
	if req.Prompt == "" {
		return entity.ChatCompletion{}, status.Error(codes.InvalidArgument, "prompt is required")
	}

	s.logger.Info("gRPC ExecuteCompletion",
		zap.String("session", req.SessionID),
		zap.Int("depth", req.Depth),
	)

	events := make(chan entity.DriverEvent, 64)
	sink := &channelEventSink{ch: events}
	scoped := s.driver.WithEvents(sink)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan entity.ChatCompletion, 1)
	errCh := make(chan error, 1)
	go func() {
		defer close(events)
		result, err := scoped.Complete(runCtx, req.Prompt, req.Depth)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	for ev := range events {
		evCopy := ev
		if err := sendEvent(&evCopy); err != nil {
			cancel()
			return entity.ChatCompletion{}, err
		}
	}

	select {
	case err := <-errCh:
		return entity.ChatCompletion{}, status.Error(codes.Internal, err.Error())
	case result := <-resultCh:
		return result, nil
	}
}
