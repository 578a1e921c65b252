// Package grpcapi exposes the verifier over gRPC.  Messages are
// google.protobuf.Struct values carrying the same fields as the HTTP JSON
// bodies, so no generated stubs are needed.
package grpcapi

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/service"
	"github.com/BrandonDHaskell/Soteria/server/internal/soteria/types"
)

const (
	ServiceName        = "soteria.v1.Verifier"
	VerifyAccessMethod = "/soteria.v1.Verifier/VerifyAccess"
)

// VerifierServer is the server side of soteria.v1.Verifier.
type VerifierServer interface {
	VerifyAccess(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var verifierServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VerifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "VerifyAccess", Handler: verifyAccessHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "soteria/v1/verifier.proto",
}

func verifyAccessHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VerifierServer).VerifyAccess(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: VerifyAccessMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VerifierServer).VerifyAccess(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type Dependencies struct {
	Logger        *log.Logger
	Addr          string
	AccessService *service.AccessService
}

type Server struct {
	grpcServer    *grpc.Server
	health        *health.Server
	addr          string
	logger        *log.Logger
	accessService *service.AccessService
}

func NewServer(d Dependencies) *Server {
	s := &Server{
		health:        health.NewServer(),
		addr:          d.Addr,
		logger:        d.Logger,
		accessService: d.AccessService,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(d.Logger)))
	s.grpcServer.RegisterService(&verifierServiceDesc, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Shutdown marks the service NOT_SERVING and drains in-flight calls until
// ctx is done, then stops hard.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.grpcServer.Stop()
		return ctx.Err()
	}
}

func (s *Server) VerifyAccess(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	resp, err := s.accessService.Verify(ctx, types.VerifyRequestFromStruct(in))
	if err != nil {
		if errors.Is(err, service.ErrPayloadRequired) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		s.logger.Printf("grpc verify error: %v", err)
		return nil, status.Error(codes.Internal, "unexpected server error")
	}

	out, err := resp.ToStruct()
	if err != nil {
		s.logger.Printf("grpc verify encode: %v", err)
		return nil, status.Error(codes.Internal, "unexpected server error")
	}
	return out, nil
}

func loggingInterceptor(logger *log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now().UTC()
		resp, err := handler(ctx, req)
		logger.Printf("grpc %s code=%s dur=%s", info.FullMethod, status.Code(err), time.Since(start))
		return resp, err
	}
}
