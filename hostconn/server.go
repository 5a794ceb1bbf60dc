package hostconn

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/toolink/exthost/extension"
)

// Runtime is the extension side served to the host. *extension.Runtime
// implements it.
type Runtime interface {
	Init(ctx context.Context, domain string, settings extension.Settings) error
	OnRequest(ctx context.Context, rc extension.Context, commands []*extension.Command) error
	Shutdown(ctx context.Context) error
	BeforeConfigChange(ctx context.Context, path string, value any) error
	ConfigChanged(ctx context.Context, path string, value any) error
	Done() <-chan struct{}
}

// Hook runs after a lifecycle call succeeded.
type Hook func(ctx context.Context, domain string)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithInitHook runs h after every successful Init, for example to announce
// the extension in a registry.
func WithInitHook(h Hook) ServerOption {
	return func(s *Server) {
		s.onInit = append(s.onInit, h)
	}
}

// WithShutdownHook runs h after Shutdown.
func WithShutdownHook(h Hook) ServerOption {
	return func(s *Server) {
		s.onShutdown = append(s.onShutdown, h)
	}
}

// Server exposes a Runtime as the exthost.v1.Extension service.
type Server struct {
	rt         Runtime
	health     *health.Server
	onInit     []Hook
	onShutdown []Hook

	domain atomic.String
}

// NewServer wraps rt.
func NewServer(rt Runtime, opts ...ServerOption) *Server {
	s := &Server{rt: rt, health: health.NewServer()}
	for _, opt := range opts {
		opt(s)
	}
	s.health.SetServingStatus(extensionService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register adds the extension and health services to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&extensionServiceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
}

// Done is closed once the runtime terminated.
func (s *Server) Done() <-chan struct{} {
	return s.rt.Done()
}

func (s *Server) Init(ctx context.Context, req *InitRequest) (*Empty, error) {
	if err := s.rt.Init(ctx, req.Domain, req.Settings); err != nil {
		return nil, toStatus(err)
	}
	s.domain.Store(req.Domain)
	s.health.SetServingStatus(extensionService, healthpb.HealthCheckResponse_SERVING)
	for _, h := range s.onInit {
		h(ctx, req.Domain)
	}
	return &Empty{}, nil
}

// OnRequest answers the batch in place. Per-command failures are reported
// on the commands and summarized in RequestResult.Error, not as a call error.
func (s *Server) OnRequest(ctx context.Context, req *RequestBatch) (*RequestResult, error) {
	err := s.rt.OnRequest(ctx, req.Context, req.Commands)
	if errors.Is(err, extension.ErrNotServing) {
		return nil, toStatus(err)
	}
	res := &RequestResult{Commands: req.Commands}
	if err != nil {
		res.Error = err.Error()
	}
	return res, nil
}

func (s *Server) Shutdown(ctx context.Context, _ *Empty) (*Empty, error) {
	if err := s.Stop(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// Stop shuts the runtime down and runs the shutdown hooks, as the host's
// Shutdown call does. The process uses it when it is stopped by a signal.
func (s *Server) Stop(ctx context.Context) error {
	s.health.SetServingStatus(extensionService, healthpb.HealthCheckResponse_NOT_SERVING)
	err := s.rt.Shutdown(ctx)
	if !errors.Is(err, extension.ErrNotInitialized) {
		for _, h := range s.onShutdown {
			h(ctx, s.domain.Load())
		}
	}
	return err
}

func (s *Server) BeforeConfigChange(ctx context.Context, req *ConfigChange) (*Empty, error) {
	if err := s.rt.BeforeConfigChange(ctx, req.Path, req.Value); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) ConfigChanged(ctx context.Context, req *ConfigChange) (*Empty, error) {
	if err := s.rt.ConfigChanged(ctx, req.Path, req.Value); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// extensionServer is the handler type of extensionServiceDesc.
type extensionServer interface {
	Init(context.Context, *InitRequest) (*Empty, error)
	OnRequest(context.Context, *RequestBatch) (*RequestResult, error)
	Shutdown(context.Context, *Empty) (*Empty, error)
	BeforeConfigChange(context.Context, *ConfigChange) (*Empty, error)
	ConfigChanged(context.Context, *ConfigChange) (*Empty, error)
}

// unaryHandler adapts a typed method to grpc.MethodHandler.
func unaryHandler[Req, Resp any](method string, call func(srv any, ctx context.Context, req *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*Req))
		})
	}
}

var extensionServiceDesc = grpc.ServiceDesc{
	ServiceName: extensionService,
	HandlerType: (*extensionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Init", Handler: unaryHandler(MethodInit, func(srv any, ctx context.Context, req *InitRequest) (*Empty, error) {
			return srv.(extensionServer).Init(ctx, req)
		})},
		{MethodName: "OnRequest", Handler: unaryHandler(MethodOnRequest, func(srv any, ctx context.Context, req *RequestBatch) (*RequestResult, error) {
			return srv.(extensionServer).OnRequest(ctx, req)
		})},
		{MethodName: "Shutdown", Handler: unaryHandler(MethodShutdown, func(srv any, ctx context.Context, req *Empty) (*Empty, error) {
			return srv.(extensionServer).Shutdown(ctx, req)
		})},
		{MethodName: "BeforeConfigChange", Handler: unaryHandler(MethodBeforeConfigChange, func(srv any, ctx context.Context, req *ConfigChange) (*Empty, error) {
			return srv.(extensionServer).BeforeConfigChange(ctx, req)
		})},
		{MethodName: "ConfigChanged", Handler: unaryHandler(MethodConfigChanged, func(srv any, ctx context.Context, req *ConfigChange) (*Empty, error) {
			return srv.(extensionServer).ConfigChanged(ctx, req)
		})},
	},
	Metadata: "exthost/v1/extension",
}

// LoggingInterceptor logs every call at debug level and failures at warn.
func LoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	startTime := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Warn().Str("method", info.FullMethod).Dur("duration", time.Since(startTime)).Err(err).Msg("call failed")
		return resp, err
	}
	log.Debug().Str("method", info.FullMethod).Dur("duration", time.Since(startTime)).Msg("call handled")
	return resp, nil
}

// NewGRPCServer returns a server with the keepalive policy and interceptors
// both sides of the host connection use.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              time.Minute,
			Timeout:           20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(LoggingInterceptor),
	}
	return grpc.NewServer(append(base, opts...)...)
}
