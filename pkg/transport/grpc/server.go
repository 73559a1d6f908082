package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-census/pkg/observability/tracing"
	"github.com/amirimatin/go-census/pkg/transport"
)

const serviceName = "census.v1.Management"

var errNotSupported = errors.New("not supported")

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
	bind   string
	logger *zap.Logger
	tlsCfg *tls.Config

	mu     sync.Mutex
	lis    net.Listener
	srv    *grpc.Server
	health *health.Server
}

func NewServer(bind string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// internal request/response types used over gRPC JSON codec
type empty struct{}
type blob struct {
	Data []byte `json:"data"`
}

type mgmtImpl struct{ h transport.Handlers }

func (m *mgmtImpl) status(ctx context.Context, _ *empty) (*blob, error) {
	if m.h.Status == nil {
		return nil, errNotSupported
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.status")
	defer end()
	b, err := m.h.Status(ctx)
	if err != nil {
		return nil, err
	}
	return &blob{Data: b}, nil
}

func (m *mgmtImpl) census(ctx context.Context, in *transport.CensusRequest) (*blob, error) {
	if m.h.Census == nil {
		return nil, errNotSupported
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.census", "service_group", in.ServiceGroup)
	defer end()
	b, err := m.h.Census(ctx, *in)
	if err != nil {
		return nil, err
	}
	return &blob{Data: b}, nil
}

// call runs a write-style handler; handler errors travel in the response
// body like the HTTP transport does.
func call[Req, Resp any](ctx context.Context, span string, fn func(context.Context, Req) (Resp, error), in *Req, setErr func(*Resp, string)) (*Resp, error) {
	var out Resp
	if fn == nil {
		setErr(&out, errNotSupported.Error())
		return &out, nil
	}
	ctx, end := tracing.StartSpan(ctx, span)
	defer end()
	out, err := fn(ctx, *in)
	if err != nil {
		setErr(&out, err.Error())
	}
	return &out, nil
}

// unary builds a method descriptor for a JSON-coded unary call.
func unary[Req any](method string, handle func(*mgmtImpl, context.Context, *Req) (any, error)) grpc.MethodDesc {
	full := "/" + serviceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			m := srv.(*mgmtImpl)
			if interceptor == nil {
				return handle(m, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return handle(m, ctx, req.(*Req))
			})
		},
	}
}

// Service descriptor and handlers (hand-written, no codegen required)
var managementDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", func(m *mgmtImpl, ctx context.Context, in *empty) (any, error) { return m.status(ctx, in) }),
		unary("GetCensus", func(m *mgmtImpl, ctx context.Context, in *transport.CensusRequest) (any, error) {
			return m.census(ctx, in)
		}),
		unary("Join", func(m *mgmtImpl, ctx context.Context, in *transport.JoinRequest) (any, error) {
			return call(ctx, "grpc.join", m.h.Join, in, func(r *transport.JoinResponse, e string) { r.Error = e })
		}),
		unary("Leave", func(m *mgmtImpl, ctx context.Context, in *transport.LeaveRequest) (any, error) {
			return call(ctx, "grpc.leave", m.h.Leave, in, func(r *transport.LeaveResponse, e string) { r.Error = e })
		}),
		unary("ApplyConfig", func(m *mgmtImpl, ctx context.Context, in *transport.ApplyConfigRequest) (any, error) {
			return call(ctx, "grpc.config", m.h.ApplyConfig, in, func(r *transport.WriteResponse, e string) { r.Error = e })
		}),
		unary("UploadFile", func(m *mgmtImpl, ctx context.Context, in *transport.UploadFileRequest) (any, error) {
			return call(ctx, "grpc.file", m.h.UploadFile, in, func(r *transport.WriteResponse, e string) { r.Error = e })
		}),
		unary("InjectFact", func(m *mgmtImpl, ctx context.Context, in *transport.InjectFactRequest) (any, error) {
			return call(ctx, "grpc.fact", m.h.InjectFact, in, func(r *transport.InjectFactResponse, e string) { r.Error = e })
		}),
	},
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	// Management calls arrive with the "json" content subtype and pick the
	// registered jsonCodec; the health service keeps protobuf.
	opts := []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	}
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	srv.RegisterService(&managementDesc, &mgmtImpl{h: h})

	s.mu.Lock()
	s.lis, s.srv, s.health = lis, srv, hs
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(sctx)
	}()
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("grpc: serve failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, hs := s.srv, s.health
	s.srv, s.health, s.lis = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	hs.Shutdown()
	ch := make(chan struct{})
	go func() { srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		srv.Stop()
	}
	return nil
}

var _ transport.RPCServer = (*Server)(nil)
