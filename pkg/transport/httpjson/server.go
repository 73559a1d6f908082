package httpjson

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amirimatin/go-census/pkg/observability/tracing"
	"github.com/amirimatin/go-census/pkg/transport"
)

// Server is a minimal HTTP server exposing the management endpoints plus
// metrics and healthz.
type Server struct {
	bind   string
	logger *zap.Logger
	tlsCfg *tls.Config

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler returns the management mux; exported for tests and embedding.
func Handler(h transport.Handlers) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.Status == nil {
			http.Error(w, "status not supported", http.StatusNotImplemented)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), "http.status")
		defer end()
		data, err := h.Status(ctx)
		if err != nil {
			http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError)
			return
		}
		writeRaw(w, data)
	})
	mux.HandleFunc("/census", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.Census == nil {
			http.Error(w, "census not supported", http.StatusNotImplemented)
			return
		}
		req := transport.CensusRequest{ServiceGroup: r.URL.Query().Get("group")}
		ctx, end := tracing.StartSpan(r.Context(), "http.census", "service_group", req.ServiceGroup)
		defer end()
		data, err := h.Census(ctx, req)
		if err != nil {
			http.Error(w, fmt.Sprintf("census error: %v", err), http.StatusNotFound)
			return
		}
		writeRaw(w, data)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("/join", post("http.join", h.Join, func(r *transport.JoinResponse, e string) { r.Error = e }))
	mux.Handle("/leave", post("http.leave", h.Leave, func(r *transport.LeaveResponse, e string) { r.Error = e }))
	mux.Handle("/config", post("http.config", h.ApplyConfig, func(r *transport.WriteResponse, e string) { r.Error = e }))
	mux.Handle("/file", post("http.file", h.UploadFile, func(r *transport.WriteResponse, e string) { r.Error = e }))
	mux.Handle("/fact", post("http.fact", h.InjectFact, func(r *transport.InjectFactResponse, e string) { r.Error = e }))
	return mux
}

// post decodes a JSON request, calls fn and encodes its response. Handler
// errors are reported with status 500 and the message in the body.
func post[Req, Resp any](span string, fn func(context.Context, Req) (Resp, error), setErr func(*Resp, string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if fn == nil {
			http.Error(w, "not supported", http.StatusNotImplemented)
			return
		}
		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		ctx, end := tracing.StartSpan(r.Context(), span)
		defer end()
		resp, err := fn(ctx, req)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			setErr(&resp, err.Error())
			w.WriteHeader(http.StatusInternalServerError)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
}

func writeRaw(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// Start launches the HTTP server. The server is shut down when the context is
// canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	srv := &http.Server{Handler: Handler(h), ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.srv, s.addr = srv, ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("httpjson: server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr != "" {
		return s.addr
	}
	return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return srv.Shutdown(c)
}

var _ transport.RPCServer = (*Server)(nil)
