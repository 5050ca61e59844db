package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/stone-age-io/sysreport/internal/config"
	"github.com/stone-age-io/sysreport/internal/snapshot"
	"github.com/stone-age-io/sysreport/internal/storage"
	"go.uber.org/zap"
)

const defaultMaxBodyBytes = 10 << 20

// Publisher receives every record after it has been stored
type Publisher interface {
	PublishRecord(address string, record *snapshot.StoredRecord)
}

// Server is the collector HTTP service
type Server struct {
	logger       *zap.Logger
	store        *storage.Store
	token        string
	maxBodyBytes int64
	publisher    Publisher
	metrics      *Metrics

	listen            string
	readHeaderTimeout time.Duration
	httpServer        *http.Server
	listener          net.Listener
}

// Option customises a Server
type Option func(*Server)

// WithPublisher fans stored records out to p
func WithPublisher(p Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// NewServer creates a collector bound to store
func NewServer(cfg *config.CollectorConfig, store *storage.Store, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		logger:            logger,
		store:             store,
		token:             cfg.Token,
		maxBodyBytes:      cfg.MaxBodyBytes,
		metrics:           &Metrics{},
		listen:            cfg.Listen,
		readHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	if s.maxBodyBytes <= 0 {
		s.maxBodyBytes = defaultMaxBodyBytes
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Metrics returns the collector counters
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the routed and wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /collect", s.handleCollect)
	mux.HandleFunc("GET /query/{address}", s.handleQuery)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	var h http.Handler = mux
	h = withRecovery(s.logger, h)
	h = withLogging(s.logger, h)
	h = withRequestID(h)
	return h
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(s.logger),
	}

	s.logger.Info("Collector listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("data_dir", s.store.Dir()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// clientAddress is the host part of the peer address. Proxy headers are not
// consulted, so behind a reverse proxy every record lands in the proxy's partition.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}
