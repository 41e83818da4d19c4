package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/coedit-dev/coedit/pkg/auth"
	"github.com/coedit-dev/coedit/pkg/crdt"
	"github.com/coedit-dev/coedit/pkg/store"
)

// tracerName identifies this server's spans.
const tracerName = "coedit"

// Options are the external collaborators a Server is assembled from.
// Nil fields get development defaults: an in-process engine, an
// in-memory store, an open verifier, and a drop-everything forwarder.
type Options struct {
	Engine    crdt.Engine
	Store     store.Store
	Verifier  auth.Verifier
	Forwarder AIForwarder
	Registry  *prometheus.Registry
	Logger    *slog.Logger
}

// Server is the HTTP/WebSocket surface of the sync core.
type Server struct {
	cfg       *Config
	manager   *RoomManager
	store     store.Store
	verifier  auth.Verifier
	forwarder AIForwarder
	metrics   *Metrics
	registry  *prometheus.Registry
	upgrader  websocket.Upgrader
	tracer    trace.Tracer
	logger    *slog.Logger

	router     chi.Router
	httpServer *http.Server
}

// New assembles a server. The RoomManager and its background loops
// start immediately.
func New(cfg *Config, opts Options) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg = cfg.Clone()
		cfg.fillDefaults()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	engine := opts.Engine
	if engine == nil {
		engine = crdt.NewLogEngine()
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	if opts.Verifier == nil {
		logger.Warn("no verifier configured, accepting all credentials")
	}
	forwarder := opts.Forwarder
	if forwarder == nil {
		forwarder = &noopForwarder{logger: logger}
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics := NewMetrics(registry)

	s := &Server{
		cfg:       cfg,
		manager:   NewRoomManager(engine, st, cfg, logger, metrics),
		store:     st,
		verifier:  opts.Verifier,
		forwarder: forwarder,
		metrics:   metrics,
		registry:  registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/ws", s.handleWebSocket)
	r.Get("/ws/{room}", s.handleWebSocket)
	s.router = r

	return s
}

// Router returns the HTTP handler for mounting in an external router.
func (s *Server) Router() http.Handler {
	return s.router
}

// Manager returns the room registry.
func (s *Server) Manager() *RoomManager {
	return s.manager
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleWebSocket upgrades the connection and runs the session to
// completion. Connection parameters: a room id (path or query) and an
// opaque bearer credential (Authorization header or "token" query
// parameter).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	if roomID == "" {
		roomID = r.URL.Query().Get("room")
	}
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	credential := bearerCredential(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sess := newSession(conn, roomID, s)
	sess.Run(context.Background(), credential)
}

// bearerCredential extracts the opaque credential from the request.
func bearerCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
		return h
	}
	return r.URL.Query().Get("token")
}

// Run starts the server and blocks until a shutdown signal or a listen
// error.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.router,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", s.cfg.Address)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return err
		}
		return nil

	case <-shutdown:
		s.logger.Info("shutting down")
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops accepting connections, flushes dirty rooms, and stops
// the background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
		}
	}

	if err := s.manager.Shutdown(ctx); err != nil {
		return err
	}

	s.logger.Info("server shutdown complete")
	return nil
}
