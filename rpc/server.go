package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/colorfulnotion/settle/engine"
	"github.com/colorfulnotion/settle/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	Addr         string
	EnableWS     bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server exposes the engine over HTTP: the /v1 JSON API, /metrics and the
// /v1/ws event feed.
type Server struct {
	cfg      Config
	engine   *engine.Engine
	registry *prometheus.Registry

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	hub      *Hub
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

func NewServer(cfg Config, eng *engine.Engine, registry *prometheus.Registry) *Server {
	return &Server{cfg: cfg, engine: eng, registry: registry}
}

// Handler builds the route table. Without a running hub /v1/ws is absent.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	h := &handlers{engine: s.engine}
	mux.HandleFunc("POST /v1/tx", h.submitTx)
	mux.HandleFunc("GET /v1/tx/{id}", h.txStatus)
	mux.HandleFunc("GET /v1/tx/{id}/proof", h.txProof)
	mux.HandleFunc("GET /v1/batch/{id}", h.batch)
	mux.HandleFunc("GET /v1/proof/aggregate", h.aggregateProof)
	mux.HandleFunc("POST /v1/challenge", h.submitChallenge)
	mux.HandleFunc("GET /v1/challenge/{id}", h.challenge)
	mux.HandleFunc("POST /v1/challenge/{id}/process", h.processChallenge)
	mux.HandleFunc("GET /v1/stats", h.stats)
	mux.HandleFunc("GET /v1/health", h.health)
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	}
	if s.hub != nil {
		mux.HandleFunc("GET /v1/ws", func(w http.ResponseWriter, r *http.Request) {
			serveWs(s.hub, w, r, &s.wg)
		})
	}
	return mux
}

// Start listens on cfg.Addr and serves until Stop or ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("rpc server already started")
	}
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	cctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if s.cfg.EnableWS {
		s.hub = newHub(cctx)
		events, unsubscribe := s.engine.Subscribe()
		s.wg.Add(2)
		go s.hub.run(&s.wg)
		go s.forwardEvents(cctx, events, unsubscribe)
	}
	s.listener = listener
	s.srv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	srv := s.srv

	log.Info(log.RPC, "RPC server started", "address", fmt.Sprintf("http://%s", listener.Addr()), "ws", s.cfg.EnableWS)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(log.RPC, "RPC server error", "error", err)
		}
	}()
	go func() {
		<-cctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}()
	return nil
}

// Addr is the bound listener address, useful with ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the listener and websocket clients down and waits for them.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.srv, s.cancel
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	cancel()
	err := srv.Shutdown(ctx)
	s.wg.Wait()
	log.Info(log.RPC, "RPC server stopped")
	return err
}

// forwardEvents pushes engine events into the hub until ctx ends.
func (s *Server) forwardEvents(ctx context.Context, events <-chan engine.Event, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.hub.publish(ev)
		}
	}
}
