package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/sqlbridge/sqlbridge/internal/config"
	"github.com/sqlbridge/sqlbridge/internal/connector"
	"github.com/sqlbridge/sqlbridge/internal/health"
	"github.com/sqlbridge/sqlbridge/internal/metrics"
	"github.com/sqlbridge/sqlbridge/internal/pool"
	"github.com/sqlbridge/sqlbridge/internal/router"
)

// Server accepts client connections and routes them to backends,
// preparing a backend lazily when a command needs one.
type Server struct {
	router      *router.Router
	poolMgr     *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector

	routing     config.RoutingConfig
	credentials map[string]string
	defaultMode connector.ServerMode

	source   *backendSource
	listener net.Listener

	mu     sync.Mutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a proxy server.
func NewServer(cfg *config.Config, r *router.Router, pm *pool.Manager, hc *health.Checker, m *metrics.Collector) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	// prefer read-write destinations when both kinds exist
	mode := connector.ModeReadOnly
	for _, dc := range cfg.Destinations {
		if router.Mode(dc.Mode) == router.ModeReadWrite {
			mode = connector.ModeReadWrite
			break
		}
	}

	return &Server{
		router:      r,
		poolMgr:     pm,
		healthCheck: hc,
		metrics:     m,
		routing:     cfg.Routing,
		credentials: cfg.Credentials,
		defaultMode: mode,
		source: &backendSource{
			router:      r,
			pools:       pm,
			healthCheck: hc,
			metrics:     m,
			dialTimeout: cfg.Routing.DialTimeout,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Listen starts accepting client connections.
func (s *Server) Listen(bind string, port int) error {
	addr := fmt.Sprintf("%s:%d", bind, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	slog.Info("client listener started", "addr", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()

	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Warn("accept error", "err", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(clientConn net.Conn) {
	defer clientConn.Close()

	sess := newClientSession(s, clientConn)

	if s.metrics != nil {
		s.metrics.ClientConnected(s.defaultMode.String())
		defer s.metrics.ClientDisconnected(s.defaultMode.String())
	}

	if err := sess.run(s.ctx); err != nil {
		slog.Warn("client session ended with error", "conn", sess.conn.ID, "err", err)
	}
}

// UpdateConfig applies a reloaded configuration to future sessions.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routing = cfg.Routing
	s.credentials = cfg.Credentials
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.wg.Wait()
	slog.Info("proxy server stopped")
}
