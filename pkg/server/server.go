package server

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// Server owns the listening endpoint and the shared registry. One goroutine
// runs the accept loop; every accepted connection gets its own handler
// goroutine.
type Server struct {
	config   Config
	registry *Registry
	metrics  *Metrics
	log      zerolog.Logger

	listener net.Listener
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server. All shared state lives in the registry
// constructed here; nothing is process-global.
func NewServer(config Config, log zerolog.Logger, metrics *Metrics) *Server {
	return &Server{
		config:   config,
		registry: NewRegistry(log, metrics),
		metrics:  metrics,
		log:      log,
		shutdown: make(chan struct{}),
	}
}

// Registry exposes the shared registry, mainly for tests
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start begins listening and accepting connections. A port that cannot be
// bound is fatal to the caller.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	listener, err := listen(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.log.Info().Str("addr", listener.Addr().String()).Msg("server listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address, valid after Start
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listening endpoint and forcibly terminates every live
// session. No graceful drain is performed.
func (s *Server) Stop() {
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
	}

	for _, sess := range s.registry.Sessions() {
		sess.close()
	}

	s.wg.Wait()
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				s.log.Error().Err(err).Msg("accept failed")
				continue
			}
		}

		go s.handleConn(conn)
	}
}

// handleConn registers the connection and runs its session to completion.
// Over-ceiling connections are closed before any protocol exchange.
func (s *Server) handleConn(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := newSession(conn, s.registry, &s.config, s.log)
	id, err := s.registry.Register(sess)
	if err != nil {
		s.metrics.RecordConnectionRejected()
		s.log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("connection ceiling reached, rejecting")
		conn.Close()
		return
	}

	sess.log = s.log.With().Uint16("session", id).Logger()
	sess.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("connection accepted")
	sess.run()
}
