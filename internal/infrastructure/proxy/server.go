package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"netcapture/internal/domain"
	obs "netcapture/internal/infrastructure/observability"
)

const acceptPoll = 100 * time.Millisecond

// ConnHandler serves one accepted connection; Handler implements it.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// Server owns the loopback listener and dispatches each connection to its own goroutine.
type Server struct {
	port    int
	handler ConnHandler
	logger  *zerolog.Logger

	running  atomic.Bool
	mu       sync.Mutex
	ln       *net.TCPListener
	loopDone chan struct{}
	conns    sync.WaitGroup
}

func NewServer(port int, handler ConnHandler, logger *zerolog.Logger) *Server {
	return &Server{port: port, handler: handler, logger: obs.Component(logger, "proxy")}
}

// Start binds 127.0.0.1:<port> and runs the accept loop in the background.
// Port 0 picks a free port, reported by Port afterwards.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return nil
	}
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.port})
	if err != nil {
		return fmt.Errorf("%w: listen 127.0.0.1:%d: %w", domain.ErrBind, s.port, err)
	}
	s.ln = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.loopDone = make(chan struct{})
	s.running.Store(true)
	go s.acceptLoop(ctx, ln, s.loopDone)
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("proxy listening")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln *net.TCPListener, done chan struct{}) {
	defer close(done)
	defer ln.Close()
	connCtx := context.WithoutCancel(ctx)
	for s.running.Load() && ctx.Err() == nil {
		_ = ln.SetDeadline(time.Now().Add(acceptPoll))
		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if !s.running.Load() {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			time.Sleep(acceptPoll)
			continue
		}
		s.conns.Add(1)
		go s.serve(connCtx, conn)
	}
	s.running.Store(false)
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer s.conns.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("client", conn.RemoteAddr().String()).Msg("connection handler panicked")
			_ = conn.Close()
		}
	}()
	s.handler.ServeConn(ctx, conn)
}

// Stop ends accepting new connections; in-flight connections keep running.
func (s *Server) Stop() {
	s.mu.Lock()
	done := s.loopDone
	s.running.Store(false)
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	s.logger.Info().Int("port", s.port).Msg("proxy stopped accepting")
}

// Wait blocks until in-flight connections have finished or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) Running() bool { return s.running.Load() }

func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}
