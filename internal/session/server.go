// Package session is the device-facing transport: newline-delimited JSON
// over TCP with a token handshake, heartbeats, and sensor data forwarding
// into the pre-filter.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/firesentinel/firesentinel/internal/model"
	"github.com/firesentinel/firesentinel/internal/monitoring"
)

// TokenValidator checks an access token and resolves its device.
type TokenValidator interface {
	Validate(ctx context.Context, accessToken string) (string, error)
}

// StatusPublisher records device liveness with a TTL.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, deviceID string, connected bool, ttl time.Duration) error
}

// Ingest receives decoded data messages from authenticated devices.
type Ingest interface {
	Process(ctx context.Context, deviceID string, msg *model.DataMessage) (int, error)
}

// AuthLimiter rate-limits authentication attempts per remote IP.
type AuthLimiter interface {
	Allow(remoteIP string) bool
}

// Config holds the session server's tunables.
type Config struct {
	Addr        string
	IdleTimeout time.Duration // read inactivity before close (default 10s)
	MaxPending  int           // per-session write queue (default 256)
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Second
	}
	if c.MaxPending < 1 {
		c.MaxPending = 256
	}
}

// Server accepts device connections and runs one session per connection.
type Server struct {
	cfg      Config
	tokens   TokenValidator
	status   StatusPublisher
	ingest   Ingest
	limiter  AuthLimiter
	guard    *Guard
	sessions *registry
	logger   zerolog.Logger

	listener net.Listener
	nextID   atomic.Int64
	wg       sync.WaitGroup
}

// NewServer wires the session server.
func NewServer(cfg Config, tokens TokenValidator, status StatusPublisher, ingest Ingest, limiter AuthLimiter, guard *Guard, logger zerolog.Logger) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		tokens:   tokens,
		status:   status,
		ingest:   ingest,
		limiter:  limiter,
		guard:    guard,
		sessions: newRegistry(),
		logger:   logger.With().Str("component", "session-server").Logger(),
	}
}

// ListenAndServe accepts connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from an existing listener until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.listener = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Session server listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error().Err(err).Msg("Accept failed")
			continue
		}

		if !s.guard.Admit() {
			conn.Close()
			continue
		}

		sess := &Session{
			id:     s.nextID.Add(1),
			conn:   conn,
			srv:    s,
			logger: s.logger,
			writeq: make(chan []byte, s.cfg.MaxPending),
			done:   make(chan struct{}),
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer monitoring.RecoverPanic(s.logger, "session", map[string]any{"session_id": sess.id})
			sess.run(ctx)
		}()
	}
}

// Drain closes all sessions and waits up to grace for them to finish.
func (s *Server) Drain(grace time.Duration) {
	for _, sess := range s.sessions.all() {
		sess.close(closeReasonShutdown)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All sessions drained")
	case <-time.After(grace):
		s.logger.Warn().Dur("grace", grace).Msg("Drain grace elapsed with sessions still open")
	}
}
