package session

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/firesentinel/firesentinel/internal/model"
	"github.com/firesentinel/firesentinel/internal/monitoring"
)

// Session close reasons, used as the sessions_closed metric label.
const (
	closeReasonIdle       = "idle"
	closeReasonProtocol   = "protocol"
	closeReasonAuthFailed = "auth_failed"
	closeReasonSuperseded = "superseded"
	closeReasonSlowWriter = "slow_writer"
	closeReasonReadError  = "read_error"
	closeReasonShutdown   = "shutdown"
)

type sessionState int32

const (
	stateHandshake sessionState = iota
	stateAuthenticated
	stateClosing
)

// maxLineBytes bounds one wire message.
const maxLineBytes = 64 * 1024

// Session is one device connection: newline-delimited JSON over TCP, an
// auth handshake, then heartbeats and data until the device goes idle or
// misbehaves.
type Session struct {
	id       int64
	conn     net.Conn
	srv      *Server
	logger   zerolog.Logger
	deviceID string

	state  atomic.Int32
	writeq chan []byte
	done   chan struct{}

	closeOnce   sync.Once
	closeReason string
	reasonMu    sync.Mutex
}

func (s *Session) run(ctx context.Context) {
	defer s.close(closeReasonReadError)

	go func() {
		defer monitoring.RecoverPanic(s.logger, "sessionWritePump", map[string]any{"session_id": s.id})
		s.writePump()
	}()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)

	for {
		s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.IdleTimeout))
		if !scanner.Scan() {
			if ne, ok := scanner.Err().(net.Error); ok && ne.Timeout() {
				s.close(closeReasonIdle)
			}
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !s.handleLine(ctx, line) {
			return
		}
	}
}

// handleLine dispatches one wire message. Returns false when the session
// must end.
func (s *Session) handleLine(ctx context.Context, line []byte) bool {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		s.close(closeReasonProtocol)
		return false
	}

	switch sessionState(s.state.Load()) {
	case stateHandshake:
		if envelope.Type != "auth" {
			s.failAuth("authentication required", closeReasonProtocol)
			return false
		}
		return s.handleAuth(ctx, line)
	case stateAuthenticated:
		switch envelope.Type {
		case "heartbeat":
			return s.handleHeartbeat(ctx)
		case "data":
			return s.handleData(ctx, line)
		default:
			s.close(closeReasonProtocol)
			return false
		}
	}
	return false
}

func (s *Session) handleAuth(ctx context.Context, line []byte) bool {
	var req model.AuthRequest
	if err := json.Unmarshal(line, &req); err != nil || req.Token == "" {
		s.failAuth("malformed auth message", closeReasonProtocol)
		return false
	}

	ip := remoteIP(s.conn)
	if s.srv.limiter != nil && !s.srv.limiter.Allow(ip) {
		monitoring.AuthFailures.WithLabelValues("rate_limited").Inc()
		s.failAuth("too many attempts", closeReasonAuthFailed)
		return false
	}

	deviceID, err := s.srv.tokens.Validate(ctx, req.Token)
	if err != nil {
		monitoring.AuthFailures.WithLabelValues("invalid_token").Inc()
		s.logger.Info().Err(err).Str("remote_ip", ip).Msg("Authentication failed")
		s.failAuth("invalid token", closeReasonAuthFailed)
		return false
	}

	s.deviceID = deviceID
	s.logger = s.logger.With().Str("device_id", deviceID).Logger()
	s.state.Store(int32(stateAuthenticated))

	// Newer session wins: displace any prior session for this device.
	if prev := s.srv.sessions.claim(deviceID, s); prev != nil {
		prev.close(closeReasonSuperseded)
	}

	s.publishStatus(ctx, true)
	monitoring.SessionsTotal.Inc()
	monitoring.SessionsActive.Inc()
	s.send(model.AuthResponse{Type: "auth_response", Status: "success"})
	s.logger.Info().Int64("session_id", s.id).Msg("Device authenticated")
	return true
}

func (s *Session) handleHeartbeat(ctx context.Context) bool {
	s.publishStatus(ctx, true)
	s.send(model.NewHeartbeatResponse(time.Now()))
	return true
}

func (s *Session) handleData(ctx context.Context, line []byte) bool {
	var msg model.DataMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		s.close(closeReasonProtocol)
		return false
	}
	if _, err := s.srv.ingest.Process(ctx, s.deviceID, &msg); err != nil {
		// Downstream transport failure; the device retries on its own cadence.
		s.logger.Error().Err(err).Msg("Forwarding sensor data failed")
	}
	return true
}

func (s *Session) failAuth(reason, closeReason string) {
	s.send(model.AuthResponse{Type: "auth_response", Status: "failure", Reason: reason})
	// Give the write pump a moment to flush the rejection.
	time.Sleep(10 * time.Millisecond)
	s.close(closeReason)
}

// send enqueues a message without blocking. Overflow marks the device a
// slow writer and closes the session.
func (s *Session) send(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case s.writeq <- payload:
	default:
		s.close(closeReasonSlowWriter)
	}
}

func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.writeq:
			s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := s.conn.Write(append(payload, '\n')); err != nil {
				s.close(closeReasonReadError)
				return
			}
		}
	}
}

func (s *Session) publishStatus(ctx context.Context, connected bool) {
	if s.deviceID == "" {
		return
	}
	// TTL outlives the idle timeout so liveness lapses only after the
	// session itself would have.
	ttl := s.srv.cfg.IdleTimeout + 5*time.Second
	if err := s.srv.status.PublishStatus(ctx, s.deviceID, connected, ttl); err != nil {
		s.logger.Warn().Err(err).Msg("Device status publish failed")
	}
}

func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.reasonMu.Lock()
		s.closeReason = reason
		s.reasonMu.Unlock()

		wasAuthenticated := sessionState(s.state.Load()) == stateAuthenticated
		s.state.Store(int32(stateClosing))
		close(s.done)
		s.conn.Close()

		if wasAuthenticated {
			monitoring.SessionsActive.Dec()
			// Only the current owner clears the mapping and liveness;
			// a superseded session must not erase its successor's state.
			if s.srv.sessions.release(s.deviceID, s) && reason != closeReasonSuperseded {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				s.publishStatus(ctx, false)
				cancel()
			}
		}
		monitoring.SessionsClosed.WithLabelValues(reason).Inc()
		s.srv.guard.Release()
		s.logger.Debug().Int64("session_id", s.id).Str("reason", reason).Msg("Session closed")
	})
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
