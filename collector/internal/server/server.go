// Package server accepts agent connections and runs one session per agent.
//
// Each accepted socket is handed to a fixed pool of workers and stays with the
// same worker until it closes. The first frame decides the connection's fate:
// CONNECTION_TEST is answered and closed, AUTH opens a session, anything else
// is refused. Sessions are keyed by agent name and idle ones are swept.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edamame-systems/edamame-stack/collector/internal/action"
	"github.com/edamame-systems/edamame-stack/collector/internal/auth"
	"github.com/edamame-systems/edamame-stack/collector/internal/correlation"
	"github.com/edamame-systems/edamame-stack/collector/internal/metrics"
	"github.com/edamame-systems/edamame-stack/collector/internal/presence"
	"github.com/edamame-systems/edamame-stack/collector/internal/processor"
	"github.com/edamame-systems/edamame-stack/collector/internal/repository"
	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/protocol"
)

const (
	DefaultWorkers        = 10
	DefaultSessionTimeout = 5 * time.Minute
	DefaultSweepInterval  = 60 * time.Second
	writeTimeout          = 30 * time.Second
	presenceTimeout       = 5 * time.Second
)

// Presence receives agent check-ins. presence.Store implements it.
type Presence interface {
	Touch(ctx context.Context, p presence.AgentPresence) error
	Remove(ctx context.Context, agentName string) error
}

type Config struct {
	Workers        int
	SessionTimeout time.Duration
	SweepInterval  time.Duration
	MaxMessageSize int

	Validator *auth.Validator
	Repo      interface {
		repository.Registrations
		repository.BlockRequests
	}
	Processor *processor.Processor
	Engine    *correlation.Engine
	Presence  Presence
	Events    action.Events
	Logger    *slog.Logger
	Now       func() time.Time
}

type Server struct {
	cfg    Config
	logger *logging.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

func New(cfg Config) (*Server, error) {
	if cfg.Validator == nil {
		return nil, errors.New("validator is required")
	}
	if cfg.Repo == nil || cfg.Processor == nil || cfg.Engine == nil {
		return nil, errors.New("repository, processor and engine are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.MaxMessageSize <= 0 || cfg.MaxMessageSize > protocol.MaxMessageSize {
		cfg.MaxMessageSize = protocol.MaxMessageSize
	}
	logger := logging.OrDefault(cfg.Logger)
	if cfg.Events == nil {
		cfg.Events = action.LogSink{Logger: logger}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Server{
		cfg:      cfg,
		logger:   &logging.Logger{Logger: logger},
		now:      cfg.Now,
		sessions: make(map[string]*session),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes the
// listener and every open connection and waits for the workers to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Collector listening",
		slog.String("addr", ln.Addr().String()), slog.Int("workers", s.cfg.Workers))

	g, gctx := errgroup.WithContext(ctx)
	conns := make(chan net.Conn)

	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for c := range conns {
				s.handleConn(gctx, c)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(conns)
		return s.acceptLoop(gctx, ln, conns)
	})

	g.Go(func() error {
		<-gctx.Done()
		err := ln.Close()
		s.closeAll()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("failed to close listener: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.sweepLoop(gctx)
		return nil
	})

	err := g.Wait()
	s.logger.Info("Collector stopped")
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, conns chan<- net.Conn) error {
	for {
		c, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("Accept failed", logging.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		s.track(c)
		select {
		case conns <- c:
		case <-ctx.Done():
			s.untrack(c)
			_ = c.Close()
			return nil
		}
	}
}

func (s *Server) track(c net.Conn) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrack(c net.Conn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

func (s *Server) closeAll() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// handleConn owns c until it closes.
func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	defer s.untrack(c)
	defer c.Close()
	if ctx.Err() != nil {
		return
	}

	remote := c.RemoteAddr().String()
	r := bufio.NewReader(c)

	_ = c.SetReadDeadline(s.now().Add(s.cfg.SessionTimeout))
	f, err := protocol.ReadFrame(r, s.cfg.MaxMessageSize)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("read_error").Inc()
		s.logger.Debug("Failed to read first frame", logging.RemoteAddr(remote), logging.Error(err))
		return
	}

	reply := func(code protocol.ResponseCode, msg string) {
		_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := protocol.WriteResponse(c, code, msg); err != nil {
			s.logger.Debug("Failed to write response", logging.RemoteAddr(remote), logging.Error(err))
		}
	}

	switch f.Type {
	case protocol.TypeConnectionTest:
		metrics.ConnectionsTotal.WithLabelValues("connection_test").Inc()
		reply(protocol.CodeSuccess, "")

	case protocol.TypeAuth:
		p, err := protocol.DecodeAuth(f.Payload)
		if err == nil && p.AgentName == "" {
			err = errors.New("empty agent name")
		}
		if err != nil {
			metrics.ConnectionsTotal.WithLabelValues("bad_auth_payload").Inc()
			s.logger.Warn("Malformed AUTH payload", logging.RemoteAddr(remote), logging.Error(err))
			reply(protocol.CodeAuthFailed, "Invalid authentication payload")
			return
		}
		if err := s.cfg.Validator.Validate(p.APIKey); err != nil {
			metrics.ConnectionsTotal.WithLabelValues("auth_failed").Inc()
			metrics.AuthFailures.Inc()
			s.logger.Warn("Authentication failed", logging.Agent(p.AgentName), logging.RemoteAddr(remote))
			reply(protocol.CodeAuthFailed, "Authentication failed")
			return
		}

		metrics.ConnectionsTotal.WithLabelValues("authenticated").Inc()
		sess := newSession(p.AgentName, c, r, s.now())
		s.addSession(sess)
		defer s.removeSession(sess)

		if err := sess.respond(protocol.CodeSuccess, "Authentication successful", writeTimeout); err != nil {
			return
		}
		s.serveSession(ctx, sess)

	default:
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		s.logger.Warn("First frame was not AUTH",
			logging.RemoteAddr(remote), logging.MessageType(f.Type.String()))
		reply(protocol.CodeError, "Authentication required")
	}
}

// serveSession reads frames until EOF, timeout or a framing error.
func (s *Server) serveSession(ctx context.Context, sess *session) {
	logger := s.logger.With(logging.Agent(sess.agentName), logging.RemoteAddr(sess.remoteAddr))
	logger.Info("Agent session opened")
	defer logger.Info("Agent session closed")

	for {
		_ = sess.conn.SetReadDeadline(s.now().Add(s.cfg.SessionTimeout))
		f, err := protocol.ReadFrame(sess.reader, s.cfg.MaxMessageSize)
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, protocol.ErrFrameTooLarge):
				logger.Warn("Oversized frame, closing connection", logging.Error(err))
			case errors.As(err, &ne) && ne.Timeout():
				logger.Info("Session read timed out")
			default:
				logger.Debug("Session ended", logging.Error(err))
			}
			return
		}
		sess.touch(s.now())

		if !f.Type.Known() {
			metrics.MessagesTotal.WithLabelValues("unknown").Inc()
			logger.Warn("Unknown message type", logging.MessageType(f.Type.String()))
			if err := sess.respond(protocol.CodeError, "Unknown message type", writeTimeout); err != nil {
				return
			}
			continue
		}

		fctx := logging.ContextWithRegistration(logging.ContextWithAgent(ctx, sess.agentName), sess.registration())
		start := time.Now()
		code, msg := s.dispatch(fctx, sess, f)
		metrics.MessagesTotal.WithLabelValues(f.Type.String()).Inc()
		metrics.MessageDuration.WithLabelValues(f.Type.String()).Observe(time.Since(start).Seconds())

		if err := sess.respond(code, msg, writeTimeout); err != nil {
			logger.Debug("Failed to write response", logging.Error(err))
			return
		}
	}
}

func (s *Server) addSession(sess *session) {
	s.mu.Lock()
	prev := s.sessions[sess.agentName]
	s.sessions[sess.agentName] = sess
	n := len(s.sessions)
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info("Agent reconnected, closing previous session",
			logging.Agent(sess.agentName), logging.RemoteAddr(prev.remoteAddr))
		_ = prev.conn.Close()
	}
	metrics.SessionsActive.Set(float64(n))
}

// removeSession drops sess if it is still the agent's current session.
func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	current := s.sessions[sess.agentName] == sess
	if current {
		delete(s.sessions, sess.agentName)
	}
	n := len(s.sessions)
	s.mu.Unlock()

	s.cfg.Engine.Forget(sess.id)
	metrics.SessionsActive.Set(float64(n))

	if current {
		s.removePresence(sess)
	}
}

func (s *Server) removePresence(sess *session) {
	if s.cfg.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := s.cfg.Presence.Remove(ctx, sess.agentName); err != nil {
		s.logger.Debug("Failed to remove presence", logging.Agent(sess.agentName), logging.Error(err))
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info("Closed idle sessions", logging.Count(n))
			}
			st := s.Stats(ctx)
			s.logger.Info("Collector statistics",
				slog.Int("active_sessions", st.ActiveSessions),
				slog.Int("active_registrations", st.ActiveRegistrations),
				slog.Any("pending_alerts", st.PendingAlerts),
			)
		}
	}
}

// Sweep closes sessions idle for longer than the session timeout and returns
// how many it closed.
func (s *Server) Sweep() int {
	cutoff := s.now().Add(-s.cfg.SessionTimeout)

	s.mu.Lock()
	var stale []*session
	for name, sess := range s.sessions {
		if sess.idleSince().Before(cutoff) {
			stale = append(stale, sess)
			delete(s.sessions, name)
		}
	}
	n := len(s.sessions)
	s.mu.Unlock()

	for _, sess := range stale {
		s.logger.Info("Session idle, closing",
			logging.Agent(sess.agentName), logging.RemoteAddr(sess.remoteAddr))
		_ = sess.conn.Close()
		s.cfg.Engine.Forget(sess.id)

		// The worker's removeSession no longer sees this session as current.
		s.mu.RLock()
		_, replaced := s.sessions[sess.agentName]
		s.mu.RUnlock()
		if !replaced {
			s.removePresence(sess)
		}
	}
	metrics.SessionsExpired.Add(float64(len(stale)))
	metrics.SessionsActive.Set(float64(n))
	return len(stale)
}

// SessionInfo describes one open session.
type SessionInfo struct {
	AgentName      string    `json:"agent_name"`
	RemoteAddr     string    `json:"remote_addr"`
	RegistrationID string    `json:"registration_id,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivity   time.Time `json:"last_activity"`
	Heartbeats     int64     `json:"heartbeats"`
	LogsProcessed  int64     `json:"logs_processed"`
}

type Stats struct {
	ActiveSessions      int            `json:"active_sessions"`
	ActiveRegistrations int            `json:"active_registrations"`
	PendingAlerts       map[string]int `json:"pending_alerts"`
	Sessions            []SessionInfo  `json:"sessions"`
}

// Stats reports open sessions, active registrations and pending alerts per server.
func (s *Server) Stats(ctx context.Context) Stats {
	s.mu.RLock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		hb, logs := sess.counters()
		infos = append(infos, SessionInfo{
			AgentName:      sess.agentName,
			RemoteAddr:     sess.remoteAddr,
			RegistrationID: sess.registration(),
			ConnectedAt:    sess.createdAt,
			LastActivity:   sess.idleSince(),
			Heartbeats:     hb,
			LogsProcessed:  logs,
		})
	}
	s.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].AgentName < infos[j].AgentName })

	st := Stats{
		ActiveSessions: len(infos),
		PendingAlerts:  s.cfg.Engine.Pending(),
		Sessions:       infos,
	}
	n, err := s.cfg.Repo.CountActiveRegistrations(ctx)
	if err != nil {
		s.logger.Warn("Failed to count registrations", logging.Error(err))
	} else {
		st.ActiveRegistrations = n
	}
	return st
}
