package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/edamame-systems/edamame-stack/collector/internal/metrics"
	"github.com/edamame-systems/edamame-stack/collector/internal/presence"
	"github.com/edamame-systems/edamame-stack/collector/internal/processor"
	"github.com/edamame-systems/edamame-stack/collector/internal/repository"
	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/messaging"
	"github.com/edamame-systems/edamame-stack/common/models"
	"github.com/edamame-systems/edamame-stack/common/protocol"
)

const msgNotRegistered = "Not registered"

func (s *Server) dispatch(ctx context.Context, sess *session, f protocol.Frame) (protocol.ResponseCode, string) {
	switch f.Type {
	case protocol.TypeConnectionTest:
		return protocol.CodeSuccess, ""
	case protocol.TypeAuth:
		return s.handleReauth(sess, f.Payload)
	case protocol.TypeRegister:
		return s.handleRegister(ctx, sess, f.Payload)
	case protocol.TypeUnregister:
		return s.handleUnregister(ctx, sess, f.Payload)
	case protocol.TypeHeartbeat:
		return s.handleHeartbeat(ctx, sess, f.Payload)
	case protocol.TypeLogBatch:
		return s.handleLogBatch(ctx, sess, f.Payload)
	case protocol.TypeBlockRequest:
		return s.handleBlockRequest(ctx, sess)
	}
	return protocol.CodeError, "Unknown message type"
}

func (s *Server) handleReauth(sess *session, payload []byte) (protocol.ResponseCode, string) {
	p, err := protocol.DecodeAuth(payload)
	if err != nil || s.cfg.Validator.Validate(p.APIKey) != nil {
		metrics.AuthFailures.Inc()
		return protocol.CodeAuthFailed, "Authentication failed"
	}
	return protocol.CodeSuccess, "Authentication successful"
}

func (s *Server) handleRegister(ctx context.Context, sess *session, payload []byte) (protocol.ResponseCode, string) {
	p, err := protocol.DecodeRegister(payload)
	if err != nil {
		s.logger.WarnContext(ctx, "Malformed REGISTER payload", logging.Error(err))
		return protocol.CodeError, "Invalid registration payload"
	}
	if err := s.cfg.Validator.Validate(p.APIKey); err != nil {
		metrics.AuthFailures.Inc()
		s.logger.WarnContext(ctx, "Registration with invalid API key")
		return protocol.CodeError, "Invalid API key"
	}

	now := s.now()
	info := p.Info
	reg := &models.AgentRegistration{
		RegistrationID: newRegistrationID(now),
		AgentName:      firstNonEmpty(info.AgentName, sess.agentName),
		AgentIP:        firstNonEmpty(info.AgentIP, hostOf(sess.remoteAddr)),
		Hostname:       info.Hostname,
		OSName:         info.OSName,
		OSVersion:      info.OSVersion,
		RuntimeVersion: info.RuntimeVersion,
		AgentVersion:   info.AgentVersion,
		LogPaths:       info.NginxLogPaths,
		IptablesOn:     info.IptablesEnabled,
		APIKeyVerified: true,
		Active:         true,
		RegisteredAt:   now,
	}
	if err := s.cfg.Repo.CreateRegistration(ctx, reg); err != nil {
		metrics.StorageErrors.WithLabelValues("create_registration").Inc()
		s.logger.ErrorContext(ctx, "Failed to store registration", logging.Error(err))
		return protocol.CodeError, "Registration failed"
	}

	sess.setRegistration(reg.RegistrationID)
	s.touchPresence(ctx, sess)
	s.publish(ctx, messaging.SuffixAgentsRegistered, reg)

	s.logger.Info("Agent registered",
		logging.Agent(reg.AgentName),
		logging.RegistrationID(reg.RegistrationID),
		slog.String("hostname", reg.Hostname),
		slog.Any("log_paths", reg.LogPaths),
	)
	return protocol.CodeSuccess, reg.RegistrationID
}

func (s *Server) handleUnregister(ctx context.Context, sess *session, payload []byte) (protocol.ResponseCode, string) {
	id := strings.TrimSpace(string(payload))
	if id == "" {
		id = sess.registration()
	}
	if id == "" {
		return protocol.CodeError, msgNotRegistered
	}

	if err := s.cfg.Repo.DeactivateRegistration(ctx, id, s.now()); err != nil {
		if !errors.Is(err, repository.ErrRegistrationNotFound) {
			metrics.StorageErrors.WithLabelValues("deactivate_registration").Inc()
		}
		s.logger.Warn("Failed to unregister", logging.Agent(sess.agentName), logging.RegistrationID(id), logging.Error(err))
		return protocol.CodeError, "Unregistration failed"
	}

	if sess.registration() == id {
		sess.setRegistration("")
	}
	s.publish(ctx, messaging.SuffixAgentsUnregistered, map[string]string{
		"agent_name":      sess.agentName,
		"registration_id": id,
	})
	s.logger.Info("Agent unregistered", logging.Agent(sess.agentName), logging.RegistrationID(id))
	return protocol.CodeSuccess, "Unregistered successfully"
}

func (s *Server) handleHeartbeat(ctx context.Context, sess *session, payload []byte) (protocol.ResponseCode, string) {
	id := sess.registration()
	if id == "" {
		return protocol.CodeError, msgNotRegistered
	}
	if hb, err := protocol.DecodeHeartbeat(payload); err != nil {
		s.logger.DebugContext(ctx, "Unreadable heartbeat body", logging.Error(err))
	} else if hb.Status != "" && hb.Status != "active" {
		s.logger.InfoContext(ctx, "Agent reported status", slog.String("status", hb.Status))
	}

	if err := s.cfg.Repo.RecordHeartbeat(ctx, id, s.now()); err != nil {
		if errors.Is(err, repository.ErrRegistrationNotFound) {
			return protocol.CodeError, "Registration not found"
		}
		metrics.StorageErrors.WithLabelValues("record_heartbeat").Inc()
		s.logger.ErrorContext(ctx, "Failed to record heartbeat", logging.Error(err))
		return protocol.CodeError, "Heartbeat processing failed"
	}

	sess.recordHeartbeat()
	s.touchPresence(ctx, sess)
	return protocol.CodeSuccess, "Heartbeat acknowledged"
}

func (s *Server) handleLogBatch(ctx context.Context, sess *session, payload []byte) (protocol.ResponseCode, string) {
	batch, err := protocol.DecodeBatch(payload)
	if err != nil {
		s.logger.WarnContext(ctx, "Malformed LOG_BATCH payload", logging.Error(err))
		return protocol.CodeError, "Log processing failed"
	}
	if len(batch.Logs) == 0 {
		return protocol.CodeSuccess, "No logs to process"
	}

	id := sess.registration()
	res := s.cfg.Processor.Process(ctx, processor.Batch{
		Stream:         sess.id,
		AgentName:      sess.agentName,
		RegistrationID: id,
		Records:        batch.Logs,
	})
	sess.addLogs(res.Processed)

	if id != "" && res.Processed > 0 {
		if err := s.cfg.Repo.AddLogsProcessed(ctx, id, res.Processed); err != nil && !errors.Is(err, repository.ErrRegistrationNotFound) {
			metrics.StorageErrors.WithLabelValues("add_logs_processed").Inc()
			s.logger.WarnContext(ctx, "Failed to update processed count", logging.Error(err))
		}
	}

	s.logger.DebugContext(ctx, "Log batch processed",
		logging.Count(len(batch.Logs)),
		slog.Int("processed", res.Processed),
		slog.Int("alerts", res.Alerts),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
	)
	return protocol.CodeSuccess, fmt.Sprintf("Processed %d logs", res.Processed)
}

func (s *Server) handleBlockRequest(ctx context.Context, sess *session) (protocol.ResponseCode, string) {
	id := sess.registration()
	if id == "" {
		return protocol.CodeError, msgNotRegistered
	}

	reqs, err := s.cfg.Repo.TakePendingBlockRequests(ctx, id, repository.MaxPendingBlockRequests)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("take_block_requests").Inc()
		s.logger.ErrorContext(ctx, "Failed to load block requests", logging.Error(err))
		return protocol.CodeError, "Block request processing failed"
	}

	body, err := protocol.EncodeBlockResponse(reqs)
	if err != nil {
		return protocol.CodeError, "Block request processing failed"
	}
	if len(reqs) > 0 {
		s.logger.InfoContext(ctx, "Delivered block requests", logging.Count(len(reqs)))
	}
	return protocol.CodeSuccess, string(body)
}

func (s *Server) touchPresence(ctx context.Context, sess *session) {
	if s.cfg.Presence == nil {
		return
	}
	hb, logs := sess.counters()
	err := s.cfg.Presence.Touch(ctx, presence.AgentPresence{
		AgentName:      sess.agentName,
		RegistrationID: sess.registration(),
		RemoteAddr:     sess.remoteAddr,
		LastSeen:       s.now().Unix(),
		HeartbeatCount: hb,
		LogsProcessed:  logs,
	})
	if err != nil {
		s.logger.DebugContext(ctx, "Failed to update presence", logging.Error(err))
	}
}

func (s *Server) publish(ctx context.Context, suffix string, payload any) {
	if err := s.cfg.Events.Publish(ctx, suffix, payload); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish event", slog.String("subject", suffix), logging.Error(err))
	}
}

// newRegistrationID returns agent-<epochMillis>-<4 hex digits>.
func newRegistrationID(now time.Time) string {
	return fmt.Sprintf("agent-%d-%04x", now.UnixMilli(), rand.IntN(0x10000))
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
