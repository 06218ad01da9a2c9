// Package client is a one-shot collector session for edactl. Unlike the
// agent it never queues or reconnects: every failure is returned.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edamame-systems/edamame-stack/common/models"
	"github.com/edamame-systems/edamame-stack/common/protocol"
)

// ErrRejected wraps ERROR and AUTH_FAILED responses.
var ErrRejected = errors.New("collector rejected request")

type Options struct {
	Addr      string
	APIKey    string
	AgentName string
	Timeout   time.Duration
}

// Session is an authenticated connection. It is not safe for concurrent use.
type Session struct {
	opts           Options
	conn           *protocol.Conn
	registrationID string
}

// Test opens a throwaway connection and sends CONNECTION_TEST. It returns
// the round-trip time.
func Test(ctx context.Context, opts Options) (time.Duration, error) {
	start := time.Now()
	conn, err := protocol.Dial(ctx, opts.Addr, opts.Timeout)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	resp, err := conn.Request(protocol.TypeConnectionTest, nil)
	if err != nil {
		return 0, err
	}
	if err := check(resp); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Open dials the collector and authenticates.
func Open(ctx context.Context, opts Options) (*Session, error) {
	conn, err := protocol.Dial(ctx, opts.Addr, opts.Timeout)
	if err != nil {
		return nil, err
	}
	s := &Session{opts: opts, conn: conn}

	auth := protocol.AuthPayload{APIKey: opts.APIKey, AgentName: opts.AgentName}
	if err := s.request(protocol.TypeAuth, auth.Encode(), nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return s, nil
}

// Register sends REGISTER and returns the new registration id.
func (s *Session) Register(info protocol.RegistrationInfo) (string, error) {
	if info.AgentName == "" {
		info.AgentName = s.opts.AgentName
	}
	if info.Timestamp == "" {
		info.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	payload, err := protocol.RegisterPayload{APIKey: s.opts.APIKey, Info: info}.Encode()
	if err != nil {
		return "", err
	}
	var id string
	if err := s.request(protocol.TypeRegister, payload, &id); err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	s.registrationID = strings.TrimSpace(id)
	return s.registrationID, nil
}

// RegistrationID returns the id from the last Register call.
func (s *Session) RegistrationID() string {
	return s.registrationID
}

// SendBatch sends one LOG_BATCH.
func (s *Session) SendBatch(entries []models.LogEntry) error {
	payload, err := protocol.EncodeBatch(models.LogBatch{AgentID: s.registrationID, Entries: entries})
	if err != nil {
		return err
	}
	if err := s.request(protocol.TypeLogBatch, payload, nil); err != nil {
		return fmt.Errorf("send batch of %d: %w", len(entries), err)
	}
	return nil
}

// Heartbeat sends one HEARTBEAT.
func (s *Session) Heartbeat() error {
	payload, err := protocol.NewHeartbeat(s.opts.AgentName, time.Now()).Encode()
	if err != nil {
		return err
	}
	return s.request(protocol.TypeHeartbeat, payload, nil)
}

// BlockRequests fetches the pending block requests for registrationID,
// or for the session's own registration when it is empty.
func (s *Session) BlockRequests(registrationID string) ([]protocol.BlockRequestItem, error) {
	if registrationID == "" {
		registrationID = s.registrationID
	}
	if registrationID == "" {
		return nil, errors.New("no registration id")
	}
	var body string
	if err := s.request(protocol.TypeBlockRequest, []byte(registrationID), &body); err != nil {
		return nil, fmt.Errorf("poll block requests: %w", err)
	}
	resp, err := protocol.DecodeBlockResponse(body)
	if err != nil {
		return nil, err
	}
	return resp.Requests, nil
}

// Unregister removes the session's registration.
func (s *Session) Unregister() error {
	if s.registrationID == "" {
		return nil
	}
	if err := s.request(protocol.TypeUnregister, []byte(s.registrationID), nil); err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	s.registrationID = ""
	return nil
}

func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) request(t protocol.MessageType, payload []byte, message *string) error {
	resp, err := s.conn.Request(t, payload)
	if err != nil {
		return err
	}
	if err := check(resp); err != nil {
		return err
	}
	if message != nil {
		*message = resp.Message
	}
	return nil
}

func check(resp protocol.Response) error {
	if resp.OK() {
		return nil
	}
	if resp.Message == "" {
		return fmt.Errorf("%w: %s", ErrRejected, resp.Code)
	}
	return fmt.Errorf("%w: %s: %s", ErrRejected, resp.Code, resp.Message)
}
