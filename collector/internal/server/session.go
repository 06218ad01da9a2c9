package server

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edamame-systems/edamame-stack/common/protocol"
)

// session is one authenticated agent connection. Its socket is owned by the
// worker serving it; the sweep may only close it.
type session struct {
	id         string
	agentName  string
	remoteAddr string
	conn       net.Conn
	reader     *bufio.Reader
	createdAt  time.Time

	writeMu sync.Mutex

	mu             sync.Mutex
	registrationID string
	lastActivity   time.Time
	heartbeats     int64
	logsProcessed  int64
}

func newSession(agentName string, conn net.Conn, r *bufio.Reader, now time.Time) *session {
	return &session{
		id:           uuid.NewString(),
		agentName:    agentName,
		remoteAddr:   conn.RemoteAddr().String(),
		conn:         conn,
		reader:       r,
		createdAt:    now,
		lastActivity: now,
	}
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *session) registration() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registrationID
}

func (s *session) setRegistration(id string) {
	s.mu.Lock()
	s.registrationID = id
	s.mu.Unlock()
}

func (s *session) recordHeartbeat() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return s.heartbeats
}

func (s *session) addLogs(n int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logsProcessed += int64(n)
	return s.logsProcessed
}

func (s *session) counters() (heartbeats, logs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats, s.logsProcessed
}

func (s *session) respond(code protocol.ResponseCode, msg string, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return protocol.WriteResponse(s.conn, code, msg)
}
