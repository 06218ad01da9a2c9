// Package transmitter owns the agent's single connection to the collector.
//
// All round trips go through one mutex so the heartbeat, collection and
// block-poll tasks can share the socket with the reconnect probe. While the
// collector is unreachable, log entries are parked in a bounded Queue and
// drained once a probe has reconnected and re-registered.
package transmitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/edamame-systems/edamame-stack/agent/internal/metrics"
	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/models"
	"github.com/edamame-systems/edamame-stack/common/protocol"
)

const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultReadTimeout       = 30 * time.Second
	DefaultMaxIdle           = 5 * time.Minute
	DefaultAttempts          = 3
	DefaultRetryDelay        = time.Second
	DefaultInitialDelay      = 5 * time.Second
	DefaultReconnectInterval = 30 * time.Second
	DefaultMaxBatchSize      = 100
)

// Collector replies that mean the session lost its registration.
const (
	replyNotRegistered        = "Not registered"
	replyRegistrationNotFound = "Registration not found"
)

var (
	// ErrNotConnected is returned when an operation needs the collector while
	// the transmitter is reconnecting.
	ErrNotConnected = errors.New("not connected to collector")
	// ErrAuthFailed is returned when the collector answers AUTH_FAILED.
	ErrAuthFailed = errors.New("collector rejected authentication")
	// ErrNotRegistered is returned by PollBlockRequests before registration.
	ErrNotRegistered = errors.New("agent is not registered")
	// ErrRejected wraps an ERROR response to an otherwise healthy round trip.
	ErrRejected = errors.New("collector rejected request")
)

// State is the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config configures a Transmitter. Zero values take the package defaults.
type Config struct {
	Addr      string
	APIKey    string
	AgentName string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// MaxIdle is how long an unused connection is trusted before it is
	// replaced by a fresh one.
	MaxIdle time.Duration

	Attempts   int
	RetryDelay time.Duration

	InitialDelay      time.Duration
	ReconnectInterval time.Duration

	QueueCapacity int
	MaxBatchSize  int

	// Info builds the REGISTER body. It is called for every registration.
	Info func() protocol.RegistrationInfo

	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)
	Logger *slog.Logger
	Now    func() time.Time
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = DefaultMaxIdle
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.Info == nil {
		c.Info = func() protocol.RegistrationInfo { return protocol.RegistrationInfo{} }
	}
	if c.Dialer == nil {
		d := &net.Dialer{Timeout: c.ConnectTimeout, KeepAlive: 30 * time.Second}
		c.Dialer = d.DialContext
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Transmitter is the agent connection manager.
type Transmitter struct {
	cfg    Config
	logger *slog.Logger
	queue  *Queue

	// mu serializes every socket operation.
	mu       sync.Mutex
	conn     *protocol.Conn
	lastUsed time.Time
	live     atomic.Pointer[protocol.Conn]

	state        atomic.Int32
	reconnecting atomic.Bool

	regMu          sync.RWMutex
	registrationID string
	subscribers    []chan string

	lifeMu sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Transmitter {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transmitter{
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger),
		queue:  NewQueue(cfg.QueueCapacity),
		ctx:    ctx,
		cancel: cancel,
	}
	t.setState(StateDisconnected)
	return t
}

// Start runs the startup sequence: a CONNECTION_TEST probe, then AUTH and
// REGISTER on the persistent connection. On failure the transmitter is left
// in reconnect mode and the error is returned for reporting only.
func (t *Transmitter) Start(ctx context.Context) error {
	if err := t.TestConnection(ctx); err != nil {
		t.EnterReconnectMode()
		return err
	}
	if _, err := t.RegisterServer(ctx); err != nil {
		t.EnterReconnectMode()
		return err
	}
	return nil
}

// TestConnection opens a throwaway connection and sends CONNECTION_TEST.
func (t *Transmitter) TestConnection(ctx context.Context) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := conn.Request(protocol.TypeConnectionTest, nil)
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("%w: connection test: %s", ErrRejected, resp.Message)
	}
	return nil
}

// EnsureConnection reuses a live connection or dials and authenticates a new one.
func (t *Transmitter) EnsureConnection(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.ensureLocked(ctx)
	return err
}

// RegisterServer registers this agent and returns the new registration id.
// Subscribers are notified of the change.
func (t *Transmitter) RegisterServer(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.ensureLocked(ctx); err != nil {
		return "", err
	}
	return t.registerLocked()
}

// UnregisterServer deactivates id on the collector. An empty id means the
// current registration.
func (t *Transmitter) UnregisterServer(ctx context.Context, id string) error {
	if id == "" {
		id = t.RegistrationID()
	}
	if id == "" {
		return ErrNotRegistered
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.ensureLocked(ctx); err != nil {
		return err
	}
	resp, err := t.roundTripLocked(protocol.TypeUnregister, []byte(id))
	if err != nil {
		return fmt.Errorf("failed to unregister: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("%w: %s", ErrRejected, resp.Message)
	}
	if t.RegistrationID() == id {
		t.setRegistration("")
	}
	t.logger.Info("Unregistered from collector", logging.RegistrationID(id))
	return nil
}

// TransmitLogs sends entries as one LOG_BATCH. When the collector cannot be
// reached the entries are queued and sent is false with a nil error. A non-nil
// error means the collector refused the batch.
func (t *Transmitter) TransmitLogs(ctx context.Context, entries []models.LogEntry) (sent bool, err error) {
	if len(entries) == 0 {
		return true, nil
	}
	if t.reconnecting.Load() {
		t.enqueue(entries)
		return false, nil
	}

	t.mu.Lock()
	err = t.sendBatchLocked(ctx, entries)
	if err != nil && !errors.Is(err, ErrRejected) {
		t.dropLocked()
	}
	t.mu.Unlock()

	switch {
	case err == nil:
		metrics.BatchesSent.Inc()
		metrics.EntriesSent.Add(float64(len(entries)))
		return true, nil
	case errors.Is(err, ErrRejected):
		metrics.BatchesFailed.Inc()
		return false, err
	}

	metrics.BatchesFailed.Inc()
	t.logger.Warn("Failed to send log batch, queuing entries",
		logging.Count(len(entries)), logging.Error(err))
	t.enqueue(entries)
	t.EnterReconnectMode()
	return false, nil
}

// SendHeartbeat sends one HEARTBEAT. It does nothing while reconnecting.
// A transport failure switches to reconnect mode.
func (t *Transmitter) SendHeartbeat(ctx context.Context) error {
	if t.reconnecting.Load() {
		return nil
	}

	t.mu.Lock()
	err := t.heartbeatLocked(ctx)
	if err != nil && !errors.Is(err, ErrRejected) {
		t.dropLocked()
	}
	t.mu.Unlock()

	switch {
	case err == nil:
		metrics.Heartbeats.WithLabelValues("ok").Inc()
		return nil
	case errors.Is(err, ErrRejected):
		metrics.Heartbeats.WithLabelValues("rejected").Inc()
		return err
	}
	metrics.Heartbeats.WithLabelValues("failed").Inc()
	t.logger.Warn("Heartbeat failed", logging.Error(err))
	t.EnterReconnectMode()
	return err
}

func (t *Transmitter) heartbeatLocked(ctx context.Context) error {
	if err := t.connectLocked(ctx); err != nil {
		return err
	}
	body, err := protocol.NewHeartbeat(t.cfg.AgentName, t.cfg.Now()).Encode()
	if err != nil {
		return err
	}
	resp, err := t.roundTripLocked(protocol.TypeHeartbeat, body)
	if err != nil {
		return err
	}
	if resp.OK() {
		return nil
	}
	if lostRegistration(resp.Message) {
		t.logger.Info("Collector lost our registration, registering again", slog.String("reply", resp.Message))
		_, err := t.registerLocked()
		return err
	}
	return fmt.Errorf("%w: %s", ErrRejected, resp.Message)
}

// PollBlockRequests asks the collector for pending block requests bound to
// the current registration.
func (t *Transmitter) PollBlockRequests(ctx context.Context) ([]protocol.BlockRequestItem, error) {
	if t.reconnecting.Load() {
		return nil, ErrNotConnected
	}

	t.mu.Lock()
	items, err := t.pollLocked(ctx)
	if err != nil && !errors.Is(err, ErrRejected) && !errors.Is(err, ErrNotRegistered) {
		t.dropLocked()
		t.mu.Unlock()
		t.EnterReconnectMode()
		return nil, err
	}
	t.mu.Unlock()
	return items, err
}

func (t *Transmitter) pollLocked(ctx context.Context) ([]protocol.BlockRequestItem, error) {
	if err := t.connectLocked(ctx); err != nil {
		return nil, err
	}
	resp, err := t.roundTripLocked(protocol.TypeBlockRequest, []byte(t.RegistrationID()))
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		if lostRegistration(resp.Message) {
			return nil, ErrNotRegistered
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Message)
	}
	body, err := protocol.DecodeBlockResponse(resp.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return body.Requests, nil
}

// EnterReconnectMode starts the background reconnect probe. Calling it while
// a probe is already running does nothing.
func (t *Transmitter) EnterReconnectMode() {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()

	if t.closed || !t.reconnecting.CompareAndSwap(false, true) {
		return
	}
	t.setState(StateReconnecting)
	t.logger.Warn("Entering reconnect mode",
		logging.Duration(t.cfg.InitialDelay), logging.QueueSize(t.queue.Len()))

	t.wg.Add(1)
	go t.reconnectLoop()
}

func (t *Transmitter) reconnectLoop() {
	defer t.wg.Done()

	notify := func(err error, next time.Duration) {
		t.logger.Warn("Reconnect attempt failed",
			logging.Error(err), logging.Duration(next), logging.QueueSize(t.queue.Len()))
	}

	delay := t.cfg.InitialDelay
	for {
		timer := time.NewTimer(delay)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		b := backoff.WithContext(backoff.NewConstantBackOff(t.cfg.ReconnectInterval), t.ctx)
		if err := backoff.RetryNotify(t.probe, b, notify); err != nil {
			return
		}
		if t.drain() {
			return
		}
		delay = t.cfg.ReconnectInterval
	}
}

// probe reconnects and obtains a fresh registration id.
func (t *Transmitter) probe() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.ensureLocked(t.ctx); err != nil {
		metrics.ReconnectAttempts.WithLabelValues("failed").Inc()
		return err
	}
	id, err := t.registerLocked()
	if err != nil {
		t.dropLocked()
		metrics.ReconnectAttempts.WithLabelValues("failed").Inc()
		return err
	}
	metrics.ReconnectAttempts.WithLabelValues("ok").Inc()
	t.logger.Info("Reconnected to collector",
		logging.RegistrationID(id), logging.QueueSize(t.queue.Len()))
	return nil
}

// drain sends queued entries in MaxBatchSize chunks. It returns false when
// a batch could not be sent and the probe has to run again.
func (t *Transmitter) drain() bool {
	drained := 0
	for {
		batch := t.queue.PopN(t.cfg.MaxBatchSize)
		if len(batch) == 0 {
			t.reconnecting.Store(false)
			// Entries queued after the last pop would otherwise wait for the
			// next outage.
			if t.queue.Len() == 0 || !t.reconnecting.CompareAndSwap(false, true) {
				if drained > 0 {
					t.logger.Info("Drained offline queue", logging.Count(drained))
				}
				return true
			}
			continue
		}

		t.mu.Lock()
		err := t.sendBatchLocked(t.ctx, batch)
		if err != nil && !errors.Is(err, ErrRejected) {
			t.dropLocked()
		}
		t.mu.Unlock()

		switch {
		case err == nil:
			drained += len(batch)
			metrics.BatchesSent.Inc()
			metrics.EntriesSent.Add(float64(len(batch)))
		case errors.Is(err, ErrRejected):
			metrics.BatchesFailed.Inc()
			t.logger.Error("Collector rejected queued batch, dropping it",
				logging.Count(len(batch)), logging.Error(err))
		default:
			metrics.BatchesFailed.Inc()
			if n := t.queue.PushFront(batch); n > 0 {
				t.logger.Warn("Offline queue full, evicted oldest entries", logging.Count(n))
			}
			t.logger.Warn("Failed to drain offline queue", logging.Error(err), logging.QueueSize(t.queue.Len()))
			return false
		}
	}
}

func (t *Transmitter) sendBatchLocked(ctx context.Context, entries []models.LogEntry) error {
	op := func() error {
		if err := t.connectLocked(ctx); err != nil {
			if errors.Is(err, ErrAuthFailed) {
				return backoff.Permanent(err)
			}
			return err
		}
		body, err := protocol.EncodeBatch(models.LogBatch{AgentID: t.RegistrationID(), Entries: entries})
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := t.roundTripLocked(protocol.TypeLogBatch, body)
		if err != nil {
			return err
		}
		if !resp.OK() {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrRejected, resp.Message))
		}
		t.logger.Debug("Log batch sent", logging.Count(len(entries)), slog.String("reply", resp.Message))
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(t.cfg.RetryDelay), uint64(t.cfg.Attempts-1))
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// connectLocked ensures a connection and, when a fresh one replaced a
// registered session, registers again so the new session is bound.
func (t *Transmitter) connectLocked(ctx context.Context) error {
	fresh, err := t.ensureLocked(ctx)
	if err != nil {
		return err
	}
	if fresh && t.RegistrationID() != "" {
		_, err = t.registerLocked()
	}
	return err
}

// ensureLocked reports whether a new connection had to be established.
func (t *Transmitter) ensureLocked(ctx context.Context) (bool, error) {
	if t.conn != nil && t.State() == StateConnected && t.cfg.Now().Sub(t.lastUsed) < t.cfg.MaxIdle {
		return false, nil
	}
	if t.conn != nil {
		t.closeLocked()
	}

	t.setState(StateAuthenticating)
	conn, err := t.dial(ctx)
	if err != nil {
		t.setState(t.idleState())
		return false, err
	}

	auth := protocol.AuthPayload{APIKey: t.cfg.APIKey, AgentName: t.cfg.AgentName}
	resp, err := conn.Request(protocol.TypeAuth, auth.Encode())
	if err != nil {
		conn.Close()
		t.setState(t.idleState())
		return false, fmt.Errorf("failed to authenticate: %w", err)
	}
	if !resp.OK() {
		conn.Close()
		t.setState(t.idleState())
		return false, fmt.Errorf("%w: %s", ErrAuthFailed, resp.Message)
	}

	t.conn = conn
	t.live.Store(conn)
	t.lastUsed = t.cfg.Now()
	t.setState(StateConnected)
	t.logger.Info("Connected to collector", slog.String("addr", t.cfg.Addr))
	return true, nil
}

func (t *Transmitter) registerLocked() (string, error) {
	info := t.cfg.Info()
	if info.AgentName == "" {
		info.AgentName = t.cfg.AgentName
	}
	info.Timestamp = t.cfg.Now().UTC().Format(time.RFC3339)

	body, err := protocol.RegisterPayload{APIKey: t.cfg.APIKey, Info: info}.Encode()
	if err != nil {
		return "", err
	}
	resp, err := t.roundTripLocked(protocol.TypeRegister, body)
	if err != nil {
		return "", fmt.Errorf("failed to register: %w", err)
	}
	if !resp.OK() {
		return "", fmt.Errorf("%w: registration: %s", ErrRejected, resp.Message)
	}

	id := strings.TrimSpace(resp.Message)
	t.setRegistration(id)
	metrics.Registrations.Inc()
	t.logger.Info("Registered with collector", logging.RegistrationID(id))
	return id, nil
}

func (t *Transmitter) roundTripLocked(typ protocol.MessageType, payload []byte) (protocol.Response, error) {
	if t.conn == nil {
		return protocol.Response{}, ErrNotConnected
	}
	resp, err := t.conn.Request(typ, payload)
	if err != nil {
		t.closeLocked()
		return protocol.Response{}, err
	}
	t.lastUsed = t.cfg.Now()
	return resp, nil
}

func (t *Transmitter) dial(ctx context.Context) (*protocol.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	c, err := t.cfg.Dialer(dctx, "tcp", t.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", t.cfg.Addr, err)
	}
	return protocol.NewConn(c, t.cfg.ReadTimeout), nil
}

// dropLocked closes the connection after a transport failure.
func (t *Transmitter) dropLocked() {
	t.closeLocked()
	t.setState(t.idleState())
}

func (t *Transmitter) closeLocked() {
	if t.conn == nil {
		return
	}
	t.conn.Close()
	t.live.CompareAndSwap(t.conn, nil)
	t.conn = nil
}

func (t *Transmitter) idleState() State {
	if t.reconnecting.Load() {
		return StateReconnecting
	}
	return StateDisconnected
}

func (t *Transmitter) enqueue(entries []models.LogEntry) {
	if n := t.queue.Push(entries...); n > 0 {
		t.logger.Warn("Offline queue full, evicted oldest entries",
			logging.Count(n), logging.QueueSize(t.queue.Len()))
	}
}

func (t *Transmitter) setState(s State) {
	old := State(t.state.Swap(int32(s)))
	metrics.ConnectionState.WithLabelValues(old.String()).Set(0)
	metrics.ConnectionState.WithLabelValues(s.String()).Set(1)
}

// State returns the current connection state.
func (t *Transmitter) State() State {
	return State(t.state.Load())
}

// Reconnecting reports whether the reconnect probe is active.
func (t *Transmitter) Reconnecting() bool {
	return t.reconnecting.Load()
}

// RegistrationID returns the current registration id, or "" when unregistered.
func (t *Transmitter) RegistrationID() string {
	t.regMu.RLock()
	defer t.regMu.RUnlock()
	return t.registrationID
}

// Subscribe returns a channel that receives every registration id change.
// Only the latest id is kept if the receiver falls behind. An empty id
// means the agent unregistered. The channel is closed by Close.
func (t *Transmitter) Subscribe() <-chan string {
	ch := make(chan string, 1)

	t.regMu.Lock()
	defer t.regMu.Unlock()

	if t.isClosed() {
		close(ch)
		return ch
	}
	if t.registrationID != "" {
		ch <- t.registrationID
	}
	t.subscribers = append(t.subscribers, ch)
	return ch
}

func (t *Transmitter) setRegistration(id string) {
	t.regMu.Lock()
	defer t.regMu.Unlock()

	t.registrationID = id
	for _, ch := range t.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- id
	}
}

// QueueLen returns the number of entries waiting to be sent.
func (t *Transmitter) QueueLen() int {
	return t.queue.Len()
}

// Restore puts previously spilled entries back into the queue. They go out
// with the next drain or Flush.
func (t *Transmitter) Restore(entries []models.LogEntry) {
	t.enqueue(entries)
}

// Flush drains the queue over the current connection. It is used after
// Restore so spilled entries do not wait for the next outage. A failed
// batch starts the reconnect probe.
func (t *Transmitter) Flush() {
	t.lifeMu.Lock()
	if t.closed || t.queue.Len() == 0 || !t.reconnecting.CompareAndSwap(false, true) {
		t.lifeMu.Unlock()
		return
	}
	t.lifeMu.Unlock()

	if t.drain() {
		return
	}

	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	if t.closed {
		return
	}
	t.setState(StateReconnecting)
	t.wg.Add(1)
	go t.reconnectLoop()
}

func (t *Transmitter) isClosed() bool {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	return t.closed
}

// Close stops the reconnect probe, closes the connection and returns the
// entries still queued so they can be spilled. It waits for the probe until
// ctx is done.
func (t *Transmitter) Close(ctx context.Context) []models.LogEntry {
	t.lifeMu.Lock()
	t.closed = true
	t.lifeMu.Unlock()
	t.cancel()

	if c := t.live.Load(); c != nil {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.logger.Warn("Reconnect probe did not stop before shutdown deadline")
	}

	t.mu.Lock()
	t.closeLocked()
	t.mu.Unlock()
	t.setState(StateDisconnected)

	t.regMu.Lock()
	for _, ch := range t.subscribers {
		close(ch)
	}
	t.subscribers = nil
	t.regMu.Unlock()

	return t.queue.Drain()
}

func lostRegistration(reply string) bool {
	return reply == replyNotRegistered || reply == replyRegistrationNotFound
}
