package transmitter

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testKey = "s3cret-key"

// fakeCollector speaks just enough of the collector protocol for the
// transmitter to run against it.
type fakeCollector struct {
	ln net.Listener
	wg sync.WaitGroup

	down          atomic.Bool // accept and hang up at once
	dropBatches   atomic.Bool // hang up on LOG_BATCH
	rejectBatches atomic.Bool
	forget        atomic.Bool // answer the next HEARTBEAT with "Registration not found"

	mu            sync.Mutex
	conns         map[net.Conn]struct{}
	auths         int
	registrations int
	heartbeats    int
	batches       [][]protocol.LogRecord
	unregistered  []string
	blocks        string
}

func startCollector(t *testing.T) *fakeCollector {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fc := &fakeCollector{ln: ln, conns: make(map[net.Conn]struct{})}
	fc.wg.Add(1)
	go fc.acceptLoop()

	t.Cleanup(func() {
		ln.Close()
		fc.mu.Lock()
		for c := range fc.conns {
			c.Close()
		}
		fc.mu.Unlock()
		fc.wg.Wait()
	})
	return fc
}

func (fc *fakeCollector) acceptLoop() {
	defer fc.wg.Done()
	for {
		conn, err := fc.ln.Accept()
		if err != nil {
			return
		}
		if fc.down.Load() {
			conn.Close()
			continue
		}
		fc.mu.Lock()
		fc.conns[conn] = struct{}{}
		fc.mu.Unlock()

		fc.wg.Add(1)
		go fc.serve(conn)
	}
}

func (fc *fakeCollector) serve(conn net.Conn) {
	defer fc.wg.Done()
	defer func() {
		conn.Close()
		fc.mu.Lock()
		delete(fc.conns, conn)
		fc.mu.Unlock()
	}()

	r := bufio.NewReader(conn)
	registration := ""
	for {
		f, err := protocol.ReadFrame(r, protocol.MaxMessageSize)
		if err != nil {
			return
		}

		code, msg := protocol.CodeSuccess, ""
		switch f.Type {
		case protocol.TypeConnectionTest:
			protocol.WriteResponse(conn, protocol.CodeSuccess, "")
			return
		case protocol.TypeAuth:
			p, err := protocol.DecodeAuth(f.Payload)
			if err != nil || p.APIKey != testKey {
				protocol.WriteResponse(conn, protocol.CodeAuthFailed, "Authentication failed")
				return
			}
			fc.mu.Lock()
			fc.auths++
			fc.mu.Unlock()
			msg = "Authentication successful"
		case protocol.TypeRegister:
			fc.mu.Lock()
			fc.registrations++
			registration = fmt.Sprintf("agent-%d", fc.registrations)
			fc.mu.Unlock()
			msg = registration
		case protocol.TypeLogBatch:
			if fc.dropBatches.Load() {
				return
			}
			if fc.rejectBatches.Load() {
				code, msg = protocol.CodeError, "Log processing failed"
				break
			}
			batch, err := protocol.DecodeBatch(f.Payload)
			if err != nil {
				code, msg = protocol.CodeError, "Log processing failed"
				break
			}
			fc.mu.Lock()
			fc.batches = append(fc.batches, batch.Logs)
			fc.mu.Unlock()
			msg = fmt.Sprintf("Processed %d logs", len(batch.Logs))
		case protocol.TypeHeartbeat:
			switch {
			case registration == "":
				code, msg = protocol.CodeError, "Not registered"
			case fc.forget.CompareAndSwap(true, false):
				code, msg = protocol.CodeError, "Registration not found"
			default:
				fc.mu.Lock()
				fc.heartbeats++
				fc.mu.Unlock()
				msg = "Heartbeat acknowledged"
			}
		case protocol.TypeBlockRequest:
			if registration == "" {
				code, msg = protocol.CodeError, "Not registered"
				break
			}
			fc.mu.Lock()
			msg = fc.blocks
			fc.mu.Unlock()
			if msg == "" {
				msg = `{"requests":[]}`
			}
		case protocol.TypeUnregister:
			fc.mu.Lock()
			fc.unregistered = append(fc.unregistered, string(f.Payload))
			fc.mu.Unlock()
			registration = ""
			msg = "Unregistered successfully"
		default:
			code, msg = protocol.CodeError, "Unknown message type"
		}
		if err := protocol.WriteResponse(conn, code, msg); err != nil {
			return
		}
	}
}

func (fc *fakeCollector) counts() (auths, registrations, heartbeats int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.auths, fc.registrations, fc.heartbeats
}

func (fc *fakeCollector) received() [][]protocol.LogRecord {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([][]protocol.LogRecord(nil), fc.batches...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTransmitter(t *testing.T, fc *fakeCollector, opts ...func(*Config)) *Transmitter {
	t.Helper()

	cfg := Config{
		Addr:              fc.ln.Addr().String(),
		APIKey:            testKey,
		AgentName:         "web01",
		ConnectTimeout:    time.Second,
		ReadTimeout:       2 * time.Second,
		RetryDelay:        5 * time.Millisecond,
		InitialDelay:      20 * time.Millisecond,
		ReconnectInterval: 20 * time.Millisecond,
		MaxBatchSize:      100,
		Info: func() protocol.RegistrationInfo {
			return protocol.RegistrationInfo{Hostname: "web01.internal", NginxLogPaths: []string{"/var/log/nginx/access.log"}}
		},
		Logger: logging.Discard(),
	}
	for _, o := range opts {
		o(&cfg)
	}

	tr := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tr.Close(ctx)
	})
	return tr
}

func TestStart_Registers(t *testing.T) {
	fc := startCollector(t)
	tr := newTransmitter(t, fc)

	require.NoError(t, tr.Start(context.Background()))

	assert.Equal(t, StateConnected, tr.State())
	assert.Equal(t, "agent-1", tr.RegistrationID())
	assert.False(t, tr.Reconnecting())

	sub := tr.Subscribe()
	select {
	case id := <-sub:
		assert.Equal(t, "agent-1", id)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the current registration")
	}
}

func TestStart_AuthFailed(t *testing.T) {
	fc := startCollector(t)
	tr := newTransmitter(t, fc, func(c *Config) { c.APIKey = "wrong" })

	err := tr.Start(context.Background())

	require.ErrorIs(t, err, ErrAuthFailed)
	assert.True(t, tr.Reconnecting())
	assert.Empty(t, tr.RegistrationID())
}

func TestStart_CollectorDownThenUp(t *testing.T) {
	fc := startCollector(t)
	fc.down.Store(true)
	tr := newTransmitter(t, fc)

	require.Error(t, tr.Start(context.Background()))
	require.True(t, tr.Reconnecting())

	sent, err := tr.TransmitLogs(context.Background(), entries(0, 2))
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 2, tr.QueueLen())

	fc.down.Store(false)

	require.Eventually(t, func() bool {
		return !tr.Reconnecting() && tr.QueueLen() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "agent-1", tr.RegistrationID())
	require.Len(t, fc.received(), 1)
	assert.Len(t, fc.received()[0], 2)
}

func TestTransmitLogs_Sends(t *testing.T) {
	fc := startCollector(t)
	tr := newTransmitter(t, fc)
	require.NoError(t, tr.Start(context.Background()))

	sent, err := tr.TransmitLogs(context.Background(), entries(0, 3))

	require.NoError(t, err)
	assert.True(t, sent)
	got := fc.received()
	require.Len(t, got, 1)
	require.Len(t, got[0], 3)
	assert.Equal(t, "/item/0", got[0][0].FullURL)
	assert.Zero(t, tr.QueueLen())
}

func TestTransmitLogs_Empty(t *testing.T) {
	fc := startCollector(t)
	tr := newTransmitter(t, fc)

	sent, err := tr.TransmitLogs(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Empty(t, fc.received())
}

func TestTransmitLogs_Rejected(t *testing.T) {
	fc := startCollector(t)
	tr := newTransmitter(t, fc)
	require.NoError(t, tr.Start(context.Background()))
	fc.rejectBatches.Store(true)

	sent, err := tr.TransmitLogs(context.Background(), entries(0, 2))

	require.ErrorIs(t, err, ErrRejected)
	assert.False(t, sent)
	assert.Zero(t, tr.QueueLen(), "a refused batch is not queued")
	assert.False(t, tr.Reconnecting())
	assert.Equal(t, StateConnected, tr.State())
}

func TestDisconnectDuringSend(t *testing.T) {
	fc := startCollector(t)
	tr := newTransmitter(t, fc)
	require.NoError(t, tr.Start(context.Background()))
	sub := tr.Subscribe()
	require.Equal(t, "agent-1", <-sub)

	fc.down.Store(true)
	fc.dropBatches.Store(true)

	sent, err := tr.TransmitLogs(context.Background(), entries(0, 5))
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 5, tr.QueueLen())
	assert.True(t, tr.Reconnecting())

	fc.dropBatches.Store(false)
	fc.down.Store(false)

	select {
	case id := <-sub:
		assert.Equal(t, "agent-2", id, "reconnect must obtain a new registration")
	case <-time.After(2 * time.Second):
		t.Fatal("no registration change after reconnect")
	}

	require.Eventually(t, func() bool {
		return !tr.Reconnecting() && tr.QueueLen() == 0
	}, 2*time.Second, 10*time.Millisecond)

	got := fc.received()
	require.Len(t, got, 1)
	assert.Len(t, got[0], 5)
	assert.Equal(t, StateConnected, tr.State())
}

func TestDrainRespectsMaxBatchSize(t *testing.T) {
	fc := startCollector(t)
	fc.down.Store(true)
	tr := newTransmitter(t, fc, func(c *Config) { c.MaxBatchSize = 4 })
	require.Error(t, tr.Start(context.Background()))

	_, err := tr.TransmitLogs(context.Background(), entries(0, 10))
	require.NoError(t, err)
	fc.down.Store(false)

	require.Eventually(t, func() bool {
		return !tr.Reconnecting() && tr.QueueLen() == 0
	}, 2*time.Second, 10*time.Millisecond)

	got := fc.received()
	require.Len(t, got, 3)
	assert.Len(t, got[0], 4)
	assert.Len(t, got[1], 4)
	assert.Len(t, got[2], 2)
	assert.Equal(t, "/item/9", got[2][1].FullURL)
}

func TestQueueBoundWhileReconnecting(t *testing.T) {
	fc := startCollector(t)
	fc.down.Store(true)
	tr := newTransmitter(t, fc, func(c *Config) {
		c.QueueCapacity = 10
		c.InitialDelay = time.Hour
	})
	require.Error(t, tr.Start(context.Background()))

	_, err := tr.TransmitLogs(context.Background(), entries(0, 11))
	require.NoError(t, err)

	assert.Equal(t, 10, tr.QueueLen())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	left := tr.Close(ctx)
	require.Len(t, left, 10)
	assert.Equal(t, "/item/1", left[0].FullURL)
}

func TestEnterReconnectMode_Idempotent(t *testing.T) {
	fc := startCollector(t)
	fc.down.Store(true)
	tr := newTransmitter(t, fc, func(c *Config) { c.InitialDelay = time.Hour })

	tr.EnterReconnectMode()
	tr.EnterReconnectMode()
	tr.EnterReconnectMode()

	assert.True(t, tr.Reconnecting())
	assert.Equal(t, StateReconnecting, tr.State())
}

func TestSendHeartbeat(t *testing.T) {
	fc := startCollector(t)
	tr := newTransmitter(t, fc)
	require.NoError(t, tr.Start(context.Background()))

	require.NoError(t, tr.SendHeartbeat(context.Background()))
	_, _, hb := fc.counts()
	assert.Equal(t, 1, hb)
}

func TestSendHeartbeat_NoopWhileReconnecting(t *testing.T) {
	fc := startCollector(t)
	fc.down.Store(true)
	tr := newTransmitter(t, fc, func(c *Config) { c.InitialDelay = time.Hour })
	require.Error(t, tr.Start(context.Background()))

	require.NoError(t, tr.SendHeartbeat(context.Background()))
	_, _, hb := fc.counts()
	assert.Zero(t, hb)
}

func TestSendHeartbeat_FailurePromotesToReconnecting(t *testing.T) {
	fc := startCollector(t)
	tr := newTransmitter(t, fc, func(c *Config) { c.InitialDelay = time.Hour })
	require.NoError(t, tr.Start(context.Background()))

	// Hang up every live connection and refuse new ones.
	fc.down.Store(true)
	fc.mu.Lock()
	for c := range fc.conns {
		c.Close()
	}
	fc.mu.Unlock()

	require.Error(t, tr.SendHeartbeat(context.Background()))
	assert.True(t, tr.Reconnecting())
	assert.Equal(t, StateReconnecting, tr.State())
}

func TestSendHeartbeat_RegistersAgainWhenForgotten(t *testing.T) {
	fc := startCollector(t)
	tr := newTransmitter(t, fc)
	require.NoError(t, tr.Start(context.Background()))
	fc.forget.Store(true)

	require.NoError(t, tr.SendHeartbeat(context.Background()))

	assert.Equal(t, "agent-2", tr.RegistrationID())
	assert.False(t, tr.Reconnecting())
}

func TestIdleConnectionIsReplaced(t *testing.T) {
	fc := startCollector(t)
	clk := &clock{now: time.Now()}
	tr := newTransmitter(t, fc, func(c *Config) { c.Now = clk.Now })
	require.NoError(t, tr.Start(context.Background()))

	require.NoError(t, tr.SendHeartbeat(context.Background()))
	auths, regs, _ := fc.counts()
	assert.Equal(t, 1, auths)
	assert.Equal(t, 1, regs)

	clk.Advance(6 * time.Minute)
	require.NoError(t, tr.SendHeartbeat(context.Background()))

	auths, regs, hb := fc.counts()
	assert.Equal(t, 2, auths, "an idle connection must be replaced")
	assert.Equal(t, 2, regs, "the new session must be registered")
	assert.Equal(t, 2, hb)
	assert.Equal(t, "agent-2", tr.RegistrationID())
}

func TestPollBlockRequests(t *testing.T) {
	fc := startCollector(t)
	fc.mu.Lock()
	fc.blocks = `{"requests":[{"id":"b-1","ipAddress":"198.51.100.23","duration":3600,"reason":"ModSecurity rule 942100","chainName":"INPUT"}]}`
	fc.mu.Unlock()
	tr := newTransmitter(t, fc)

	_, err := tr.PollBlockRequests(context.Background())
	require.ErrorIs(t, err, ErrNotRegistered)

	require.NoError(t, tr.Start(context.Background()))
	items, err := tr.PollBlockRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "198.51.100.23", items[0].IPAddress)
	assert.Equal(t, 3600, items[0].Duration)
	assert.Equal(t, "INPUT", items[0].ChainName)
}

func TestPollBlockRequests_WhileReconnecting(t *testing.T) {
	fc := startCollector(t)
	fc.down.Store(true)
	tr := newTransmitter(t, fc, func(c *Config) { c.InitialDelay = time.Hour })
	require.Error(t, tr.Start(context.Background()))

	_, err := tr.PollBlockRequests(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestUnregisterServer(t *testing.T) {
	fc := startCollector(t)
	tr := newTransmitter(t, fc)
	require.NoError(t, tr.Start(context.Background()))
	sub := tr.Subscribe()
	require.Equal(t, "agent-1", <-sub)

	require.NoError(t, tr.UnregisterServer(context.Background(), ""))

	assert.Empty(t, tr.RegistrationID())
	assert.Equal(t, "", <-sub)
	fc.mu.Lock()
	assert.Equal(t, []string{"agent-1"}, fc.unregistered)
	fc.mu.Unlock()

	assert.ErrorIs(t, tr.UnregisterServer(context.Background(), ""), ErrNotRegistered)
}

func TestRestoreAndFlush(t *testing.T) {
	fc := startCollector(t)
	tr := newTransmitter(t, fc)
	require.NoError(t, tr.Start(context.Background()))

	tr.Restore(entries(0, 4))
	assert.Equal(t, 4, tr.QueueLen())

	tr.Flush()

	assert.Zero(t, tr.QueueLen())
	assert.False(t, tr.Reconnecting())
	got := fc.received()
	require.Len(t, got, 1)
	assert.Len(t, got[0], 4)
}

func TestClose(t *testing.T) {
	fc := startCollector(t)
	tr := newTransmitter(t, fc)
	require.NoError(t, tr.Start(context.Background()))
	sub := tr.Subscribe()
	<-sub

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Empty(t, tr.Close(ctx))
	assert.Equal(t, StateDisconnected, tr.State())

	_, ok := <-sub
	assert.False(t, ok, "subscriber channel should be closed")

	// Reconnect mode cannot start after Close.
	tr.EnterReconnectMode()
	assert.False(t, tr.Reconnecting())
}

func TestTestConnection(t *testing.T) {
	fc := startCollector(t)
	tr := newTransmitter(t, fc)

	require.NoError(t, tr.TestConnection(context.Background()))
	auths, _, _ := fc.counts()
	assert.Zero(t, auths, "connection test does not authenticate")
}
