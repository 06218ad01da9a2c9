package nats

import (
	"context"
	"testing"
	"time"

	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/messaging"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
}

func TestNewClient_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.Timeout = 200 * time.Millisecond

	_, err := NewClient(cfg, logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to NATS")
}

func TestClient_PublishJSON(t *testing.T) {
	srv := natstest.RunRandClientPortServer()
	defer srv.Shutdown()

	cfg := DefaultConfig()
	cfg.URL = srv.ClientURL()
	client, err := NewClient(cfg, logging.Discard())
	require.NoError(t, err)
	defer client.Close()

	sub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe("edamame.blocks.requested", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	subject := messaging.Subject("", messaging.SuffixBlocksRequested)
	err = client.PublishJSON(context.Background(), subject, map[string]string{"ip": "203.0.113.9"})
	require.NoError(t, err)

	select {
	case m := <-msgs:
		assert.JSONEq(t, `{"ip":"203.0.113.9"}`, string(m.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	status := messaging.CheckHealth(context.Background(), client)
	assert.True(t, status.Connected)
	assert.Empty(t, status.Error)
}

func TestClient_PublishCancelledContext(t *testing.T) {
	srv := natstest.RunRandClientPortServer()
	defer srv.Shutdown()

	cfg := DefaultConfig()
	cfg.URL = srv.ClientURL()
	client, err := NewClient(cfg, logging.Discard())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, client.Publish(ctx, "edamame.x", []byte("x")), context.Canceled)
}
