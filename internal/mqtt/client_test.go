package mqtt

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberwatch/emberwatch/internal/logger"
)

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

func isMosquittoTestServerAvailable() bool {
	conn, err := net.DialTimeout("tcp", "test.mosquitto.org:1883", 5*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func TestNewClientRequiresBrokerAndTopic(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{Topic: "alerts"}, testLogger())
	require.Error(t, err)

	_, err = NewClient(Config{Broker: "tcp://localhost:1883"}, testLogger())
	require.Error(t, err)

	c, err := NewClient(Config{Broker: "tcp://localhost:1883", Topic: "alerts"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "mqtt", c.Name())
	assert.Equal(t, 10*time.Second, c.config.PublishTimeout)
}

func TestPublishWhileDisconnected(t *testing.T) {
	t.Parallel()

	c, err := NewClient(Config{Broker: "tcp://localhost:1883", Topic: "alerts"}, testLogger())
	require.NoError(t, err)

	assert.False(t, c.IsConnected())
	require.Error(t, c.Publish(t.Context(), []byte(`{}`)))
	require.NoError(t, c.Close())
}

func TestConnectRejectsBadBroker(t *testing.T) {
	t.Parallel()

	c, err := NewClient(Config{Broker: "tcp://", Topic: "alerts"}, testLogger())
	require.NoError(t, err)
	require.Error(t, c.Connect(t.Context()))

	c, err = NewClient(Config{Broker: "tcp://broker.invalid:1883", Topic: "alerts"}, testLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.Error(t, c.Connect(ctx))
}

func TestPublishToPublicBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}
	if !isMosquittoTestServerAvailable() {
		t.Skip("Skipping MQTT tests: test.mosquitto.org is not available")
	}

	c, err := NewClient(Config{
		Broker:   "tcp://test.mosquitto.org:1883",
		ClientID: "emberwatch-test",
		Topic:    "emberwatch/test/alerts",
	}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer func() { _ = c.Close() }()

	assert.True(t, c.IsConnected())
	require.NoError(t, c.Publish(ctx, []byte(`{"subjectId":"test"}`)))
}
