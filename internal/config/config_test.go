package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	s, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "python3", s.WorkerBin)
	assert.Empty(t, s.TraceDir)
	assert.Equal(t, 2*time.Second, s.GracePeriod)
	assert.Equal(t, 100*time.Millisecond, s.PollInterval)
	assert.Equal(t, 20, s.RetryAttempts)
	assert.Equal(t, 4096, s.QueueSize)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PYTUI_WORKER", "/usr/bin/python3.12")
	t.Setenv("PYTUI_GRACE_PERIOD", "500ms")
	t.Setenv("PYTUI_RETRY_ATTEMPTS", "7")

	s, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/python3.12", s.WorkerBin)
	assert.Equal(t, 500*time.Millisecond, s.GracePeriod)
	assert.Equal(t, 7, s.RetryAttempts)
}

func TestFromEnvRejectsBadDuration(t *testing.T) {
	t.Setenv("PYTUI_POLL_INTERVAL", "often")

	_, err := FromEnv()
	assert.Error(t, err)
}

func TestOTELEndpointPriority(t *testing.T) {
	cfg := &OTELConfig{}
	assert.Equal(t, "localhost:4318", cfg.Endpoint())

	cfg.ExporterEndpoint = "collector:4318"
	assert.Equal(t, "collector:4318", cfg.Endpoint())

	cfg.TracesEndpoint = "traces:4318"
	assert.Equal(t, "traces:4318", cfg.Endpoint(), "traces endpoint wins")
}

func TestResourceAttrs(t *testing.T) {
	cfg := &OTELConfig{ResourceAttributes: "env=prod, team=tracing,malformed"}

	attrs := cfg.ResourceAttrs()
	require.Len(t, attrs, 2)
	assert.Equal(t, "env", string(attrs[0].Key))
	assert.Equal(t, "prod", attrs[0].Value.AsString())
	assert.Equal(t, "team", string(attrs[1].Key))
}

func TestResourceAttrsEmpty(t *testing.T) {
	cfg := &OTELConfig{}
	assert.Empty(t, cfg.ResourceAttrs())
}

func TestOTELFromEnvDefaults(t *testing.T) {
	cfg, err := OTELFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "pytui-trace", cfg.ServiceName)
}
