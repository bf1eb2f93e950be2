// Package config holds environment-driven settings for the supervisor and
// the optional OpenTelemetry exporter.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Settings tunes the supervision pipeline. Everything has a working default;
// the environment overrides individual knobs without code changes.
type Settings struct {
	// WorkerBin is the interpreter the worker script runs under.
	WorkerBin string `env:"PYTUI_WORKER" envDefault:"python3"`
	// AgentDir is prepended to PYTHONPATH so the instrumentation agent is
	// importable in the worker.
	AgentDir string `env:"PYTUI_AGENT_DIR" envDefault:""`
	// TraceDir is where per-run trace channel files are created.
	// Empty means the OS temp directory.
	TraceDir string `env:"PYTUI_TRACE_DIR" envDefault:""`

	GracePeriod  time.Duration `env:"PYTUI_GRACE_PERIOD" envDefault:"2s"`
	JoinTimeout  time.Duration `env:"PYTUI_JOIN_TIMEOUT" envDefault:"3s"`
	DrainTimeout time.Duration `env:"PYTUI_DRAIN_TIMEOUT" envDefault:"250ms"`

	PollInterval  time.Duration `env:"PYTUI_POLL_INTERVAL" envDefault:"100ms"`
	RetryAttempts int           `env:"PYTUI_RETRY_ATTEMPTS" envDefault:"20"`
	RetryDelay    time.Duration `env:"PYTUI_RETRY_DELAY" envDefault:"50ms"`

	QueueSize    int `env:"PYTUI_QUEUE_SIZE" envDefault:"4096"`
	SinkCapacity int `env:"PYTUI_SINK_CAPACITY" envDefault:"256"`
}

// FromEnv parses settings from environment variables.
func FromEnv() (*Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return &s, nil
}
