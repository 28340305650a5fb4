// Package config loads the leader process's on-disk YAML configuration:
// bind address, data directory, tick intervals, scheduler weights, and
// admission/autoscaler defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fleetd-io/fleetd/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the top-level server configuration for a fleetd leader process.
type Config struct {
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`

	Log       LogConfig       `yaml:"log"`
	Tick      TickConfig      `yaml:"tick"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Admission AdmissionConfig `yaml:"admission"`
}

// LogConfig mirrors pkg/log.Config's fields for YAML decoding.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// TickConfig holds the cooperative loop intervals and retry tunables.
type TickConfig struct {
	ReconcilerInterval  time.Duration `yaml:"reconciler_interval"`
	AutoscalerInterval  time.Duration `yaml:"autoscaler_interval"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	FailureThreshold    time.Duration `yaml:"failure_threshold"` // default 3x HeartbeatInterval
	UnhealthyGrace      time.Duration `yaml:"unhealthy_grace"`
	RetryBaseBackoff    time.Duration `yaml:"retry_base_backoff"`
	RetryMaxBackoff     time.Duration `yaml:"retry_max_backoff"`
	RetryJitterFraction float64       `yaml:"retry_jitter_fraction"`
}

// SchedulerConfig holds the default integer scoring weights and dispatch
// queue sizing.
type SchedulerConfig struct {
	DefaultWeights      types.ScoreWeights `yaml:"default_weights"`
	DispatchQueueDepth  int                `yaml:"dispatch_queue_depth"`
	DispatchSendTimeout time.Duration      `yaml:"dispatch_send_timeout"`
	DispatchMaxRetries  int                `yaml:"dispatch_max_retries"`
}

// AdmissionConfig bounds what the job registry will accept.
type AdmissionConfig struct {
	MaxReplicasPerGroup int   `yaml:"max_replicas_per_group"`
	DefaultCPUQuotaM    int64 `yaml:"default_cpu_quota_millicores"`
	DefaultMemQuotaMiB  int64 `yaml:"default_mem_quota_mib"`
}

// Default returns the configuration used when no file is supplied: a 30s
// failure threshold (3x the heartbeat interval) and placement retry backoff
// starting at one reconciler tick, doubling to a cap, jittered +/-20%.
func Default() Config {
	return Config{
		BindAddr: "127.0.0.1:7946",
		DataDir:  "./data",
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		Tick: TickConfig{
			ReconcilerInterval:  2 * time.Second,
			AutoscalerInterval:  10 * time.Second,
			HeartbeatInterval:   10 * time.Second,
			FailureThreshold:    30 * time.Second,
			UnhealthyGrace:      15 * time.Second,
			RetryBaseBackoff:    2 * time.Second,
			RetryMaxBackoff:     60 * time.Second,
			RetryJitterFraction: 0.2,
		},
		Scheduler: SchedulerConfig{
			DefaultWeights:      types.DefaultScoreWeights(),
			DispatchQueueDepth:  1024,
			DispatchSendTimeout: 5 * time.Second,
			DispatchMaxRetries:  5,
		},
		Admission: AdmissionConfig{
			MaxReplicasPerGroup: 5000,
			DefaultCPUQuotaM:    64_000,
			DefaultMemQuotaMiB:  131_072,
		},
	}
}

// Load reads and decodes a YAML configuration file, filling any field the
// file omits from Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}
