// Package config loads the job manager's static configuration from a YAML
// file. It performs no coordinator business logic: it is an external
// collaborator per spec.md §1, wired only at process start-up.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration keys spec.md §6 enumerates.
type Config struct {
	// DefaultExecutionRetries is used when a job graph does not specify its
	// own retry count.
	DefaultExecutionRetries int `yaml:"default_execution_retries"`
	// DefaultRetryDelay is the pause before a failed execution graph restarts.
	DefaultRetryDelay time.Duration `yaml:"default_retry_delay"`
	// LibraryCacheCleanupInterval is loaded but not read by the Library
	// Cache Manager, which has no periodic sweep: it drops a job's
	// registration as soon as its last reference is released.
	LibraryCacheCleanupInterval time.Duration `yaml:"library_cache_cleanup_interval"`
	// WebArchiveCount bounds the Archive's retained terminated-job history.
	WebArchiveCount int `yaml:"web_archive_count"`
	// WorkerHeartbeatPause is the Instance Manager's liveness timeout: an
	// instance whose last heartbeat is older than this is reported dead.
	WorkerHeartbeatPause time.Duration `yaml:"worker_heartbeat_pause"`
	// IPCBindAddress/IPCBindPort describe the coordinator's IPC endpoint;
	// no listener is opened on them in this module. IPCBindPort is the
	// port reported to workers in registration replies. When
	// HighAvailabilityEnabled is true, IPCBindPort MUST be zero (ephemeral).
	IPCBindAddress string `yaml:"ipc_bind_address"`
	IPCBindPort    int    `yaml:"ipc_bind_port"`
	// HighAvailabilityEnabled requires ipc_bind_port 0 and, in
	// cmd/jobmanager, --execution-mode=CLUSTER. The raft-backed election
	// client runs whether or not it is set.
	HighAvailabilityEnabled bool `yaml:"high_availability_enabled"`

	// ElectionDataDir and ElectionNodeID configure the Leader Election
	// Client's raft group, whether or not HighAvailabilityEnabled is true.
	ElectionDataDir string `yaml:"election_data_dir"`
	ElectionNodeID  string `yaml:"election_node_id"`
	ElectionBindAddr string `yaml:"election_bind_addr"`
	ElectionBootstrap bool  `yaml:"election_bootstrap"`
}

// Default returns the configuration used when no file is supplied,
// matching the teacher's convention of a sane zero-config default.
func Default() *Config {
	return &Config{
		DefaultExecutionRetries:     0,
		DefaultRetryDelay:           10 * time.Second,
		LibraryCacheCleanupInterval: 5 * time.Minute,
		WebArchiveCount:             100,
		WorkerHeartbeatPause:        10 * time.Second,
		IPCBindAddress:              "0.0.0.0",
		IPCBindPort:                 6123,
		HighAvailabilityEnabled:     false,
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate enforces the HA/ephemeral-port constraint from spec.md §6.
func (c *Config) Validate() error {
	if c.HighAvailabilityEnabled && c.IPCBindPort != 0 {
		return fmt.Errorf("ipc_bind_port must be 0 (ephemeral) when high_availability_enabled is true, got %d", c.IPCBindPort)
	}
	if c.WebArchiveCount <= 0 {
		return fmt.Errorf("web_archive_count must be positive, got %d", c.WebArchiveCount)
	}
	return nil
}
