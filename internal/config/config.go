// Package config loads and verifies the coordinator's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrNoListenAddr   = errors.New("listen_addr is required")
	ErrBadSubarrayID  = errors.New("subarray_id must be in [1, 16]")
	ErrNoResources    = errors.New("at least one vcc must be configured")
	ErrBadResourceID  = errors.New("resource id out of range")
	ErrNoEndpoint     = errors.New("resource endpoint is required")
	ErrDuplicateID    = errors.New("duplicate resource id")
	ErrMonitorUnbound = errors.New("monitor names an unconfigured vcc")
)

// Resource locates one remote resource by numeric ID and base URL.
type Resource struct {
	ID       int    `yaml:"id"`
	Endpoint string `yaml:"endpoint"`
}

// Monitor pairs a hardware-monitoring resource with its channelizer.
type Monitor struct {
	VCCID    int    `yaml:"vcc_id"`
	Endpoint string `yaml:"endpoint"`
}

// Log carries the structured-logging knobs.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the coordinator's full runtime configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	SubarrayID int    `yaml:"subarray_id"`

	CommandTimeout time.Duration `yaml:"command_timeout"`
	QueueDepth     int           `yaml:"queue_depth"`
	FanoutWorkers  int64         `yaml:"fanout_workers"`
	DelayWorkers   int64         `yaml:"delay_workers"`

	VCCs     []Resource `yaml:"vccs"`
	FSPs     []Resource `yaml:"fsps"`
	Monitors []Monitor  `yaml:"monitors"`

	// DelaySource is the base URL of the external delay-model publisher.
	// Empty disables the subscription.
	DelaySource string `yaml:"delay_source"`
	// SysParamSource is an optional URL fetched at startup to preload the
	// dish-to-channelizer mapping.
	SysParamSource string `yaml:"sys_param_source"`

	Log Log `yaml:"log"`
}

const (
	maxSubarrayID = 16
	maxVCCID      = 197
	maxFSPID      = 27
)

// Load reads and verifies a configuration file.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

// Unmarshal parses and verifies configuration bytes.
func Unmarshal(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Verify checks the structural invariants that must hold before the
// coordinator starts.
func (c *Config) Verify() error {
	if c.ListenAddr == "" {
		return ErrNoListenAddr
	}
	if c.SubarrayID < 1 || c.SubarrayID > maxSubarrayID {
		return fmt.Errorf("%w: got %d", ErrBadSubarrayID, c.SubarrayID)
	}
	if len(c.VCCs) == 0 {
		return ErrNoResources
	}

	vccIDs := make(map[int]bool, len(c.VCCs))
	for _, r := range c.VCCs {
		if r.ID < 1 || r.ID > maxVCCID {
			return fmt.Errorf("%w: vcc %d", ErrBadResourceID, r.ID)
		}
		if r.Endpoint == "" {
			return fmt.Errorf("%w: vcc %d", ErrNoEndpoint, r.ID)
		}
		if vccIDs[r.ID] {
			return fmt.Errorf("%w: vcc %d", ErrDuplicateID, r.ID)
		}
		vccIDs[r.ID] = true
	}

	fspIDs := make(map[int]bool, len(c.FSPs))
	for _, r := range c.FSPs {
		if r.ID < 1 || r.ID > maxFSPID {
			return fmt.Errorf("%w: fsp %d", ErrBadResourceID, r.ID)
		}
		if r.Endpoint == "" {
			return fmt.Errorf("%w: fsp %d", ErrNoEndpoint, r.ID)
		}
		if fspIDs[r.ID] {
			return fmt.Errorf("%w: fsp %d", ErrDuplicateID, r.ID)
		}
		fspIDs[r.ID] = true
	}

	for _, m := range c.Monitors {
		if !vccIDs[m.VCCID] {
			return fmt.Errorf("%w: vcc %d", ErrMonitorUnbound, m.VCCID)
		}
		if m.Endpoint == "" {
			return fmt.Errorf("%w: monitor for vcc %d", ErrNoEndpoint, m.VCCID)
		}
	}

	if c.CommandTimeout < 0 {
		return fmt.Errorf("command_timeout must not be negative")
	}
	return nil
}
