package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/radicle-works/link/internal/gossip"
	"github.com/radicle-works/link/internal/replication"
)

// NodeConfig holds a radlink-node process's settings, in the teacher's
// CoordinatorConfig-style idiom: plain struct, json tags, a
// Default*Config constructor for production defaults, loaded from a
// file by main rather than via a config framework. Durations are
// expressed in the wire format as millisecond integers, the same
// convention mesh_config.go uses when it reads config fields off
// js.Value and does time.Duration(v.Int()) * time.Millisecond.
type NodeConfig struct {
	KeyPath     string   `json:"key_path"`
	ListenAddrs []string `json:"listen_addrs"`
	StateDir    string   `json:"state_dir"`
	MetricsAddr string   `json:"metrics_addr"`

	PhaseTimeout   time.Duration `json:"-"`
	TrackingDepth  int           `json:"tracking_depth"`
	VerifyPoolSize int           `json:"verify_pool_size"`
	VerifyDepth    int           `json:"verify_depth"`

	CircuitBreaker struct {
		FailureThreshold int           `json:"failure_threshold"`
		ResetTimeout     time.Duration `json:"-"`
		HalfOpenMax      int           `json:"half_open_max"`
	} `json:"circuit_breaker"`

	Gossip struct {
		Debounce     time.Duration `json:"-"`
		QueueCeiling int           `json:"queue_ceiling"`
	} `json:"gossip"`
}

// nodeConfigWire mirrors NodeConfig field-for-field except durations,
// which travel as millisecond integers rather than time.Duration's
// nanosecond encoding (a plain number in a config file should mean
// milliseconds, not a unit a human would get wrong by three orders of
// magnitude).
type nodeConfigWire struct {
	KeyPath     *string  `json:"key_path"`
	ListenAddrs []string `json:"listen_addrs"`
	StateDir    *string  `json:"state_dir"`
	MetricsAddr *string  `json:"metrics_addr"`

	PhaseTimeoutMS *int64 `json:"phase_timeout_ms"`
	TrackingDepth  *int   `json:"tracking_depth"`
	VerifyPoolSize *int   `json:"verify_pool_size"`
	VerifyDepth    *int   `json:"verify_depth"`

	CircuitBreaker struct {
		FailureThreshold *int   `json:"failure_threshold"`
		ResetTimeoutMS   *int64 `json:"reset_timeout_ms"`
		HalfOpenMax      *int   `json:"half_open_max"`
	} `json:"circuit_breaker"`

	Gossip struct {
		DebounceMS   *int64 `json:"debounce_ms"`
		QueueCeiling *int   `json:"queue_ceiling"`
	} `json:"gossip"`
}

// DefaultNodeConfig returns production defaults.
func DefaultNodeConfig() NodeConfig {
	cfg := NodeConfig{
		KeyPath:     "radlink_identity.json",
		StateDir:    "radlink-state",
		MetricsAddr: ":9090",
	}

	replCfg := replication.DefaultConfig()
	cfg.PhaseTimeout = replCfg.PhaseTimeout
	cfg.TrackingDepth = replCfg.TrackingDepth
	cfg.VerifyPoolSize = replCfg.VerifyPoolSize
	cfg.VerifyDepth = 3
	cfg.CircuitBreaker.FailureThreshold = replCfg.CircuitBreaker.FailureThreshold
	cfg.CircuitBreaker.ResetTimeout = replCfg.CircuitBreaker.ResetTimeout
	cfg.CircuitBreaker.HalfOpenMax = replCfg.CircuitBreaker.HalfOpenMax

	gossipCfg := gossip.DefaultConfig()
	cfg.Gossip.Debounce = gossipCfg.Debounce
	cfg.Gossip.QueueCeiling = gossipCfg.QueueCeiling

	return cfg
}

// LoadNodeConfig reads a JSON config file, falling back to defaults for
// anything the file omits (the pointer fields in nodeConfigWire tell
// a present-but-zero override apart from an absent one).
func LoadNodeConfig(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return NodeConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var wire nodeConfigWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return NodeConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if wire.KeyPath != nil {
		cfg.KeyPath = *wire.KeyPath
	}
	if wire.ListenAddrs != nil {
		cfg.ListenAddrs = wire.ListenAddrs
	}
	if wire.StateDir != nil {
		cfg.StateDir = *wire.StateDir
	}
	if wire.MetricsAddr != nil {
		cfg.MetricsAddr = *wire.MetricsAddr
	}
	if wire.PhaseTimeoutMS != nil {
		cfg.PhaseTimeout = time.Duration(*wire.PhaseTimeoutMS) * time.Millisecond
	}
	if wire.TrackingDepth != nil {
		cfg.TrackingDepth = *wire.TrackingDepth
	}
	if wire.VerifyPoolSize != nil {
		cfg.VerifyPoolSize = *wire.VerifyPoolSize
	}
	if wire.VerifyDepth != nil {
		cfg.VerifyDepth = *wire.VerifyDepth
	}
	if wire.CircuitBreaker.FailureThreshold != nil {
		cfg.CircuitBreaker.FailureThreshold = *wire.CircuitBreaker.FailureThreshold
	}
	if wire.CircuitBreaker.ResetTimeoutMS != nil {
		cfg.CircuitBreaker.ResetTimeout = time.Duration(*wire.CircuitBreaker.ResetTimeoutMS) * time.Millisecond
	}
	if wire.CircuitBreaker.HalfOpenMax != nil {
		cfg.CircuitBreaker.HalfOpenMax = *wire.CircuitBreaker.HalfOpenMax
	}
	if wire.Gossip.DebounceMS != nil {
		cfg.Gossip.Debounce = time.Duration(*wire.Gossip.DebounceMS) * time.Millisecond
	}
	if wire.Gossip.QueueCeiling != nil {
		cfg.Gossip.QueueCeiling = *wire.Gossip.QueueCeiling
	}
	return cfg, nil
}

func (c NodeConfig) replicationConfig() replication.Config {
	rc := replication.DefaultConfig()
	if c.PhaseTimeout > 0 {
		rc.PhaseTimeout = c.PhaseTimeout
	}
	if c.TrackingDepth > 0 {
		rc.TrackingDepth = c.TrackingDepth
	}
	if c.VerifyPoolSize > 0 {
		rc.VerifyPoolSize = c.VerifyPoolSize
	}
	if c.CircuitBreaker.FailureThreshold > 0 {
		rc.CircuitBreaker.FailureThreshold = c.CircuitBreaker.FailureThreshold
	}
	if c.CircuitBreaker.ResetTimeout > 0 {
		rc.CircuitBreaker.ResetTimeout = c.CircuitBreaker.ResetTimeout
	}
	if c.CircuitBreaker.HalfOpenMax > 0 {
		rc.CircuitBreaker.HalfOpenMax = c.CircuitBreaker.HalfOpenMax
	}
	return rc
}

func (c NodeConfig) gossipConfig() gossip.Config {
	gc := gossip.DefaultConfig()
	if c.Gossip.Debounce > 0 {
		gc.Debounce = c.Gossip.Debounce
	}
	if c.Gossip.QueueCeiling > 0 {
		gc.QueueCeiling = c.Gossip.QueueCeiling
	}
	return gc
}
