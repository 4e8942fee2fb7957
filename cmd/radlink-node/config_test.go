package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadNodeConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadNodeConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("LoadNodeConfig: %v", err)
	}
	want := DefaultNodeConfig()
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("expected defaults for a missing config file, got %+v", cfg)
	}
}

func TestLoadNodeConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "radlink.json")
	raw, err := json.Marshal(map[string]any{
		"key_path":         "custom_identity.json",
		"listen_addrs":     []string{"/ip4/0.0.0.0/udp/4001/quic-v1"},
		"phase_timeout_ms": 45000,
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("LoadNodeConfig: %v", err)
	}
	if cfg.KeyPath != "custom_identity.json" {
		t.Fatalf("expected overridden key_path, got %q", cfg.KeyPath)
	}
	if len(cfg.ListenAddrs) != 1 || cfg.ListenAddrs[0] != "/ip4/0.0.0.0/udp/4001/quic-v1" {
		t.Fatalf("expected overridden listen_addrs, got %v", cfg.ListenAddrs)
	}
	if cfg.PhaseTimeout != 45*time.Second {
		t.Fatalf("expected overridden phase_timeout, got %v", cfg.PhaseTimeout)
	}
	// Fields absent from the file keep their defaults.
	if cfg.TrackingDepth != DefaultNodeConfig().TrackingDepth {
		t.Fatalf("expected default tracking_depth to survive a partial override, got %d", cfg.TrackingDepth)
	}
}

func TestReplicationConfigOnlyOverridesPositiveFields(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.PhaseTimeout = 0 // a zero override must not clobber the replication default
	rc := cfg.replicationConfig()
	if rc.PhaseTimeout <= 0 {
		t.Fatalf("expected a positive phase timeout, got %v", rc.PhaseTimeout)
	}
}
