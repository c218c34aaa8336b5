package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RPC.ListenAddr == "" {
		t.Fatal("expected a default RPC listen address")
	}
	if cfg.Persist.SegmentBytes <= 0 {
		t.Fatal("expected a positive default segment size")
	}
	if !cfg.Observability.Metrics.Enabled {
		t.Fatal("expected metrics enabled by default")
	}
}

func TestLoadFromFile_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	overrides := map[string]interface{}{
		"gms": map[string]interface{}{
			"node_id":      "node-a",
			"postgres_dsn": "postgres://x",
		},
		"rpc": map[string]interface{}{
			"listen_addr": "127.0.0.1:9999",
		},
	}
	data, err := json.Marshal(overrides)
	if err != nil {
		t.Fatalf("marshal overrides: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.GMS.NodeID != "node-a" {
		t.Fatalf("expected node_id override, got %q", cfg.GMS.NodeID)
	}
	if cfg.RPC.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("expected listen_addr override, got %q", cfg.RPC.ListenAddr)
	}
	if cfg.Persist.SegmentBytes != DefaultConfig().Persist.SegmentBytes {
		t.Fatalf("expected untouched field to keep its default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GROUPCAST_NODE_ID", "node-env")
	t.Setenv("GROUPCAST_LISTEN_ADDR", "0.0.0.0:1234")
	t.Setenv("GROUPCAST_ARCHIVE_ENABLED", "true")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.GMS.NodeID != "node-env" {
		t.Fatalf("expected node id from env, got %q", cfg.GMS.NodeID)
	}
	if cfg.RPC.ListenAddr != "0.0.0.0:1234" {
		t.Fatalf("expected listen addr from env, got %q", cfg.RPC.ListenAddr)
	}
	if !cfg.Archive.Enabled {
		t.Fatal("expected archive enabled from env")
	}
}
