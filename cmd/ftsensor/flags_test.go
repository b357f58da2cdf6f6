package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFlagDefaults(t *testing.T) {
	if *host != "192.168.1.1" || *port != 49152 {
		t.Errorf("device default = %s:%d", *host, *port)
	}
	if *statsInterval != 10*time.Second {
		t.Errorf("stats-interval default = %v", *statsInterval)
	}
	if !*pcapRealtime {
		t.Error("pcap-realtime should default to true")
	}
}

// TestBuildConfig checks that explicitly set flags override the file while
// unset flags leave file values alone.
func TestBuildConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensor.json")
	body := `{"host": "10.0.0.2", "port": 50000, "db_path": "from-file.db", "series_length": 50}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	for name, value := range map[string]string{
		"config":         path,
		"port":           "50001",
		"stats-interval": "3s",
	} {
		if err := flag.CommandLine.Set(name, value); err != nil {
			t.Fatalf("set %s: %v", name, err)
		}
	}

	cfg, err := buildConfig()
	if err != nil {
		t.Fatalf("buildConfig: %v", err)
	}
	if cfg.GetHost() != "10.0.0.2" {
		t.Errorf("host = %s, want file value", cfg.GetHost())
	}
	if cfg.GetPort() != 50001 {
		t.Errorf("port = %d, want flag value", cfg.GetPort())
	}
	if cfg.GetDBPath() != "from-file.db" || cfg.GetSeriesLength() != 50 {
		t.Errorf("db=%s series=%d", cfg.GetDBPath(), cfg.GetSeriesLength())
	}
	if cfg.GetStatsInterval() != 3*time.Second {
		t.Errorf("stats interval = %v", cfg.GetStatsInterval())
	}
}
