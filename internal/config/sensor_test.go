package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestSensorConfig_Defaults(t *testing.T) {
	cfg := &SensorConfig{}

	type view struct {
		Host            string
		Port            int
		CountsPerForce  uint32
		CountsPerTorque uint32
		ForceBias       [3]float64
		Listen          string
		DBPath          string
		ReadBuffer      int
		StatsInterval   time.Duration
		SeriesLength    int
		RecordBatch     int
		RecordFlush     time.Duration
		PCAPRealtime    bool
	}
	got := view{
		Host:            cfg.GetHost(),
		Port:            cfg.GetPort(),
		CountsPerForce:  cfg.GetCountsPerForce(),
		CountsPerTorque: cfg.GetCountsPerTorque(),
		ForceBias:       cfg.GetForceBias(),
		Listen:          cfg.GetListen(),
		DBPath:          cfg.GetDBPath(),
		ReadBuffer:      cfg.GetReadBuffer(),
		StatsInterval:   cfg.GetStatsInterval(),
		SeriesLength:    cfg.GetSeriesLength(),
		RecordBatch:     cfg.GetRecordBatch(),
		RecordFlush:     cfg.GetRecordFlush(),
		PCAPRealtime:    cfg.GetPCAPRealtime(),
	}
	want := view{
		Host:            "192.168.1.1",
		Port:            49152,
		CountsPerForce:  1000000,
		CountsPerTorque: 1000000,
		Listen:          ":8082",
		DBPath:          "ftsensor.db",
		ReadBuffer:      1 << 20,
		StatsInterval:   10 * time.Second,
		SeriesLength:    1000,
		RecordBatch:     256,
		RecordFlush:     time.Second,
		PCAPRealtime:    true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
	if cfg.GetForwardAddr() != "" || cfg.GetPCAPFile() != "" {
		t.Error("forwarding and replay should be disabled by default")
	}
}

func TestLoadSensorConfig(t *testing.T) {
	path := writeConfig(t, "sensor.json", `{
  "host": "10.0.0.5",
  "port": 50000,
  "counts_per_force": 1000,
  "torque_bias": [0.1, 0.2, 0.3],
  "stats_interval": "2s",
  "db_path": "",
  "pcap_file": "capture.pcap",
  "pcap_realtime": false
}`)

	cfg, err := LoadSensorConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.GetHost() != "10.0.0.5" || cfg.GetPort() != 50000 {
		t.Errorf("device = %s:%d", cfg.GetHost(), cfg.GetPort())
	}
	if cfg.GetCountsPerForce() != 1000 {
		t.Errorf("GetCountsPerForce() = %d, want 1000", cfg.GetCountsPerForce())
	}
	// omitted fields keep their defaults
	if cfg.GetCountsPerTorque() != 1000000 {
		t.Errorf("GetCountsPerTorque() = %d, want default", cfg.GetCountsPerTorque())
	}
	if diff := cmp.Diff([3]float64{0.1, 0.2, 0.3}, cfg.GetTorqueBias()); diff != "" {
		t.Errorf("torque bias mismatch (-want +got):\n%s", diff)
	}
	if cfg.GetStatsInterval() != 2*time.Second {
		t.Errorf("GetStatsInterval() = %v", cfg.GetStatsInterval())
	}
	if cfg.GetDBPath() != "" {
		t.Errorf("explicit empty db_path should disable recording, got %q", cfg.GetDBPath())
	}
	if cfg.GetPCAPFile() != "capture.pcap" || cfg.GetPCAPRealtime() {
		t.Errorf("pcap = %q realtime=%v", cfg.GetPCAPFile(), cfg.GetPCAPRealtime())
	}
}

func TestLoadSensorConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"extension", "sensor.yaml", `{}`, ".json extension"},
		{"bad json", "sensor.json", `{"port":`, "failed to parse"},
		{"port range", "sensor.json", `{"port": 70000}`, "port must be between"},
		{"zero force scale", "sensor.json", `{"counts_per_force": 0}`, "counts_per_force must be non-zero"},
		{"zero torque scale", "sensor.json", `{"counts_per_torque": 0}`, "counts_per_torque must be non-zero"},
		{"series length", "sensor.json", `{"series_length": 0}`, "series_length must be positive"},
		{"duration", "sensor.json", `{"record_flush": "soon"}`, "invalid record_flush"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.body)
			_, err := LoadSensorConfig(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadSensorConfig_TooLarge(t *testing.T) {
	body := `{"host": "` + strings.Repeat("a", maxConfigFileSize) + `"}`
	path := writeConfig(t, "big.json", body)
	if _, err := LoadSensorConfig(path); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestLoadSensorConfig_Missing(t *testing.T) {
	if _, err := LoadSensorConfig(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestGetDuration_FallsBackOnParseError(t *testing.T) {
	bad := "later"
	cfg := &SensorConfig{StatsInterval: &bad}
	if got := cfg.GetStatsInterval(); got != 10*time.Second {
		t.Errorf("GetStatsInterval() = %v, want default", got)
	}
}
