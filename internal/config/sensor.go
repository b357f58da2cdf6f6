package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SensorConfig is the daemon configuration file. Every field is optional;
// the Get* accessors supply defaults for anything the file leaves out.
type SensorConfig struct {
	// Device
	Host            *string     `json:"host,omitempty"`
	Port            *int        `json:"port,omitempty"`
	CountsPerForce  *uint32     `json:"counts_per_force,omitempty"`
	CountsPerTorque *uint32     `json:"counts_per_torque,omitempty"`
	ForceBias       *[3]float64 `json:"force_bias,omitempty"`
	TorqueBias      *[3]float64 `json:"torque_bias,omitempty"`

	// Transport
	ForwardAddr   *string `json:"forward_addr,omitempty"`
	ReadBuffer    *int    `json:"rcvbuf,omitempty"`
	StatsInterval *string `json:"stats_interval,omitempty"` // duration string like "10s"
	PCAPFile      *string `json:"pcap_file,omitempty"`
	PCAPRealtime  *bool   `json:"pcap_realtime,omitempty"`

	// Consumers
	Listen       *string `json:"listen,omitempty"`
	SeriesLength *int    `json:"series_length,omitempty"`
	DBPath       *string `json:"db_path,omitempty"`
	RecordBatch  *int    `json:"record_batch,omitempty"`
	RecordFlush  *string `json:"record_flush,omitempty"` // duration string like "1s"
}

const maxConfigFileSize = 1 * 1024 * 1024 // 1MB

// LoadSensorConfig reads and validates a JSON config file. Fields omitted
// from the file keep their defaults, so partial configs are safe.
func LoadSensorConfig(path string) (*SensorConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &SensorConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that are set.
func (c *SensorConfig) Validate() error {
	if c.Port != nil && (*c.Port < 1 || *c.Port > 65535) {
		return fmt.Errorf("port must be between 1 and 65535, got %d", *c.Port)
	}
	if c.CountsPerForce != nil && *c.CountsPerForce == 0 {
		return fmt.Errorf("counts_per_force must be non-zero")
	}
	if c.CountsPerTorque != nil && *c.CountsPerTorque == 0 {
		return fmt.Errorf("counts_per_torque must be non-zero")
	}
	if c.SeriesLength != nil && *c.SeriesLength <= 0 {
		return fmt.Errorf("series_length must be positive, got %d", *c.SeriesLength)
	}
	if c.RecordBatch != nil && *c.RecordBatch <= 0 {
		return fmt.Errorf("record_batch must be positive, got %d", *c.RecordBatch)
	}
	if c.ReadBuffer != nil && *c.ReadBuffer < 0 {
		return fmt.Errorf("rcvbuf must be non-negative, got %d", *c.ReadBuffer)
	}

	for name, v := range map[string]*string{
		"stats_interval": c.StatsInterval,
		"record_flush":   c.RecordFlush,
	} {
		if v == nil || *v == "" {
			continue
		}
		if _, err := time.ParseDuration(*v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
	}
	return nil
}

func (c *SensorConfig) GetHost() string {
	if c.Host == nil {
		return "192.168.1.1"
	}
	return *c.Host
}

func (c *SensorConfig) GetPort() int {
	if c.Port == nil {
		return 49152
	}
	return *c.Port
}

// GetCountsPerForce returns the force divisor or the default.
func (c *SensorConfig) GetCountsPerForce() uint32 {
	if c.CountsPerForce == nil {
		return 1000000
	}
	return *c.CountsPerForce
}

// GetCountsPerTorque returns the torque divisor or the default.
func (c *SensorConfig) GetCountsPerTorque() uint32 {
	if c.CountsPerTorque == nil {
		return 1000000
	}
	return *c.CountsPerTorque
}

func (c *SensorConfig) GetForceBias() [3]float64 {
	if c.ForceBias == nil {
		return [3]float64{}
	}
	return *c.ForceBias
}

func (c *SensorConfig) GetTorqueBias() [3]float64 {
	if c.TorqueBias == nil {
		return [3]float64{}
	}
	return *c.TorqueBias
}

// GetForwardAddr returns the packet mirror address. Empty disables forwarding.
func (c *SensorConfig) GetForwardAddr() string {
	if c.ForwardAddr == nil {
		return ""
	}
	return *c.ForwardAddr
}

// GetReadBuffer returns the socket receive buffer size in bytes.
func (c *SensorConfig) GetReadBuffer() int {
	if c.ReadBuffer == nil {
		return 1 << 20
	}
	return *c.ReadBuffer
}

// GetStatsInterval parses and returns StatsInterval as a time.Duration.
func (c *SensorConfig) GetStatsInterval() time.Duration {
	return parseDurationOr(c.StatsInterval, 10*time.Second)
}

// GetPCAPFile returns the capture to replay. Empty means live UDP.
func (c *SensorConfig) GetPCAPFile() string {
	if c.PCAPFile == nil {
		return ""
	}
	return *c.PCAPFile
}

func (c *SensorConfig) GetPCAPRealtime() bool {
	if c.PCAPRealtime == nil {
		return true
	}
	return *c.PCAPRealtime
}

func (c *SensorConfig) GetListen() string {
	if c.Listen == nil {
		return ":8082"
	}
	return *c.Listen
}

func (c *SensorConfig) GetSeriesLength() int {
	if c.SeriesLength == nil {
		return 1000
	}
	return *c.SeriesLength
}

// GetDBPath returns the recording database path. Empty disables recording.
func (c *SensorConfig) GetDBPath() string {
	if c.DBPath == nil {
		return "ftsensor.db"
	}
	return *c.DBPath
}

func (c *SensorConfig) GetRecordBatch() int {
	if c.RecordBatch == nil {
		return 256
	}
	return *c.RecordBatch
}

// GetRecordFlush parses and returns RecordFlush as a time.Duration.
func (c *SensorConfig) GetRecordFlush() time.Duration {
	return parseDurationOr(c.RecordFlush, time.Second)
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def // default on parse error
	}
	return d
}
