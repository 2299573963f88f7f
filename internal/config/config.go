// Package config loads the YAML configuration for the hudp-sender and
// hudp-receiver CLI drivers, grounded on
// cmd/session-service/config/config.go's field-with-default shape.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the top-level CLI configuration.
type Config struct {
	Listen  ListenConfig  `yaml:"Listen"`
	Sender  SenderConfig  `yaml:"Sender"`
	Receiver ReceiverConfig `yaml:"Receiver"`
	FEC     FECConfig     `yaml:"FEC"`
	Emulator EmulatorConfig `yaml:"Emulator"`
	Metrics MetricsConfig `yaml:"Metrics"`
	Log     LogConfig     `yaml:"Log"`
}

// ListenConfig is the local bind address and, for the sender driver, the
// peer to dial.
type ListenConfig struct {
	Addr string `yaml:"Addr"`
	Peer string `yaml:"Peer,omitempty"`
}

// SenderConfig mirrors reliability.SenderConfig's tunables.
type SenderConfig struct {
	WindowSize       uint16        `yaml:"WindowSize"`
	InitialRTO       time.Duration `yaml:"InitialRTO"`
	MinRTO           time.Duration `yaml:"MinRTO"`
	MaxRTO           time.Duration `yaml:"MaxRTO"`
	MaxRetries       int           `yaml:"MaxRetries"`
	InitialCwnd      float64       `yaml:"InitialCwnd"`
	SsthreshFloor    float64       `yaml:"SsthreshFloor"`
	DupAckThreshold  int           `yaml:"DupAckThreshold"`
	SendBlockTimeout time.Duration `yaml:"SendBlockTimeout"`
}

// ReceiverConfig mirrors reliability.ReceiverConfig's tunables.
type ReceiverConfig struct {
	WindowSize    uint16        `yaml:"WindowSize"`
	MaxBuffer     uint16        `yaml:"MaxBuffer"`
	SkipThreshold time.Duration `yaml:"SkipThreshold"`
	SkipTick      time.Duration `yaml:"SkipTick"`
}

// FECConfig mirrors mux.FECConfig.
type FECConfig struct {
	Enabled       bool          `yaml:"Enabled"`
	DataShards    int           `yaml:"DataShards"`
	ParityShards  int           `yaml:"ParityShards"`
	GroupLifetime time.Duration `yaml:"GroupLifetime"`
}

// EmulatorConfig mirrors emulator.Config.
type EmulatorConfig struct {
	Enable   bool    `yaml:"Enable"`
	LossRate float64 `yaml:"LossRate"`
	DelayMs  int     `yaml:"DelayMs"`
	JitterMs int     `yaml:"JitterMs"`
}

// MetricsConfig controls the CSV export path.
type MetricsConfig struct {
	CSVPath string `yaml:"CSVPath,omitempty"`
}

// LogConfig controls zap construction.
type LogConfig struct {
	Level string `yaml:"Level"` // debug, info, warn, error
}

// Default returns the baseline defaults for every sub-component.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr: "0.0.0.0:9500",
		},
		Sender: SenderConfig{
			WindowSize:       64,
			InitialRTO:       200 * time.Millisecond,
			MinRTO:           100 * time.Millisecond,
			MaxRTO:           4 * time.Second,
			MaxRetries:       10,
			InitialCwnd:      10,
			SsthreshFloor:    10,
			DupAckThreshold:  3,
			SendBlockTimeout: time.Second,
		},
		Receiver: ReceiverConfig{
			WindowSize:    64,
			MaxBuffer:     256,
			SkipThreshold: 2 * time.Second,
			SkipTick:      250 * time.Millisecond,
		},
		FEC: FECConfig{
			Enabled:       false,
			DataShards:    4,
			ParityShards:  2,
			GroupLifetime: 500 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads and parses filename, falling back to Default() when the file
// doesn't exist, matching cmd/session-service/main.go's loadConfig.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}
	return cfg, nil
}
