package config

import (
	"fmt"
	"time"

	"limitgate/internal/policy"
)

// Config is the process configuration, loaded once at startup. Durations
// are typed here and validated at load; nothing parses duration strings at
// call time.
type Config struct {
	Server   ServerConfig             `koanf:"server"`
	Engine   EngineConfig             `koanf:"engine"`
	Logging  LoggingConfig            `koanf:"logging"`
	Policies map[string]policy.Policy `koanf:"policies"`
}

// ServerConfig holds the HTTP listeners.
type ServerConfig struct {
	HTTPAddr    string `koanf:"http_addr"`
	MetricsAddr string `koanf:"metrics_addr"`
}

// EngineConfig tunes the background tasks and the counter store.
type EngineConfig struct {
	SweepInterval  time.Duration `koanf:"sweep_interval"`
	DetectInterval time.Duration `koanf:"detect_interval"`
	DetectLookback time.Duration `koanf:"detect_lookback"`
	StoreRetention time.Duration `koanf:"store_retention"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:    ":8080",
			MetricsAddr: ":9090",
		},
		Engine: EngineConfig{
			SweepInterval:  time.Minute,
			DetectInterval: 30 * time.Second,
			DetectLookback: 5 * time.Minute,
			StoreRetention: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Policies: policy.Defaults(),
	}
}

// Validate checks invariants the koanf layers cannot express.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr must not be empty")
	}
	if c.Engine.SweepInterval <= 0 {
		return fmt.Errorf("engine.sweep_interval must be positive")
	}
	if c.Engine.DetectInterval <= 0 {
		return fmt.Errorf("engine.detect_interval must be positive")
	}
	if c.Engine.DetectLookback <= 0 {
		return fmt.Errorf("engine.detect_lookback must be positive")
	}
	if c.Engine.StoreRetention < c.Engine.DetectLookback {
		return fmt.Errorf("engine.store_retention (%s) must cover engine.detect_lookback (%s)",
			c.Engine.StoreRetention, c.Engine.DetectLookback)
	}
	return nil
}
