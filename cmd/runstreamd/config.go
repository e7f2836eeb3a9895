package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// config holds the service settings. Values come from the optional YAML
// config file; command line flags override whatever the file set.
type config struct {
	HTTPAddr      string   `yaml:"http_addr"`
	Backend       string   `yaml:"backend"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	MongoURI      string   `yaml:"mongo_uri"`
	MongoDB       string   `yaml:"mongo_database"`
	RunTimeout    duration `yaml:"run_timeout"`
	CancelGrace   duration `yaml:"cancel_grace"`
	EventTTL      duration `yaml:"event_ttl"`
	EventCap      int      `yaml:"event_cap"`
	Heartbeat     duration `yaml:"heartbeat"`
	StreamTimeout duration `yaml:"stream_timeout"`
	RateLimit     float64  `yaml:"rate_limit"`
	RateBurst     int      `yaml:"rate_burst"`
	InputSchema   string   `yaml:"input_schema"`
	Debug         bool     `yaml:"debug"`
}

// duration accepts Go duration strings ("30s", "2m") in the config file.
// yaml.v3 has no native time.Duration support.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = duration(parsed)
	return nil
}

func defaultConfig() config {
	return config{
		HTTPAddr:  ":8080",
		Backend:   "inmem",
		RedisAddr: "localhost:6379",
		MongoDB:   "runstream",
	}
}

// loadConfig overlays the YAML file at path, when given, onto the
// defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
