package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Monitor MonitorConfig `yaml:"monitor"`
	Client  ClientConfig  `yaml:"client"`
}

// ServerConfig locates the realtime endpoint and the credential pair used
// for the connection handshake.
type ServerConfig struct {
	Origin    string `yaml:"origin"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Token     string `yaml:"token"`
	UserID    string `yaml:"user_id"`
}

// MonitorConfig sets the polling cadence of the condition and rule
// monitors and the trigger executor.
type MonitorConfig struct {
	ConditionInterval time.Duration `yaml:"condition_interval"`
	RuleInterval      time.Duration `yaml:"rule_interval"`
	TriggerInterval   time.Duration `yaml:"trigger_interval"`
}

// ClientConfig describes the embedding page reported in the handshake and
// in client-context updates.
type ClientConfig struct {
	PageURL        string        `yaml:"page_url"`
	ViewportWidth  int           `yaml:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height"`
	ContextReport  time.Duration `yaml:"context_report_interval"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Origin:    "wss://app.usertour.local",
			Path:      "socket",
			Namespace: "v1",
		},
		Monitor: MonitorConfig{
			ConditionInterval: time.Second,
			RuleInterval:      time.Second,
			TriggerInterval:   time.Second,
		},
		Client: ClientConfig{
			ViewportWidth:  1280,
			ViewportHeight: 800,
			ContextReport:  30 * time.Second,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	if c.Server.UserID == "" {
		return fmt.Errorf("server.user_id is required")
	}
	if c.Monitor.ConditionInterval < 0 || c.Monitor.RuleInterval < 0 || c.Monitor.TriggerInterval < 0 {
		return fmt.Errorf("monitor intervals must not be negative")
	}
	return nil
}
