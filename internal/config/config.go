package config

import (
	"time"

	"github.com/packetmind/packetmind/internal/filter"
)

// Config is the top-level PacketMind configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Capture  CaptureConfig  `yaml:"capture"`
	Store    StoreConfig    `yaml:"store"`
	Filters  []string       `yaml:"filters"`
	Rules    []filter.Rule  `yaml:"rules"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	CORS     bool   `yaml:"cors"`
}

type CaptureConfig struct {
	Listen          string        `yaml:"listen"`
	Autostart       bool          `yaml:"autostart"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"` // 0 = unlimited
}

type StoreConfig struct {
	MaxTransactions  int    `yaml:"max_transactions"` // 0 = unbounded
	SubscriberBuffer int    `yaml:"subscriber_buffer"`
	IndexPath        string `yaml:"index_path"` // ":memory:" or a file path
}

type AnalysisConfig struct {
	Engine  string        `yaml:"engine"` // heuristic, llm
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type AlertsConfig struct {
	Slack   SlackAlertConfig   `yaml:"slack"`
	Webhook WebhookAlertConfig `yaml:"webhook"`
}

type SlackAlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookAlertConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8765,
			LogLevel: "info",
		},
		Capture: CaptureConfig{
			Listen:          "127.0.0.1:8080",
			UpstreamTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			SubscriberBuffer: 256,
			IndexPath:        ":memory:",
		},
		Analysis: AnalysisConfig{
			Engine:  "heuristic",
			Model:   "gpt-4o-mini",
			Timeout: 30 * time.Second,
		},
	}
}
