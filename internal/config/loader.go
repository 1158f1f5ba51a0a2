package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Loader reads the YAML config file and keeps the last good copy.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string
}

// NewLoader creates a Loader holding DefaultConfig until Load succeeds.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load reads and validates the config at path. On error the previous config
// stays in effect.
func (l *Loader) Load(path string) error {
	cfg, err := readFile(path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the file passed to the last successful Load.
func (l *Loader) Reload() error {
	path := l.FilePath()
	if path == "" {
		return errors.New("no config file loaded")
	}
	return l.Load(path)
}

// Get returns the current config. Callers must not modify it.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the loaded file, or "" before Load.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that yaml decoding cannot.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Analysis.Engine {
	case "heuristic", "llm":
	default:
		return fmt.Errorf("analysis.engine must be heuristic or llm, got %q", c.Analysis.Engine)
	}
	if c.Store.MaxTransactions < 0 {
		return errors.New("store.max_transactions must not be negative")
	}
	seen := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		if r.Name == "" {
			return fmt.Errorf("rules[%d]: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("rules[%d]: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} references. Unset
// variables without a default become empty.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := envVarPattern.FindStringSubmatch(m)
		if v, ok := os.LookupEnv(parts[1]); ok && v != "" {
			return v
		}
		return parts[2]
	})
}

const defaultTemplate = `# PacketMind configuration
server:
  port: 8765
  log_level: info      # debug, info, warn, error
  cors: false

capture:
  listen: 127.0.0.1:8080
  autostart: false
  upstream_timeout: 30s
  max_body_bytes: 0    # 0 = unlimited

store:
  max_transactions: 0  # 0 = unbounded
  subscriber_buffer: 256
  index_path: ":memory:"

# Domain filters. A transaction whose host or URL contains a pattern is tagged "filtered".
filters: []

# Tagging rules. Conditions are CEL over tx.method, tx.url, tx.domain, tx.scheme, tx.path, tx.query.
rules:
  - name: insecure
    condition: 'tx.scheme == "http"'
  - name: auth
    condition: 'tx.path.contains("login") || tx.path.contains("oauth")'
    alert: false

analysis:
  engine: heuristic    # heuristic or llm
  base_url: ""
  api_key: ${OPENAI_API_KEY:-}
  model: gpt-4o-mini
  timeout: 30s

alerts:
  slack:
    webhook_url: ""
    channel: ""
  webhook:
    url: ""
    secret: ""
`

// GenerateDefault writes a starter config file. It refuses to overwrite an
// existing file.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
