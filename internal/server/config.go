package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/mspconf/internal/fc"
	"github.com/shaunagostinho/mspconf/internal/fcconfig"
	"github.com/shaunagostinho/mspconf/internal/logger"
	"github.com/shaunagostinho/mspconf/internal/msp"
)

// DefaultConfigPath is where LoadConfig looks when no path is given.
const DefaultConfigPath = "/etc/mspconf/config.yaml"

// Config holds all configurator settings.
type Config struct {
	mu sync.RWMutex

	// Flight controller link
	Connection ConnectionConfig `yaml:"connection" json:"connection"`

	// Request timeouts
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`

	// CLI fallback
	CLI CLIConfig `yaml:"cli" json:"cli"`

	// Status polling
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	// MSP exchange trace
	Trace logger.Config `yaml:"trace" json:"trace"`

	// Logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type ConnectionConfig struct {
	Device      string `yaml:"device" json:"device"` // "auto", /dev/ttyACM0, tcp://host:5760, udp://host:port
	BaudRate    int    `yaml:"baud_rate" json:"baudRate"`
	Protocol    string `yaml:"protocol" json:"protocol"` // "v1" or "v2"; iNav switches to v2 regardless
	Demo        bool   `yaml:"demo" json:"demo"`
	DemoVariant string `yaml:"demo_variant" json:"demoVariant"` // INAV, BTFL or CLFL
}

type TimeoutConfig struct {
	RequestMs     int `yaml:"request_ms" json:"requestMs"`
	InavMs        int `yaml:"inav_ms" json:"inavMs"` // iNav answers slower
	StaleWindowMs int `yaml:"stale_window_ms" json:"staleWindowMs"`
}

type CLIConfig struct {
	PromptWaitMs   int  `yaml:"prompt_wait_ms" json:"promptWaitMs"`
	LineDelayMs    int  `yaml:"line_delay_ms" json:"lineDelayMs"`
	ExitDelayMs    int  `yaml:"exit_delay_ms" json:"exitDelayMs"`
	SaveDelayMs    int  `yaml:"save_delay_ms" json:"saveDelayMs"`
	SaveAfterWrite bool `yaml:"save_after_write" json:"saveAfterWrite"`
	ForceLegacy    bool `yaml:"force_legacy" json:"forceLegacy"` // every write over the CLI
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	PollMs  int  `yaml:"poll_ms" json:"pollMs"`
}

type LoggingConfig struct {
	Level string `yaml:"level" json:"level"` // debug, info, warn, error
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Device:      "auto",
			BaudRate:    115200,
			Protocol:    "v1",
			DemoVariant: fc.VariantInav,
		},
		Timeouts: TimeoutConfig{
			RequestMs:     1000,
			InavMs:        3000,
			StaleWindowMs: 3000,
		},
		CLI: CLIConfig{
			PromptWaitMs:   1500,
			LineDelayMs:    100,
			ExitDelayMs:    500,
			SaveDelayMs:    1000,
			SaveAfterWrite: true,
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
			PollMs:  200,
		},
		Trace: logger.Config{
			Enabled: false,
			Path:    "/var/log/mspconf",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: MSP_DEVICE, MSP_BAUD, MSP_VERSION, MSP_TIMEOUT_MS,
// MSP_INAV_TIMEOUT_MS, MSP_DEMO, LISTEN_ADDR, LOG_LEVEL, TRACE_ENABLED,
// TRACE_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MSP_DEVICE"); v != "" {
		c.Connection.Device = v
	}
	if v := os.Getenv("MSP_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Connection.BaudRate = n
		}
	}
	if v := os.Getenv("MSP_VERSION"); v != "" {
		c.Connection.Protocol = v
	}
	if v := os.Getenv("MSP_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Timeouts.RequestMs = n
		}
	}
	if v := os.Getenv("MSP_INAV_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Timeouts.InavMs = n
		}
	}
	if v := os.Getenv("MSP_DEMO"); v != "" {
		c.Connection.Demo = truthy(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TRACE_ENABLED"); v != "" {
		c.Trace.Enabled = truthy(v)
	}
	if v := os.Getenv("TRACE_PATH"); v != "" {
		c.Trace.Path = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ConnOptions derives the per-connection options.
func (c *Config) ConnOptions() fc.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v := msp.V1
	if strings.EqualFold(c.Connection.Protocol, "v2") {
		v = msp.V2
	}
	return fc.Options{
		Version:      v,
		Timeout:      ms(c.Timeouts.RequestMs),
		InavTimeout:  ms(c.Timeouts.InavMs),
		StaleWindow:  ms(c.Timeouts.StaleWindowMs),
		PollInterval: ms(c.Telemetry.PollMs),
		ForceLegacy:  c.CLI.ForceLegacy,
		CLI: fc.CLITimings{
			PromptWait: ms(c.CLI.PromptWaitMs),
			LineDelay:  ms(c.CLI.LineDelayMs),
			ExitDelay:  ms(c.CLI.ExitDelayMs),
			SaveDelay:  ms(c.CLI.SaveDelayMs),
		},
	}
}

// ServiceOptions derives the config service options.
func (c *Config) ServiceOptions() fcconfig.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fcconfig.Options{SaveAfterCLI: c.CLI.SaveAfterWrite}
}

// LogLevel parses the configured level, defaulting to info.
func (c *Config) LogLevel() log.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lvl, err := log.ParseLevel(c.Logging.Level)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// TraceEnabled reports whether the exchange trace is switched on.
func (c *Config) TraceEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Trace.Enabled
}

func (c *Config) telemetryEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Telemetry.Enabled
}

// Link returns a copy of the link settings.
func (c *Config) Link() ConnectionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Connection
}

// Listen returns the HTTP listen address.
func (c *Config) Listen() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.ListenAddr
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
