package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	Stream        struct {
		StreamURL            string `json:"stream_url"`
		FallbackURL          string `json:"fallback_url"`
		MaxReconnectAttempts int    `json:"max_reconnect_attempts"`
		ReconnectDelayMS     int    `json:"reconnect_delay_ms"`
		MaxReconnectDelayMS  int    `json:"max_reconnect_delay_ms"`
		EnableFallback       bool   `json:"enable_fallback"`
		FallbackTimeoutMS    int    `json:"fallback_timeout_ms"`
	} `json:"stream"`
	Auth struct {
		Token string `json:"token"`
	} `json:"auth"`
	Customer struct {
		ID string `json:"id"`
	} `json:"customer"`
	Metrics struct {
		Listen string `json:"listen"`
	} `json:"metrics"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".chatstream"),
		LogLevel:      "info",
		MaxConcurrent: 2,
	}
	cfg.Stream.StreamURL = "http://localhost:8080/api/chat/stream"
	cfg.Stream.FallbackURL = "http://localhost:8080/api/chat"
	cfg.Stream.MaxReconnectAttempts = 3
	cfg.Stream.ReconnectDelayMS = 1000
	cfg.Stream.MaxReconnectDelayMS = 30000
	cfg.Stream.EnableFallback = true
	cfg.Stream.FallbackTimeoutMS = 60000
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if token := os.Getenv("CHATSTREAM_TOKEN"); token != "" {
		cfg.Auth.Token = token
	}
	if streamURL := os.Getenv("CHATSTREAM_STREAM_URL"); streamURL != "" {
		cfg.Stream.StreamURL = streamURL
	}
	if fallbackURL := os.Getenv("CHATSTREAM_FALLBACK_URL"); fallbackURL != "" {
		cfg.Stream.FallbackURL = fallbackURL
	}
	if customerID := os.Getenv("CHATSTREAM_CUSTOMER_ID"); customerID != "" {
		cfg.Customer.ID = customerID
	}

	return cfg, nil
}

// ReconnectDelay is the base backoff delay before the first reconnect.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Stream.ReconnectDelayMS) * time.Millisecond
}

// MaxReconnectDelay caps the backoff delay. Zero means uncapped.
func (c *Config) MaxReconnectDelay() time.Duration {
	return time.Duration(c.Stream.MaxReconnectDelayMS) * time.Millisecond
}

func (c *Config) FallbackTimeout() time.Duration {
	return time.Duration(c.Stream.FallbackTimeoutMS) * time.Millisecond
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its generic JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns every setting of cfg under its dotted key.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// readRaw reads the config file as a generic map so keys unknown to Config
// survive a get/set round trip.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the value stored under a dotted key. The config file is
// created with defaults if it does not exist yet.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dotted key in an existing config file.
// Known keys are checked against their rule first, so a bad value never
// reaches the file. Other keys keep the JSON type of value when it parses.
func SetValue(path, key, value string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}

	parsed, err := parseValue(key, value)
	if err != nil {
		return err
	}

	flat := Flatten(m)
	flat[key] = parsed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}
