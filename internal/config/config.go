package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	API      struct {
		BaseURL        string `json:"base_url"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		MaxConcurrent  int    `json:"max_concurrent"`
	} `json:"api"`
	Realtime struct {
		BaseDelayMS    int `json:"base_delay_ms"`
		MaxDelayMS     int `json:"max_delay_ms"`
		MaxAttempts    int `json:"max_attempts"`
		TypingWindowMS int `json:"typing_window_ms"`
	} `json:"realtime"`
	Storage struct {
		Driver string `json:"driver"`
	} `json:"storage"`
	Chat struct {
		Estimator string `json:"estimator"`
		Model     string `json:"model"`
	} `json:"chat"`
	Auth struct {
		Username string `json:"username"`
		Password string `json:"password,omitempty"`
	} `json:"auth"`
}

// Default returns the built-in configuration used before any file or
// environment overrides are applied.
func Default() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".diagchat"),
		LogLevel: "info",
	}
	cfg.API.BaseURL = "http://localhost:8000/api"
	cfg.API.TimeoutSeconds = 30
	cfg.API.MaxConcurrent = 8
	cfg.Realtime.BaseDelayMS = 1000
	cfg.Realtime.MaxDelayMS = 30000
	cfg.Realtime.MaxAttempts = 5
	cfg.Realtime.TypingWindowMS = 3000
	cfg.Storage.Driver = "file"
	cfg.Chat.Estimator = "heuristic"
	cfg.Chat.Model = "gpt-4"
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
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// A missing .env is fine; variables already set in the environment win.
	_ = godotenv.Load()

	// Override from env (highest precedence)
	if v := os.Getenv("DIAGCHAT_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("DIAGCHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DIAGCHAT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DIAGCHAT_STORAGE"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("DIAGCHAT_PASSWORD"); v != "" {
		cfg.Auth.Password = v
	}

	return cfg, nil
}

// Validate checks every known setting against its kind. Load does not call
// it so that `config set` can still repair a broken file.
func (c *Config) Validate() error {
	flat, err := ListValues(c, false)
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range Keys() {
		v, ok := flat[k]
		if !ok || keys[k].kind == kindString {
			continue
		}
		text := fmt.Sprint(v)
		if f, isNum := v.(float64); isNum {
			text = strconv.FormatFloat(f, 'f', -1, 64)
		}
		if _, err := parseSetting(k, text); err != nil {
			errs = append(errs, err)
		}
	}
	if err := checkDelays(flat); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Timeout is the per-request REST timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// TypingWindow is how long a typing indicator stays visible.
func (c *Config) TypingWindow() time.Duration {
	return time.Duration(c.Realtime.TypingWindowMS) * time.Millisecond
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeDefaults(path string, cfg *Config) error {
	if err := Save(path, cfg); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
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

// ToMap round-trips cfg through JSON into a generic nested map.
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

// ListValues flattens cfg into dot-separated keys, masking secrets if asked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// Setting sources reported by Settings.
const (
	SourceDefault = "default"
	SourceFile    = "file"
	SourceEnv     = "env"
)

// Setting is one effective value and where it came from.
type Setting struct {
	Key    string
	Value  any
	Source string
}

// Settings lists every known key of cfg with secrets masked. A value set
// through its environment variable reports SourceEnv even when it happens
// to equal the default.
func Settings(cfg *Config) ([]Setting, error) {
	flat, err := ListValues(cfg, true)
	if err != nil {
		return nil, err
	}
	defaults, err := ListValues(Default(), true)
	if err != nil {
		return nil, err
	}
	out := make([]Setting, 0, len(keys))
	for _, k := range Keys() {
		v, ok := flat[k]
		if !ok {
			v = ""
		}
		source := SourceFile
		switch {
		case EnvVar(k) != "" && os.Getenv(EnvVar(k)) != "":
			source = SourceEnv
		case v == defaults[k] || (!ok && defaults[k] == nil):
			source = SourceDefault
		}
		out = append(out, Setting{Key: k, Value: v, Source: source})
	}
	return out, nil
}

// GetValue reads a single dot-separated key from the config file at path.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	flat, err := readFlat(path)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue writes a single key into the config file at path. Known keys
// are validated and typed; a misspelt key inside a known section such as
// storage.drvier is rejected. Other keys are stored as a bool or number when
// they parse as one, otherwise as a string, so hand-edited settings survive.
func SetValue(path, key, raw string) error {
	flat, err := readFlat(path)
	if err != nil {
		return err
	}
	v, err := parseSetting(key, raw)
	if err != nil {
		return err
	}
	flat[key] = v
	if err := checkDelays(flat); err != nil {
		return err
	}
	data, err := json.MarshalIndent(unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func readFlat(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return flatten(m), nil
}

// checkDelays rejects a reconnect backoff whose cap is below its base.
func checkDelays(flat map[string]any) error {
	base, okBase := intValue(flat["realtime.base_delay_ms"])
	ceiling, okMax := intValue(flat["realtime.max_delay_ms"])
	if okBase && okMax && ceiling < base {
		return fmt.Errorf("realtime.max_delay_ms (%d) must not be below realtime.base_delay_ms (%d)", ceiling, base)
	}
	return nil
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}
