package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

type LLMConfig struct {
	Provider         string  `json:"provider"`
	BaseURL          string  `json:"base_url"`
	APIKey           string  `json:"api_key"`
	Model            string  `json:"model"`
	MaxTokens        int     `json:"max_tokens"`
	Temperature      float32 `json:"temperature"`
	MaxContextTokens int     `json:"max_context_tokens"`
	OutputReserve    int     `json:"output_reserve"`
	SystemPrompt     string  `json:"system_prompt"`
}

type DBConfig struct {
	Driver   string `json:"driver"`
	Path     string `json:"path"`
	Host     string `json:"host"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type HTTPConfig struct {
	Listen      string   `json:"listen"`
	CORSOrigins []string `json:"cors_origins"`
}

type AuthConfig struct {
	Secret   string `json:"secret"`
	TokenTTL string `json:"token_ttl"`
}

type StreamConfig struct {
	RecordPartial bool `json:"record_partial"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

type MaintenanceConfig struct {
	Schedule   string `json:"schedule"`
	StaleAfter string `json:"stale_after"`
}

type Config struct {
	DataDir       string            `json:"data_dir"`
	LogLevel      string            `json:"log_level"`
	MaxConcurrent int               `json:"max_concurrent"`
	LLM           LLMConfig         `json:"llm"`
	DB            DBConfig          `json:"db"`
	HTTP          HTTPConfig        `json:"http"`
	Auth          AuthConfig        `json:"auth"`
	Stream        StreamConfig      `json:"stream"`
	Telegram      TelegramConfig    `json:"telegram"`
	Maintenance   MaintenanceConfig `json:"maintenance"`
}

const (
	defaultTokenTTL   = 24 * time.Hour
	defaultStaleAfter = 7 * 24 * time.Hour
)

// Defaults returns the built-in configuration.
func Defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".ticketdesk"),
		LogLevel:      "info",
		MaxConcurrent: 4,
	}
	cfg.LLM.Provider = "groq"
	cfg.LLM.BaseURL = "https://api.groq.com/openai/v1"
	cfg.LLM.Model = "llama3-8b-8192"
	cfg.LLM.MaxTokens = 1024
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 8192
	cfg.LLM.OutputReserve = 1024
	cfg.DB.Driver = "sqlite"
	cfg.DB.Host = "localhost:3306"
	cfg.DB.Name = "ticketdesk"
	cfg.HTTP.Listen = "127.0.0.1:8000"
	cfg.HTTP.CORSOrigins = []string{"http://localhost:3000"}
	cfg.Auth.TokenTTL = defaultTokenTTL.String()
	cfg.Maintenance.Schedule = "0 3 * * *"
	cfg.Maintenance.StaleAfter = defaultStaleAfter.String()
	return cfg
}

// Load reads the config file at path, writing defaults (with a freshly
// generated auth secret) if it does not exist. The file is JSON; comments
// and trailing commas are tolerated. Variables from an optional
// .env file in the working directory and the process environment override
// file values.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.Auth.Secret = secret
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg from the environment (highest precedence).
// For the LLM key, later entries win over earlier ones.
func applyEnv(cfg *Config) error {
	for _, name := range []string{"OPENAI_API_KEY", "GROQ_API_KEY", "TICKETDESK_LLM_API_KEY"} {
		if v := os.Getenv(name); v != "" {
			cfg.LLM.APIKey = v
		}
	}
	strs := map[string]*string{
		"OPENAI_BASE_URL":        &cfg.LLM.BaseURL,
		"TICKETDESK_AUTH_SECRET": &cfg.Auth.Secret,
		"TICKETDESK_DB_DRIVER":   &cfg.DB.Driver,
		"DB_HOST":                &cfg.DB.Host,
		"DB_USER":                &cfg.DB.User,
		"DB_PASS":                &cfg.DB.Password,
		"DB_NAME":                &cfg.DB.Name,
		"TELEGRAM_BOT_TOKEN":     &cfg.Telegram.Token,
		"TICKETDESK_LISTEN":      &cfg.HTTP.Listen,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Telegram.ChatID = id
	}
	return nil
}

// Validate checks enumerations and durations. Empty values fall back to
// defaults and are accepted.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", c.LogLevel)
	}
	switch c.DB.Driver {
	case "", "sqlite", "mysql":
	default:
		return fmt.Errorf("db.driver: unsupported driver %q", c.DB.Driver)
	}
	if _, err := c.TokenTTL(); err != nil {
		return err
	}
	if _, err := c.StaleAfter(); err != nil {
		return err
	}
	return nil
}

// TokenTTL returns auth.token_ttl as a duration.
func (c *Config) TokenTTL() (time.Duration, error) {
	return parseDuration("auth.token_ttl", c.Auth.TokenTTL, defaultTokenTTL)
}

// StaleAfter returns maintenance.stale_after as a duration.
func (c *Config) StaleAfter() (time.Duration, error) {
	return parseDuration("maintenance.stale_after", c.Maintenance.StaleAfter, defaultStaleAfter)
}

// DBPath returns the sqlite database file, defaulting to data_dir/tickets.db.
func (c *Config) DBPath() string {
	if c.DB.Path != "" {
		return c.DB.Path
	}
	return filepath.Join(c.DataDir, "tickets.db")
}

func parseDuration(key, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive", key)
	}
	return d, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate auth secret: %w", err)
	}
	return hex.EncodeToString(b), nil
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

// ToMap converts cfg to a nested map via its JSON representation.
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

// ListValues returns cfg as flat dot-separated keys, optionally masking secrets.
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

// GetValue returns the raw file value for a dot-separated key. A missing
// file is created with defaults first.
func GetValue(path, key string) (any, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if _, err := Load(path); err != nil {
			return nil, err
		}
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

// SetValue sets a known dot-separated key in the existing config file. value is
// parsed as JSON when possible (numbers, booleans, arrays) and stored as a
// string otherwise.
func SetValue(path, key, value string) error {
	if !KnownKey(key) {
		return fmt.Errorf("unknown config key: %s", key)
	}
	flat, err := readFlat(path)
	if err != nil {
		return err
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}
	flat[key] = parsed

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
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
	if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return Flatten(m), nil
}
