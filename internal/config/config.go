// Package config loads daemon and CLI settings from INI files and ENHANCE_* environment variables.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/enhance.ini"
	envPrefix        = "ENHANCE_"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Store backends.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config describes runtime options for enhanced and enhancectl.
type Config struct {
	Environment string
	HTTPAddress string
	BaseURL     string // API address used by enhancectl
	LogFile     string
	LogLevel    string

	AuthSecret   string
	AuthDisabled bool

	// Session store
	StoreBackend       string // redis|memory
	RedisURL           string
	RedisDB            int
	RedisKeyPrefix     string
	SessionTTL         time.Duration
	StoreProbeInterval time.Duration

	// Usage ledger: a sqlite path or a postgres:// DSN. Empty disables the ledger.
	LedgerDSN             string
	LedgerAsync           bool
	LedgerMaxOpenConns    int
	LedgerMaxIdleConns    int
	LedgerConnMaxLifetime time.Duration

	// Backends
	DefaultBackend   string
	FallbackBackends []string
	UseMockBackend   bool
	ForceMockBackend bool // route every session to the mock backend
	MockChunkDelay   time.Duration
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	ClaudeAPIKey     string
	ClaudeBaseURL    string
	ClaudeModel      string
	ClaudeVersion    string
	GeminiAPIKey     string
	GeminiBaseURL    string
	GeminiModel      string
	BackendTimeout   time.Duration
	Temperature      float64
	MaxTokens        int
	StreamLockTTL    time.Duration

	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   float64

	PricingFile     string
	PIIPatternsFile string
}

// Load reads the current environment and merges its enhance.ini over setting.ini. Environment
// variables named ENHANCE_<KEY> win over both files.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	return fromValues(s.Environment, merged)
}

func fromValues(env string, merged map[string]string) (Config, error) {
	get := func(key string) string {
		return strings.TrimSpace(firstNonEmpty(os.Getenv(envPrefix+strings.ToUpper(key)), merged[key]))
	}
	p := &parser{get: get}

	cfg := Config{
		Environment:  env,
		HTTPAddress:  firstNonEmpty(get("http_address"), ":8081"),
		LogFile:      get("log_file"),
		LogLevel:     strings.ToLower(firstNonEmpty(get("log_level"), "info")),
		AuthSecret:   firstNonEmpty(get("auth_secret"), "enhance-dev-secret"),
		AuthDisabled: parseOptionalBool(get("auth_disabled"), env == defaultEnv),

		StoreBackend:       strings.ToLower(firstNonEmpty(get("store_backend"), StoreRedis)),
		RedisURL:           firstNonEmpty(get("redis_url"), "redis://localhost:6379"),
		RedisDB:            p.int("redis_db", 0),
		RedisKeyPrefix:     firstNonEmpty(get("redis_key_prefix"), "enhance:"),
		SessionTTL:         p.duration("session_ttl", time.Hour),
		StoreProbeInterval: p.duration("store_probe_interval", 10*time.Second),

		LedgerDSN:             firstNonEmpty(get("ledger_dsn"), DefaultLedgerPath()),
		LedgerAsync:           parseOptionalBool(get("ledger_async"), false),
		LedgerMaxOpenConns:    p.int("ledger_max_open_conns", 20),
		LedgerMaxIdleConns:    p.int("ledger_max_idle_conns", 10),
		LedgerConnMaxLifetime: p.duration("ledger_conn_max_lifetime", time.Hour),

		DefaultBackend:   strings.ToLower(firstNonEmpty(get("default_backend"), "openai")),
		FallbackBackends: parseCSV(firstNonEmpty(get("fallback_backends"), "claude,gemini")),
		UseMockBackend:   parseOptionalBool(get("use_mock_backend"), false),
		ForceMockBackend: parseOptionalBool(get("force_mock_backend"), false),
		MockChunkDelay:   p.duration("mock_chunk_delay", 200*time.Millisecond),
		OpenAIAPIKey:     get("openai_api_key"),
		OpenAIBaseURL:    get("openai_base_url"),
		OpenAIModel:      get("openai_model"),
		ClaudeAPIKey:     get("claude_api_key"),
		ClaudeBaseURL:    get("claude_base_url"),
		ClaudeModel:      get("claude_model"),
		ClaudeVersion:    firstNonEmpty(get("claude_version"), "2023-06-01"),
		GeminiAPIKey:     get("gemini_api_key"),
		GeminiBaseURL:    get("gemini_base_url"),
		GeminiModel:      get("gemini_model"),
		BackendTimeout:   p.duration("backend_timeout", 60*time.Second),
		Temperature:      p.float("temperature", 0.7),
		MaxTokens:        p.int("max_tokens", 2000),
		StreamLockTTL:    p.duration("stream_lock_ttl", 10*time.Minute),

		RateLimitEnabled: parseOptionalBool(get("rate_limit_enabled"), true),
		RateLimitRPS:     p.float("rate_limit_rps", 10.0/60.0),
		RateLimitBurst:   p.float("rate_limit_burst", 10),

		PricingFile:     get("pricing_file"),
		PIIPatternsFile: get("pii_patterns_file"),
	}
	cfg.BaseURL = firstNonEmpty(get("base_url"), baseURLFor(cfg.HTTPAddress))
	for i, name := range cfg.FallbackBackends {
		cfg.FallbackBackends[i] = strings.ToLower(name)
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("config: invalid store_backend %q (want redis or memory)", c.StoreBackend)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	if !c.AuthDisabled && c.AuthSecret == "" {
		return errors.New("config: auth_secret required when auth is enabled")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("config: temperature %v out of range [0,2]", c.Temperature)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("config: max_tokens must be positive, got %d", c.MaxTokens)
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return errors.New("config: rate_limit_rps and rate_limit_burst must be positive")
	}
	return nil
}

// LedgerIsPostgres reports whether LedgerDSN points at PostgreSQL.
func (c Config) LedgerIsPostgres() bool {
	return strings.HasPrefix(c.LedgerDSN, "postgres://") || strings.HasPrefix(c.LedgerDSN, "postgresql://")
}

// parser accumulates the first conversion error so Load can report it once.
type parser struct {
	get func(string) string
	err error
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := p.get(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return d
}

func (p *parser) int(key string, fallback int) int {
	v := p.get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	v := p.get(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return f
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config: invalid %s %q: %w", key, value, err)
	}
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: firstNonEmpty(os.Getenv(envPrefix+"ENV"), defaultEnv), Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv(envPrefix+"ENV"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(input, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func baseURLFor(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

// DefaultLedgerPath returns the sqlite ledger location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".", ".enhance", "ledger.db")
	}
	return filepath.Join(home, ".enhance", "ledger.db")
}
