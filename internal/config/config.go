package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Auth        AuthConfig                `json:"auth"`
	Embedding   EmbeddingConfig           `json:"embedding"`
	Memory      MemoryConfig              `json:"memory"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type AuthConfig struct {
	JWTSecret     string   `json:"jwt_secret"`
	TokenTTLHours int      `json:"token_ttl_hours"`
	CookieName    string   `json:"cookie_name"`
	DevTokens     bool     `json:"dev_tokens"`
	AllowedOrigin []string `json:"allowed_origins"`
}

// EmbeddingConfig selects the text embedding backend.
// Provider is one of "openai", "ollama" or "openai-compat".
type EmbeddingConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
}

// MemoryConfig configures the vector memory store. An empty Path keeps
// everything in process memory.
type MemoryConfig struct {
	Path     string `json:"path"`
	Compress bool   `json:"compress"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	Database      string `json:"database"`

	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"system_prompt"`
	Temperature  *float32 `json:"temperature"`

	ShortTermWindow   int `json:"short_term_window"`
	LongTermTopK      int `json:"long_term_top_k"`
	GenerationTimeout int `json:"generation_timeout_seconds"`

	MinWorkers        int `json:"min_workers"`
	MaxWorkers        int `json:"max_workers"`
	QueueSize         int `json:"queue_size"`
	WorkerIdleTimeout int `json:"worker_idle_timeout"`
	PersistRetries    int `json:"persist_retries"`

	MessageRate  float64 `json:"message_rate"`
	MessageBurst int     `json:"message_burst"`
	// minutes without a message before a session is closed; negative disables
	SessionIdleTimeout int `json:"session_idle_timeout"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	dbCfg, ok := cfg.Databases[cfg.BasicConfig.Database]
	if !ok {
		return nil, fmt.Errorf("database %q must be configured", cfg.BasicConfig.Database)
	}
	if isSQLite(cfg.BasicConfig.Database) && dbCfg.DSN != "" && dbCfg.DSN != ":memory:" && !filepath.IsAbs(dbCfg.DSN) && !strings.HasPrefix(dbCfg.DSN, "file:") {
		dbCfg.DSN = filepath.Join(filepath.Dir(absPath), dbCfg.DSN)
		cfg.Databases[cfg.BasicConfig.Database] = dbCfg
	}
	if cfg.Memory.Path != "" && !filepath.IsAbs(cfg.Memory.Path) {
		cfg.Memory.Path = filepath.Join(filepath.Dir(absPath), cfg.Memory.Path)
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret (or JWT_SECRET) must be configured")
	}
	if _, ok := cfg.Providers[cfg.BasicConfig.Provider]; !ok {
		return nil, fmt.Errorf("provider %s not configured", cfg.BasicConfig.Provider)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.Database == "" {
		b.Database = "sqlite3"
	}
	if b.Provider == "" {
		b.Provider = "groq"
	}
	if b.ShortTermWindow <= 0 {
		b.ShortTermWindow = 20
	}
	if b.LongTermTopK <= 0 {
		b.LongTermTopK = 3
	}
	if b.GenerationTimeout <= 0 {
		b.GenerationTimeout = 120
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers * 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 256
	}
	if b.PersistRetries <= 0 {
		b.PersistRetries = 3
	}
	if b.MessageRate <= 0 {
		b.MessageRate = 2
	}
	if b.MessageBurst <= 0 {
		b.MessageBurst = 5
	}
	if b.SessionIdleTimeout == 0 {
		b.SessionIdleTimeout = 30
	}
	if c.Auth.TokenTTLHours <= 0 {
		c.Auth.TokenTTLHours = 24
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "token"
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "ollama"
	}
	if c.Embedding.Model == "" && c.Embedding.Provider == "ollama" {
		c.Embedding.Model = "all-minilm"
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
}

// applyEnv lets secrets live outside the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	for name, prov := range c.Providers {
		if prov.APIKey != "" {
			continue
		}
		if v := os.Getenv(strings.ToUpper(name) + "_API_KEY"); v != "" {
			prov.APIKey = v
			c.Providers[name] = prov
		}
	}
	if c.Embedding.APIKey == "" {
		if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
			c.Embedding.APIKey = v
		}
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
}

func isSQLite(driver string) bool {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}
