// config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Blob      BlobConfig      `yaml:"blob"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Env       string          `yaml:"env"`
}

type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"`
}

type StoreConfig struct {
	Type   string       `yaml:"type"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	Redis  RedisConfig  `yaml:"redis"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BlobConfig struct {
	Type        string   `yaml:"type"`
	Dir         string   `yaml:"dir"`
	MaxFileSize int64    `yaml:"max_file_size"`
	S3          S3Config `yaml:"s3"`
}

type S3Config struct {
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Endpoint  string `yaml:"endpoint"`
}

type SecretsConfig struct {
	DefaultTTLMinutes int           `yaml:"default_ttl_minutes"`
	MaxTTLMinutes     int           `yaml:"max_ttl_minutes"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	RevealPerMin   int  `yaml:"reveal_per_min"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			BaseURL: "http://localhost:8080",
		},
		Store: StoreConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/whisps.db",
			},
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				Password: "",
				DB:       0,
			},
		},
		Blob: BlobConfig{
			Type:        "fs",
			Dir:         "./data/storage",
			MaxFileSize: 10 << 20,
		},
		Secrets: SecretsConfig{
			DefaultTTLMinutes: 60,
			MaxTTLMinutes:     10080, // one week
			CleanupInterval:   time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 50,
			RevealPerMin:   100,
		},
		Env: "production",
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File not found is OK, use defaults
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func (c *Config) loadFromEnv() {
	// Server
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		c.Env = v
	}

	if v := os.Getenv("STORE_TYPE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Store.SQLite.Path = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Store.Redis.DB = db
		}
	}

	if v := os.Getenv("BLOB_TYPE"); v != "" {
		c.Blob.Type = v
	}
	if v := os.Getenv("STORAGE_DIR"); v != "" {
		c.Blob.Dir = v
	}
	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Blob.MaxFileSize = size
		}
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		c.Blob.S3.Region = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		c.Blob.S3.Bucket = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		c.Blob.S3.AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		c.Blob.S3.SecretKey = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		c.Blob.S3.Endpoint = v
	}

	if v := os.Getenv("DEFAULT_TTL_MINUTES"); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil {
			c.Secrets.DefaultTTLMinutes = ttl
		}
	}
	if v := os.Getenv("MAX_TTL_MINUTES"); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil {
			c.Secrets.MaxTTLMinutes = ttl
		}
	}
	if v := os.Getenv("CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Secrets.CleanupInterval = d
		}
	}

	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RequestsPerMin = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_REVEAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RevealPerMin = n
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}

	switch c.Store.Type {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("invalid store type: %s (must be 'memory', 'sqlite' or 'redis')", c.Store.Type)
	}

	if c.Store.Type == "sqlite" && c.Store.SQLite.Path == "" {
		return fmt.Errorf("sqlite path is required when store type is 'sqlite'")
	}

	if c.Store.Type == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when store type is 'redis'")
	}

	switch c.Blob.Type {
	case "fs", "s3":
	default:
		return fmt.Errorf("invalid blob store type: %s (must be 'fs' or 's3')", c.Blob.Type)
	}

	if c.Blob.Type == "fs" && c.Blob.Dir == "" {
		return fmt.Errorf("blob dir is required when blob type is 'fs'")
	}

	if c.Blob.Type == "s3" && c.Blob.S3.Bucket == "" {
		return fmt.Errorf("s3 bucket is required when blob type is 's3'")
	}

	if c.Blob.MaxFileSize <= 0 {
		return fmt.Errorf("max_file_size must be positive")
	}

	if c.Secrets.DefaultTTLMinutes < 1 {
		return fmt.Errorf("default_ttl_minutes must be at least 1")
	}

	if c.Secrets.MaxTTLMinutes < c.Secrets.DefaultTTLMinutes {
		return fmt.Errorf("max_ttl_minutes must be >= default_ttl_minutes")
	}

	if c.Secrets.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive")
	}

	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
