/*
config.go - Application configuration

PURPOSE:
  Reads settings from LEDGER_* environment variables, an optional YAML
  file and CLI flags bound by cmd/server. Precedence is viper's:
  flag > env > file > default.

KEYS:
  app.env               development | staging | production
  log.level             trace | debug | info | warn | error
  http.host, http.port  listen address
  db.path               SQLite file, ":memory:" for a throwaway ledger
  auth.jwt_secret       HS256 signing key for bearer tokens
  auth.issuer           expected "iss" claim, empty accepts any
  cors.allowed_origins  comma separated origins for the web client
  query.cache_size      dashboard cache entries, negative disables
  scheduler.sync_interval    fold foreign writes this often, 0 disables
  scheduler.verify_interval  replay and verify this often, 0 disables

SEE ALSO:
  - cmd/server/main.go: Flag binding
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "LEDGER"

type Config struct {
	App       AppConfig
	Log       LogConfig
	HTTP      HTTPConfig
	DB        DBConfig
	Auth      AuthConfig
	CORS      CORSConfig
	Query     QueryConfig
	Scheduler SchedulerConfig
}

type AppConfig struct {
	Env string
}

func (c AppConfig) IsDevelopment() bool { return c.Env == "development" }

type LogConfig struct {
	Level string
}

type HTTPConfig struct {
	Host string
	Port int
}

// Addr returns host:port for net/http.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DBConfig struct {
	Path string
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type QueryConfig struct {
	CacheSize int
}

type SchedulerConfig struct {
	SyncInterval   time.Duration
	VerifyInterval time.Duration
}

// New returns a viper instance with defaults and environment binding set.
// Callers bind flags into it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app.env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("db.path", "ledger.db")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("query.cache_size", 256)
	v.SetDefault("scheduler.sync_interval", "5s")
	v.SetDefault("scheduler.verify_interval", "1h")
	return v
}

// Load reads the optional config file and resolves every key. An empty
// file looks for ledger.yaml in the working directory and ignores its
// absence; an explicit file must exist.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("ledger")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{
		App:   AppConfig{Env: v.GetString("app.env")},
		Log:   LogConfig{Level: v.GetString("log.level")},
		HTTP:  HTTPConfig{Host: v.GetString("http.host"), Port: v.GetInt("http.port")},
		DB:    DBConfig{Path: v.GetString("db.path")},
		Auth:  AuthConfig{JWTSecret: v.GetString("auth.jwt_secret"), Issuer: v.GetString("auth.issuer")},
		CORS:  CORSConfig{AllowedOrigins: splitList(v.GetStringSlice("cors.allowed_origins"))},
		Query: QueryConfig{CacheSize: v.GetInt("query.cache_size")},
		Scheduler: SchedulerConfig{
			SyncInterval:   v.GetDuration("scheduler.sync_interval"),
			VerifyInterval: v.GetDuration("scheduler.verify_interval"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.DB.Path == "" {
		return errors.New("db.path is required")
	}
	if c.Scheduler.SyncInterval < 0 || c.Scheduler.VerifyInterval < 0 {
		return errors.New("scheduler intervals must not be negative")
	}
	if c.Auth.JWTSecret == "" && !c.App.IsDevelopment() {
		return fmt.Errorf("auth.jwt_secret is required in %s", c.App.Env)
	}
	return nil
}

// splitList accepts both YAML lists and "a,b" strings from the environment.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
