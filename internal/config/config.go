package config

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

const (
	StorePostgres = "postgres"
	StoreBadger   = "badger"

	DirectoryPostgres = "postgres"
	DirectoryFile     = "file"
)

// Env holds the raw settings read from RESIDENCE_CHAT_* environment
// variables. Command-line flags are applied on top before NewConfig.
type Env struct {
	Addr           string   `envconfig:"ADDR" default:"localhost:8000"`
	DSN            string   `envconfig:"DSN" default:"host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"`
	DBDriver       string   `envconfig:"DB_DRIVER" default:"postgres"`
	SigningKey     string   `envconfig:"SIGNING_KEY"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`
	Store          string   `envconfig:"STORE" default:"postgres"`
	BadgerPath     string   `envconfig:"BADGER_PATH"`
	Directory      string   `envconfig:"DIRECTORY" default:"postgres"`
	DirectoryFile  string   `envconfig:"DIRECTORY_FILE"`
	RedisAddr      string   `envconfig:"REDIS_ADDR"`
	Migrate        bool     `envconfig:"MIGRATE" default:"false"`
}

// LoadEnv reads the environment into an Env.
func LoadEnv() (Env, error) {
	var env Env
	if err := envconfig.Process("residence_chat", &env); err != nil {
		return Env{}, fmt.Errorf("process env: %w", err)
	}
	return env, nil
}

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	DatabaseDriver string
	SigningKey     []byte
	AllowedOrigins []string
	Store          string
	BadgerPath     string
	Directory      string
	DirectoryFile  string
	RedisAddr      string
	Migrate        bool
}

// UsesPostgres reports whether any component needs a database connection.
func (c *Config) UsesPostgres() bool {
	return c.Store == StorePostgres || c.Directory == DirectoryPostgres
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(env Env) (*Config, error) {
	if env.Addr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if env.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(env.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	cfg := &Config{
		ServerAddr:     env.Addr,
		DatabaseDSN:    env.DSN,
		DatabaseDriver: env.DBDriver,
		SigningKey:     signingKey,
		AllowedOrigins: env.AllowedOrigins,
		Store:          env.Store,
		BadgerPath:     env.BadgerPath,
		Directory:      env.Directory,
		DirectoryFile:  env.DirectoryFile,
		RedisAddr:      env.RedisAddr,
		Migrate:        env.Migrate,
	}

	switch cfg.Store {
	case StorePostgres, StoreBadger:
	default:
		return nil, fmt.Errorf("unknown message store %q", cfg.Store)
	}

	switch cfg.Directory {
	case DirectoryPostgres:
	case DirectoryFile:
		if cfg.DirectoryFile == "" {
			return nil, fmt.Errorf("directory file cannot be empty")
		}
	default:
		return nil, fmt.Errorf("unknown directory %q", cfg.Directory)
	}

	if cfg.UsesPostgres() {
		if cfg.DatabaseDSN == "" {
			return nil, fmt.Errorf("database DSN cannot be empty")
		}
		if cfg.DatabaseDriver != "postgres" && cfg.DatabaseDriver != "pgx" {
			return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
		}
	}

	return cfg, nil
}
