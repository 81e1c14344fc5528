package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const Version = "0.1.0"

// Config is the static TOML configuration: file locations, credentials,
// and the repositories the daemon watches. Dynamic automation settings
// live in the database and are read fresh on every worker tick.
type Config struct {
	DBPath   string `toml:"db_path"`
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`
	Profile  string `toml:"profile"`

	API    APIConfig    `toml:"api"`
	Tokens TokensConfig `toml:"tokens"`
	Bot    BotConfig    `toml:"bot"`
	Daemon DaemonConfig `toml:"daemon"`

	Repos []RepoConfig `toml:"repos"`

	// Resolved at runtime (not in TOML).
	BaseDir string `toml:"-"`
}

type APIConfig struct {
	BaseURL string `toml:"base_url"`
	Key     string `toml:"key"`
}

type TokensConfig struct {
	GitHub string `toml:"github"`
}

// BotConfig identifies the automation account so the PR monitor and the
// branch reaper only touch bot-owned work.
type BotConfig struct {
	Login string `toml:"login"`
}

type DaemonConfig struct {
	PIDFile string `toml:"pid_file"`
}

type RepoConfig struct {
	Owner string `toml:"owner"`
	Name  string `toml:"name"`
}

func (r RepoConfig) String() string {
	return r.Owner + "/" + r.Name
}

// Load reads and validates the TOML config at path. Credentials present in
// the environment override values from the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.BaseDir = filepath.Dir(path)
	applyDefaults(cfg)
	applyEnv(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.BaseDir, "agentdeck.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Profile == "" {
		cfg.Profile = "default"
	}
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "https://api.agentsessions.dev"
	}
	if cfg.Bot.Login == "" {
		cfg.Bot.Login = "agentdeck[bot]"
	}
	if cfg.Daemon.PIDFile == "" {
		cfg.Daemon.PIDFile = filepath.Join(cfg.BaseDir, "deckd.pid")
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTDECK_API_KEY"); v != "" {
		cfg.API.Key = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.Tokens.GitHub = v
	}
}

func validate(cfg *Config) error {
	for i, r := range cfg.Repos {
		if r.Owner == "" || r.Name == "" {
			return fmt.Errorf("repos[%d]: owner and name are required", i)
		}
	}
	if cfg.API.Key == "" {
		slog.Warn("no session API key configured; session workers will idle")
	}
	if cfg.Tokens.GitHub == "" && len(cfg.Repos) > 0 {
		slog.Warn("no github token configured; PR monitor and reaper will idle")
	}
	return nil
}

// SlogLevel maps the configured log level string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
