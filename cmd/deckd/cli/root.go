package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"agentdeck/internal/config"
	"agentdeck/internal/db"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	verbose bool
	jsonOut bool
	version = config.Version
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "deckd",
	Short:   "AgentDeck — background engine for remote coding-agent sessions",
	Long:    "AgentDeck keeps a local mirror of your remote coding-agent sessions, fans out batch jobs, nudges stuck sessions, and shepherds bot pull requests through CI.",
	Version: fmt.Sprintf("%s (%s)", version, commit),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output JSON")
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	return nil
}

// resolveConfigPath determines which config file to use.
// Priority: --config flag > ./agentdeck.toml > ~/.config/agentdeck/config.toml.
func resolveConfigPath() (string, error) {
	if cfgPath != "" {
		return cfgPath, nil
	}
	if _, err := os.Stat("agentdeck.toml"); err == nil {
		return "agentdeck.toml", nil
	}
	home, err := os.UserHomeDir()
	if err == nil {
		globalPath := filepath.Join(home, ".config", "agentdeck", "config.toml")
		if _, err := os.Stat(globalPath); err == nil {
			return globalPath, nil
		}
	}
	return "", fmt.Errorf("no config file found. Run 'deckd init' to set up AgentDeck")
}

func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*db.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	// Clean up orphaned WAL sidecar files if the main DB was deleted.
	if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
		_ = os.Remove(cfg.DBPath + "-shm")
		_ = os.Remove(cfg.DBPath + "-wal")
	}
	return db.Open(cfg.DBPath)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
