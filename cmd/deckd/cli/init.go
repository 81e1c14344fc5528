package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config to ~/.config/agentdeck/config.toml",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config")
	rootCmd.AddCommand(initCmd)
}

const configTemplate = `# AgentDeck configuration.
# Credentials can also come from the environment:
#   AGENTDECK_API_KEY  session API key
#   GITHUB_TOKEN       github token

# db_path = "agentdeck.db"
# log_level = "info"
# log_file = "deckd.log"

[api]
# base_url = "https://api.agentsessions.dev"
# key = ""

[tokens]
# github = ""

[bot]
# login = "agentdeck[bot]"

# Repositories watched by the PR monitor and the branch reaper.
# [[repos]]
# owner = "my-org"
# name = "my-service"
`

func runInit(cmd *cobra.Command, args []string) error {
	path := cfgPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, ".config", "agentdeck", "config.toml")
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Edit it (or export AGENTDECK_API_KEY / GITHUB_TOKEN), then run 'deckd start'.")
	return nil
}
