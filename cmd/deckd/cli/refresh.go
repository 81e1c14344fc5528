package cli

import (
	"fmt"

	"agentdeck/internal/agentapi"
	"agentdeck/internal/cache"
	"agentdeck/internal/github"
	"agentdeck/internal/httputil"

	"github.com/spf13/cobra"
)

var refreshForce bool

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run one session cache refresh cycle now",
	RunE:  runRefresh,
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshForce, "force", false, "refresh every session regardless of age or state")
	rootCmd.AddCommand(refreshCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	settings, err := store.GetSettings(cmd.Context(), cfg.Profile)
	if err != nil {
		return err
	}

	hc := httputil.NewClient(httputil.DefaultMaxInFlight)
	api := agentapi.NewClient(cfg.API.BaseURL, cfg.API.Key, hc)
	gh := github.NewClient(cfg.Tokens.GitHub, hc)

	r := cache.NewRefresher(store, api, gh)
	if err := r.Refresh(cmd.Context(), cache.Options{
		Force:      refreshForce,
		MaxAgeDays: settings.CacheMaxAgeDays,
	}); err != nil {
		return err
	}
	fmt.Println("Cache refreshed.")
	return nil
}
