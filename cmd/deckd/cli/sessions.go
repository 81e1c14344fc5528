package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List cached sessions",
	RunE:  runSessions,
}

var sessionsState string

func init() {
	sessionsCmd.Flags().StringVar(&sessionsState, "state", "", "filter by session state")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListCachedSessions(cmd.Context())
	if err != nil {
		return err
	}
	if sessionsState != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if s.State == sessionsState {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}

	if jsonOut {
		printJSON(sessions)
		return nil
	}
	if len(sessions) == 0 {
		fmt.Println("No cached sessions.")
		return nil
	}
	for _, s := range sessions {
		marker := " "
		if s.PRMerged {
			marker = "M"
		} else if s.PRURL != "" {
			marker = "P"
		}
		title := s.Title
		if len(title) > 48 {
			title = title[:45] + "..."
		}
		fmt.Printf("%s %-28s %-24s %s\n", marker, s.ID, s.State, title)
	}
	return nil
}
