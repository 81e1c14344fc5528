package cli

import (
	"fmt"
	"sort"
	"strconv"

	"agentdeck/internal/db"

	"github.com/spf13/cobra"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show automation settings",
	RunE:  runSettingsShow,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one automation setting; the daemon picks it up on its next tick",
	Args:  cobra.ExactArgs(2),
	RunE:  runSettingsSet,
}

func init() {
	settingsCmd.AddCommand(settingsSetCmd)
	rootCmd.AddCommand(settingsCmd)
}

type settingField struct {
	get func(db.Settings) string
	set func(*db.Settings, string) error
}

// settingFields maps CLI keys onto Settings fields. Bool fields accept
// true/false, int fields a non-negative number, string fields free text.
var settingFields = map[string]settingField{
	"cache.interval_secs":    intField(func(s *db.Settings) *int { return &s.CacheIntervalSecs }),
	"cache.max_age_days":     intField(func(s *db.Settings) *int { return &s.CacheMaxAgeDays }),
	"batch.enabled":          boolField(func(s *db.Settings) *bool { return &s.BatchEnabled }),
	"batch.interval_secs":    intField(func(s *db.Settings) *int { return &s.BatchIntervalSecs }),
	"approve.enabled":        boolField(func(s *db.Settings) *bool { return &s.ApproveEnabled }),
	"approve.interval_secs":  intField(func(s *db.Settings) *int { return &s.ApproveIntervalSecs }),
	"retry.enabled":          boolField(func(s *db.Settings) *bool { return &s.RetryEnabled }),
	"retry.interval_secs":    intField(func(s *db.Settings) *int { return &s.RetryIntervalSecs }),
	"retry.message":          strField(func(s *db.Settings) *string { return &s.RetryMessage }),
	"continue.enabled":       boolField(func(s *db.Settings) *bool { return &s.ContinueEnabled }),
	"continue.interval_secs": intField(func(s *db.Settings) *int { return &s.ContinueIntervalSecs }),
	"continue.message":       strField(func(s *db.Settings) *string { return &s.ContinueMessage }),
	"pr.enabled":             boolField(func(s *db.Settings) *bool { return &s.PREnabled }),
	"pr.interval_secs":       intField(func(s *db.Settings) *int { return &s.PRIntervalSecs }),
	"pr.comment_limit":       intField(func(s *db.Settings) *int { return &s.PRCommentLimit }),
	"pr.rerun_enabled":       boolField(func(s *db.Settings) *bool { return &s.PRRerunEnabled }),
	"pr.automerge_enabled":   boolField(func(s *db.Settings) *bool { return &s.PRAutomergeEnabled }),
	"reaper.enabled":         boolField(func(s *db.Settings) *bool { return &s.ReaperEnabled }),
	"reaper.interval_secs":   intField(func(s *db.Settings) *int { return &s.ReaperIntervalSecs }),
	"reaper.max_age_days":    intField(func(s *db.Settings) *int { return &s.ReaperMaxAgeDays }),
}

func intField(f func(*db.Settings) *int) settingField {
	return settingField{
		get: func(s db.Settings) string { return strconv.Itoa(*f(&s)) },
		set: func(s *db.Settings, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return fmt.Errorf("expected a non-negative integer, got %q", v)
			}
			*f(s) = n
			return nil
		},
	}
}

func boolField(f func(*db.Settings) *bool) settingField {
	return settingField{
		get: func(s db.Settings) string { return strconv.FormatBool(*f(&s)) },
		set: func(s *db.Settings, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("expected true or false, got %q", v)
			}
			*f(s) = b
			return nil
		},
	}
}

func strField(f func(*db.Settings) *string) settingField {
	return settingField{
		get: func(s db.Settings) string { return *f(&s) },
		set: func(s *db.Settings, v string) error {
			if v == "" {
				return fmt.Errorf("value must not be empty")
			}
			*f(s) = v
			return nil
		},
	}
}

// applySetting mutates one field of st by key.
func applySetting(st *db.Settings, key, value string) error {
	field, ok := settingFields[key]
	if !ok {
		return fmt.Errorf("unknown setting %q (see 'deckd settings')", key)
	}
	return field.set(st, value)
}

func runSettingsShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.GetSettings(cmd.Context(), cfg.Profile)
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(st)
		return nil
	}

	keys := make([]string, 0, len(settingFields))
	for k := range settingFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-24s %s\n", k, settingFields[k].get(st))
	}
	return nil
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.GetSettings(cmd.Context(), cfg.Profile)
	if err != nil {
		return err
	}
	if err := applySetting(&st, args[0], args[1]); err != nil {
		return err
	}
	if err := store.SaveSettings(cmd.Context(), st); err != nil {
		return err
	}
	fmt.Printf("%s = %s\n", args[0], settingFields[args[0]].get(st))
	return nil
}
