package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/coworker/internal/daemon"
	"github.com/harun/coworker/pkg/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect stored sessions",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Print a session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionHistoryLimit int

func init() {
	sessionShowCmd.Flags().IntVar(&sessionHistoryLimit, "history", 0, "also print the last N supervisor history entries")
	sessionCmd.AddCommand(sessionShowCmd)
	rootCmd.AddCommand(sessionCmd)
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := daemon.NewStore(cfg, zerolog.Nop())
	if err != nil {
		return err
	}
	defer store.Close()

	return showSession(cmd, store, args[0], sessionHistoryLimit)
}

func showSession(cmd *cobra.Command, store session.Store, userID string, historyLimit int) error {
	ctx := contextOrBackground(cmd)
	st, err := store.Get(ctx, userID)
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("no session for user %q", userID)
	}
	if err != nil {
		return err
	}

	out := map[string]any{"session": st}
	if historyLimit > 0 {
		history, err := store.RecentHistory(ctx, userID, historyLimit)
		if err != nil {
			return err
		}
		out["history"] = history
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
