package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/artpar/pkghost/adapters/sqlite"
	"github.com/artpar/pkghost/config"
	"github.com/artpar/pkghost/core/formatter"
	"github.com/artpar/pkghost/domain/journal"
)

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "Show past bring-ups and teardowns",
	Long: `List recent sessions from the journal, or show the recorded events
of one session.

Examples:
  pkghost history
  pkghost history --limit 5 --output json
  pkghost history 5b0c3e7a-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

var (
	historyLimit  int
	historyDSN    string
	historyOutput string
)

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of sessions to list")
	historyCmd.Flags().StringVar(&historyDSN, "dsn", "", "journal database (default: journal.dsn from config)")
	historyCmd.Flags().StringVarP(&historyOutput, "output", "o", "table", "output format: "+strings.Join(formatter.List(), ", "))
}

var (
	sessionListing = formatter.Listing{
		Kind:    "sessions",
		Columns: []string{"started_at", "outcome", "id", "plan", "error"},
	}
	eventListing = formatter.Listing{
		Kind:    "events",
		Columns: []string{"at", "event", "module", "duration_ms", "error"},
	}
)

func runHistory(cmd *cobra.Command, args []string) error {
	f, ok := formatter.Get(historyOutput)
	if !ok {
		return fmt.Errorf("unknown output format %q", historyOutput)
	}

	dsn := historyDSN
	if dsn == "" {
		cfg, err := config.LoadWithFallback(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		dsn = cfg.Journal.DSN
	}

	db, err := sqlite.Open(dsn)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}

	store := sqlite.NewJournalStore(db)
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	opts := formatter.FormatOptions{}

	if len(args) == 1 {
		sess, err := store.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("session %s: %w", args[0], err)
		}
		entries, err := store.Entries(ctx, sess.ID)
		if err != nil {
			return err
		}
		if err := f.FormatRecord(out, sessionListing, sessionRecord(sess), opts); err != nil {
			return err
		}
		records := make([]map[string]any, len(entries))
		for i, e := range entries {
			records[i] = eventRecord(e)
		}
		printf(out, "\n")
		if err := f.FormatList(out, eventListing, records, opts); err != nil {
			return err
		}
		if f.Name() == "table" {
			printSummary(out, journal.Summarize(sess.ID, entries))
		}
		return nil
	}

	sessions, err := store.Sessions(ctx, historyLimit)
	if err != nil {
		return err
	}
	records := make([]map[string]any, len(sessions))
	for i, s := range sessions {
		records[i] = sessionRecord(s)
	}
	opts.MaxWidth = 60
	return f.FormatList(out, sessionListing, records, opts)
}

func sessionRecord(s journal.Session) map[string]any {
	return map[string]any{
		"id":         s.ID,
		"outcome":    string(s.Outcome),
		"plan":       s.Plan,
		"error":      firstLine(s.Error),
		"started_at": s.StartedAt,
		"ended_at":   s.EndedAt,
	}
}

func eventRecord(e journal.Entry) map[string]any {
	return map[string]any{
		"at":          e.At,
		"event":       e.Event,
		"module":      e.Module,
		"duration_ms": e.DurationMs,
		"error":       firstLine(e.Error),
	}
}

func printSummary(out io.Writer, sum journal.Summary) {
	printf(out, "\nActivated: %s\n", strings.Join(sum.Activated, ", "))
	if len(sum.Absent) > 0 {
		printf(out, "Absent:    %s\n", strings.Join(sum.Absent, ", "))
	}
	if len(sum.Failed) > 0 {
		printf(out, "Failed:    %s\n", strings.Join(sum.Failed, ", "))
	}
	printf(out, "Destroyed: %s\n", strings.Join(sum.Destroyed, ", "))
	printf(out, "  %s teardown mirrors activation\n", mark(sum.Symmetric()))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
