package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/pulsepoint/pulsetree/internal/database/repositories"
	"github.com/pulsepoint/pulsetree/pkg/models"
	"github.com/pulsepoint/pulsetree/pkg/utils"
	"github.com/spf13/cobra"
)

// historyCmd reads the change journal written by serve --journal
var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "Show recorded serve sessions and their changes",
	Long: `Without arguments, list every session recorded in the journal, newest
first. With a session id (or a unique prefix of one), print its change
records after --after.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().Uint64("after", 0, "Only show records with a cursor greater than this")
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of records to show (0 for all)")
	historyCmd.Flags().String("delete", "", "Delete the given session from the journal")
	historyCmd.Flags().String("since", "", "Only list sessions started within this long (e.g. 2h, 7d)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	after, _ := cmd.Flags().GetUint64("after")
	limit, _ := cmd.Flags().GetInt("limit")
	toDelete, _ := cmd.Flags().GetString("delete")
	since, _ := cmd.Flags().GetString("since")

	db, err := openJournal(cfg.Journal.Path, toDelete == "")
	if err != nil {
		return err
	}
	defer db.Close()

	repo := repositories.NewJournalRepository(db)
	out := cmd.OutOrStdout()

	sessions, err := repo.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if toDelete != "" {
		info, err := findSession(sessions, toDelete)
		if err != nil {
			return err
		}
		if err := repo.DeleteSession(info.SessionID); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		fmt.Fprintf(out, "🗑️  Deleted session %s\n", info.SessionID)
		return nil
	}

	if len(args) == 0 {
		if since != "" {
			window, err := utils.ParseDuration(since)
			if err != nil {
				return fmt.Errorf("invalid --since %q: %w", since, err)
			}
			sessions = startedWithin(sessions, window, time.Now())
		}
		printSessions(out, sessions)
		return nil
	}

	info, err := findSession(sessions, args[0])
	if err != nil {
		return err
	}
	records, err := repo.ReadRecords(info.SessionID, after, limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "📜 Session %s (%s), started %s\n\n",
		info.SessionID, info.ProjectName, info.StartTime.Format(time.RFC3339))
	if len(records) == 0 {
		fmt.Fprintf(out, "No changes after cursor %d\n", after)
		return nil
	}
	for _, rec := range records {
		fmt.Fprintf(out, "%6d  %s\n", rec.Cursor, describeRecord(rec))
	}
	return nil
}

// findSession resolves an id or a unique id prefix
func findSession(sessions []repositories.SessionInfo, id string) (repositories.SessionInfo, error) {
	var matches []repositories.SessionInfo
	for _, s := range sessions {
		if s.SessionID == id {
			return s, nil
		}
		if strings.HasPrefix(s.SessionID, id) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return repositories.SessionInfo{}, fmt.Errorf("no session %s in the journal", id)
	case 1:
		return matches[0], nil
	default:
		return repositories.SessionInfo{}, fmt.Errorf("session prefix %s is ambiguous (%d matches)", id, len(matches))
	}
}

func startedWithin(sessions []repositories.SessionInfo, window time.Duration, now time.Time) []repositories.SessionInfo {
	var recent []repositories.SessionInfo
	for _, s := range sessions {
		if now.Sub(s.StartTime) <= window {
			recent = append(recent, s)
		}
	}
	return recent
}

func printSessions(out io.Writer, sessions []repositories.SessionInfo) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions recorded. Run 'pulsetree serve --journal' to record one.")
		return
	}

	fmt.Fprintf(out, "%-36s  %-20s  %-25s  %-12s  %s\n", "SESSION", "PROJECT", "STARTED", "AGE", "LAST CURSOR")
	for _, s := range sessions {
		fmt.Fprintf(out, "%-36s  %-20s  %-25s  %-12s  %d\n",
			s.SessionID, s.ProjectName, s.StartTime.Format(time.RFC3339),
			utils.FormatDuration(time.Since(s.StartTime)), s.LastCursor)
	}
}

func describeRecord(rec models.ChangeRecord) string {
	switch rec.Kind {
	case models.ChangeAdd:
		if rec.Instance != nil {
			return fmt.Sprintf("➕ add %s %s (%s) under %s",
				rec.ID, rec.Instance.Name, rec.Instance.ClassName, rec.Instance.Parent)
		}
		return fmt.Sprintf("➕ add %s", rec.ID)
	case models.ChangeRemove:
		return fmt.Sprintf("🗑️  remove %s", rec.ID)
	case models.ChangeUpdateProperties:
		var changed []string
		if rec.ChangedName != nil {
			changed = append(changed, "Name="+*rec.ChangedName)
		}
		if rec.ChangedClassName != nil {
			changed = append(changed, "ClassName="+*rec.ChangedClassName)
		}
		props := make([]string, 0, len(rec.ChangedProperties))
		for name := range rec.ChangedProperties {
			props = append(props, name)
		}
		sort.Strings(props)
		changed = append(changed, props...)
		return fmt.Sprintf("✏️  update %s [%s]", rec.ID, strings.Join(changed, ", "))
	case models.ChangeUpdateChildren:
		return fmt.Sprintf("🔀 reorder %s (%d children)", rec.ID, len(rec.Children))
	default:
		return rec.String()
	}
}
