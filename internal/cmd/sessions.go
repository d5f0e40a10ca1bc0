package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/verso/internal/store"
	"github.com/inercia/verso/internal/transcript"
)

var (
	sessionsProject   string
	sessionsRetention string
	exportOutput      string
)

// sessionsCmd groups the session maintenance subcommands.
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and manage persisted sessions",
	Long: `Inspect the session archive without starting any engines.

Sessions are stored under the Verso data directory, one directory per
session with a metadata record and the message transcript.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sessions, newest first",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session as markdown or HTML",
	Long: `Export a session transcript to a file.

The format follows the output file extension: .html produces a
standalone HTML page, anything else markdown.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsExport,
}

var sessionsRmCmd = &cobra.Command{
	Use:   "rm <session-id>...",
	Short: "Delete sessions from the archive",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionsRm,
}

var sessionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete sessions older than the retention period",
	RunE:  runSessionsCleanup,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsExportCmd)
	sessionsCmd.AddCommand(sessionsRmCmd)
	sessionsCmd.AddCommand(sessionsCleanupCmd)

	sessionsListCmd.Flags().StringVar(&sessionsProject, "project", "", "Only list sessions belonging to this project")
	sessionsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: <session-id>.md)")
	sessionsCleanupCmd.Flags().StringVar(&sessionsRetention, "older-than", "30d", "Retention period, e.g. 24h, 7d, 4w")
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	st, err := store.Open()
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	records, err := st.List(sessionsProject)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	for _, rec := range records {
		title := rec.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %-12s  %-40s  %s\n",
			rec.ID, rec.Engine, title, rec.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	st, err := store.Open()
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	rec, err := st.Load(args[0])
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	title := rec.Title
	if title == "" {
		title = rec.ID
	}
	fmt.Printf("%s\n", title)
	fmt.Printf("  Engine: %s   Created: %s   Messages: %d\n\n",
		rec.Engine, rec.CreatedAt.Format("2006-01-02 15:04"), len(rec.Messages))

	for _, msg := range rec.Messages {
		switch {
		case msg.Tool != nil:
			fmt.Printf("⏺ %s%s\n", msg.Tool.Name, toolDetail(msg.Tool))
		case msg.Text != "":
			prefix := "  "
			if msg.Role == transcript.RoleUser {
				prefix = "> "
			}
			for _, line := range strings.Split(strings.TrimRight(msg.Text, "\n"), "\n") {
				fmt.Printf("%s%s\n", prefix, line)
			}
			fmt.Println()
		}
	}
	return nil
}

func runSessionsExport(cmd *cobra.Command, args []string) error {
	st, err := store.Open()
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	output := exportOutput
	if output == "" {
		output = args[0] + ".md"
	}
	if err := exportSession(st, args[0], output); err != nil {
		return err
	}
	fmt.Printf("📄 Exported to %s\n", output)
	return nil
}

func runSessionsRm(cmd *cobra.Command, args []string) error {
	st, err := store.Open()
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	for _, id := range args {
		if err := st.Delete(id); err != nil {
			return fmt.Errorf("failed to delete %s: %w", id, err)
		}
		fmt.Printf("🗑  Deleted %s\n", id)
	}
	return nil
}

func runSessionsCleanup(cmd *cobra.Command, args []string) error {
	st, err := store.Open()
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	start := time.Now()
	deleted, err := st.Cleanup(sessionsRetention)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	fmt.Printf("🧹 Deleted %d session(s) in %s\n", deleted, time.Since(start).Round(time.Millisecond))
	return nil
}
