package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hermesproj/hermes/internal/store"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List recent tasks and their outcomes",
	RunE:  runTasks,
}

func init() {
	tasksCmd.Flags().IntP("limit", "n", 20, "Maximum number of tasks to list")
}

func runTasks(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadOrCreateConfig(configPath, logger)
	if err != nil {
		return err
	}

	stateDir := resolvePath(filepath.Dir(cfgPath), cfg.StateDir)

	st, err := store.Open(filepath.Join(stateDir, "tasks.db"), cfg.DedupWindow(), logger)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer st.Close()

	tasks, err := st.List(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCHANNEL\tTARGET\tCREATED\tREPLIED")
	for _, t := range tasks {
		replied := ""
		if t.ReplyDelivered {
			replied = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.SourceChannel, t.ReplyTarget,
			t.CreatedAt.Format("2006-01-02 15:04:05"), replied)
	}
	return w.Flush()
}
