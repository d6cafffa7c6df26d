package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/lolwierd/rig/internal/models"
)

func newLogsCmd() *cobra.Command {
	var (
		configPath string
		convoID    string
		follow     bool
		lines      int
		raw        bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View conversation transcripts",
		Long:  "Displays turn logs from the database. Filter to a single conversation with --convo, or tail new turns with --follow.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(cmd, configPath, logsOpts{
				convoID: convoID,
				follow:  follow,
				lines:   lines,
				raw:     raw,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "rig.yaml", "path to rig config file")
	cmd.Flags().StringVar(&convoID, "convo", "", "filter by conversation ID (e.g. discord:123456)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "tail mode, poll for new turns every 2s")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of recent turns to show")
	cmd.Flags().BoolVar(&raw, "raw", false, "show full content instead of a truncated preview")
	return cmd
}

type logsOpts struct {
	convoID string
	follow  bool
	lines   int
	raw     bool
}

func runLogs(cmd *cobra.Command, configPath string, opts logsOpts) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gormDB, err := openDB(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	var turns []models.TurnLog
	if err := buildLogsQuery(gormDB, opts).Order("id DESC").Limit(opts.lines).Find(&turns).Error; err != nil {
		return fmt.Errorf("query turn logs: %w", err)
	}

	// Reverse for chronological display.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	if len(turns) == 0 && !opts.follow {
		fmt.Fprintln(out, "No turns found.")
		return nil
	}

	for _, t := range turns {
		printTurn(out, t, opts.raw)
	}

	if !opts.follow {
		return nil
	}

	var lastID uint
	if len(turns) > 0 {
		lastID = turns[len(turns)-1].ID
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var fresh []models.TurnLog
			q := buildLogsQuery(gormDB, opts).Where("id > ?", lastID).Order("id ASC")
			if err := q.Find(&fresh).Error; err != nil {
				fmt.Fprintf(out, "poll error: %v\n", err)
				continue
			}
			for _, t := range fresh {
				printTurn(out, t, opts.raw)
				lastID = t.ID
			}
		}
	}
}

func buildLogsQuery(db *gorm.DB, opts logsOpts) *gorm.DB {
	q := db.Model(&models.TurnLog{})
	if opts.convoID != "" {
		q = q.Where("convo_id = ?", opts.convoID)
	}
	return q
}

func printTurn(out io.Writer, t models.TurnLog, raw bool) {
	ts := t.CreatedAt.Format("15:04:05")
	who := t.Role
	if t.UserName != "" {
		who = fmt.Sprintf("%s(%s)", t.Role, t.UserName)
	}

	if raw {
		fmt.Fprintf(out, "--- [%s] %s #%d %s ---\n", ts, t.ConvoID, t.Sequence, who)
		fmt.Fprintln(out, t.Content)
		return
	}

	content := strings.ReplaceAll(strings.TrimSpace(t.Content), "\n", " ")
	fmt.Fprintf(out, "[%s] %s #%d %s | %s\n", ts, t.ConvoID, t.Sequence, who, truncate(content, 120))
}

// truncate shortens s to max runes with an ellipsis.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
