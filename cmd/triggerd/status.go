package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"triggerd/internal/cronexpr"
	"triggerd/internal/domain"
	"triggerd/internal/scheduler"
	"triggerd/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show schedulable triggers, their next fire time and run stats",
	RunE:  runStatus,
}

type triggerRow struct {
	trigger domain.Trigger
	next    time.Time
	stats   domain.WorkflowStats
	err     error
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	cfg, sc, log, err := loadStorageConfig()
	if err != nil {
		return err
	}
	tz := cfg.Scheduler.Timezone
	if tz == "" {
		tz = scheduler.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}

	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.ListSchedulableTriggers(ctx)
	if err != nil {
		return err
	}
	rows := collectRows(ctx, store, list, loc, time.Now())
	printStatus(cmd.OutOrStdout(), sc.Driver, loc, rows)
	return nil
}

// collectRows loads stats for every trigger concurrently.
func collectRows(ctx context.Context, store storage.Store, list []domain.Trigger, loc *time.Location, now time.Time) []triggerRow {
	rows := make([]triggerRow, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, t := range list {
		i, t := i, t
		g.Go(func() error {
			row := triggerRow{trigger: t}
			if next, err := cronexpr.Next(t.CronExpression, loc, now, 1); err != nil {
				row.err = err
			} else if len(next) > 0 {
				row.next = next[0]
			}
			st, err := store.WorkflowStats(gctx, t.WorkflowID)
			if err != nil && row.err == nil {
				row.err = err
			}
			row.stats = st
			rows[i] = row
			return nil
		})
	}
	_ = g.Wait()
	return rows
}

func printStatus(w io.Writer, driver string, loc *time.Location, rows []triggerRow) {
	fmt.Fprintf(w, "store: %s  timezone: %s  schedulable triggers: %d\n\n", driver, loc, len(rows))
	if len(rows) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TRIGGER\tWORKFLOW\tCRON\tNEXT\tRUNS\tOK\tFAILED\tNOTE")
	for _, r := range rows {
		next := "-"
		if !r.next.IsZero() {
			next = r.next.Format("2006-01-02 15:04")
		}
		note := ""
		if r.err != nil {
			note = r.err.Error()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.trigger.ID, truncate(r.trigger.Workflow.Name, 24), r.trigger.CronExpression, next,
			r.stats.Total, r.stats.Successful, r.stats.Failed, note)
	}
	_ = tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
