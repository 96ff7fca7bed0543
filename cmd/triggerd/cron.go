package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"triggerd/internal/cronexpr"
	"triggerd/internal/domain"
	"triggerd/internal/scheduler"
)

var (
	cronType  string
	cronDays  string
	cronTime  string
	cronExpr  string
	cronTZ    string
	cronCount int
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Derive a cron expression and preview its next fire times",
	Example: `  triggerd cron --type weekly --days 1,3,5 --time 09:30
  triggerd cron --expr "0 8 1,15 * *" --tz UTC -n 3`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		loc, err := time.LoadLocation(cronTZ)
		if err != nil {
			return fmt.Errorf("timezone %q: %w", cronTZ, err)
		}
		return previewCron(cmd.OutOrStdout(), cronExpr, cronType, cronDays, cronTime, loc, time.Now(), cronCount)
	},
}

func init() {
	f := cronCmd.Flags()
	f.StringVar(&cronType, "type", "", "schedule type: daily, weekly or monthly")
	f.StringVar(&cronDays, "days", "", "comma separated days (weekly 0-6, monthly 1-31)")
	f.StringVar(&cronTime, "time", "", "time of day, HH:MM")
	f.StringVar(&cronExpr, "expr", "", "raw 5-field cron expression (overrides --type)")
	f.StringVar(&cronTZ, "tz", scheduler.DefaultTimezone, "timezone used for the preview")
	f.IntVarP(&cronCount, "count", "n", 5, "number of fire times to show")
}

func previewCron(w io.Writer, expr, typ, days, hhmm string, loc *time.Location, from time.Time, n int) error {
	if expr == "" {
		dl, err := parseDays(days)
		if err != nil {
			return err
		}
		expr, err = cronexpr.Build(domain.ScheduleType(strings.ToLower(typ)), dl, hhmm)
		if err != nil {
			return err
		}
	}
	times, err := cronexpr.Next(expr, loc, from, n)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "expression: %s\n", expr)
	for _, t := range times {
		fmt.Fprintf(w, "  %s\n", t.Format("Mon 2006-01-02 15:04 MST"))
	}
	return nil
}

func parseDays(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid day %q", p)
		}
		out = append(out, d)
	}
	return out, nil
}
