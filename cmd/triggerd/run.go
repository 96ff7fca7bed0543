package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"triggerd/internal/app"
)

var runOwner int64

var runCmd = &cobra.Command{
	Use:   "run <workflow-id>",
	Short: "Execute a workflow's trigger pipeline once, now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wfID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || wfID <= 0 {
			return fmt.Errorf("invalid workflow id %q", args[0])
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := app.New(ctx, cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.Scheduler().RunWorkflow(ctx, runOwner, wfID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
		if !out.Success {
			return fmt.Errorf("workflow %d failed: %s", wfID, out.Remark)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Int64Var(&runOwner, "owner", 0, "only run if the workflow belongs to this user id (0 skips the check)")
}
