package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/steward/pkg/render"
)

var checkpointCmd = &cobra.Command{
	Use:     "checkpoint",
	Aliases: []string{"checkpoints", "cp"},
	Short:   "Inspect and manage checkpoints",
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		r := render.NewTerminalRenderer(cmd.OutOrStdout())
		app, release, err := openApp(cmd.Context(), r, false)
		if err != nil {
			return err
		}
		defer release()

		cps, err := app.Checkpoints.List(cmd.Context(), sessionID)
		if err != nil {
			return err
		}
		if len(cps) == 0 {
			return r.Render(render.Panel{Kind: render.KindCheckpoint, Title: "No checkpoints"})
		}
		t := &render.Table{Headers: []string{"ID", "Session", "Time", "Files", "Tags", "Description"}}
		for _, c := range cps {
			t.Rows = append(t.Rows, []string{
				c.ID,
				c.SessionID,
				c.Timestamp.Local().Format("2006-01-02 15:04:05"),
				strconv.Itoa(len(c.FileStates)),
				strings.Join(c.Metadata.Tags, ","),
				c.Metadata.Description,
			})
		}
		return r.Render(render.Panel{Kind: render.KindStatus, Title: fmt.Sprintf("%d checkpoints", len(cps)), Table: t})
	},
}

var checkpointRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore the workspace to a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := render.NewTerminalRenderer(cmd.OutOrStdout())
		app, release, err := openApp(cmd.Context(), r, false)
		if err != nil {
			return err
		}
		defer release()

		res, err := app.Checkpoints.Restore(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		t := &render.Table{Headers: []string{"File", "Result"}}
		for _, p := range res.Written {
			t.Rows = append(t.Rows, []string{p, "restored"})
		}
		for _, p := range res.Deleted {
			t.Rows = append(t.Rows, []string{p, "deleted"})
		}
		return r.Render(render.Panel{Kind: render.KindCheckpoint, Title: "Restored " + res.ID, Table: t})
	},
}

var checkpointVerifyCmd = &cobra.Command{
	Use:   "verify <id>...",
	Short: "Check that a checkpoint's stored content is intact",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := render.NewTerminalRenderer(cmd.OutOrStdout())
		app, release, err := openApp(cmd.Context(), r, false)
		if err != nil {
			return err
		}
		defer release()

		var failed int
		for _, id := range args {
			if err := app.Checkpoints.Verify(cmd.Context(), id); err != nil {
				failed++
				_ = r.Render(render.Panel{Kind: render.KindError, Title: id, Body: err.Error()})
				continue
			}
			_ = r.Render(render.Panel{Kind: render.KindCheckpoint, Title: id + " ok"})
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d checkpoints failed verification", failed, len(args))
		}
		return nil
	},
}

var checkpointPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		keep, _ := cmd.Flags().GetInt("keep")
		r := render.NewTerminalRenderer(cmd.OutOrStdout())
		app, release, err := openApp(cmd.Context(), r, false)
		if err != nil {
			return err
		}
		defer release()

		if keep <= 0 {
			keep = app.Config.Storage.Checkpoints.Retention.Keep
		}
		n, err := app.Checkpoints.Prune(cmd.Context(), sessionID, keep)
		if err != nil {
			return err
		}
		return r.Render(render.Panel{Kind: render.KindStatus, Title: fmt.Sprintf("Pruned %d checkpoints", n)})
	},
}

func init() {
	checkpointListCmd.Flags().StringP("session", "s", "", "Only list this session")
	checkpointPruneCmd.Flags().StringP("session", "s", "", "Only prune this session")
	checkpointPruneCmd.Flags().Int("keep", 0, "Checkpoints to keep (default from config)")
	checkpointCmd.AddCommand(checkpointListCmd, checkpointRestoreCmd, checkpointVerifyCmd, checkpointPruneCmd)
	rootCmd.AddCommand(checkpointCmd)
}
