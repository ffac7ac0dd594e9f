package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/steward/pkg/render"
	"github.com/aixgo-dev/steward/pkg/session"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the registered tools and their risk levels",
	RunE: func(cmd *cobra.Command, args []string) error {
		r := render.NewTerminalRenderer(cmd.OutOrStdout())
		app, release, err := openApp(cmd.Context(), r, false)
		if err != nil {
			return err
		}
		defer release()

		descs := app.Registry.List()
		t := &render.Table{Headers: []string{"Tool", "Risk", "Paths", "Description"}}
		for _, d := range descs {
			t.Rows = append(t.Rows, []string{d.Name, string(d.Risk), strings.Join(d.PathParams, ","), d.Description})
		}
		return r.Render(render.Panel{Kind: render.KindStatus, Title: fmt.Sprintf("%d tools", len(descs)), Table: t})
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List saved sessions, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		r := render.NewTerminalRenderer(cmd.OutOrStdout())
		app, release, err := openApp(cmd.Context(), r, false)
		if err != nil {
			return err
		}
		defer release()

		sums, err := app.SessionStore.List(cmd.Context(), session.ListOptions{Limit: limit})
		if err != nil {
			return err
		}
		t := &render.Table{Headers: []string{"ID", "Updated", "Turns", "Checkpoints"}}
		for _, s := range sums {
			t.Rows = append(t.Rows, []string{
				s.ID,
				s.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
				fmt.Sprint(s.TurnCount),
				fmt.Sprint(len(s.CheckpointIDs)),
			})
		}
		return r.Render(render.Panel{Kind: render.KindStatus, Title: fmt.Sprintf("%d sessions", len(sums)), Table: t})
	},
}

func init() {
	sessionsCmd.Flags().Int("limit", 20, "Maximum sessions to show")
	rootCmd.AddCommand(toolsCmd, sessionsCmd)
}
