package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/steward/pkg/render"
	"github.com/aixgo-dev/steward/pkg/safety"
	"github.com/aixgo-dev/steward/pkg/tools"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the safety policy",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		r := render.NewTerminalRenderer(cmd.OutOrStdout())
		app, release, err := openApp(cmd.Context(), r, false)
		if err != nil {
			return err
		}
		defer release()

		p := app.Gate.Policy()
		t := &render.Table{Headers: []string{"Setting", "Value"}}
		add := func(k string, v []string) { t.Rows = append(t.Rows, []string{k, strings.Join(v, ", ")}) }
		add("trusted paths", p.TrustedPaths)
		add("blocked paths", p.BlockedPaths)
		add("allowed tools", p.AllowTools)
		add("denied tools", p.DenyTools)
		add("dangerous tools", p.DangerousTools)
		add("default role", []string{p.DefaultRole})
		for role := range p.Roles {
			var perms []string
			for _, perm := range p.Roles[role].Sorted() {
				perms = append(perms, string(perm))
			}
			add("role "+role, perms)
		}
		add("consent timeout", []string{p.ConsentTimeout.String()})
		return r.Render(render.Panel{Kind: render.KindStatus, Title: "Policy", Table: t})
	},
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <tool> [key=value...]",
	Short: "Show how the gate would decide on a tool call",
	Example: `  steward policy check write_file path=src/main.go
  steward policy check execute_shell command="rm -rf build"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := render.NewTerminalRenderer(cmd.OutOrStdout())
		app, release, err := openApp(cmd.Context(), r, false)
		if err != nil {
			return err
		}
		defer release()

		tool, ok := app.Registry.Get(args[0])
		if !ok {
			return fmt.Errorf("%w: %s", tools.ErrUnknownTool, args[0])
		}
		params := tools.Params{}
		for _, kv := range args[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("argument %q is not key=value", kv)
			}
			params[k] = v
		}
		d := app.Gate.Authorize(cmd.Context(), safety.Request{
			Actor:  safety.Actor{ID: "cli", Role: app.Config.Role},
			Call:   tools.ToolCall{Tool: tool.Name, Params: params},
			Tool:   tool.Descriptor,
			Grants: app.Config.Grants(),
		})
		kind := render.KindStatus
		if d.Verdict == safety.Deny {
			kind = render.KindError
		}
		t := &render.Table{Headers: []string{"Field", "Value"}, Rows: [][]string{
			{"verdict", string(d.Verdict)},
			{"rule", string(d.Rule)},
			{"paths", strings.Join(d.Paths, ", ")},
		}}
		return r.Render(render.Panel{Kind: kind, Title: tool.Name + ": " + string(d.Verdict), Body: d.Reason, Risk: d.Risk, Table: t})
	},
}

func init() {
	policyCmd.AddCommand(policyShowCmd, policyCheckCmd)
	rootCmd.AddCommand(policyCmd)
}
