package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/steward/internal/orchestrator"
	"github.com/aixgo-dev/steward/pkg/render"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive session",
	Long: `Start an interactive session. Pass --session to resume an earlier one.

Commands inside the session:
  /checkpoint [description]   save the current state
  /list                       list checkpoints of this session
  /diff <id>                  show what changed since a checkpoint
  /restore <id>               restore a checkpoint
  /undo                       revert the last apply
  /exit                       leave (Ctrl-D works too)

Ctrl-C interrupts the running turn and discards its pending changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("session")
		return chatRun(cmd, id)
	},
}

func init() {
	chatCmd.Flags().StringP("session", "s", "", "Session ID to resume")
	rootCmd.AddCommand(chatCmd)
}

func chatRun(cmd *cobra.Command, sessionID string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()
	app, release, err := openApp(ctx, render.NewTerminalRenderer(out), true)
	if err != nil {
		return err
	}
	defer release()

	o, err := app.Open(ctx, sessionID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s (workspace %s)\n", color.New(color.Bold).Sprint("steward"), o.ID(), app.Workspace.Root())

	line := liner.NewLiner()
	defer func() { _ = line.Close() }()
	line.SetCtrlCAborts(true)
	history := filepath.Join(app.Config.Storage.Dir, "history")
	if f, err := os.Open(history); err == nil { // #nosec G304 - fixed path under the storage dir
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(history); err == nil { // #nosec G304 - fixed path under the storage dir
			_, _ = line.WriteHistory(f)
			_ = f.Close()
		}
	}()

	for {
		prompt := "steward> "
		if o.Waiting() {
			prompt = "> "
		}
		input, err := line.Prompt(prompt)
		switch {
		case errors.Is(err, liner.ErrPromptAborted):
			if o.Waiting() {
				o.Interrupt()
				if _, err := wait(ctx, o); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintln(out, "Type /exit or press Ctrl-D to leave.")
			continue
		case errors.Is(err, io.EOF):
			fmt.Fprintln(out)
			return nil
		case err != nil:
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if input == "/exit" || input == "/quit" {
			return nil
		}
		line.AppendHistory(input)
		if err := o.Submit(input); err != nil {
			fmt.Fprintln(out, color.RedString("%v", err))
			continue
		}
		if _, err := wait(ctx, o); err != nil {
			return err
		}
	}
}

// wait blocks until the session is idle or needs an answer. Ctrl-C
// meanwhile interrupts the running turn.
func wait(ctx context.Context, o *orchestrator.Orchestrator) (orchestrator.State, error) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-sig:
				o.Interrupt()
			case <-done:
				return
			}
		}
	}()
	return o.WaitReady(ctx)
}
