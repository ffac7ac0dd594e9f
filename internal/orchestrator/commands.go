package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/pkg/checkpoint"
	"github.com/aixgo-dev/steward/pkg/eventbus"
	"github.com/aixgo-dev/steward/pkg/intent"
	"github.com/aixgo-dev/steward/pkg/render"
)

// command runs a slash command. Commands never leave IntentResolution.
func (o *Orchestrator) command(ctx context.Context, tr *turnRun, cmd *intent.Command) error {
	if cmd == nil {
		o.show(tr, render.Panel{Kind: render.KindError, Title: "Unrecognized command"})
		return nil
	}
	o.logger.Debug("command", zap.String("name", string(cmd.Name)), zap.String("arg", cmd.Arg))
	switch cmd.Name {
	case intent.CmdCheckpoint:
		return o.cmdCheckpoint(ctx, tr, cmd.Arg)
	case intent.CmdRestore:
		return o.cmdRestore(ctx, tr, cmd.Arg)
	case intent.CmdListCheckpoints:
		return o.cmdList(ctx, tr)
	case intent.CmdDiffSince:
		return o.cmdDiff(ctx, tr, cmd.Arg)
	case intent.CmdUndo:
		return o.cmdUndo(ctx, tr)
	}
	o.show(tr, render.Panel{Kind: render.KindError, Title: "Unrecognized command", Body: string(cmd.Name)})
	return nil
}

func (o *Orchestrator) cmdCheckpoint(ctx context.Context, tr *turnRun, desc string) error {
	id, err := o.checkpoint(ctx, checkpoint.CreateOptions{Description: desc})
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	body := fmt.Sprintf("%d tracked files", len(o.touched))
	if desc != "" {
		body = desc + "\n" + body
	}
	o.show(tr, render.Panel{Kind: render.KindCheckpoint, Title: "Created " + id, Body: body})
	return nil
}

// cmdRestore puts the workspace back to checkpoint id. The conversation
// keeps its history; the restore itself becomes a turn.
func (o *Orchestrator) cmdRestore(ctx context.Context, tr *turnRun, id string) error {
	if id == "" {
		o.show(tr, render.Panel{Kind: render.KindError, Title: "Usage: /restore <checkpoint id>"})
		return nil
	}
	res, err := o.restore(ctx, id)
	if err != nil {
		return err
	}
	o.show(tr, restorePanel("Restored "+res.ID, res))
	return nil
}

func (o *Orchestrator) restore(ctx context.Context, id string) (*checkpoint.RestoreResult, error) {
	cp, err := o.opts.Checkpoints.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", id, err)
	}
	if cp.SessionID != o.sess.ID {
		return nil, fmt.Errorf("restore %s: %w in this session", id, checkpoint.ErrNotFound)
	}
	res, err := o.opts.Checkpoints.Restore(ctx, id)
	if err != nil {
		var ie *checkpoint.IntegrityError
		if errors.As(err, &ie) && ie.LastGood != "" {
			return nil, fmt.Errorf("%w\nTry /restore %s", err, ie.LastGood)
		}
		return nil, err
	}
	o.touch(res.Written...)
	o.touch(res.Deleted...)
	o.publish(ctx, eventbus.KindCheckpointRestored, CheckpointRecord{
		SessionID:    o.sess.ID,
		CheckpointID: res.ID,
		Files:        append(append([]string(nil), res.Written...), res.Deleted...),
	})
	return res, nil
}

func (o *Orchestrator) cmdList(ctx context.Context, tr *turnRun) error {
	cps, err := o.opts.Checkpoints.List(ctx, o.sess.ID)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	if len(cps) == 0 {
		o.show(tr, render.Panel{Kind: render.KindCheckpoint, Title: "No checkpoints yet"})
		return nil
	}
	t := &render.Table{Headers: []string{"ID", "Time", "Files", "Tags", "Description"}}
	for _, c := range cps {
		t.Rows = append(t.Rows, []string{
			c.ID,
			c.Timestamp.Local().Format(time.DateTime),
			strconv.Itoa(len(c.FileStates)),
			strings.Join(c.Metadata.Tags, ","),
			c.Metadata.Description,
		})
	}
	o.show(tr, render.Panel{Kind: render.KindCheckpoint, Title: fmt.Sprintf("%d checkpoints", len(cps)), Table: t})
	return nil
}

func (o *Orchestrator) cmdDiff(ctx context.Context, tr *turnRun, id string) error {
	cp, err := o.opts.Checkpoints.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("diff since %s: %w", id, err)
	}
	if cp.SessionID != o.sess.ID {
		return fmt.Errorf("diff since %s: %w in this session", id, checkpoint.ErrNotFound)
	}
	changes, err := o.opts.Checkpoints.Diff(ctx, id)
	if err != nil {
		return fmt.Errorf("diff since %s: %w", id, err)
	}
	if len(changes) == 0 {
		o.show(tr, render.Panel{Kind: render.KindDiff, Title: "No changes since " + id})
		return nil
	}
	var b strings.Builder
	for _, fc := range changes {
		b.WriteString(fc.Unified())
	}
	o.show(tr, render.Panel{Kind: render.KindDiff, Title: fmt.Sprintf("%d files changed since %s", len(changes), id), Body: b.String()})
	return nil
}

// cmdUndo restores the newest automatic checkpoint taken before an apply
// or a command run, skipping ones already undone.
// Repeated undos walk further back.
func (o *Orchestrator) cmdUndo(ctx context.Context, tr *turnRun) error {
	cps, err := o.opts.Checkpoints.List(ctx, o.sess.ID)
	if err != nil {
		return fmt.Errorf("undo: %w", err)
	}
	before := -1
	if v := o.sess.ContextValue(contextUndoBefore); v != "" {
		before = checkpoint.Seq(v)
	}
	var target *checkpoint.Checkpoint
	for _, c := range cps {
		if !c.HasTag(checkpoint.TagPreApply) && !c.HasTag(checkpoint.TagPreExec) {
			continue
		}
		if before >= 0 && checkpoint.Seq(c.ID) >= before {
			continue
		}
		target = c
		break
	}
	if target == nil {
		o.show(tr, render.Panel{Kind: render.KindStatus, Title: "Nothing to undo"})
		return nil
	}
	res, err := o.restore(ctx, target.ID)
	if err != nil {
		return err
	}
	o.sess.SetContext(contextUndoBefore, target.ID)
	o.show(tr, restorePanel("Undid "+target.Metadata.Description, res))
	return nil
}

func restorePanel(title string, res *checkpoint.RestoreResult) render.Panel {
	t := &render.Table{Headers: []string{"File", "Result"}}
	for _, p := range res.Written {
		t.Rows = append(t.Rows, []string{p, "restored"})
	}
	for _, p := range res.Deleted {
		t.Rows = append(t.Rows, []string{p, "deleted"})
	}
	return render.Panel{
		Kind:  render.KindCheckpoint,
		Title: title,
		Body:  fmt.Sprintf("%d written, %d deleted, %d unchanged", len(res.Written), len(res.Deleted), len(res.Unchanged)),
		Table: t,
	}
}
