package intent

import (
	"strings"
)

// CommandName is a meta command.
type CommandName string

const (
	CmdCheckpoint      CommandName = "checkpoint"
	CmdRestore         CommandName = "restore"
	CmdListCheckpoints CommandName = "list_checkpoints"
	CmdDiffSince       CommandName = "diff_since"
	CmdUndo            CommandName = "undo"
)

// Command is a parsed meta command. Arg is the description for checkpoint
// and the checkpoint ID for restore and diff since.
type Command struct {
	Name CommandName `json:"name"`
	Arg  string      `json:"arg,omitempty"`
}

func (c Command) String() string {
	switch c.Name {
	case CmdListCheckpoints:
		return "list checkpoints"
	case CmdDiffSince:
		return "diff since " + c.Arg
	}
	if c.Arg == "" {
		return string(c.Name)
	}
	return string(c.Name) + " " + c.Arg
}

// ParseCommand recognizes the meta command grammar:
//
//	checkpoint [description]    (without "/", only a quoted description)
//	restore <id>
//	list checkpoints
//	diff since <id>
//	undo
//
// A leading "/" marks explicit command intent: a slash command that does not
// fit the grammar is a *ParseError. Without the slash, text that does not
// fit is not a command and ok is false.
func ParseCommand(text string) (cmd Command, ok bool, err error) {
	text = strings.TrimSpace(text)
	explicit := strings.HasPrefix(text, "/")
	if explicit {
		text = strings.TrimSpace(text[1:])
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		if explicit {
			return Command{}, false, &ParseError{Reason: "empty command", Offset: -1}
		}
		return Command{}, false, nil
	}

	head := strings.ToLower(fields[0])
	args := fields[1:]
	reject := func(reason string) (Command, bool, error) {
		if explicit {
			return Command{}, false, &ParseError{Reason: reason, Offset: -1}
		}
		return Command{}, false, nil
	}

	switch head {
	case "checkpoint":
		desc := strings.TrimSpace(text[len(fields[0]):])
		if !explicit && desc != "" && !quoted(desc) {
			// "checkpoint handling is broken" is a request, not a snapshot.
			return Command{}, false, nil
		}
		return Command{Name: CmdCheckpoint, Arg: unquote(desc)}, true, nil
	case "restore":
		if len(args) != 1 {
			return reject("usage: restore <id>")
		}
		return Command{Name: CmdRestore, Arg: unquote(args[0])}, true, nil
	case "list":
		if len(args) != 1 || strings.ToLower(args[0]) != "checkpoints" {
			return reject("usage: list checkpoints")
		}
		return Command{Name: CmdListCheckpoints}, true, nil
	case "checkpoints":
		if len(args) != 0 {
			return reject("usage: checkpoints")
		}
		return Command{Name: CmdListCheckpoints}, true, nil
	case "diff":
		if len(args) != 2 || strings.ToLower(args[0]) != "since" {
			return reject("usage: diff since <id>")
		}
		return Command{Name: CmdDiffSince, Arg: unquote(args[1])}, true, nil
	case "undo":
		if len(args) != 0 {
			return reject("usage: undo")
		}
		return Command{Name: CmdUndo}, true, nil
	default:
		return reject("unknown command " + head)
	}
}

func quoted(s string) bool {
	return len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'')
}

func unquote(s string) string {
	if quoted(s) {
		return s[1 : len(s)-1]
	}
	return s
}
