package intent

import (
	"errors"
	"fmt"
)

var (
	// ErrParse marks malformed input. The caller re-prompts.
	ErrParse = errors.New("malformed input")
	// ErrAmbiguous marks an intent below the confirm threshold. The caller
	// asks for clarification; it is not shown as an error.
	ErrAmbiguous = errors.New("intent ambiguous")
)

// ParseError describes why input was rejected.
type ParseError struct {
	Reason string
	// Offset is the byte offset of the offending character, or -1.
	Offset int
}

func (e *ParseError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("malformed input: %s at offset %d", e.Reason, e.Offset)
	}
	return "malformed input: " + e.Reason
}

func (e *ParseError) Unwrap() error { return ErrParse }
