package safety

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuditEvent is one security-relevant record.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	ActorID   string         `json:"actor_id,omitempty"`
	Role      string         `json:"role,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Resource  string         `json:"resource"`
	Action    string         `json:"action,omitempty"`
	Result    string         `json:"result"`
	Rule      string         `json:"rule,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// AuditLogger records audit events. Log must not block the caller for long.
type AuditLogger interface {
	Log(event AuditEvent)
	Close() error
}

// NopAuditLogger drops every event.
type NopAuditLogger struct{}

func (NopAuditLogger) Log(AuditEvent) {}
func (NopAuditLogger) Close() error   { return nil }

// MemoryAuditLogger keeps the newest events in a ring.
type MemoryAuditLogger struct {
	mu     sync.RWMutex
	events []AuditEvent
	next   int
	full   bool
}

// NewMemoryAuditLogger keeps up to size events (default 1000).
func NewMemoryAuditLogger(size int) *MemoryAuditLogger {
	if size <= 0 {
		size = 1000
	}
	return &MemoryAuditLogger{events: make([]AuditEvent, size)}
}

func (l *MemoryAuditLogger) Log(event AuditEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[l.next] = event
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
}

// Events returns the retained events, oldest first.
func (l *MemoryAuditLogger) Events() []AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.full {
		return append([]AuditEvent(nil), l.events[:l.next]...)
	}
	out := make([]AuditEvent, 0, len(l.events))
	out = append(out, l.events[l.next:]...)
	return append(out, l.events[:l.next]...)
}

func (l *MemoryAuditLogger) Close() error { return nil }

// FileAuditLogger appends events as JSON lines.
type FileAuditLogger struct {
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	logger *zap.Logger
}

// NewFileAuditLogger opens (or creates) path for appending.
func NewFileAuditLogger(path string, logger *zap.Logger) (*FileAuditLogger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 - operator-configured path
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditLogger{file: f, enc: json.NewEncoder(f), logger: logger}, nil
}

func (l *FileAuditLogger) Log(event AuditEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if err := l.enc.Encode(event); err != nil {
		l.logger.Warn("audit write failed", zap.Error(err))
	}
}

func (l *FileAuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
