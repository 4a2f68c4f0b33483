package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType names what happened. Engine events map one to one.
type AuditEventType string

const (
	AuditEventApply   AuditEventType = "apply"
	AuditEventRevert  AuditEventType = "revert"
	AuditEventRecover AuditEventType = "recover"
	AuditEventNoop    AuditEventType = "noop"
	AuditEventStartup AuditEventType = "startup"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	Host      string         `json:"host,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	TweakID   string         `json:"tweak_id,omitempty"`
	HistoryID int64          `json:"history_id,omitempty"`
	Result    string         `json:"result"` // "success", "failure", "noop"
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLoggerConfig mirrors RotationConfig for the audit file. Component
// fills AuditEvent.Component when an event leaves it empty.
type AuditLoggerConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string
}

// DefaultAuditConfig keeps a year of audit history next to the regular log.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   filepath.Join(DefaultLogDir(), "audit.log"),
		MaxSize:    50,
		MaxAge:     365,
		MaxBackups: 10,
		Compress:   true,
		Component:  "tweakctl",
	}
}

// AuditLogger appends JSON audit events to a rotated file.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	host    string
	mu      sync.Mutex
}

// NewAuditLogger opens the audit file for appending.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotator, err := NewFileRotator(RotationConfig{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	host, _ := os.Hostname()
	return &AuditLogger{config: cfg, rotator: rotator, host: host}, nil
}

// Log appends event as one JSON line, filling in time, host and run id.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.Host == "" {
		event.Host = a.host
	}
	if event.RunID == "" {
		event.RunID = RunIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// LogStartup records the start of an invocation.
func (a *AuditLogger) LogStartup(ctx context.Context, command, version string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Result:    "success",
		Details: map[string]any{
			"command": command,
			"version": version,
		},
	})
}

// Close releases the audit file.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Sync flushes the audit file to disk.
func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}
