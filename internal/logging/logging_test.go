package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(JSON) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.MaxSize <= 0 || cfg.MaxAge <= 0 || cfg.MaxBackups <= 0 {
		t.Errorf("expected positive rotation settings: %+v", cfg)
	}
	if !strings.Contains(cfg.FilePath, "tweakengine") {
		t.Errorf("unexpected default path %s", cfg.FilePath)
	}
}

func newBufferLogger(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := New(&Config{Level: LevelDebug, Format: format, Writer: &buf, Component: "test"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger, &buf
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatJSON)

	logger.WithRunID("run-42").Info("applied", "tweak_id", "perf.a@1.0")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["run_id"] != "run-42" || record["component"] != "test" || record["tweak_id"] != "perf.a@1.0" {
		t.Errorf("unexpected record: %v", record)
	}
}

func TestRedaction(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatText)

	logger.Info("config", "api_token", "abc123", "target", `HKLM\SOFTWARE\Policies\X AllowTelemetry`)

	out := buf.String()
	if strings.Contains(out, "abc123") {
		t.Error("token value was not redacted")
	}
	if !strings.Contains(out, "AllowTelemetry") {
		t.Error("registry target should not be redacted")
	}
}

func TestRedacted(t *testing.T) {
	for _, key := range []string{"password", "DB_SECRET", "token", "product_key"} {
		if !redacted(key) {
			t.Errorf("expected %q to be redacted", key)
		}
	}
	for _, key := range []string{"target", "key", "tweak_id", "history_id"} {
		if redacted(key) {
			t.Errorf("did not expect %q to be redacted", key)
		}
	}
}

func TestWithComponentAndContext(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatText)

	ctx := ContextWithRunID(context.Background(), "run-7")
	logger.WithContext(ctx).WithComponent("engine").Info("hello")

	out := buf.String()
	if !strings.Contains(out, "run_id=run-7") || !strings.Contains(out, "component=engine") {
		t.Errorf("missing attributes in %q", out)
	}

	if logger.WithContext(context.Background()) != logger {
		t.Error("context without run id should return the same logger")
	}
}

func TestRunIDFromContext(t *testing.T) {
	if RunIDFromContext(nil) != "" {
		t.Error("nil context should yield empty run id")
	}
	if RunIDFromContext(context.Background()) != "" {
		t.Error("empty context should yield empty run id")
	}
}

func TestOrDiscard(t *testing.T) {
	OrDiscard(nil).Info("dropped")
	logger, _ := newBufferLogger(t, FormatText)
	if OrDiscard(logger.Logger) != logger.Logger {
		t.Error("OrDiscard should return a non-nil logger unchanged")
	}
}

func TestFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "tweakctl.log")
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = logPath
	cfg.Compress = false

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Info("written to file")
	logger.Sync()
	logger.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file missing record: %q", data)
	}
}

func TestFileRotatorRotatesBySize(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	rotator, err := NewFileRotator(RotationConfig{FilePath: logPath, MaxSize: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 4; i++ {
		if _, err := rotator.Write(chunk); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	files, err := rotator.LogFiles()
	if err != nil {
		t.Fatalf("LogFiles failed: %v", err)
	}
	if len(files) < 2 || len(files) > 3 {
		t.Errorf("expected current file plus at most 2 backups, got %v", files)
	}
}

func TestFileRotatorRotatesDaily(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	now := time.Date(2026, 5, 1, 23, 59, 0, 0, time.UTC)

	rotator, err := NewFileRotator(RotationConfig{
		FilePath: logPath,
		MaxSize:  10,
		now:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	rotator.Write([]byte("day one\n"))
	now = now.Add(2 * time.Minute)
	rotator.Write([]byte("day two\n"))

	data, _ := os.ReadFile(logPath)
	if string(data) != "day two\n" {
		t.Errorf("expected fresh file after midnight, got %q", data)
	}
	files, _ := rotator.LogFiles()
	if len(files) != 2 {
		t.Errorf("expected one rotated file, got %v", files)
	}
}

func TestNewFileRotatorRequiresPath(t *testing.T) {
	if _, err := NewFileRotator(RotationConfig{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestAuditLogger(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.log")

	auditLogger, err := NewAuditLogger(&AuditLoggerConfig{
		FilePath:  auditPath,
		MaxSize:   10,
		Component: "test",
	})
	if err != nil {
		t.Fatalf("failed to create audit logger: %v", err)
	}
	defer auditLogger.Close()

	ctx := ContextWithRunID(context.Background(), "run-1")

	if err := auditLogger.LogStartup(ctx, "apply", "dev"); err != nil {
		t.Errorf("LogStartup failed: %v", err)
	}
	err = auditLogger.Log(ctx, AuditEvent{
		EventType: AuditEventApply,
		TweakID:   "perf.a@1.0",
		HistoryID: 3,
		Result:    "failure",
		Error:     "access denied",
	})
	if err != nil {
		t.Errorf("Log failed: %v", err)
	}
	auditLogger.Sync()

	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("failed to read audit log: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var event AuditEvent
	if err := json.Unmarshal([]byte(lines[1]), &event); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if event.RunID != "run-1" || event.Component != "test" || event.HistoryID != 3 || event.Timestamp.IsZero() {
		t.Errorf("defaults not filled: %+v", event)
	}
}

func TestCrashHandlerGuard(t *testing.T) {
	dir := t.TempDir()
	h := NewCrashHandler(&CrashHandlerConfig{CrashDir: dir, Component: "test", RunID: "run-9"})

	err := h.Guard(map[string]any{"command": "apply"}, func() error {
		panic("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "panic: boom") {
		t.Fatalf("expected panic error, got %v", err)
	}

	reports := readCrashReports(t, dir)
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	if reports[0].RunID != "run-9" || reports[0].PanicValue != "boom" || reports[0].Context["command"] != "apply" {
		t.Errorf("unexpected report: %+v", reports[0])
	}
}

func TestCrashHandlerPassesErrors(t *testing.T) {
	h := NewCrashHandler(&CrashHandlerConfig{CrashDir: t.TempDir()})
	want := errors.New("plain failure")

	if err := h.Guard(nil, func() error { return want }); !errors.Is(err, want) {
		t.Errorf("expected plain error to pass through, got %v", err)
	}
}

func TestCrashHandlerCleanupOld(t *testing.T) {
	dir := t.TempDir()
	h := NewCrashHandler(&CrashHandlerConfig{CrashDir: dir, Component: "test"})

	if _, err := h.HandlePanic("old", nil); err != nil {
		t.Fatalf("HandlePanic failed: %v", err)
	}
	files, _ := filepath.Glob(filepath.Join(dir, "crash-*.json"))
	old := time.Now().Add(-48 * time.Hour)
	for _, f := range files {
		os.Chtimes(f, old, old)
	}

	if err := h.CleanupOldCrashReports(24 * time.Hour); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	reports := readCrashReports(t, dir)
	if len(reports) != 0 {
		t.Errorf("expected old reports removed, got %d", len(reports))
	}
}

func readCrashReports(t *testing.T, dir string) []CrashReport {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "crash-*.json"))
	if err != nil {
		t.Fatalf("glob crash reports: %v", err)
	}
	var reports []CrashReport
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		var r CrashReport
		if err := json.Unmarshal(data, &r); err != nil {
			t.Fatalf("decode %s: %v", f, err)
		}
		reports = append(reports, r)
	}
	return reports
}
