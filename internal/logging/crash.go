package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// CrashReport is written as JSON to one file per panic.
type CrashReport struct {
	Timestamp  time.Time      `json:"timestamp"`
	Version    string         `json:"version"`
	GOOS       string         `json:"goos"`
	GOARCH     string         `json:"goarch"`
	PanicValue string         `json:"panic_value"`
	StackTrace string         `json:"stack_trace"`
	Component  string         `json:"component,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// CrashHandler turns a panic in a command into a crash report on disk and an
// ordinary error. History left mid-apply is reconciled by the next recover run.
type CrashHandler struct {
	mu        sync.Mutex
	crashDir  string
	version   string
	component string
	runID     string
}

// CrashHandlerConfig configures a CrashHandler. An empty CrashDir means
// DefaultCrashDir.
type CrashHandlerConfig struct {
	CrashDir  string
	Version   string
	Component string
	RunID     string
}

// DefaultCrashDir is a crashes directory under DefaultLogDir.
func DefaultCrashDir() string {
	return filepath.Join(DefaultLogDir(), "crashes")
}

// NewCrashHandler returns a handler. It creates no directories until a panic occurs.
func NewCrashHandler(cfg *CrashHandlerConfig) *CrashHandler {
	if cfg == nil {
		cfg = &CrashHandlerConfig{}
	}
	if cfg.CrashDir == "" {
		cfg.CrashDir = DefaultCrashDir()
	}

	return &CrashHandler{
		crashDir:  cfg.CrashDir,
		version:   cfg.Version,
		component: cfg.Component,
		runID:     cfg.RunID,
	}
}

// Guard runs fn and converts a panic into an error naming the crash report.
func (h *CrashHandler) Guard(contextInfo map[string]any, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			path, werr := h.HandlePanic(r, contextInfo)
			if werr != nil {
				err = fmt.Errorf("panic: %v (crash report not written: %v)", r, werr)
				return
			}
			err = fmt.Errorf("panic: %v (crash report: %s)", r, path)
		}
	}()
	return fn()
}

// HandlePanic writes a crash report for panicValue and returns its path.
func (h *CrashHandler) HandlePanic(panicValue any, contextInfo map[string]any) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := CrashReport{
		Timestamp:  time.Now().UTC(),
		Version:    h.version,
		GOOS:       runtime.GOOS,
		GOARCH:     runtime.GOARCH,
		PanicValue: fmt.Sprintf("%v", panicValue),
		StackTrace: string(debug.Stack()),
		Component:  h.component,
		RunID:      h.runID,
		Context:    contextInfo,
	}

	return h.writeCrashDump(report)
}

func (h *CrashHandler) writeCrashDump(report CrashReport) (string, error) {
	if err := os.MkdirAll(h.crashDir, 0750); err != nil {
		return "", fmt.Errorf("create crash directory: %w", err)
	}

	name := fmt.Sprintf("crash-%s-%s.json", report.Component, report.Timestamp.Format("20060102-150405.000"))
	path := filepath.Join(h.crashDir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}

	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// CleanupOldCrashReports removes reports last modified before maxAge ago.
// A missing crash directory is not an error.
func (h *CrashHandler) CleanupOldCrashReports(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	var errs []error
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(file); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
