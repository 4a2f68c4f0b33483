package system

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args and returns stdout.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	hideConsole(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := stderr.String()
			if msg == "" {
				msg = stdout.String()
			}
			return "", &CommandError{Name: name, Args: args, ExitCode: exitErr.ExitCode(), Stderr: msg}
		}
		return "", err
	}
	return stdout.String(), nil
}
