// Package privilege decides whether the current process may mutate system state.
package privilege

import (
	"context"
	"errors"
	"fmt"
	"runtime"
)

// ErrNotElevated is returned by the OS gate when the process lacks
// administrator rights.
var ErrNotElevated = errors.New("privilege: process is not elevated")

// Gate approves or refuses a mutating operation.
type Gate interface {
	Check(ctx context.Context) error
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context) error

func (f GateFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// OS returns a gate backed by the operating system's notion of elevation:
// an elevated token on Windows, effective uid 0 elsewhere.
func OS() Gate {
	return GateFunc(func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := elevated()
		if err != nil {
			return fmt.Errorf("query elevation: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w (%s): run tweakctl as %s", ErrNotElevated, runtime.GOOS, adminName())
		}
		return nil
	})
}

// Allow returns a gate that approves everything.
func Allow() Gate {
	return GateFunc(func(context.Context) error { return nil })
}

// Deny returns a gate that refuses everything with err.
func Deny(err error) Gate {
	if err == nil {
		err = ErrNotElevated
	}
	return GateFunc(func(context.Context) error { return err })
}

func adminName() string {
	if runtime.GOOS == "windows" {
		return "Administrator"
	}
	return "root"
}
