// Command tweakctl applies, reverts and recovers system tweaks.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"tweakengine/internal/logging"
)

const crashReportMaxAge = 30 * 24 * time.Hour

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a := newApp()
	root := newRootCmd(a)
	root.SetArgs(args)

	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		Version:   version,
		Component: "tweakctl",
		RunID:     a.runID,
	})
	err := crash.Guard(map[string]any{"args": args}, func() error {
		return root.ExecuteContext(ctx)
	})
	a.pruneCrashReports(crash, crashReportMaxAge)
	if cerr := a.close(); cerr != nil {
		fmt.Fprintln(os.Stderr, "close:", cerr)
	}
	return exitCode(err)
}

// exitCode reports err on stderr and maps it to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}
