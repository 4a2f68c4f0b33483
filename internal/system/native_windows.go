//go:build windows

package system

// Native returns the live Windows backends.
func Native(opts Options) System {
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	wait := opts.ServiceWait
	if wait <= 0 {
		wait = defaultServiceWait
	}
	return System{
		Registry: winRegistry{},
		Services: &winServices{wait: wait},
		Power:    &PowerCfg{Runner: runner},
		Boot:     &BCDEdit{Runner: runner},
	}
}
