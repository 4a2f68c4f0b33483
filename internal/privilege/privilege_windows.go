//go:build windows

package privilege

import "golang.org/x/sys/windows"

func elevated() (bool, error) {
	// The pseudo-token needs no Close.
	return windows.GetCurrentProcessToken().IsElevated(), nil
}
