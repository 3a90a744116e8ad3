//go:build !windows

package worker

import "syscall"

// execInPlace replaces the current process image with path, the unix
// self-upgrade primitive: no supervisor is required to notice the
// worker exiting and relaunch it, since the same PID continues running
// the new binary.
func execInPlace(path string, args []string) error {
	return syscall.Exec(path, append([]string{path}, args...), environ())
}
