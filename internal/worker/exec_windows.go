//go:build windows

package worker

import (
	"os"
	"os/exec"
)

// execInPlace has no in-place process-image replacement on Windows;
// it spawns the new binary as a child and exits this process once the
// child has taken over stdio.
func execInPlace(path string, args []string) error {
	cmd := exec.Command(path, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	os.Exit(0)
	return nil
}
