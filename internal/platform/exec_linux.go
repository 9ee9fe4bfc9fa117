//go:build linux

package platform

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

func resolveCommandPath(command string) (string, error) {
	if strings.Contains(command, "/") {
		return command, nil
	}
	return exec.LookPath(command)
}

// execCommand replaces the process image with command, passing argv and
// the environment through unchanged. It only returns on failure.
func execCommand(command []string) error {
	path, err := resolveCommandPath(command[0])
	if err != nil {
		return fmt.Errorf("resolve command %q: %w", command[0], err)
	}
	if err := unix.Exec(path, command, os.Environ()); err != nil {
		return fmt.Errorf("exec %q: %w", path, err)
	}
	return nil
}
