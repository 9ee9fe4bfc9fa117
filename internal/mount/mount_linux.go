//go:build linux

// Package mount populates a sandbox's mount namespace.
package mount

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ProcPath is where the process-information filesystem is mounted.
const ProcPath = "/proc"

// ErrSharedNamespace is returned when the caller does not own a private
// mount namespace. Mounting there would change the host's mount table.
var ErrSharedNamespace = errors.New("no private mount namespace")

// Func matches unix.Mount.
type Func func(source, target, fstype string, flags uintptr, data string) error

// Helper mounts filesystems through its Func.
type Helper struct {
	mount Func
}

// New returns a Helper that mounts through the kernel.
func New() *Helper {
	return &Helper{mount: unix.Mount}
}

// NewWithFunc returns a Helper using fn, for callers that record or fake
// mounts.
func NewWithFunc(fn Func) *Helper {
	return &Helper{mount: fn}
}

// Proc mounts a fresh proc filesystem at ProcPath. private must be true
// only when the caller was created in its own mount namespace. The whole
// tree is made private first so the new mount does not propagate back to
// the parent namespace through shared peer groups.
func (h *Helper) Proc(private bool) error {
	if !private {
		return ErrSharedNamespace
	}
	if err := h.mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make / private: %w", err)
	}
	flags := uintptr(unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC)
	if err := h.mount("proc", ProcPath, "proc", flags, ""); err != nil {
		return fmt.Errorf("mount proc on %s: %w", ProcPath, err)
	}
	return nil
}
