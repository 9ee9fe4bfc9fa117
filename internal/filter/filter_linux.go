//go:build linux

// Package filter installs the syscall policy used when a sandbox cannot
// get its own namespaces.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"slices"
	"syscall"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/sys/unix"
)

// DefaultDeny is the deny set used when none is configured.
var DefaultDeny = []string{"socket"}

var syscallName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ErrEmptyPolicy is returned for a policy without deny rules.
var ErrEmptyPolicy = errors.New("syscall policy has no deny rules")

// Policy allows every syscall except Deny, which fail with Errno instead
// of killing the caller.
type Policy struct {
	Deny  []string
	Errno syscall.Errno
}

// NewPolicy builds a policy denying names with EACCES. Duplicates are
// dropped; an empty list falls back to DefaultDeny. Every name must be a
// syscall known for the running architecture, so a typo is reported here
// and not when the filter is loaded.
func NewPolicy(names ...string) (Policy, error) {
	if len(names) == 0 {
		names = DefaultDeny
	}
	var errs []error
	deny := make([]string, 0, len(names))
	for _, name := range names {
		if !syscallName.MatchString(name) {
			errs = append(errs, fmt.Errorf("invalid syscall name %q", name))
			continue
		}
		if !slices.Contains(deny, name) {
			deny = append(deny, name)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Policy{}, err
	}

	p := Policy{Deny: deny, Errno: unix.EACCES}
	policy, err := p.Seccomp()
	if err != nil {
		return Policy{}, err
	}
	if _, err := policy.Assemble(); err != nil {
		return Policy{}, fmt.Errorf("assemble seccomp policy: %w", err)
	}
	return p, nil
}

// Seccomp translates p into a go-seccomp-bpf policy.
func (p Policy) Seccomp() (seccomp.Policy, error) {
	if len(p.Deny) == 0 {
		return seccomp.Policy{}, ErrEmptyPolicy
	}
	return seccomp.Policy{
		DefaultAction: seccomp.ActionAllow,
		Syscalls: []seccomp.SyscallGroup{
			{
				Names:  append([]string{}, p.Deny...),
				Action: seccomp.Action(uint32(seccomp.ActionErrno) | uint32(p.Errno)),
			},
		},
	}, nil
}

// Install sets no_new_privs and loads p into the current process. The
// filter is synchronised across all threads and survives exec, so every
// process started afterwards inherits it.
func Install(p Policy) error {
	policy, err := p.Seccomp()
	if err != nil {
		return err
	}

	// no_new_privs and the filter are set on the calling thread; TSYNC then
	// copies both to the other threads.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	filter := seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy:     policy,
	}
	if err := seccomp.LoadFilter(filter); err != nil {
		if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EINVAL) {
			return fmt.Errorf("seccomp unavailable on this kernel (%w)", err)
		}
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}
