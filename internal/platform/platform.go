package platform

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"syscall"
	"time"

	"github.com/bpicori/red-cell/internal/profile"
	"github.com/bpicori/red-cell/internal/setup"
)

// InternalInitVerb re-enters the binary as the sandbox init process.
const InternalInitVerb = "__redcell_internal_init"

// ExecOptions controls command process wiring.
type ExecOptions struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Env    []string

	// Logger receives launcher diagnostics. Nil discards them.
	Logger *slog.Logger

	// HelperBinaryPath is the binary re-executed as the sandbox init
	// process. Empty means the running executable.
	HelperBinaryPath string
}

// Result describes a finished sandbox run.
type Result struct {
	// ExitCode is the sandboxed command's own exit status, 128+N when it
	// was killed by signal N.
	ExitCode int
	// Signal is the signal that killed the command, zero on a normal exit.
	Signal syscall.Signal
	// Elapsed is the wall time from process creation to exit.
	Elapsed time.Duration

	Mode   setup.Mode
	Report setup.Report
}

// Exit is how a sandbox process ended.
type Exit struct {
	Code    int
	Signal  syscall.Signal
	Elapsed time.Duration
}

// Platform abstracts OS-specific sandbox behaviour.
type Platform interface {
	// SensitivePaths returns paths that must never be made writable.
	// Used during profile validation.
	SensitivePaths() []string

	// GenerateProfile describes the isolation plan for p. Used by
	// --show-profile.
	GenerateProfile(p *profile.Profile) (string, error)

	// Exec runs the command in the sandbox and waits for it.
	Exec(p *profile.Profile, opts ExecOptions) (Result, error)

	// RunInternalInit is the body of the sandbox init process. It only
	// returns when the command could not be started; the result is the
	// exit status for the init process.
	RunInternalInit() int
}

// NamespaceFlags selects the namespaces a sandbox process is created in.
type NamespaceFlags uint8

const (
	NamespaceIPC NamespaceFlags = 1 << iota
	NamespaceNet
	NamespaceMount
	NamespacePID
	NamespaceUTS
	NamespaceUser
)

const (
	// FullNamespaces is every namespace but the user namespace, which the
	// child creates itself after dropping privileges.
	FullNamespaces = NamespaceIPC | NamespaceNet | NamespaceMount | NamespacePID | NamespaceUTS
	// FilteredNamespaces is used on the fallback path.
	FilteredNamespaces NamespaceFlags = 0
)

var namespaceNames = []struct {
	flag NamespaceFlags
	name string
}{
	{NamespaceIPC, "ipc"},
	{NamespaceNet, "net"},
	{NamespaceMount, "mnt"},
	{NamespacePID, "pid"},
	{NamespaceUTS, "uts"},
	{NamespaceUser, "user"},
}

// Has reports whether every flag in o is set in f.
func (f NamespaceFlags) Has(o NamespaceFlags) bool {
	return f&o == o
}

func (f NamespaceFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, n := range namespaceNames {
		if f.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// FlagsFor returns the namespace set a mode creates its process with.
func FlagsFor(mode setup.Mode) NamespaceFlags {
	if mode == setup.Isolated {
		return FullNamespaces
	}
	return FilteredNamespaces
}

// ProcessCreationError is returned when the sandbox process could not be
// created in any mode.
type ProcessCreationError struct {
	Mode  setup.Mode
	Flags NamespaceFlags
	Err   error
}

func (e *ProcessCreationError) Error() string {
	return fmt.Sprintf("create %s sandbox process (namespaces %s): %v", e.Mode, e.Flags, e.Err)
}

func (e *ProcessCreationError) Unwrap() error { return e.Err }

// IsolationError is returned when the launcher refused to let a sandbox
// run after reading its setup report.
type IsolationError struct {
	Report setup.Report
	Reason string
}

func (e *IsolationError) Error() string {
	return "sandbox setup rejected: " + e.Reason
}

// ExecError is returned when the sandbox could not start the command.
type ExecError struct {
	Program string
	Err     error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("run %q: %v", e.Program, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }
