package redcell

import (
	"errors"
	"io"
	"log/slog"
	"syscall"
	"time"

	"github.com/bpicori/red-cell/internal/platform"
	"github.com/bpicori/red-cell/internal/setup"
)

// ErrUsage is returned when a request carries no command to run. No
// process is created.
var ErrUsage = errors.New("no command specified")

// Errors returned by Run. Use errors.As to inspect them.
type (
	// ProcessCreationError means no sandbox process could be created.
	ProcessCreationError = platform.ProcessCreationError
	// IsolationError means the sandbox was created but its setup was not
	// acceptable, so the command never ran.
	IsolationError = platform.IsolationError
	// ExecError means the sandbox could not start the command.
	ExecError = platform.ExecError
)

// Mode is the strategy the sandbox process was created with.
type Mode = setup.Mode

const (
	Isolated = setup.Isolated
	Filtered = setup.Filtered
)

// StepResult is the outcome of one sandbox setup step.
type StepResult = setup.StepResult

// RunRequest describes a sandboxed command execution request.
type RunRequest struct {
	// DenySyscalls replaces the default deny set of the syscall filter
	// installed when namespaces are unavailable.
	DenySyscalls []string

	// WritablePaths confines filesystem writes to these paths.
	WritablePaths []string

	// StackSize is the start frame budget in bytes. Zero selects the
	// default.
	StackSize int

	// RequireIsolation rejects sandboxes with degraded setup steps.
	RequireIsolation bool

	// PropagateExit makes ExitCode mirror the command's exit status.
	PropagateExit bool

	Debug       bool
	ShowProfile bool

	Command []string
}

// RunIO controls runtime IO/env behavior for command execution.
type RunIO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Env overrides the environment passed to the sandboxed process.
	// When empty, the current process environment is used.
	Env []string

	// Logger receives sandbox diagnostics. When nil a text logger on
	// Stderr (or os.Stderr) is used, at debug level if requested.
	Logger *slog.Logger

	// HelperBinaryPath is the binary re-executed as the sandbox init
	// process. If empty, the running executable is used.
	HelperBinaryPath string
}

// RunResult contains execution metadata.
type RunResult struct {
	// ExitCode is the status the caller should exit with.
	ExitCode int
	// ChildExitCode is the command's own exit status, 128+N when it was
	// killed by signal N.
	ChildExitCode int
	// Signal is the signal that killed the command, zero otherwise.
	Signal syscall.Signal
	// Elapsed is the wall time of the sandboxed process, setup included.
	Elapsed time.Duration

	Mode     Mode
	Degraded bool
	Steps    []StepResult

	GeneratedProfile string
}
