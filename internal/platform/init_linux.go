//go:build linux

package platform

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/bpicori/red-cell/internal/logging"
	"github.com/bpicori/red-cell/internal/mount"
	"github.com/bpicori/red-cell/internal/privilege"
	"github.com/bpicori/red-cell/internal/setup"
	"github.com/bpicori/red-cell/internal/wire"
	"golang.org/x/sys/unix"
)

// RunInternalInit runs inside the freshly created sandbox process. It
// reads the start frame, performs the isolation sequence, reports it and
// waits for the launcher's decision before replacing itself with the
// command.
func (l *linuxPlatform) RunInternalInit() int {
	for _, fd := range []int{wire.PayloadFD, wire.ReportFD, wire.DecisionFD} {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s is internal to red-cell and cannot be run directly\n", InternalInitVerb)
			return 1
		}
		unix.CloseOnExec(fd)
	}

	payloadR := os.NewFile(uintptr(wire.PayloadFD), "payload")
	reportW := os.NewFile(uintptr(wire.ReportFD), "report")
	decisionR := os.NewFile(uintptr(wire.DecisionFD), "decision")
	defer reportW.Close()

	payload, err := wire.DecodePayload(payloadR)
	_ = payloadR.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger := logging.New(os.Stderr, logging.DebugEnabled(payload.Debug)).With("pid", os.Getpid())

	report := setup.Run(payload.Mode, setup.Isolation(isolationHooks(payload, logger)))
	for _, step := range report.Steps {
		logger.Debug("setup step", "step", step.Step, "status", step.Status, "error", step.Err)
	}

	if err := wire.WriteMessage(reportW, wire.Message{Report: &report}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: send setup report: %v\n", err)
		return 1
	}

	decision, err := wire.ReadDecision(decisionR)
	_ = decisionR.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !decision.Proceed {
		logger.Debug("launcher aborted the run", "reason", decision.Reason)
		return 1
	}

	logger.Debug("executing command", "command", payload.Command)
	execErr := execCommand(payload.Command)
	if err := wire.WriteMessage(reportW, wire.Message{ExecError: execErr.Error()}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", execErr)
	}
	return 127
}

func isolationHooks(payload wire.Payload, logger *slog.Logger) setup.Hooks {
	hooks := setup.Hooks{
		MountProc: func() error {
			return mount.New().Proc(payload.Mode == setup.Isolated)
		},
		DropPrivileges: func() error {
			state, err := privilege.System().Drop()
			logger.Debug("privilege drop", "uid", state.Real, "euid", state.Effective)
			return err
		},
		NewUserNamespace: newUserNamespace,
	}
	if len(payload.WritablePaths) > 0 {
		hooks.RestrictPaths = func() error {
			return restrictPaths(payload.WritablePaths)
		}
	}
	return hooks
}

// newUserNamespace moves the process into a fresh user namespace. The
// kernel refuses this for multi-threaded processes, which a Go process
// always is, so the step usually reports EINVAL.
func newUserNamespace() error {
	if err := unix.Unshare(unix.CLONE_NEWUSER); err != nil {
		return fmt.Errorf("unshare user namespace: %w", err)
	}
	return nil
}
