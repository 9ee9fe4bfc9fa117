package platform

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/bpicori/red-cell/internal/setup"
	"github.com/bpicori/red-cell/internal/stack"
	"github.com/bpicori/red-cell/internal/wire"
)

// child is a started sandbox process seen from the launcher.
type child interface {
	ReadReport() (setup.Report, error)
	SendDecision(d wire.Decision) error
	// ExecResult blocks until the child replaced its image (nil) or
	// reported why it could not.
	ExecResult() error
	Wait() (Exit, error)
	Kill() error
}

// attempt is one process-creation request. Frame holds the encoded start
// frame and is only valid for the duration of the start call.
type attempt struct {
	Mode  setup.Mode
	Flags NamespaceFlags
	Frame *stack.Frame
}

// launcher drives the Isolated -> Filtered state machine.
type launcher struct {
	region           *stack.Region
	start            func(a attempt) (child, error)
	installFilter    func() error
	requireIsolation bool
	logger           *slog.Logger
}

// next returns the mode to retry in after a creation failure, if any.
// Only a permission failure of the isolated attempt moves the machine.
func next(mode setup.Mode, err error) (setup.Mode, bool) {
	if mode == setup.Isolated && errors.Is(err, fs.ErrPermission) {
		return setup.Filtered, true
	}
	return mode, false
}

// create starts the sandbox process, falling back to the filtered mode at
// most once. Steps performed by the launcher itself are returned so they
// can be folded into the child's report.
func (l *launcher) create(payload wire.Payload) (child, setup.Mode, []setup.StepResult, error) {
	var ownSteps []setup.StepResult
	mode := setup.Isolated
	for {
		c, err := l.startIn(mode, payload)
		if err == nil {
			return c, mode, ownSteps, nil
		}

		fallback, ok := next(mode, err)
		if !ok {
			return nil, mode, ownSteps, &ProcessCreationError{Mode: mode, Flags: FlagsFor(mode), Err: err}
		}

		l.logger.Warn("no permission to create namespaces, running without isolation under a syscall filter", "error", err)
		filterErr := l.installFilter()
		if filterErr != nil {
			l.logger.Warn("syscall filter not installed", "error", filterErr)
		}
		ownSteps = append(ownSteps, setup.Result(setup.StepSyscallFilter, filterErr, setup.StatusDegraded, false))
		mode = fallback
	}
}

// startIn lends the stack region to a single creation call and takes it
// back once the call returns, whatever its outcome.
func (l *launcher) startIn(mode setup.Mode, payload wire.Payload) (child, error) {
	frame, err := l.region.Lend()
	if err != nil {
		return nil, err
	}
	defer frame.Release()

	payload.Mode = mode
	if err := wire.EncodePayload(frame, payload); err != nil {
		return nil, fmt.Errorf("build start frame: %w", err)
	}

	l.logger.Debug("creating sandbox process", "mode", mode, "namespaces", FlagsFor(mode), "frame_bytes", frame.Len())
	return l.start(attempt{Mode: mode, Flags: FlagsFor(mode), Frame: frame})
}

// Decide is the launcher's verdict on a setup report. Fatal steps always
// abort; degraded steps abort only when isolation is required.
func Decide(report setup.Report, requireIsolation bool) wire.Decision {
	switch {
	case report.Fatal():
		return wire.Decision{Reason: report.Summary()}
	case requireIsolation && report.Degraded():
		return wire.Decision{Reason: "isolation required: " + report.Summary()}
	default:
		return wire.Decision{Proceed: true}
	}
}

func (l *launcher) run(payload wire.Payload) (Result, error) {
	c, mode, ownSteps, err := l.create(payload)
	res := Result{Mode: mode}
	if err != nil {
		return res, err
	}

	report, err := c.ReadReport()
	if err != nil {
		_ = c.Kill()
		_, _ = c.Wait()
		return res, fmt.Errorf("sandbox setup: %w", err)
	}
	report = report.Prepend(ownSteps...)
	res.Report = report

	decision := Decide(report, l.requireIsolation)
	switch {
	case !decision.Proceed:
		l.logger.Error("refusing to run command", "mode", mode, "reason", decision.Reason)
	case report.Degraded():
		l.logger.Warn("sandbox degraded, proceeding", "mode", mode, "failures", report.Summary())
	case len(report.Failures()) > 0:
		l.logger.Debug("advisory setup steps failed", "mode", mode, "failures", report.Summary())
	default:
		l.logger.Debug("sandbox ready", "mode", mode)
	}

	if err := c.SendDecision(decision); err != nil {
		_ = c.Kill()
		_, _ = c.Wait()
		return res, fmt.Errorf("send decision: %w", err)
	}
	if !decision.Proceed {
		_, _ = c.Wait()
		return res, &IsolationError{Report: report, Reason: decision.Reason}
	}

	execErr := c.ExecResult()
	exit, waitErr := c.Wait()
	res.ExitCode = exit.Code
	res.Signal = exit.Signal
	res.Elapsed = exit.Elapsed
	if execErr != nil {
		return res, &ExecError{Program: payload.Command[0], Err: execErr}
	}
	if waitErr != nil {
		return res, fmt.Errorf("wait for sandbox: %w", waitErr)
	}
	return res, nil
}
