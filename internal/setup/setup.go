// Package setup sequences the isolation steps that run inside a freshly
// created sandbox process and aggregates their outcomes into a Report.
package setup

import (
	"errors"
	"fmt"
	"strings"
)

// Mode is the launch strategy a sandbox process was created with.
type Mode string

const (
	// Isolated processes are created in fresh IPC, network, mount, PID and
	// UTS namespaces.
	Isolated Mode = "isolated"
	// Filtered processes share the launcher's namespaces and rely on the
	// syscall filter installed by the launcher.
	Filtered Mode = "filtered"
)

// Status is the outcome of a single step.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFatal    Status = "fatal"
)

// Step names, in the order Isolation runs them.
const (
	StepSyscallFilter  = "syscall-filter"
	StepMountProc      = "mount-proc"
	StepDropPrivileges = "drop-privileges"
	StepUserNamespace  = "user-namespace"
	StepRestrictPaths  = "restrict-paths"
)

// Step is one unit of sandbox setup.
type Step struct {
	Name string
	Run  func() error
	// OnFailure is the status recorded when Run returns an error.
	OnFailure Status
	// Advisory steps are reported but never count towards a degraded
	// verdict.
	Advisory bool
}

// StepResult records how a step went.
type StepResult struct {
	Step     string `cbor:"step"`
	Status   Status `cbor:"status"`
	Advisory bool   `cbor:"advisory,omitempty"`
	Err      string `cbor:"err,omitempty"`
}

func (r StepResult) String() string {
	if r.Err == "" {
		return fmt.Sprintf("%s: %s", r.Step, r.Status)
	}
	return fmt.Sprintf("%s: %s (%s)", r.Step, r.Status, r.Err)
}

// Report is the aggregated outcome of a setup sequence.
type Report struct {
	Mode  Mode         `cbor:"mode"`
	Steps []StepResult `cbor:"steps"`
}

// Fatal reports whether any step failed fatally.
func (r Report) Fatal() bool {
	for _, s := range r.Steps {
		if s.Status == StatusFatal {
			return true
		}
	}
	return false
}

// Degraded reports whether any non-advisory step did not complete.
func (r Report) Degraded() bool {
	for _, s := range r.Steps {
		if s.Status != StatusOK && !s.Advisory {
			return true
		}
	}
	return false
}

// Failures returns every step that did not complete, advisory ones
// included.
func (r Report) Failures() []StepResult {
	var failed []StepResult
	for _, s := range r.Steps {
		if s.Status != StatusOK {
			failed = append(failed, s)
		}
	}
	return failed
}

// Summary renders the failures on one line.
func (r Report) Summary() string {
	failed := r.Failures()
	if len(failed) == 0 {
		return "all steps ok"
	}
	parts := make([]string, 0, len(failed))
	for _, s := range failed {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, "; ")
}

// Prepend returns a copy of r with results placed before its own steps.
func (r Report) Prepend(results ...StepResult) Report {
	steps := make([]StepResult, 0, len(results)+len(r.Steps))
	steps = append(steps, results...)
	steps = append(steps, r.Steps...)
	return Report{Mode: r.Mode, Steps: steps}
}

// Run executes steps in order. A failing step never stops the sequence.
func Run(mode Mode, steps []Step) Report {
	report := Report{Mode: mode, Steps: make([]StepResult, 0, len(steps))}
	for _, step := range steps {
		report.Steps = append(report.Steps, Result(step.Name, step.Run(), step.OnFailure, step.Advisory))
	}
	return report
}

// Result builds a StepResult from a step error.
func Result(name string, err error, onFailure Status, advisory bool) StepResult {
	res := StepResult{Step: name, Status: StatusOK, Advisory: advisory}
	if err != nil {
		res.Status = onFailure
		res.Err = err.Error()
	}
	return res
}

// Hooks are the concrete actions behind the isolation sequence. A nil
// RestrictPaths skips that step.
type Hooks struct {
	MountProc        func() error
	DropPrivileges   func() error
	NewUserNamespace func() error
	RestrictPaths    func() error
}

var errMissingHook = errors.New("isolation hook not provided")

// Isolation returns the isolation sequence: proc mount, privilege drop,
// user namespace, then the optional path restriction. A privilege drop
// failure is fatal. The user namespace is advisory since it is created
// after the drop and grants nothing back to the host.
func Isolation(h Hooks) []Step {
	steps := []Step{
		{Name: StepMountProc, Run: orMissing(h.MountProc), OnFailure: StatusDegraded},
		{Name: StepDropPrivileges, Run: orMissing(h.DropPrivileges), OnFailure: StatusFatal},
		{Name: StepUserNamespace, Run: orMissing(h.NewUserNamespace), OnFailure: StatusDegraded, Advisory: true},
	}
	if h.RestrictPaths != nil {
		steps = append(steps, Step{Name: StepRestrictPaths, Run: h.RestrictPaths, OnFailure: StatusDegraded})
	}
	return steps
}

func orMissing(fn func() error) func() error {
	if fn == nil {
		return func() error { return errMissingHook }
	}
	return fn
}
