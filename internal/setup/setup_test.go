package setup

import (
	"errors"
	"strings"
	"testing"
)

func TestIsolation_StepOrder(t *testing.T) {
	var order []string
	record := func(name string) func() error {
		return func() error {
			order = append(order, name)
			return nil
		}
	}

	report := Run(Isolated, Isolation(Hooks{
		MountProc:        record(StepMountProc),
		DropPrivileges:   record(StepDropPrivileges),
		NewUserNamespace: record(StepUserNamespace),
		RestrictPaths:    record(StepRestrictPaths),
	}))

	want := []string{StepMountProc, StepDropPrivileges, StepUserNamespace, StepRestrictPaths}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected step order %v", order)
	}
	if report.Degraded() || report.Fatal() {
		t.Fatalf("expected clean report, got %s", report.Summary())
	}
	if report.Mode != Isolated {
		t.Fatalf("unexpected mode %q", report.Mode)
	}
}

func TestIsolation_SkipsRestrictPathsWhenUnset(t *testing.T) {
	ok := func() error { return nil }
	steps := Isolation(Hooks{MountProc: ok, DropPrivileges: ok, NewUserNamespace: ok})
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
}

func TestRun_ContinuesPastFailures(t *testing.T) {
	var ran []string
	report := Run(Filtered, Isolation(Hooks{
		MountProc: func() error {
			ran = append(ran, StepMountProc)
			return errors.New("mount: operation not permitted")
		},
		DropPrivileges: func() error {
			ran = append(ran, StepDropPrivileges)
			return errors.New("no target uid")
		},
		NewUserNamespace: func() error {
			ran = append(ran, StepUserNamespace)
			return nil
		},
	}))

	if len(ran) != 3 {
		t.Fatalf("expected every step to run, ran %v", ran)
	}
	if !report.Fatal() {
		t.Fatal("privilege drop failure should be fatal")
	}
	if !report.Degraded() {
		t.Fatal("mount failure should degrade the report")
	}
	if got := report.Steps[0].Status; got != StatusDegraded {
		t.Fatalf("mount step status = %q, want degraded", got)
	}
	if !strings.Contains(report.Summary(), "no target uid") {
		t.Fatalf("summary missing privilege error: %s", report.Summary())
	}
}

func TestReport_AdvisoryFailureIsNotDegraded(t *testing.T) {
	ok := func() error { return nil }
	report := Run(Isolated, Isolation(Hooks{
		MountProc:        ok,
		DropPrivileges:   ok,
		NewUserNamespace: func() error { return errors.New("unshare: invalid argument") },
	}))

	if report.Degraded() {
		t.Fatal("advisory user namespace failure must not degrade the report")
	}
	if len(report.Failures()) != 1 {
		t.Fatalf("expected the advisory failure to be listed, got %v", report.Failures())
	}
}

func TestIsolation_MissingHookIsReported(t *testing.T) {
	report := Run(Isolated, Isolation(Hooks{}))
	if !report.Fatal() {
		t.Fatal("missing privilege hook must be fatal")
	}
}

func TestReport_Prepend(t *testing.T) {
	report := Report{Mode: Filtered, Steps: []StepResult{{Step: StepMountProc, Status: StatusOK}}}
	merged := report.Prepend(Result(StepSyscallFilter, errors.New("seccomp unavailable"), StatusDegraded, false))

	if len(merged.Steps) != 2 || merged.Steps[0].Step != StepSyscallFilter {
		t.Fatalf("unexpected merged steps %v", merged.Steps)
	}
	if len(report.Steps) != 1 {
		t.Fatal("Prepend modified the receiver")
	}
	if !merged.Degraded() {
		t.Fatal("filter failure should degrade the merged report")
	}
}
