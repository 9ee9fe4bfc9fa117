// Package redcell runs commands inside namespace-isolated sandboxes.
package redcell

import (
	"io"
	"os"

	"github.com/bpicori/red-cell/internal/logging"
	"github.com/bpicori/red-cell/internal/platform"
	"github.com/bpicori/red-cell/internal/profile"
)

// Run validates and executes a sandboxed command request. It blocks until
// the command exits.
//
// When namespaces cannot be created, Run installs the syscall filter and
// no_new_privs on the calling process itself, on every thread and for the
// rest of its life, so the caller loses the denied syscalls (by default
// socket) as well. Programs that need them afterwards should run the
// red-cell binary instead of calling Run in process.
func Run(req RunRequest, ioCfg RunIO) (RunResult, error) {
	if len(req.Command) == 0 {
		return RunResult{}, ErrUsage
	}

	p := &profile.Profile{
		DenySyscalls:     append([]string{}, req.DenySyscalls...),
		WritablePaths:    append([]string{}, req.WritablePaths...),
		StackSize:        req.StackSize,
		RequireIsolation: req.RequireIsolation,
		PropagateExit:    req.PropagateExit,
		Debug:            logging.DebugEnabled(req.Debug),
		Command:          append([]string{}, req.Command...),
	}

	plat, err := platform.New()
	if err != nil {
		return RunResult{}, err
	}

	if err := p.Validate(plat.SensitivePaths()); err != nil {
		return RunResult{}, err
	}
	p.ApplyDefaults()

	if req.ShowProfile {
		text, err := plat.GenerateProfile(p)
		if err != nil {
			return RunResult{}, err
		}
		return RunResult{GeneratedProfile: text}, nil
	}

	logger := ioCfg.Logger
	if logger == nil {
		var w io.Writer = os.Stderr
		if ioCfg.Stderr != nil {
			w = ioCfg.Stderr
		}
		logger = logging.New(w, p.Debug)
	}

	res, err := plat.Exec(p, platform.ExecOptions{
		Stdin:            ioCfg.Stdin,
		Stdout:           ioCfg.Stdout,
		Stderr:           ioCfg.Stderr,
		Env:              append([]string{}, ioCfg.Env...),
		Logger:           logger,
		HelperBinaryPath: ioCfg.HelperBinaryPath,
	})
	return newRunResult(res, req.PropagateExit), err
}

func newRunResult(res platform.Result, propagate bool) RunResult {
	return RunResult{
		ExitCode:      ExitStatus(res.ExitCode, propagate),
		ChildExitCode: res.ExitCode,
		Signal:        res.Signal,
		Elapsed:       res.Elapsed,
		Mode:          res.Mode,
		Degraded:      res.Report.Degraded(),
		Steps:         res.Report.Steps,
	}
}

// ExitStatus is the launcher's exit status for a command that ran. The
// command's own status is only passed through when propagate is set;
// otherwise a completed run always succeeds.
func ExitStatus(childExitCode int, propagate bool) int {
	if !propagate {
		return 0
	}
	return childExitCode
}
