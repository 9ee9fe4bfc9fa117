//go:build linux

package platform

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bpicori/red-cell/internal/filter"
	"github.com/bpicori/red-cell/internal/logging"
	"github.com/bpicori/red-cell/internal/profile"
	"github.com/bpicori/red-cell/internal/setup"
	"github.com/bpicori/red-cell/internal/stack"
	"github.com/bpicori/red-cell/internal/wire"
	"golang.org/x/sys/unix"
)

// linuxSensitivePaths lists paths that must never be made writable inside
// the sandbox. Any user-provided path that overlaps with these is rejected.
var linuxSensitivePaths = []string{
	"/etc/shadow",
	"/etc/passwd",
	"/etc/sudoers",
	"/var/run/secrets",
	"/boot",
	"/proc/kcore",
}

type linuxPlatform struct{}

// New returns the Platform implementation for Linux.
func New() (Platform, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return &linuxPlatform{}, nil
}

func (l *linuxPlatform) SensitivePaths() []string {
	return linuxSensitivePaths
}

func (l *linuxPlatform) GenerateProfile(p *profile.Profile) (string, error) {
	policy, err := filter.NewPolicy(p.DenySyscalls...)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("# red-cell linux profile\n")
	sb.WriteString("engine=namespaces+seccomp\n")
	sb.WriteString("namespaces.isolated=" + FlagsFor(setup.Isolated).String() + "\n")
	sb.WriteString("namespaces.filtered=" + FlagsFor(setup.Filtered).String() + "\n")
	sb.WriteString("filtered.seccomp.default=allow\n")
	sb.WriteString("filtered.seccomp.deny=" + strings.Join(policy.Deny, ",") + " (" + unix.ErrnoName(policy.Errno) + ")\n")

	steps := []string{setup.StepMountProc, setup.StepDropPrivileges, setup.StepUserNamespace}
	if len(p.WritablePaths) > 0 {
		steps = append(steps, setup.StepRestrictPaths)
	}
	sb.WriteString("setup=" + strings.Join(steps, ",") + "\n")
	for _, path := range p.WritablePaths {
		sb.WriteString("landlock.write=" + path + "\n")
	}

	size := p.StackSize
	if size == 0 {
		size = stack.DefaultSize
	}
	sb.WriteString("stack.size=" + strconv.Itoa(size) + "\n")

	if p.RequireIsolation {
		sb.WriteString("degraded=reject\n")
	} else {
		sb.WriteString("degraded=accept\n")
	}
	if p.PropagateExit {
		sb.WriteString("exit=child\n")
	} else {
		sb.WriteString("exit=zero\n")
	}

	return sb.String(), nil
}

func (l *linuxPlatform) Exec(p *profile.Profile, opts ExecOptions) (Result, error) {
	policy, err := filter.NewPolicy(p.DenySyscalls...)
	if err != nil {
		return Result{}, err
	}

	size := p.StackSize
	if size == 0 {
		size = stack.DefaultSize
	}
	region, err := stack.New(size)
	if err != nil {
		return Result{}, err
	}

	exePath := opts.HelperBinaryPath
	if exePath == "" {
		exePath, err = os.Executable()
		if err != nil {
			return Result{}, fmt.Errorf("resolve executable path: %w", err)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	ln := &launcher{
		region: region,
		start: func(a attempt) (child, error) {
			return startChild(exePath, a, opts)
		},
		installFilter: func() error {
			return filter.Install(policy)
		},
		requireIsolation: p.RequireIsolation,
		logger:           logger,
	}

	return ln.run(wire.Payload{
		Command:       p.Command,
		WritablePaths: p.WritablePaths,
		Debug:         p.Debug,
	})
}

// cloneflags maps f onto clone(2) flags.
func (f NamespaceFlags) cloneflags() uintptr {
	var flags uintptr
	if f.Has(NamespaceIPC) {
		flags |= unix.CLONE_NEWIPC
	}
	if f.Has(NamespaceNet) {
		flags |= unix.CLONE_NEWNET
	}
	if f.Has(NamespaceMount) {
		flags |= unix.CLONE_NEWNS
	}
	if f.Has(NamespacePID) {
		flags |= unix.CLONE_NEWPID
	}
	if f.Has(NamespaceUTS) {
		flags |= unix.CLONE_NEWUTS
	}
	if f.Has(NamespaceUser) {
		flags |= unix.CLONE_NEWUSER
	}
	return flags
}

// syncPipes are the three protocol pipes. The child ends are passed as
// ExtraFiles in wire.PayloadFD, wire.ReportFD, wire.DecisionFD order.
type syncPipes struct {
	payloadR, payloadW   *os.File
	reportR, reportW     *os.File
	decisionR, decisionW *os.File
}

func openSyncPipes() (*syncPipes, error) {
	var sp syncPipes
	var err error
	if sp.payloadR, sp.payloadW, err = os.Pipe(); err != nil {
		return nil, fmt.Errorf("create payload pipe: %w", err)
	}
	if sp.reportR, sp.reportW, err = os.Pipe(); err != nil {
		sp.closeAll()
		return nil, fmt.Errorf("create report pipe: %w", err)
	}
	if sp.decisionR, sp.decisionW, err = os.Pipe(); err != nil {
		sp.closeAll()
		return nil, fmt.Errorf("create decision pipe: %w", err)
	}
	return &sp, nil
}

func (sp *syncPipes) childEnds() []*os.File {
	return []*os.File{sp.payloadR, sp.reportW, sp.decisionR}
}

func (sp *syncPipes) closeChildEnds() {
	for _, f := range sp.childEnds() {
		_ = f.Close()
	}
}

func (sp *syncPipes) closeAll() {
	for _, f := range []*os.File{sp.payloadR, sp.payloadW, sp.reportR, sp.reportW, sp.decisionR, sp.decisionW} {
		if f != nil {
			_ = f.Close()
		}
	}
}

// startChild creates the sandbox init process for a and hands it the start
// frame. A returned error from cmd.Start means no process exists.
func startChild(exePath string, a attempt, opts ExecOptions) (child, error) {
	pipes, err := openSyncPipes()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(exePath, InternalInitVerb)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	}
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	}
	cmd.Env = os.Environ()
	if len(opts.Env) > 0 {
		cmd.Env = append([]string{}, opts.Env...)
	}
	cmd.ExtraFiles = pipes.childEnds()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: a.Flags.cloneflags(),
	}

	if err := cmd.Start(); err != nil {
		pipes.closeAll()
		return nil, err
	}
	pipes.closeChildEnds()

	c := &linuxChild{
		cmd:      cmd,
		started:  time.Now(),
		reportR:  pipes.reportR,
		messages: wire.NewMessageReader(pipes.reportR),
		decision: pipes.decisionW,
	}

	_, werr := pipes.payloadW.Write(a.Frame.Bytes())
	if err := errors.Join(werr, pipes.payloadW.Close()); err != nil {
		_ = c.Kill()
		_, _ = c.Wait()
		return nil, fmt.Errorf("send start frame: %w", err)
	}
	return c, nil
}

type linuxChild struct {
	cmd      *exec.Cmd
	started  time.Time
	reportR  *os.File
	messages *wire.MessageReader
	decision *os.File
}

func (c *linuxChild) ReadReport() (setup.Report, error) {
	return c.messages.ReadReport()
}

func (c *linuxChild) SendDecision(d wire.Decision) error {
	err := wire.WriteDecision(c.decision, d)
	return errors.Join(err, c.decision.Close())
}

func (c *linuxChild) ExecResult() error {
	return c.messages.ReadExecResult()
}

func (c *linuxChild) Kill() error {
	return c.cmd.Process.Kill()
}

// Wait blocks until the sandbox process exits. SIGINT and SIGQUIT from the
// terminal already reach the child through the shared process group, so
// they are only held off here; SIGTERM and SIGHUP are forwarded.
func (c *linuxChild) Wait() (Exit, error) {
	defer c.closePipes()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				if sig == syscall.SIGTERM || sig == syscall.SIGHUP {
					_ = c.cmd.Process.Signal(sig)
				}
			case <-done:
				signal.Stop(sigCh)
				return
			}
		}
	}()

	waitErr := c.cmd.Wait()
	close(done)

	exit := Exit{Elapsed: time.Since(c.started)}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				exit.Code, exit.Signal = decodeWaitStatus(status)
				return exit, nil
			}
		}
		exit.Code = -1
		return exit, waitErr
	}
	return exit, nil
}

// decodeWaitStatus maps a wait status to a shell-style exit code and the
// terminating signal, if any.
func decodeWaitStatus(status syscall.WaitStatus) (int, syscall.Signal) {
	if status.Signaled() {
		return 128 + int(status.Signal()), status.Signal()
	}
	return status.ExitStatus(), 0
}

func (c *linuxChild) closePipes() {
	_ = c.reportR.Close()
	_ = c.decision.Close()
}
