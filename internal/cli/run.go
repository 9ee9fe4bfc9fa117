package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/bpicori/red-cell/pkg/redcell"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// runFlags holds the raw values parsed from the command line.
type runFlags struct {
	fs *pflag.FlagSet

	denySyscalls     []string
	writablePaths    []string
	stackSize        int
	requireIsolation bool
	propagateExit    bool
	debug            bool
	showProfile      bool
	profilePath      string
	help             bool

	command []string
}

func printUsage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "red-cell - run a command in an isolated Linux sandbox\n\n")
	fmt.Fprintf(os.Stderr, "Usage: red-cell [options] <program> [args...]\n\n")
	fmt.Fprintf(os.Stderr, "The command gets fresh IPC, network, mount, PID and UTS namespaces and\n")
	fmt.Fprintf(os.Stderr, "runs without root. When namespaces cannot be created it runs under a\n")
	fmt.Fprintf(os.Stderr, "syscall filter instead.\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	fmt.Fprint(os.Stderr, fs.FlagUsages())
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  sudo red-cell ls -la /proc\n")
	fmt.Fprintf(os.Stderr, "  sudo red-cell --require-isolation --propagate-exit make test\n")
	fmt.Fprintf(os.Stderr, "  red-cell --deny-syscall socket --deny-syscall ptrace python agent.py\n")
	fmt.Fprintf(os.Stderr, "  red-cell --allow-write /tmp/out -- sh -c 'date > /tmp/out/now'\n")
	fmt.Fprintf(os.Stderr, "  red-cell --show-profile --profile ./profile.yaml\n")
}

// parseRunFlags parses CLI arguments. Parsing stops at the first
// non-flag argument, which starts the command.
func parseRunFlags(args []string) (*runFlags, int) {
	fs := pflag.NewFlagSet("red-cell", pflag.ContinueOnError)
	fs.SetInterspersed(false)

	f := &runFlags{fs: fs}

	fs.StringArrayVar(&f.denySyscalls, "deny-syscall", nil, "Deny syscall in the fallback filter (can be specified multiple times, default socket)")
	fs.StringArrayVar(&f.writablePaths, "allow-write", nil, "Confine writes to path (can be specified multiple times)")
	fs.IntVar(&f.stackSize, "stack-size", 0, "Start frame budget in bytes (default 1048576)")
	fs.BoolVar(&f.requireIsolation, "require-isolation", false, "Refuse to run when any setup step is degraded")
	fs.BoolVar(&f.propagateExit, "propagate-exit", false, "Exit with the command's exit status")
	fs.BoolVar(&f.debug, "debug", false, "Print sandbox setup diagnostics")
	fs.BoolVar(&f.showProfile, "show-profile", false, "Print the sandbox plan and exit (do not run)")
	fs.StringVar(&f.profilePath, "profile", "", "Load run options from YAML file")
	fs.BoolVarP(&f.help, "help", "h", false, "Show this help message")
	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, 0
		}
		return nil, 2
	}
	if f.help {
		printUsage(fs)
		return nil, 0
	}

	f.command = fs.Args()
	return f, 0
}

// runConfigProfile defines run options that can be loaded from file and
// then overridden by CLI flags.
type runConfigProfile struct {
	DenySyscalls  []string `yaml:"deny_syscalls"`
	WritablePaths []string `yaml:"writable_paths"`
	Command       []string `yaml:"command"`

	StackSize        *int  `yaml:"stack_size"`
	RequireIsolation *bool `yaml:"require_isolation"`
	PropagateExit    *bool `yaml:"propagate_exit_status"`
	Debug            *bool `yaml:"debug"`
	ShowProfile      *bool `yaml:"show_profile"`
}

func resolveRunConfig(f *runFlags) (*runConfigProfile, error) {
	effective := &runConfigProfile{}

	if f.profilePath != "" {
		fromFile, err := loadRunConfigFile(f.profilePath)
		if err != nil {
			return nil, err
		}
		mergeRunConfigProfile(effective, fromFile)
	}

	mergeRunConfigProfile(effective, cliRunConfigOverrides(f))
	return effective, nil
}

func loadRunConfigFile(path string) (*runConfigProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile file %q: %w", path, err)
	}

	var fileCfg runConfigProfile
	if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
		return nil, fmt.Errorf("parse profile file %q: %w", path, err)
	}
	return &fileCfg, nil
}

// cliRunConfigOverrides keeps only the flags given on the command line,
// so defaults never mask values from the profile file.
func cliRunConfigOverrides(f *runFlags) *runConfigProfile {
	cfg := &runConfigProfile{
		DenySyscalls:  append([]string{}, f.denySyscalls...),
		WritablePaths: append([]string{}, f.writablePaths...),
		Command:       append([]string{}, f.command...),
	}

	changed := func(name string) bool {
		return f.fs != nil && f.fs.Changed(name)
	}
	if changed("stack-size") {
		cfg.StackSize = intPtr(f.stackSize)
	}
	if changed("require-isolation") {
		cfg.RequireIsolation = boolPtr(f.requireIsolation)
	}
	if changed("propagate-exit") {
		cfg.PropagateExit = boolPtr(f.propagateExit)
	}
	if changed("debug") {
		cfg.Debug = boolPtr(f.debug)
	}
	if changed("show-profile") {
		cfg.ShowProfile = boolPtr(f.showProfile)
	}

	return cfg
}

func mergeRunConfigProfile(dst *runConfigProfile, src *runConfigProfile) {
	if dst == nil || src == nil {
		return
	}

	dst.DenySyscalls = append(dst.DenySyscalls, src.DenySyscalls...)
	dst.WritablePaths = append(dst.WritablePaths, src.WritablePaths...)

	if len(src.Command) > 0 {
		dst.Command = append([]string{}, src.Command...)
	}
	if src.StackSize != nil {
		dst.StackSize = intPtr(*src.StackSize)
	}
	if src.RequireIsolation != nil {
		dst.RequireIsolation = boolPtr(*src.RequireIsolation)
	}
	if src.PropagateExit != nil {
		dst.PropagateExit = boolPtr(*src.PropagateExit)
	}
	if src.Debug != nil {
		dst.Debug = boolPtr(*src.Debug)
	}
	if src.ShowProfile != nil {
		dst.ShowProfile = boolPtr(*src.ShowProfile)
	}
}

func boolPtr(v bool) *bool {
	return &v
}

func intPtr(v int) *int {
	return &v
}

// buildRequest constructs a redcell run request from resolved run options.
func buildRequest(c *runConfigProfile) redcell.RunRequest {
	req := redcell.RunRequest{
		DenySyscalls:  append([]string{}, c.DenySyscalls...),
		WritablePaths: append([]string{}, c.WritablePaths...),
		Command:       append([]string{}, c.Command...),
	}
	if c.StackSize != nil {
		req.StackSize = *c.StackSize
	}
	if c.RequireIsolation != nil {
		req.RequireIsolation = *c.RequireIsolation
	}
	if c.PropagateExit != nil {
		req.PropagateExit = *c.PropagateExit
	}
	if c.Debug != nil {
		req.Debug = *c.Debug
	}
	if c.ShowProfile != nil {
		req.ShowProfile = *c.ShowProfile
	}
	return req
}

// RunCmd runs the command named by args inside a sandbox and returns the
// launcher's exit status.
func RunCmd(args []string) int {
	f, exitCode := parseRunFlags(args)
	if f == nil {
		return exitCode
	}

	effective, err := resolveRunConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if len(effective.Command) == 0 {
		fmt.Fprintf(os.Stderr, "Error: %v (pass it after the options or in the profile file)\n\n", redcell.ErrUsage)
		printUsage(f.fs)
		return 2
	}

	helperBinaryPath, _ := os.Executable()
	result, err := redcell.Run(buildRequest(effective), redcell.RunIO{
		Stdin:            os.Stdin,
		Stdout:           os.Stdout,
		Stderr:           os.Stderr,
		HelperBinaryPath: helperBinaryPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if result.GeneratedProfile != "" {
		fmt.Print(result.GeneratedProfile)
	}
	return result.ExitCode
}
