package profile

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bpicori/red-cell/internal/stack"
)

// Path validation errors. Use errors.Is to check for them.
var (
	ErrPathEmpty       = errors.New("path must not be empty")
	ErrPathControlChar = errors.New("path contains control character")
	ErrPathNotAbsolute = errors.New("path must be absolute")
	ErrPathDotDot      = errors.New("path must not contain '..' components")
	ErrPathSensitive   = errors.New("path overlaps with sensitive path")
)

// MaxStackSize caps the start frame budget.
const MaxStackSize = 64 << 20

// Profile holds the parsed, validated sandbox configuration.
// It is platform-agnostic; platform-specific code translates it into
// namespaces, a syscall policy and a start frame.
type Profile struct {
	// DenySyscalls is the deny set of the fallback syscall filter.
	DenySyscalls []string

	// WritablePaths, when set, confine filesystem writes to these paths.
	WritablePaths []string

	// StackSize is the start frame budget in bytes.
	StackSize int

	RequireIsolation bool
	PropagateExit    bool
	Debug            bool

	Command []string
}

// Validate checks the profile for logical consistency and resolves the
// writable paths. sensitivePaths is platform-specific (e.g. from
// Platform.SensitivePaths()). It returns a combined error of every issue
// found.
func (p *Profile) Validate(sensitivePaths []string) error {
	var errs []error

	if len(p.Command) == 0 {
		errs = append(errs, errors.New("command must not be empty"))
	} else if p.Command[0] == "" {
		errs = append(errs, errors.New("program must not be empty"))
	}

	if p.StackSize != 0 && (p.StackSize < stack.MinSize || p.StackSize > MaxStackSize) {
		errs = append(errs, fmt.Errorf("stack size %d out of range [%d, %d]", p.StackSize, stack.MinSize, MaxStackSize))
	}

	if err := validateSyscalls(p.DenySyscalls); err != nil {
		errs = append(errs, fmt.Errorf("deny syscalls: %w", err))
	}

	p.WritablePaths, errs = validatePaths(p.WritablePaths, "writable path", sensitivePaths, errs)

	return errors.Join(errs...)
}

// ApplyDefaults fills unset fields.
func (p *Profile) ApplyDefaults() {
	if p.StackSize == 0 {
		p.StackSize = stack.DefaultSize
	}
}

func validatePaths(paths []string, label string, sensitivePaths []string, errs []error) ([]string, []error) {
	resolved := make([]string, 0, len(paths))
	for _, p := range paths {
		r, err := resolveAndValidatePath(p, sensitivePaths)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", label, p, err))
			continue
		}
		resolved = append(resolved, r)
	}
	return resolved, errs
}

// resolveAndValidatePath ensures a path is absolute, resolves symlinks, and validates the path
func resolveAndValidatePath(raw string, sensitivePaths []string) (string, error) {
	if raw == "" {
		return "", ErrPathEmpty
	}

	for _, c := range raw {
		if c < 0x20 || c == 0x7f {
			return "", fmt.Errorf("%w (0x%02x)", ErrPathControlChar, c)
		}
	}

	if !filepath.IsAbs(raw) {
		return "", ErrPathNotAbsolute
	}

	cleaned := filepath.Clean(raw)
	if slices.Contains(strings.Split(cleaned, string(filepath.Separator)), "..") {
		return "", ErrPathDotDot
	}

	// Paths that do not exist yet are kept as written.
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		resolved = cleaned
	}

	if err := checkSensitivePath(resolved, sensitivePaths); err != nil {
		return "", err
	}

	return resolved, nil
}

// checkSensitivePath returns an error if the given resolved path equals
// or is a child of any entry in sensitivePaths.
func checkSensitivePath(resolved string, sensitivePaths []string) error {
	for _, sensitive := range sensitivePaths {
		if pathOverlaps(resolved, sensitive) {
			return fmt.Errorf("%w %q", ErrPathSensitive, sensitive)
		}
	}
	return nil
}

// pathOverlaps reports whether a and b are equal, or one is a prefix
// example: /etc/shadow and /etc/shadow/subdir are overlapping
func pathOverlaps(a, b string) bool {
	a = filepath.Clean(a)
	b = filepath.Clean(b)

	if a == b {
		return true
	}

	aSlash := a + string(filepath.Separator)
	bSlash := b + string(filepath.Separator)
	return strings.HasPrefix(aSlash, bSlash) || strings.HasPrefix(bSlash, aSlash)
}
