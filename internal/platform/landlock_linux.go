//go:build linux

package platform

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/landlock-lsm/go-landlock/landlock"
	landlocksys "github.com/landlock-lsm/go-landlock/landlock/syscall"
)

// restrictPaths makes the whole filesystem read-only for the rest of the
// process lifetime, except for writable and /dev/null. The config is
// applied strictly so a kernel without Landlock reports an error instead
// of silently enforcing nothing.
func restrictPaths(writable []string) error {
	cfg, err := selectLandlockConfig()
	if err != nil {
		return err
	}
	if err := cfg.RestrictPaths(buildLandlockRules(writable)...); err != nil {
		return fmt.Errorf("landlock restrict paths: %w", err)
	}
	return nil
}

// selectLandlockConfig caps the handled access rights at ABI v3. Later ABIs
// add ioctl and network rights that would break terminal and socket use
// under a filesystem-only policy.
func selectLandlockConfig() (landlock.Config, error) {
	abi, err := landlocksys.LandlockGetABIVersion()
	if err != nil {
		return landlock.Config{}, fmt.Errorf("landlock unavailable on this kernel (%w)", err)
	}

	switch {
	case abi >= 3:
		return landlock.V3, nil
	case abi == 2:
		return landlock.V2, nil
	case abi == 1:
		return landlock.V1, nil
	default:
		return landlock.Config{}, fmt.Errorf("landlock unavailable on this kernel (unsupported ABI v%d)", abi)
	}
}

func buildLandlockRules(writable []string) []landlock.Rule {
	rules := []landlock.Rule{landlock.RODirs("/")}

	appendWritable := func(path string) {
		target := nearestExistingPath(path)
		info, err := os.Stat(target)
		if err != nil {
			return
		}
		if info.IsDir() {
			rules = append(rules, landlock.RWDirs(target))
			return
		}
		rules = append(rules, landlock.RWFiles(target))
	}

	// Many tools write to /dev/null (e.g. curl -o /dev/null).
	appendWritable("/dev/null")
	for _, path := range writable {
		appendWritable(path)
	}
	return rules
}

// nearestExistingPath returns path or its closest existing ancestor, so a
// file that does not exist yet can still be created in its directory.
func nearestExistingPath(path string) string {
	cleaned := filepath.Clean(path)
	for {
		if cleaned == "." || cleaned == "" {
			return "/"
		}
		if _, err := os.Stat(cleaned); err == nil {
			return cleaned
		}
		if cleaned == "/" {
			return "/"
		}
		cleaned = filepath.Dir(cleaned)
	}
}
