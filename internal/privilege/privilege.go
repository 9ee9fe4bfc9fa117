// Package privilege lowers a process from root to the user that invoked
// it through sudo, and verifies root cannot be regained.
package privilege

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Environment variables sudo sets for the invoking user.
const (
	SudoUIDEnv = "SUDO_UID"
	SudoGIDEnv = "SUDO_GID"
)

// RootUID and RootGID are the administrative identity.
const (
	RootUID = 0
	RootGID = 0
)

var (
	ErrNoTargetUID      = errors.New(SudoUIDEnv + " is not set; refusing to run as root")
	ErrInvalidTargetUID = errors.New("invalid " + SudoUIDEnv)
	ErrInvalidTargetGID = errors.New("invalid " + SudoGIDEnv)
	ErrNoTargetGID      = errors.New("no group for target user; set " + SudoGIDEnv)
	ErrRegainedRoot     = errors.New("could not drop root privileges: effective uid 0 is still reachable")
)

// State is the (real, effective) uid pair of a process.
type State struct {
	Real      int
	Effective int
}

// Dropper performs the drop through the uid primitives it is built with.
// System returns one wired to the kernel.
type Dropper struct {
	Getuid    func() int
	Geteuid   func() int
	Setgroups func(gids []int) error
	Setgid    func(gid int) error
	Setuid    func(uid int) error
	Seteuid   func(euid int) error
	LookupEnv func(key string) (string, bool)

	// PrimaryGID returns the login group of uid. Used when SUDO_GID is
	// absent.
	PrimaryGID func(uid int) (int, error)
}

// Drop sets the real, effective and saved uid to the target identity.
// When running as root the target comes from SUDO_UID. The group identity
// is replaced first with SUDO_GID or, without it, the target's login
// group, and every supplementary group is dropped. A process that is already
// unprivileged keeps its own uid. After the drop Drop checks for
// reversibility: a successful seteuid(0) is reported as ErrRegainedRoot.
func (d *Dropper) Drop() (State, error) {
	target := d.Getuid()
	if target == RootUID {
		uid, err := d.targetUID()
		if err != nil {
			return d.state(), err
		}
		if err := d.dropGroups(uid); err != nil {
			return d.state(), err
		}
		target = uid
	}

	if err := d.Setuid(target); err != nil {
		return d.state(), fmt.Errorf("setuid(%d): %w", target, err)
	}

	if err := d.Seteuid(RootUID); err == nil {
		return d.state(), ErrRegainedRoot
	}
	return d.state(), nil
}

func (d *Dropper) state() State {
	return State{Real: d.Getuid(), Effective: d.Geteuid()}
}

func (d *Dropper) targetUID() (int, error) {
	raw, ok := d.LookupEnv(SudoUIDEnv)
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, ErrNoTargetUID
	}
	uid, err := parseID(raw)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrInvalidTargetUID, raw, err)
	}
	if uid == RootUID {
		return 0, fmt.Errorf("%w %q: target must not be root", ErrInvalidTargetUID, raw)
	}
	return uid, nil
}

// dropGroups leaves the target group as the only group. The gid has to
// change before the uid, since an unprivileged process can no longer
// setgid.
func (d *Dropper) dropGroups(uid int) error {
	gid, err := d.targetGID(uid)
	if err != nil {
		return err
	}
	if err := d.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("setgroups(%d): %w", gid, err)
	}
	if err := d.Setgid(gid); err != nil {
		return fmt.Errorf("setgid(%d): %w", gid, err)
	}
	return nil
}

func (d *Dropper) targetGID(uid int) (int, error) {
	raw, ok := d.LookupEnv(SudoGIDEnv)
	if !ok || strings.TrimSpace(raw) == "" {
		if d.PrimaryGID == nil {
			return 0, ErrNoTargetGID
		}
		gid, err := d.PrimaryGID(uid)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNoTargetGID, err)
		}
		if gid == RootGID {
			return 0, fmt.Errorf("%w: login group of uid %d is root", ErrNoTargetGID, uid)
		}
		return gid, nil
	}
	gid, err := parseID(raw)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrInvalidTargetGID, raw, err)
	}
	if gid == RootGID {
		return 0, fmt.Errorf("%w %q: target must not be the root group", ErrInvalidTargetGID, raw)
	}
	return gid, nil
}

func parseID(raw string) (int, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, err
	}
	// (uid_t)-1 means "unchanged" to the kernel.
	if id == 1<<32-1 {
		return 0, errors.New("reserved id")
	}
	return int(id), nil
}
