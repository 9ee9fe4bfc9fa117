package privilege

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

// fakeCreds models setuid semantics closely enough for the drop logic:
// root may set anything, anyone else may only move between its own ids.
type fakeCreds struct {
	real, effective, saved int
	gid                    int
	groups                 []int
	env                    map[string]string
	// primary maps uids to their login group.
	primary map[int]int
	// sticky keeps root reachable, as a broken kernel or a capability
	// leak would.
	sticky bool
	calls  []string
}

func (f *fakeCreds) dropper() *Dropper {
	return &Dropper{
		Getuid:  func() int { return f.real },
		Geteuid: func() int { return f.effective },
		Setgroups: func(gids []int) error {
			f.calls = append(f.calls, "setgroups")
			if f.effective != 0 {
				return syscall.EPERM
			}
			f.groups = gids
			return nil
		},
		Setgid: func(gid int) error {
			f.calls = append(f.calls, "setgid")
			if f.effective != 0 {
				return syscall.EPERM
			}
			f.gid = gid
			return nil
		},
		Setuid: func(uid int) error {
			f.calls = append(f.calls, "setuid")
			if f.effective == 0 {
				f.real, f.effective, f.saved = uid, uid, uid
				return nil
			}
			if uid != f.real && uid != f.saved {
				return syscall.EPERM
			}
			f.effective = uid
			return nil
		},
		Seteuid: func(euid int) error {
			f.calls = append(f.calls, "seteuid")
			if f.sticky || f.effective == 0 || euid == f.real || euid == f.saved {
				f.effective = euid
				return nil
			}
			return syscall.EPERM
		},
		LookupEnv: func(key string) (string, bool) {
			v, ok := f.env[key]
			return v, ok
		},
		PrimaryGID: func(uid int) (int, error) {
			gid, ok := f.primary[uid]
			if !ok {
				return 0, fmt.Errorf("unknown userid %d", uid)
			}
			return gid, nil
		},
	}
}

func TestDrop_RootToSudoUser(t *testing.T) {
	f := &fakeCreds{env: map[string]string{SudoUIDEnv: "1000", SudoGIDEnv: "1000"}}

	state, err := f.dropper().Drop()
	if err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if state.Real != 1000 || state.Effective != 1000 {
		t.Fatalf("unexpected state %+v", state)
	}
	if f.gid != 1000 || len(f.groups) != 1 || f.groups[0] != 1000 {
		t.Fatalf("groups not dropped: gid=%d groups=%v", f.gid, f.groups)
	}

	// Root must be unreachable afterwards.
	if err := f.dropper().Seteuid(0); err == nil {
		t.Fatal("seteuid(0) succeeded after drop")
	}
}

func TestDrop_GroupsBeforeUID(t *testing.T) {
	f := &fakeCreds{env: map[string]string{SudoUIDEnv: "1000", SudoGIDEnv: "100"}}
	if _, err := f.dropper().Drop(); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	want := []string{"setgroups", "setgid", "setuid", "seteuid"}
	if len(f.calls) != len(want) {
		t.Fatalf("unexpected calls %v", f.calls)
	}
	for i := range want {
		if f.calls[i] != want[i] {
			t.Fatalf("unexpected call order %v", f.calls)
		}
	}
}

func TestDrop_RootWithoutSudoUIDFailsClosed(t *testing.T) {
	f := &fakeCreds{env: map[string]string{}}

	state, err := f.dropper().Drop()
	if !errors.Is(err, ErrNoTargetUID) {
		t.Fatalf("expected ErrNoTargetUID, got %v", err)
	}
	if state.Real != 0 {
		t.Fatalf("uid changed despite failure: %+v", state)
	}
	for _, c := range f.calls {
		if c == "setuid" {
			t.Fatal("setuid called without a target uid")
		}
	}
}

func TestDrop_InvalidSudoUID(t *testing.T) {
	for _, raw := range []string{"abc", "-1", "0", "4294967295", "99999999999"} {
		f := &fakeCreds{env: map[string]string{SudoUIDEnv: raw}}
		if _, err := f.dropper().Drop(); !errors.Is(err, ErrInvalidTargetUID) {
			t.Fatalf("SUDO_UID=%q: expected ErrInvalidTargetUID, got %v", raw, err)
		}
	}
}

func TestDrop_InvalidSudoGID(t *testing.T) {
	f := &fakeCreds{env: map[string]string{SudoUIDEnv: "1000", SudoGIDEnv: "staff"}}
	if _, err := f.dropper().Drop(); !errors.Is(err, ErrInvalidTargetGID) {
		t.Fatalf("expected ErrInvalidTargetGID, got %v", err)
	}
}

func TestDrop_UnprivilegedKeepsOwnUID(t *testing.T) {
	f := &fakeCreds{real: 1000, effective: 1000, saved: 1000, env: map[string]string{SudoUIDEnv: "2000"}}

	state, err := f.dropper().Drop()
	if err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if state.Real != 1000 {
		t.Fatalf("unprivileged caller changed identity: %+v", state)
	}
}

func TestDrop_RegainableRootIsAnError(t *testing.T) {
	f := &fakeCreds{sticky: true, env: map[string]string{SudoUIDEnv: "1000", SudoGIDEnv: "1000"}}
	if _, err := f.dropper().Drop(); !errors.Is(err, ErrRegainedRoot) {
		t.Fatalf("expected ErrRegainedRoot, got %v", err)
	}
}

func TestDrop_SetuidFailure(t *testing.T) {
	f := &fakeCreds{env: map[string]string{SudoUIDEnv: "1000", SudoGIDEnv: "1000"}}
	d := f.dropper()
	d.Setuid = func(int) error { return syscall.EAGAIN }

	_, err := d.Drop()
	if !errors.Is(err, syscall.EAGAIN) {
		t.Fatalf("expected wrapped EAGAIN, got %v", err)
	}
}

func TestDrop_WithoutSudoGIDUsesLoginGroup(t *testing.T) {
	f := &fakeCreds{
		groups:  []int{0},
		env:     map[string]string{SudoUIDEnv: "1000"},
		primary: map[int]int{1000: 100},
	}

	if _, err := f.dropper().Drop(); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if f.gid != 100 || len(f.groups) != 1 || f.groups[0] != 100 {
		t.Fatalf("root group kept: gid=%d groups=%v calls=%v", f.gid, f.groups, f.calls)
	}
	if f.calls[0] != "setgroups" || f.calls[1] != "setgid" {
		t.Fatalf("groups not dropped before uid: %v", f.calls)
	}
}

func TestDrop_WithoutAnyTargetGroupFailsClosed(t *testing.T) {
	for name, primary := range map[string]map[int]int{
		"unknown user":     nil,
		"root login group": {1000: 0},
	} {
		f := &fakeCreds{
			groups:  []int{0},
			env:     map[string]string{SudoUIDEnv: "1000"},
			primary: primary,
		}
		state, err := f.dropper().Drop()
		if !errors.Is(err, ErrNoTargetGID) {
			t.Fatalf("%s: expected ErrNoTargetGID, got %v", name, err)
		}
		if state.Real != 0 || len(f.calls) != 0 {
			t.Fatalf("%s: credentials touched: %+v %v", name, state, f.calls)
		}
	}
}

func TestDrop_RootSudoGIDIsRejected(t *testing.T) {
	f := &fakeCreds{env: map[string]string{SudoUIDEnv: "1000", SudoGIDEnv: "0"}}
	if _, err := f.dropper().Drop(); !errors.Is(err, ErrInvalidTargetGID) {
		t.Fatalf("expected ErrInvalidTargetGID, got %v", err)
	}
}
