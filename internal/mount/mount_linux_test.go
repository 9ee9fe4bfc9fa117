//go:build linux

package mount

import (
	"errors"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

type mountCall struct {
	source, target, fstype string
	flags                  uintptr
}

func recorder(calls *[]mountCall, fail map[string]error) Func {
	return func(source, target, fstype string, flags uintptr, _ string) error {
		*calls = append(*calls, mountCall{source, target, fstype, flags})
		return fail[fstype]
	}
}

func TestProc_SharedNamespaceIsRefused(t *testing.T) {
	var calls []mountCall
	h := NewWithFunc(recorder(&calls, nil))

	if err := h.Proc(false); !errors.Is(err, ErrSharedNamespace) {
		t.Fatalf("expected ErrSharedNamespace, got %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("host mount table touched: %+v", calls)
	}
}

func TestProc_MakesRootPrivateFirst(t *testing.T) {
	var calls []mountCall
	h := NewWithFunc(recorder(&calls, nil))

	if err := h.Proc(true); err != nil {
		t.Fatalf("Proc: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 mount calls, got %+v", calls)
	}
	if calls[0].target != "/" || calls[0].flags != unix.MS_REC|unix.MS_PRIVATE {
		t.Fatalf("first call should make / private, got %+v", calls[0])
	}
	proc := calls[1]
	if proc.source != "proc" || proc.target != ProcPath || proc.fstype != "proc" {
		t.Fatalf("unexpected proc mount %+v", proc)
	}
	if proc.flags&unix.MS_NOSUID == 0 || proc.flags&unix.MS_NOEXEC == 0 {
		t.Fatalf("proc mounted without nosuid/noexec: %#x", proc.flags)
	}
}

func TestProc_WrapsMountError(t *testing.T) {
	var calls []mountCall
	h := NewWithFunc(recorder(&calls, map[string]error{"proc": syscall.EPERM}))

	err := h.Proc(true)
	if !errors.Is(err, syscall.EPERM) {
		t.Fatalf("expected wrapped EPERM, got %v", err)
	}
}
