package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bpicori/red-cell/internal/setup"
)

func TestPayload_EncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	err := EncodePayload(&buf, Payload{
		Command:       []string{"/bin/echo", "hello"},
		Mode:          setup.Filtered,
		WritablePaths: []string{"/tmp/out"},
		Debug:         true,
	})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}

	p, err := DecodePayload(&buf)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Mode != setup.Filtered || !p.Debug {
		t.Fatalf("unexpected payload %+v", p)
	}
	if len(p.Command) != 2 || p.Command[1] != "hello" {
		t.Fatalf("unexpected command %#v", p.Command)
	}
}

func TestDecodePayload_RejectsEmptyCommand(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodePayload(&buf, Payload{Mode: setup.Isolated}); err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	if _, err := DecodePayload(&buf); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestDecodePayload_RejectsUnknownMode(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodePayload(&buf, Payload{Command: []string{"true"}, Mode: "sideways"}); err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	if _, err := DecodePayload(&buf); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestMessageReader_ReportThenExecSuccess(t *testing.T) {
	var buf bytes.Buffer
	report := setup.Report{
		Mode:  setup.Isolated,
		Steps: []setup.StepResult{{Step: setup.StepMountProc, Status: setup.StatusOK}},
	}
	if err := WriteMessage(&buf, Message{Report: &report}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	mr := NewMessageReader(&buf)
	got, err := mr.ReadReport()
	if err != nil {
		t.Fatalf("ReadReport: %v", err)
	}
	if got.Mode != setup.Isolated || len(got.Steps) != 1 {
		t.Fatalf("unexpected report %+v", got)
	}

	// Nothing else was written: the child image was replaced.
	if err := mr.ReadExecResult(); err != nil {
		t.Fatalf("expected nil exec result on EOF, got %v", err)
	}
}

func TestMessageReader_ExecFailure(t *testing.T) {
	var buf bytes.Buffer
	report := setup.Report{Mode: setup.Filtered}
	_ = WriteMessage(&buf, Message{Report: &report})
	_ = WriteMessage(&buf, Message{ExecError: `exec "nope": executable file not found in $PATH`})

	mr := NewMessageReader(&buf)
	if _, err := mr.ReadReport(); err != nil {
		t.Fatalf("ReadReport: %v", err)
	}
	err := mr.ReadExecResult()
	if err == nil || err.Error() != `exec "nope": executable file not found in $PATH` {
		t.Fatalf("unexpected exec result %v", err)
	}
}

func TestMessageReader_EarlyExit(t *testing.T) {
	mr := NewMessageReader(&bytes.Buffer{})
	if _, err := mr.ReadReport(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestDecision_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDecision(&buf, Decision{Proceed: false, Reason: "mount-proc: degraded"}); err != nil {
		t.Fatalf("WriteDecision: %v", err)
	}
	d, err := ReadDecision(&buf)
	if err != nil {
		t.Fatalf("ReadDecision: %v", err)
	}
	if d.Proceed || d.Reason != "mount-proc: degraded" {
		t.Fatalf("unexpected decision %+v", d)
	}
}
