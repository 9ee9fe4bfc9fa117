// Package wire is the launch protocol between the launcher and the sandbox
// process it creates.
//
// The child inherits three pipes. The payload pipe carries the start frame
// (a Payload), the report pipe carries Messages from child to launcher,
// and the decision pipe carries the launcher's single Decision back. The
// child marks the report pipe close-on-exec, so EOF after the decision
// means the target program replaced the child image.
package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/bpicori/red-cell/internal/setup"
	"github.com/fxamacker/cbor/v2"
)

// File descriptors of the protocol pipes inside the child, in ExtraFiles
// order.
const (
	PayloadFD  = 3
	ReportFD   = 4
	DecisionFD = 5
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// ErrProtocol is returned when a peer sends something out of sequence.
var ErrProtocol = errors.New("launch protocol violation")

// Payload is everything the child needs to set itself up.
type Payload struct {
	Command       []string   `cbor:"command"`
	Mode          setup.Mode `cbor:"mode"`
	WritablePaths []string   `cbor:"writable_paths,omitempty"`
	Debug         bool       `cbor:"debug,omitempty"`
}

// Validate checks that a decoded payload can be acted on.
func (p Payload) Validate() error {
	if len(p.Command) == 0 {
		return fmt.Errorf("%w: payload has empty command", ErrProtocol)
	}
	switch p.Mode {
	case setup.Isolated, setup.Filtered:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrProtocol, p.Mode)
	}
	return nil
}

// Message is sent from child to launcher. Exactly one field is set.
type Message struct {
	Report    *setup.Report `cbor:"report,omitempty"`
	ExecError string        `cbor:"exec_error,omitempty"`
}

// Decision is the launcher's verdict on a setup report.
type Decision struct {
	Proceed bool   `cbor:"proceed"`
	Reason  string `cbor:"reason,omitempty"`
}

// EncodePayload writes p to w.
func EncodePayload(w io.Writer, p Payload) error {
	if err := encMode.NewEncoder(w).Encode(p); err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return nil
}

// DecodePayload reads and validates one Payload from r.
func DecodePayload(r io.Reader) (Payload, error) {
	var p Payload
	if err := decMode.NewDecoder(r).Decode(&p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, p.Validate()
}

// WriteMessage writes m to w.
func WriteMessage(w io.Writer, m Message) error {
	return encMode.NewEncoder(w).Encode(m)
}

// MessageReader decodes a stream of Messages.
type MessageReader struct {
	dec *cbor.Decoder
}

// NewMessageReader returns a reader over r.
func NewMessageReader(r io.Reader) *MessageReader {
	return &MessageReader{dec: decMode.NewDecoder(r)}
}

// Next returns the next message. It returns io.EOF when the writer has
// gone away cleanly.
func (mr *MessageReader) Next() (Message, error) {
	var m Message
	if err := mr.dec.Decode(&m); err != nil {
		return m, err
	}
	return m, nil
}

// ReadReport reads the setup report that must open the stream.
func (mr *MessageReader) ReadReport() (setup.Report, error) {
	m, err := mr.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return setup.Report{}, fmt.Errorf("%w: child exited before reporting setup", ErrProtocol)
		}
		return setup.Report{}, fmt.Errorf("read setup report: %w", err)
	}
	if m.Report == nil {
		return setup.Report{}, fmt.Errorf("%w: expected setup report", ErrProtocol)
	}
	return *m.Report, nil
}

// ReadExecResult waits for the child to either replace its image (EOF,
// nil error) or report why it could not.
func (mr *MessageReader) ReadExecResult() error {
	m, err := mr.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("read exec result: %w", err)
	}
	if m.ExecError == "" {
		return fmt.Errorf("%w: expected exec result", ErrProtocol)
	}
	return errors.New(m.ExecError)
}

// WriteDecision writes d to w.
func WriteDecision(w io.Writer, d Decision) error {
	return encMode.NewEncoder(w).Encode(d)
}

// ReadDecision reads the launcher's decision.
func ReadDecision(r io.Reader) (Decision, error) {
	var d Decision
	if err := decMode.NewDecoder(r).Decode(&d); err != nil {
		return d, fmt.Errorf("read decision: %w", err)
	}
	return d, nil
}
