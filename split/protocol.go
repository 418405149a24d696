// Package split runs the classifier head of a network on a remote party
// that only ever sees CKKS ciphertexts. The client keeps the secret key and
// the convolutional trunk; the server holds the head weights and evaluation
// keys.
package split

import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
)

func init() {
	// Register types for gob encoding
	gob.Register(SetupPayload{})
	gob.Register(ForwardPayload{})
}

// MessageType defines message types for the split inference protocol
type MessageType int

const (
	MsgSetup MessageType = iota
	MsgReady
	MsgForwardInput
	MsgForwardOutput
	MsgDone
	MsgError
)

func (t MessageType) String() string {
	switch t {
	case MsgSetup:
		return "setup"
	case MsgReady:
		return "ready"
	case MsgForwardInput:
		return "forward-input"
	case MsgForwardOutput:
		return "forward-output"
	case MsgDone:
		return "done"
	case MsgError:
		return "error"
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// Message represents a message in the split inference protocol
type Message struct {
	Type    MessageType
	Payload interface{}
}

// SetupPayload carries the public material the server needs to evaluate the
// head: serialized CKKS parameters and evaluation keys, the rotations those
// keys cover and the expected head shape.
type SetupPayload struct {
	Params    []byte
	EvalKeys  []byte
	Rotations []int
	InDim     int
	OutDim    int
}

// ForwardPayload contains one encrypted feature or logit vector
type ForwardPayload struct {
	BatchID    int
	Ciphertext []byte // serialized ciphertext
	Level      int
	ScaleFloat float64
}

// Protocol handles split inference communication
type Protocol struct {
	encoder *gob.Encoder
	decoder *gob.Decoder
}

// NewProtocol creates a new protocol handler
func NewProtocol(r io.Reader, w io.Writer) *Protocol {
	p := &Protocol{}
	if w != nil {
		p.encoder = gob.NewEncoder(w)
	}
	if r != nil {
		p.decoder = gob.NewDecoder(r)
	}
	return p
}

// Send sends a message
func (p *Protocol) Send(msg *Message) error {
	if p.encoder == nil {
		return fmt.Errorf("protocol has no writer")
	}
	return p.encoder.Encode(msg)
}

// Receive receives a message
func (p *Protocol) Receive() (*Message, error) {
	if p.decoder == nil {
		return nil, fmt.Errorf("protocol has no reader")
	}
	var msg Message
	if err := p.decoder.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendSetup sends the evaluation material
func (p *Protocol) SendSetup(s SetupPayload) error {
	return p.Send(&Message{Type: MsgSetup, Payload: s})
}

// SendReady acknowledges a setup
func (p *Protocol) SendReady() error {
	return p.Send(&Message{Type: MsgReady})
}

// SendForward sends a client feature ciphertext
func (p *Protocol) SendForward(batchID int, ct *rlwe.Ciphertext) error {
	return p.sendCiphertext(MsgForwardInput, batchID, ct)
}

// SendForwardOutput sends a server logit ciphertext
func (p *Protocol) SendForwardOutput(batchID int, ct *rlwe.Ciphertext) error {
	return p.sendCiphertext(MsgForwardOutput, batchID, ct)
}

func (p *Protocol) sendCiphertext(t MessageType, batchID int, ct *rlwe.Ciphertext) error {
	ctBytes, err := MarshalCiphertext(ct)
	if err != nil {
		return err
	}
	return p.Send(&Message{
		Type: t,
		Payload: ForwardPayload{
			BatchID:    batchID,
			Ciphertext: ctBytes,
			Level:      ct.Level(),
			ScaleFloat: ct.Scale.Float64(),
		},
	})
}

// SendDone signals completion
func (p *Protocol) SendDone() error {
	return p.Send(&Message{Type: MsgDone})
}

// SendError sends an error message
func (p *Protocol) SendError(err error) error {
	return p.Send(&Message{
		Type:    MsgError,
		Payload: err.Error(),
	})
}

// RemoteError is a failure reported by the other party.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "remote error: " + e.Msg }

// receiveExpect reads the next message and checks its type. MsgDone yields
// io.EOF and MsgError a *RemoteError.
func (p *Protocol) receiveExpect(want ...MessageType) (*Message, error) {
	msg, err := p.Receive()
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case MsgError:
		return nil, &RemoteError{Msg: fmt.Sprint(msg.Payload)}
	case MsgDone:
		return nil, io.EOF
	}
	for _, t := range want {
		if msg.Type == t {
			return msg, nil
		}
	}
	return nil, fmt.Errorf("expected %v message, got %v", want, msg.Type)
}

// ReceiveSetup receives the evaluation material
func (p *Protocol) ReceiveSetup() (*SetupPayload, error) {
	msg, err := p.receiveExpect(MsgSetup)
	if err != nil {
		return nil, err
	}
	payload, ok := msg.Payload.(SetupPayload)
	if !ok {
		return nil, fmt.Errorf("invalid setup payload type")
	}
	return &payload, nil
}

// ReceiveReady waits for the setup acknowledgement
func (p *Protocol) ReceiveReady() error {
	_, err := p.receiveExpect(MsgReady)
	return err
}

// ReceiveForward receives a forward payload in either direction
func (p *Protocol) ReceiveForward() (*ForwardPayload, error) {
	msg, err := p.receiveExpect(MsgForwardInput, MsgForwardOutput)
	if err != nil {
		return nil, err
	}
	payload, ok := msg.Payload.(ForwardPayload)
	if !ok {
		return nil, fmt.Errorf("invalid forward payload type")
	}
	return &payload, nil
}

// MarshalCiphertext serializes ct for the wire.
func MarshalCiphertext(ct *rlwe.Ciphertext) ([]byte, error) {
	if ct == nil {
		return nil, fmt.Errorf("nil ciphertext")
	}
	b, err := ct.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal ciphertext: %w", err)
	}
	return b, nil
}

// UnmarshalCiphertext is the inverse of MarshalCiphertext.
func UnmarshalCiphertext(b []byte) (*rlwe.Ciphertext, error) {
	ct := new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("unmarshal ciphertext: %w", err)
	}
	return ct, nil
}
