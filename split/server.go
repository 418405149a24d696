package split

import (
	"context"
	"errors"
	"fmt"
	"io"

	"resnet20/core/ckkswrapper"
	"resnet20/nn/layers"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// Server evaluates an encrypted classifier head for one client session.
type Server struct {
	Head *layers.Linear
	// Logf, when set, receives progress messages.
	Logf func(format string, args ...interface{})

	proto *Protocol
}

// NewServer serves head over r/w.
func NewServer(head *layers.Linear, r io.Reader, w io.Writer) *Server {
	return &Server{Head: head, proto: NewProtocol(r, w)}
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.Logf != nil {
		s.Logf(format, args...)
	}
}

// Serve runs the session: a setup exchange followed by forward requests
// until the client sends MsgDone. Per-request failures are reported to the
// client and the session continues. The context is checked between
// messages.
func (s *Server) Serve(ctx context.Context) error {
	setup, err := s.proto.ReceiveSetup()
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if err := s.setup(setup); err != nil {
		_ = s.proto.SendError(err)
		return err
	}
	if err := s.proto.SendReady(); err != nil {
		return err
	}
	s.logf("session ready (%s)", s.Head.Tag())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := s.proto.ReceiveForward()
		if errors.Is(err, io.EOF) {
			s.logf("client done")
			return nil
		}
		if err != nil {
			return err
		}
		s.logf("batch %d received at level %d", payload.BatchID, payload.Level)

		out, err := s.forward(payload)
		if err != nil {
			s.logf("batch %d: %v", payload.BatchID, err)
			if err := s.proto.SendError(err); err != nil {
				return err
			}
			continue
		}
		if err := s.proto.SendForwardOutput(payload.BatchID, out); err != nil {
			return err
		}
	}
}

func (s *Server) setup(p *SetupPayload) error {
	if p.InDim != s.Head.InDim() || p.OutDim != s.Head.OutDim() {
		return fmt.Errorf("client expects a %d→%d head, serving %s", p.InDim, p.OutDim, s.Head.Tag())
	}
	var params ckks.Parameters
	if err := params.UnmarshalBinary(p.Params); err != nil {
		return fmt.Errorf("unmarshal parameters: %w", err)
	}
	evk := new(rlwe.MemEvaluationKeySet)
	if err := evk.UnmarshalBinary(p.EvalKeys); err != nil {
		return fmt.Errorf("unmarshal evaluation keys: %w", err)
	}
	return s.Head.EnableEncryptedWithKit(ckkswrapper.NewServerKit(params, evk, p.Rotations))
}

func (s *Server) forward(p *ForwardPayload) (*rlwe.Ciphertext, error) {
	ct, err := UnmarshalCiphertext(p.Ciphertext)
	if err != nil {
		return nil, err
	}
	return s.Head.ForwardHE(ct)
}
