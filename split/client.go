package split

import (
	"fmt"
	"io"
	"time"

	"resnet20/core/ckkswrapper"
	"resnet20/nn"
	"resnet20/nn/layers"
	"resnet20/tensor"
	"resnet20/utils"
)

// Client runs the plaintext trunk locally and sends encrypted feature
// vectors to a Server holding the classifier head.
type Client struct {
	Model *nn.ResNet20
	HE    *ckkswrapper.HeContext
	// Stats, when set, accumulates trunk, encryption, transport and
	// decryption time.
	Stats *utils.TimingStats

	proto   *Protocol
	ready   bool
	batchID int
}

// NewClient talks to a server over r/w. Only model's trunk is evaluated
// locally; its classifier shape is announced to the server.
func NewClient(model *nn.ResNet20, heCtx *ckkswrapper.HeContext, r io.Reader, w io.Writer) *Client {
	return &Client{Model: model, HE: heCtx, proto: NewProtocol(r, w)}
}

// Setup sends the CKKS parameters and the evaluation keys for the head's
// rotations, then waits for the server to acknowledge. Classify calls it on
// first use.
func (c *Client) Setup() error {
	if c.ready {
		return nil
	}
	in, out := c.Model.Classifier.InDim(), c.Model.Classifier.OutDim()
	rots := layers.HeadRotations(in, out)
	kit := c.HE.GenServerKit(rots)

	params, err := c.HE.Params.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	keys, err := kit.Keys.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal evaluation keys: %w", err)
	}
	if err := c.proto.SendSetup(SetupPayload{
		Params:    params,
		EvalKeys:  keys,
		Rotations: rots,
		InDim:     in,
		OutDim:    out,
	}); err != nil {
		return err
	}
	if err := c.proto.ReceiveReady(); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	c.ready = true
	return nil
}

// Classify maps [N, 3, 32, 32] images to [N, classes] logits. The trunk
// runs in plaintext; each feature vector crosses the wire encrypted and
// its logits come back encrypted.
func (c *Client) Classify(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := c.Setup(); err != nil {
		return nil, err
	}
	start := time.Now()
	feats, err := c.Model.Features(x)
	if err != nil {
		return nil, err
	}
	c.track(func(s *utils.TimingStats) { s.ForwardTime += time.Since(start) })

	batch, dim := feats.Shape[0], feats.Shape[1]
	classes := c.Model.Classifier.OutDim()
	logits := tensor.New(batch, classes)
	for b := 0; b < batch; b++ {
		t0 := time.Now()
		ct, err := c.HE.EncryptVector(feats.Data[b*dim : (b+1)*dim])
		if err != nil {
			return nil, fmt.Errorf("sample %d: encrypt: %w", b, err)
		}
		t1 := time.Now()
		id := c.batchID
		c.batchID++
		if err := c.proto.SendForward(id, ct); err != nil {
			return nil, fmt.Errorf("sample %d: send: %w", b, err)
		}
		resp, err := c.proto.ReceiveForward()
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", b, err)
		}
		if resp.BatchID != id {
			return nil, fmt.Errorf("sample %d: response for batch %d, want %d", b, resp.BatchID, id)
		}
		t2 := time.Now()
		out, err := UnmarshalCiphertext(resp.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", b, err)
		}
		vals, err := c.HE.DecryptVector(out, classes)
		if err != nil {
			return nil, fmt.Errorf("sample %d: decrypt: %w", b, err)
		}
		copy(logits.Data[b*classes:(b+1)*classes], vals)
		c.track(func(s *utils.TimingStats) {
			s.EncryptionTime += t1.Sub(t0)
			s.TransportTime += t2.Sub(t1)
			s.DecryptionTime += time.Since(t2)
		})
	}
	return logits, nil
}

// Close ends the session.
func (c *Client) Close() error {
	return c.proto.SendDone()
}

func (c *Client) track(f func(*utils.TimingStats)) {
	if c.Stats != nil {
		f(c.Stats)
	}
}
