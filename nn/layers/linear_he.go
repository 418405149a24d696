package layers

import (
	"fmt"

	"resnet20/core/ckkswrapper"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// heLevels is the multiplicative depth of ForwardHE: one plaintext product
// with the weight row, one with the slot-0 mask.
const heLevels = 2

// HeadRotations lists the rotations ForwardHE needs for an inDim→outDim
// layer: a tree-sum into slot 0 and a shift of each output into place.
func HeadRotations(inDim, outDim int) []int {
	rots := []int{}
	for step := 1; step < inDim; step *= 2 {
		rots = append(rots, step)
	}
	for j := 1; j < outDim; j++ {
		rots = append(rots, -j)
	}
	return rots
}

// EnableEncrypted generates the rotation keys needed by ForwardHE and
// encodes the current weights. Inputs short on levels are refreshed with the
// context's secret key. Call SyncHE again after the weights change.
func (l *Linear) EnableEncrypted(heCtx *ckkswrapper.HeContext) error {
	if heCtx == nil {
		return fmt.Errorf("%s: heCtx is required for encrypted evaluation", l.Tag())
	}
	if err := l.checkSlots(heCtx.Params.MaxSlots()); err != nil {
		return err
	}
	l.refresh = heCtx.CheatBootstrap
	return l.bind(heCtx.GenServerKit(HeadRotations(l.inDim, l.outDim)))
}

// EnableEncryptedWithKit prepares ForwardHE from evaluation keys alone, as
// on a party that never sees the secret key. The kit must carry the
// rotations returned by HeadRotations. Inputs short on levels are rejected.
func (l *Linear) EnableEncryptedWithKit(kit *ckkswrapper.ServerKit) error {
	if kit == nil {
		return fmt.Errorf("%s: server kit is required for encrypted evaluation", l.Tag())
	}
	if err := l.checkSlots(kit.Params.MaxSlots()); err != nil {
		return err
	}
	have := make(map[int]bool, len(kit.Rotations))
	for _, r := range kit.Rotations {
		have[r] = true
	}
	for _, r := range HeadRotations(l.inDim, l.outDim) {
		if !have[r] {
			return fmt.Errorf("%s: server kit lacks rotation %d", l.Tag(), r)
		}
	}
	l.refresh = nil
	return l.bind(kit)
}

func (l *Linear) checkSlots(slots int) error {
	if l.inDim == 0 || l.outDim == 0 || l.inDim > slots || l.outDim > slots {
		return fmt.Errorf("%s: does not fit in %d slots", l.Tag(), slots)
	}
	return nil
}

func (l *Linear) bind(kit *ckkswrapper.ServerKit) error {
	l.serverKit = kit
	l.encrypted = true
	return l.SyncHE()
}

// SyncHE re-encodes the weight rows and the slot-0 mask.
func (l *Linear) SyncHE() error {
	if !l.encrypted {
		return nil
	}
	params := l.serverKit.Params
	slots := params.MaxSlots()

	l.rowPTs = make([]*rlwe.Plaintext, l.outDim)
	for j := 0; j < l.outDim; j++ {
		vec := make([]float64, slots)
		copy(vec, l.W.Value.Data[j*l.inDim:(j+1)*l.inDim])
		pt := ckks.NewPlaintext(params, params.MaxLevel())
		if err := l.serverKit.Encoder.Encode(vec, pt); err != nil {
			return fmt.Errorf("%s: encode row %d: %w", l.Tag(), j, err)
		}
		l.rowPTs[j] = pt
	}

	mvec := make([]float64, slots)
	mvec[0] = 1
	mp := ckks.NewPlaintext(params, params.MaxLevel())
	if err := l.serverKit.Encoder.Encode(mvec, mp); err != nil {
		return fmt.Errorf("%s: encode mask: %w", l.Tag(), err)
	}
	l.maskPT = mp
	return nil
}

// Levels returns the number of levels ForwardHE consumes.
func (l *Linear) Levels() int {
	if l.encrypted {
		return heLevels
	}
	return 0
}

// ForwardHE evaluates Wx + b on a ciphertext whose slots 0..inDim-1 hold x
// and all other slots are zero. The result holds the outputs in slots
// 0..outDim-1. An input with too few levels left is refreshed first.
func (l *Linear) ForwardHE(ct *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	if !l.encrypted {
		return nil, fmt.Errorf("%s: ForwardHE called on plaintext layer", l.Tag())
	}
	in := ct
	if ckkswrapper.NeedsBootstrap(ct, heLevels) {
		if l.refresh == nil {
			return nil, fmt.Errorf("%s: input at level %d, need %d", l.Tag(), ct.Level(), heLevels)
		}
		var err error
		if in, err = l.refresh(ct); err != nil {
			return nil, fmt.Errorf("%s: refresh input: %w", l.Tag(), err)
		}
	}
	eval := l.serverKit.Evaluator

	var acc *rlwe.Ciphertext
	for j := 0; j < l.outDim; j++ {
		prod, err := eval.MulNew(in, l.rowPTs[j])
		if err != nil {
			return nil, fmt.Errorf("%s: row %d product: %w", l.Tag(), j, err)
		}
		if err := eval.Rescale(prod, prod); err != nil {
			return nil, fmt.Errorf("%s: row %d rescale: %w", l.Tag(), j, err)
		}
		for step := 1; step < l.inDim; step *= 2 {
			rot, err := eval.RotateNew(prod, step)
			if err != nil {
				return nil, fmt.Errorf("%s: rotate %d: %w", l.Tag(), step, err)
			}
			if err := eval.Add(prod, rot, prod); err != nil {
				return nil, err
			}
		}

		masked, err := eval.MulNew(prod, l.maskPT)
		if err != nil {
			return nil, fmt.Errorf("%s: mask %d: %w", l.Tag(), j, err)
		}
		if err := eval.Rescale(masked, masked); err != nil {
			return nil, fmt.Errorf("%s: mask rescale %d: %w", l.Tag(), j, err)
		}
		if j > 0 {
			if masked, err = eval.RotateNew(masked, -j); err != nil {
				return nil, fmt.Errorf("%s: place output %d: %w", l.Tag(), j, err)
			}
		}

		if acc == nil {
			acc = masked
		} else if err := eval.Add(acc, masked, acc); err != nil {
			return nil, err
		}
	}

	params := l.serverKit.Params
	bvec := make([]float64, params.MaxSlots())
	copy(bvec, l.B.Value.Data)
	bias := ckks.NewPlaintext(params, acc.Level())
	bias.Scale = acc.Scale
	if err := l.serverKit.Encoder.Encode(bvec, bias); err != nil {
		return nil, fmt.Errorf("%s: encode bias: %w", l.Tag(), err)
	}
	if err := eval.Add(acc, bias, acc); err != nil {
		return nil, fmt.Errorf("%s: add bias: %w", l.Tag(), err)
	}
	return acc, nil
}
