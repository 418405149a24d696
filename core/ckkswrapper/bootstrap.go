package ckkswrapper

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// CheatBootstrap refreshes a ciphertext's level by decrypting and
// re-encrypting it. It needs the secret key, so only the key owner can call
// it; the result sits at the maximum level with the default scale.
func (h *HeContext) CheatBootstrap(ct *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	pt := h.Decryptor.DecryptNew(ct)

	values := make([]complex128, h.Params.MaxSlots())
	if err := h.Encoder.Decode(pt, values); err != nil {
		return nil, fmt.Errorf("bootstrap decode: %w", err)
	}

	fresh := ckks.NewPlaintext(h.Params, h.Params.MaxLevel())
	if err := h.Encoder.Encode(values, fresh); err != nil {
		return nil, fmt.Errorf("bootstrap encode: %w", err)
	}
	return h.Encryptor.EncryptNew(fresh)
}

// NeedsBootstrap reports whether ct has fewer than levels left to spend.
// A non-positive budget is treated as 1.
func NeedsBootstrap(ct *rlwe.Ciphertext, levels int) bool {
	if levels <= 0 {
		levels = 1
	}
	return ct.Level() < levels
}
