package ckkswrapper

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// DefaultLogN is the ring degree used by NewHeContext.
const DefaultLogN = 13

// HeContext holds the CKKS parameters and the key material of the party
// that owns the secret key.
type HeContext struct {
	Params    ckks.Parameters
	Encoder   *ckks.Encoder
	Encryptor *rlwe.Encryptor
	Decryptor *rlwe.Decryptor

	kgen *rlwe.KeyGenerator
	sk   *rlwe.SecretKey
	pk   *rlwe.PublicKey
	rlk  *rlwe.RelinearizationKey
}

// ServerKit is what an evaluating party needs: an encoder and an evaluator
// loaded with relinearization and rotation keys. It holds no secret key.
type ServerKit struct {
	Params    ckks.Parameters
	Encoder   *ckks.Encoder
	Evaluator *ckks.Evaluator
	Keys      *rlwe.MemEvaluationKeySet
	Rotations []int
}

// NewServerKit binds an evaluator to evaluation keys received from the key
// owner. rots records the rotations the keys were generated for.
func NewServerKit(params ckks.Parameters, evk *rlwe.MemEvaluationKeySet, rots []int) *ServerKit {
	return &ServerKit{
		Params:    params,
		Encoder:   ckks.NewEncoder(params),
		Evaluator: ckks.NewEvaluator(params, evk),
		Keys:      evk,
		Rotations: append([]int(nil), rots...),
	}
}

// NewHeContext builds a context with DefaultLogN.
func NewHeContext() *HeContext {
	return NewHeContextWithLogN(DefaultLogN)
}

// NewHeContextWithLogN builds a context for ring degree 2^logN. The modulus
// chain leaves four levels above the base prime.
func NewHeContextWithLogN(logN int) *HeContext {
	heCtx, err := newHeContext(logN)
	if err != nil {
		panic(err)
	}
	return heCtx
}

func newHeContext(logN int) (*HeContext, error) {
	if logN < 12 || logN > 16 {
		return nil, fmt.Errorf("logN must be in [12, 16], got %d", logN)
	}
	params, err := ckks.NewParametersFromLiteral(ckks.ParametersLiteral{
		LogN:            logN,
		LogQ:            []int{55, 40, 40, 40, 40},
		LogP:            []int{61},
		LogDefaultScale: 40,
	})
	if err != nil {
		return nil, fmt.Errorf("ckks parameters: %w", err)
	}

	kgen := rlwe.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	rlk := kgen.GenRelinearizationKeyNew(sk)

	return &HeContext{
		Params:    params,
		Encoder:   ckks.NewEncoder(params),
		Encryptor: rlwe.NewEncryptor(params, pk),
		Decryptor: rlwe.NewDecryptor(params, sk),
		kgen:      kgen,
		sk:        sk,
		pk:        pk,
		rlk:       rlk,
	}, nil
}

// GenServerKit generates Galois keys for the given rotations and returns an
// evaluator bound to them.
func (h *HeContext) GenServerKit(rots []int) *ServerKit {
	gks := h.kgen.GenGaloisKeysNew(h.Params.GaloisElements(dedupRotations(rots)), h.sk)
	return NewServerKit(h.Params, rlwe.NewMemEvaluationKeySet(h.rlk, gks...), rots)
}

func dedupRotations(rots []int) []int {
	seen := make(map[int]bool, len(rots))
	out := make([]int, 0, len(rots))
	for _, r := range rots {
		if r == 0 || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// EncryptVector encodes v into the first len(v) slots at the top level and
// encrypts it.
func (h *HeContext) EncryptVector(v []float64) (*rlwe.Ciphertext, error) {
	slots := h.Params.MaxSlots()
	if len(v) > slots {
		return nil, fmt.Errorf("vector of length %d exceeds %d slots", len(v), slots)
	}
	vec := make([]float64, slots)
	copy(vec, v)
	pt := ckks.NewPlaintext(h.Params, h.Params.MaxLevel())
	if err := h.Encoder.Encode(vec, pt); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return h.Encryptor.EncryptNew(pt)
}

// DecryptVector decrypts ct and returns its first n slots.
func (h *HeContext) DecryptVector(ct *rlwe.Ciphertext, n int) ([]float64, error) {
	slots := h.Params.MaxSlots()
	if n > slots {
		return nil, fmt.Errorf("requested %d slots, only %d available", n, slots)
	}
	pt := h.Decryptor.DecryptNew(ct)
	vec := make([]float64, slots)
	if err := h.Encoder.Decode(pt, vec); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return vec[:n], nil
}
