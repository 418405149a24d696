// Package bench times the layers of a ResNet20 and its encrypted head.
package bench

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"resnet20/core/ckkswrapper"
	"resnet20/nn"
	"resnet20/nn/layers"
	"resnet20/tensor"
	"resnet20/utils"
)

// LayerTiming is the mean time of one layer over the measured runs.
type LayerTiming struct {
	Name   string
	Tag    string
	Params int
	Fwd    time.Duration
	Bwd    time.Duration
}

type stage struct {
	name string
	mod  nn.Module
}

// stages lists the network's layers in execution order under the names used
// by ResNet20.String.
func stages(m *nn.ResNet20) []stage {
	out := []stage{{"conv1", m.Conv1}, {"bnorm1", m.BN1}, {"relu", m.Act1}}
	for i, b := range m.Blocks {
		out = append(out, stage{fmt.Sprintf("residual_layers.%d", i), b})
	}
	return append(out, stage{"pool", m.Pool}, stage{"flatten", m.Flatten}, stage{"classifier", m.Classifier})
}

// TimeLayers runs runs forward and backward passes of x through m one layer
// at a time and returns the mean time per layer. Gradients accumulated on
// the way are cleared before returning.
func TimeLayers(m *nn.ResNet20, x *tensor.Tensor, runs int) ([]LayerTiming, error) {
	if runs <= 0 {
		return nil, fmt.Errorf("runs must be positive, got %d", runs)
	}
	st := stages(m)
	res := make([]LayerTiming, len(st))
	for i, s := range st {
		res[i] = LayerTiming{Name: s.name, Tag: s.mod.Tag(), Params: paramCount(s.mod.Params())}
	}

	for r := 0; r < runs; r++ {
		h := x
		for i, s := range st {
			start := time.Now()
			out, err := s.mod.Forward(h)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", s.name, err)
			}
			res[i].Fwd += time.Since(start)
			h = out
		}
		g := tensor.New(h.Shape...)
		tensor.Fill(g, 1)
		for i := len(st) - 1; i >= 0; i-- {
			start := time.Now()
			out, err := st[i].mod.Backward(g)
			if err != nil {
				return nil, fmt.Errorf("%s backward: %w", st[i].name, err)
			}
			res[i].Bwd += time.Since(start)
			g = out
		}
	}
	m.ZeroGrad()
	for i := range res {
		res[i].Fwd /= time.Duration(runs)
		res[i].Bwd /= time.Duration(runs)
	}
	return res, nil
}

func paramCount(ps []*layers.Param) int {
	n := 0
	for _, p := range ps {
		n += p.Value.Size()
	}
	return n
}

// HeadTiming is the mean cost of one encrypted classification of a single
// feature vector.
type HeadTiming struct {
	LogN    int
	Setup   time.Duration // rotation keys and weight encoding, once
	Encrypt time.Duration
	Eval    time.Duration
	Decrypt time.Duration
	MaxErr  float64 // worst logit deviation from the plaintext head
}

// TimeEncryptedHead enables encryption on head with heCtx and measures the
// encrypted path on the rows of feats, cycling through them.
func TimeEncryptedHead(heCtx *ckkswrapper.HeContext, head *layers.Linear, feats *tensor.Tensor, runs int) (HeadTiming, error) {
	res := HeadTiming{LogN: heCtx.Params.LogN()}
	if runs <= 0 {
		return res, fmt.Errorf("runs must be positive, got %d", runs)
	}
	start := time.Now()
	if err := head.EnableEncrypted(heCtx); err != nil {
		return res, err
	}
	res.Setup = time.Since(start)

	want, err := head.Forward(feats)
	if err != nil {
		return res, err
	}
	batch, dim, out := feats.Shape[0], feats.Shape[1], head.OutDim()
	for r := 0; r < runs; r++ {
		b := r % batch
		t0 := time.Now()
		ct, err := heCtx.EncryptVector(feats.Data[b*dim : (b+1)*dim])
		if err != nil {
			return res, err
		}
		t1 := time.Now()
		ctOut, err := head.ForwardHE(ct)
		if err != nil {
			return res, err
		}
		t2 := time.Now()
		got, err := heCtx.DecryptVector(ctOut, out)
		if err != nil {
			return res, err
		}
		res.Encrypt += t1.Sub(t0)
		res.Eval += t2.Sub(t1)
		res.Decrypt += time.Since(t2)
		for j, v := range got {
			if d := math.Abs(v - want.Data[b*out+j]); d > res.MaxErr {
				res.MaxErr = d
			}
		}
	}
	res.Encrypt /= time.Duration(runs)
	res.Eval /= time.Duration(runs)
	res.Decrypt /= time.Duration(runs)
	return res, nil
}

// WriteCSV writes one row per layer with times in microseconds.
func WriteCSV(w io.Writer, rows []LayerTiming) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"layer", "tag", "params", "fwd_us", "bwd_us"}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.Name,
			r.Tag,
			strconv.Itoa(r.Params),
			strconv.FormatFloat(utils.DurationUS(r.Fwd), 'f', 3, 64),
			strconv.FormatFloat(utils.DurationUS(r.Bwd), 'f', 3, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// PrintTable writes the per-layer table and totals.
func PrintTable(w io.Writer, rows []LayerTiming) {
	var fwd, bwd time.Duration
	fmt.Fprintf(w, "%-20s | %-40s | %8s | %-12s | %-12s\n", "Layer", "Tag", "Params", "Fwd", "Bwd")
	for _, r := range rows {
		fmt.Fprintf(w, "%-20s | %-40s | %8d | %-12s | %-12s\n", r.Name, r.Tag, r.Params, r.Fwd, r.Bwd)
		fwd += r.Fwd
		bwd += r.Bwd
	}
	fmt.Fprintf(w, "%-20s | %-40s | %8s | %-12s | %-12s\n", "total", "", "", fwd, bwd)
}
