package training

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/backdoorlab/go-backdoor/victim"
)

func newTestParameter(name string, values []float64) *victim.Parameter {
	return &victim.Parameter{
		Name:  name,
		Value: mat.NewDense(1, len(values), values),
		Grad:  mat.NewDense(1, len(values), nil),
	}
}

func TestGroupParameters(t *testing.T) {
	params := []*victim.Parameter{
		newTestParameter("embedding.weight", []float64{1}),
		newTestParameter("pooler.dense.weight", []float64{1}),
		newTestParameter("pooler.dense.bias", []float64{1}),
		newTestParameter("encoder.LayerNorm.weight", []float64{1}),
		newTestParameter("classifier.bias", []float64{1}),
	}

	groups := GroupParameters(params, 0.01)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}

	decay, noDecay := groups[0], groups[1]
	if decay.WeightDecay != 0.01 {
		t.Errorf("decay group weight decay: expected 0.01, got %f", decay.WeightDecay)
	}
	if noDecay.WeightDecay != 0 {
		t.Errorf("no-decay group weight decay: expected 0, got %f", noDecay.WeightDecay)
	}
	if len(decay.Params) != 2 {
		t.Errorf("expected 2 decayed params, got %d", len(decay.Params))
	}
	if len(noDecay.Params) != 3 {
		t.Errorf("expected 3 no-decay params, got %d", len(noDecay.Params))
	}
	for _, param := range noDecay.Params {
		if param.Name == "embedding.weight" || param.Name == "pooler.dense.weight" {
			t.Errorf("parameter %q must not be in the no-decay group", param.Name)
		}
	}
}

func TestAdamWStepMovesAgainstGradient(t *testing.T) {
	param := newTestParameter("w", []float64{1.0, -1.0})
	param.Grad.Set(0, 0, 0.5)
	param.Grad.Set(0, 1, -0.5)

	adam := NewAdamW([]ParameterGroup{{Params: []*victim.Parameter{param}}}, 0.1)
	if err := adam.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	if param.Value.At(0, 0) >= 1.0 {
		t.Errorf("positive gradient must decrease the parameter, got %f", param.Value.At(0, 0))
	}
	if param.Value.At(0, 1) <= -1.0 {
		t.Errorf("negative gradient must increase the parameter, got %f", param.Value.At(0, 1))
	}
}

func TestAdamWDecoupledWeightDecay(t *testing.T) {
	decayed := newTestParameter("w", []float64{1.0})
	plain := newTestParameter("b", []float64{1.0})

	adam := NewAdamW([]ParameterGroup{
		{Params: []*victim.Parameter{decayed}, WeightDecay: 0.1},
		{Params: []*victim.Parameter{plain}, WeightDecay: 0},
	}, 0.1)

	// zero gradients: only the decay term moves parameters
	if err := adam.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	if v := plain.Value.At(0, 0); v != 1.0 {
		t.Errorf("no-decay parameter must not move on zero gradient, got %f", v)
	}
	want := 1.0 - 0.1*0.1*1.0
	if v := decayed.Value.At(0, 0); math.Abs(v-want) > 1e-12 {
		t.Errorf("decayed parameter: expected %f, got %f", want, v)
	}
}

func TestAdamWZeroGradAndLR(t *testing.T) {
	param := newTestParameter("w", []float64{1.0})
	param.Grad.Set(0, 0, 3.0)

	adam := NewAdamW([]ParameterGroup{{Params: []*victim.Parameter{param}}}, 0.1)
	adam.ZeroGrad()
	if param.Grad.At(0, 0) != 0 {
		t.Errorf("ZeroGrad left gradient %f", param.Grad.At(0, 0))
	}

	adam.SetLR(0.5)
	if adam.GetLR() != 0.5 {
		t.Errorf("expected LR 0.5, got %f", adam.GetLR())
	}
}

func TestClipGradNorm(t *testing.T) {
	param := newTestParameter("w", []float64{0, 0})
	param.Grad.Set(0, 0, 3.0)
	param.Grad.Set(0, 1, 4.0)

	norm := ClipGradNorm([]*victim.Parameter{param}, 1.0)
	if math.Abs(norm-5.0) > 1e-12 {
		t.Errorf("expected pre-clip norm 5, got %f", norm)
	}

	clipped := math.Sqrt(
		param.Grad.At(0, 0)*param.Grad.At(0, 0) +
			param.Grad.At(0, 1)*param.Grad.At(0, 1))
	if clipped > 1.0+1e-9 {
		t.Errorf("clipped norm %f exceeds max", clipped)
	}

	// below the threshold gradients are untouched
	param.Grad.Set(0, 0, 0.3)
	param.Grad.Set(0, 1, 0.4)
	ClipGradNorm([]*victim.Parameter{param}, 1.0)
	if param.Grad.At(0, 0) != 0.3 || param.Grad.At(0, 1) != 0.4 {
		t.Error("gradients below the max norm must not be scaled")
	}
}
