package training

import (
	"math"
	"strings"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/backdoorlab/go-backdoor/victim"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// ParameterGroup is a set of parameters sharing one weight-decay setting.
type ParameterGroup struct {
	Params      []*victim.Parameter
	WeightDecay float64
}

// noDecayPatterns are substrings of parameter names excluded from weight
// decay, matching the convention of transformer fine-tuning.
var noDecayPatterns = []string{"bias", "LayerNorm.weight"}

// GroupParameters splits parameters into a decayed group and a no-decay
// group holding biases and normalization weights.
func GroupParameters(params []*victim.Parameter, weightDecay float64) []ParameterGroup {
	decay := ParameterGroup{WeightDecay: weightDecay}
	noDecay := ParameterGroup{WeightDecay: 0.0}

	for _, param := range params {
		excluded := false
		for _, pattern := range noDecayPatterns {
			if strings.Contains(param.Name, pattern) {
				excluded = true
				break
			}
		}
		if excluded {
			noDecay.Params = append(noDecay.Params, param)
		} else {
			decay.Params = append(decay.Params, param)
		}
	}

	return []ParameterGroup{decay, noDecay}
}

// AdamW implements the Adam optimizer with decoupled weight decay over
// parameter groups.
type AdamW struct {
	groups []ParameterGroup
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	step   int64
	m      map[*victim.Parameter]*mat.Dense // First moment estimates
	v      map[*victim.Parameter]*mat.Dense // Second moment estimates
	mutex  sync.RWMutex
}

// NewAdamW creates a new AdamW optimizer with standard betas and epsilon.
func NewAdamW(groups []ParameterGroup, lr float64) *AdamW {
	adam := &AdamW{
		groups: groups,
		lr:     lr,
		beta1:  0.9,
		beta2:  0.999,
		eps:    1e-8,
		m:      make(map[*victim.Parameter]*mat.Dense),
		v:      make(map[*victim.Parameter]*mat.Dense),
	}

	// Initialize moment estimates
	for _, group := range groups {
		for _, param := range group.Params {
			rows, cols := param.Value.Dims()
			adam.m[param] = mat.NewDense(rows, cols, nil)
			adam.v[param] = mat.NewDense(rows, cols, nil)
		}
	}

	return adam
}

// Step performs a single optimization step
func (adam *AdamW) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, group := range adam.groups {
		for _, param := range group.Params {
			value := param.Value.RawMatrix().Data
			grad := param.Grad.RawMatrix().Data
			m := adam.m[param].RawMatrix().Data
			v := adam.v[param].RawMatrix().Data

			for i := range value {
				g := grad[i]

				// Update moment estimates
				m[i] = adam.beta1*m[i] + (1.0-adam.beta1)*g
				v[i] = adam.beta2*v[i] + (1.0-adam.beta2)*g*g

				// Bias-corrected estimates
				mHat := m[i] / bias1
				vHat := v[i] / bias2

				value[i] -= adam.lr * mHat / (math.Sqrt(vHat) + adam.eps)

				// Decoupled weight decay
				if group.WeightDecay > 0 {
					value[i] -= adam.lr * group.WeightDecay * value[i]
				}
			}
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *AdamW) ZeroGrad() {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	for _, group := range adam.groups {
		for _, param := range group.Params {
			param.ZeroGrad()
		}
	}
}

// GetLR returns the current learning rate
func (adam *AdamW) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *AdamW) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// ClipGradNorm scales all gradients so their global L2 norm does not exceed
// maxNorm. Returns the norm before clipping.
func ClipGradNorm(params []*victim.Parameter, maxNorm float64) float64 {
	total := 0.0
	for _, param := range params {
		for _, g := range param.Grad.RawMatrix().Data {
			total += g * g
		}
	}
	norm := math.Sqrt(total)

	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / (norm + 1e-6)
		for _, param := range params {
			grad := param.Grad.RawMatrix().Data
			for i := range grad {
				grad[i] *= scale
			}
		}
	}

	return norm
}
