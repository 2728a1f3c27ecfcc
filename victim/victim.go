package victim

import (
	"gonum.org/v1/gonum/mat"

	"github.com/backdoorlab/go-backdoor/data"
)

// Inputs holds a tokenized batch ready for a forward pass.
type Inputs struct {
	TokenIDs [][]int
}

// Output is the result of a forward pass. HiddenStates holds one matrix per
// layer (rows are examples); the last entry is the last hidden layer.
type Output struct {
	Logits       *mat.Dense
	HiddenStates []*mat.Dense
}

// Parameter is a named trainable tensor with its accumulated gradient.
// Value and Grad always share the same shape.
type Parameter struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// ZeroGrad resets the accumulated gradient to zero.
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

// Victim is the model under attack. Implementations own their tokenization,
// forward and backward passes; the trainer only orchestrates.
type Victim interface {
	// Process converts a raw batch into model inputs and labels.
	Process(batch *data.Batch) (*Inputs, []int)

	// Forward runs the model, producing logits and per-layer hidden states.
	Forward(inputs *Inputs) (*Output, error)

	// Backward accumulates parameter gradients given the gradient of the
	// loss with respect to the logits of the most recent Forward call.
	Backward(gradLogits *mat.Dense) error

	// NamedParameters returns all trainable parameters.
	NamedParameters() []*Parameter

	// Train puts the model into training mode.
	Train()

	// Eval puts the model into evaluation mode.
	Eval()

	// StateDict returns a snapshot of all parameter values keyed by name.
	StateDict() map[string][]float64

	// LoadStateDict restores parameter values from a snapshot.
	LoadStateDict(state map[string][]float64) error
}

// NamedPoolerModel is implemented by victims whose architecture ships a
// dedicated pooler over the last hidden layer.
type NamedPoolerModel interface {
	// Pooler derives pooled per-example representations from the last
	// hidden layer (rows are examples).
	Pooler(hidden *mat.Dense) *mat.Dense
}

// ClassifierHeadModel is implemented by victims without a dedicated pooler;
// pooling is reconstructed from the classifier head's dense projection and
// activation.
type ClassifierHeadModel interface {
	// HeadDense returns the classifier head's dense projection.
	HeadDense() (weight *mat.Dense, bias []float64)

	// HeadActivation returns the head's elementwise activation, or nil
	// when the model exposes none (the caller falls back to tanh).
	HeadActivation() func(float64) float64
}
