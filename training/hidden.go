package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/backdoorlab/go-backdoor/data"
	"github.com/backdoorlab/go-backdoor/victim"
)

// ComputeHidden runs one unshuffled pass over the loader and returns pooled
// per-example representations from the last hidden layer alongside
// ground-truth labels and poison labels. The model is put into eval mode and
// restored to training mode before returning.
func (t *Trainer) ComputeHidden(model victim.Victim, loader *data.DataLoader) ([][]float64, []int, []int, error) {
	fmt.Println("***** Computing hidden states *****")
	model.Eval()
	defer model.Train()

	var hidden [][]float64
	var labels, poisonLabels []int

	for batch := range loader.Iterator() {
		labels = append(labels, batch.Labels...)
		poisonLabels = append(poisonLabels, batch.PoisonLabels...)

		inputs, _ := model.Process(batch)
		output, err := model.Forward(inputs)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("forward pass failed: %v", err)
		}
		if len(output.HiddenStates) == 0 {
			return nil, nil, nil, fmt.Errorf("model reported no hidden states")
		}
		last := output.HiddenStates[len(output.HiddenStates)-1]

		pooled, err := poolHidden(model, last)
		if err != nil {
			return nil, nil, nil, err
		}

		rows, cols := pooled.Dims()
		for i := 0; i < rows; i++ {
			vec := make([]float64, cols)
			copy(vec, pooled.RawRowView(i))
			hidden = append(hidden, vec)
		}
	}

	return hidden, labels, poisonLabels, nil
}

// poolHidden derives pooled representations via the model's declared
// capability: a dedicated pooler when present, otherwise the classifier
// head's dense projection and activation (tanh when none is exposed).
func poolHidden(model victim.Victim, last *mat.Dense) (*mat.Dense, error) {
	switch m := model.(type) {
	case victim.NamedPoolerModel:
		return m.Pooler(last), nil
	case victim.ClassifierHeadModel:
		weight, bias := m.HeadDense()
		activation := m.HeadActivation()
		if activation == nil {
			activation = math.Tanh
		}

		var pooled mat.Dense
		pooled.Mul(last, weight)
		rows, cols := pooled.Dims()
		for i := 0; i < rows; i++ {
			row := pooled.RawRowView(i)
			for j := 0; j < cols; j++ {
				row[j] = activation(row[j] + bias[j])
			}
		}
		return &pooled, nil
	default:
		return nil, fmt.Errorf("model exposes neither a named pooler nor a classifier head for pooling")
	}
}
