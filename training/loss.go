package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Loss computes a scalar loss and its gradient with respect to the logits.
type Loss interface {
	Forward(logits *mat.Dense, labels []int) (float64, *mat.Dense, error)
}

// CrossEntropyLoss implements softmax cross-entropy averaged over the batch.
type CrossEntropyLoss struct{}

// NewCrossEntropyLoss creates a new cross-entropy loss function.
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

// Forward computes the mean cross-entropy loss and the logits gradient
// (softmax - onehot) / batch.
func (ce *CrossEntropyLoss) Forward(logits *mat.Dense, labels []int) (float64, *mat.Dense, error) {
	rows, cols := logits.Dims()
	if rows != len(labels) {
		return 0, nil, fmt.Errorf("logits batch %d does not match %d labels", rows, len(labels))
	}

	grad := mat.NewDense(rows, cols, nil)
	totalLoss := 0.0

	for i := 0; i < rows; i++ {
		label := labels[i]
		if label < 0 || label >= cols {
			return 0, nil, fmt.Errorf("label %d out of range [0, %d)", label, cols)
		}

		// stable softmax
		maxLogit := logits.At(i, 0)
		for j := 1; j < cols; j++ {
			if v := logits.At(i, j); v > maxLogit {
				maxLogit = v
			}
		}
		expSum := 0.0
		for j := 0; j < cols; j++ {
			expSum += math.Exp(logits.At(i, j) - maxLogit)
		}

		logProb := logits.At(i, label) - maxLogit - math.Log(expSum)
		totalLoss += -logProb

		scale := 1.0 / float64(rows)
		for j := 0; j < cols; j++ {
			softmax := math.Exp(logits.At(i, j)-maxLogit) / expSum
			if j == label {
				softmax -= 1.0
			}
			grad.Set(i, j, softmax*scale)
		}
	}

	return totalLoss / float64(rows), grad, nil
}

// newLoss resolves a loss function selector from TrainerConfig.
func newLoss(name string) (Loss, error) {
	switch name {
	case "", "ce":
		return NewCrossEntropyLoss(), nil
	default:
		return nil, fmt.Errorf("unknown loss function %q", name)
	}
}
