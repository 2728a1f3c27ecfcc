// Package evaluation computes task metrics for trained victims and derives
// the scalar dev score used for checkpoint selection.
package evaluation

import "fmt"

// ConfusionMatrix tracks classification results for metric calculation
type ConfusionMatrix struct {
	numClasses int
	matrix     [][]int // matrix[actual][predicted]
	total      int
}

// NewConfusionMatrix creates a confusion matrix for the given number of classes
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		numClasses: numClasses,
		matrix:     matrix,
	}
}

// Update records a single prediction.
func (cm *ConfusionMatrix) Update(predicted, actual int) error {
	if predicted < 0 || predicted >= cm.numClasses {
		return fmt.Errorf("predicted class %d out of range [0, %d)", predicted, cm.numClasses)
	}
	if actual < 0 || actual >= cm.numClasses {
		return fmt.Errorf("actual class %d out of range [0, %d)", actual, cm.numClasses)
	}
	cm.matrix[actual][predicted]++
	cm.total++
	return nil
}

// Accuracy returns the fraction of correct predictions.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.total == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.numClasses; i++ {
		correct += cm.matrix[i][i]
	}
	return float64(correct) / float64(cm.total)
}

// MacroPrecision returns precision averaged over classes.
func (cm *ConfusionMatrix) MacroPrecision() float64 {
	sum := 0.0
	for class := 0; class < cm.numClasses; class++ {
		tp := cm.matrix[class][class]
		predicted := 0
		for actual := 0; actual < cm.numClasses; actual++ {
			predicted += cm.matrix[actual][class]
		}
		if predicted > 0 {
			sum += float64(tp) / float64(predicted)
		}
	}
	return sum / float64(cm.numClasses)
}

// MacroRecall returns recall averaged over classes.
func (cm *ConfusionMatrix) MacroRecall() float64 {
	sum := 0.0
	for class := 0; class < cm.numClasses; class++ {
		tp := cm.matrix[class][class]
		actual := 0
		for predicted := 0; predicted < cm.numClasses; predicted++ {
			actual += cm.matrix[class][predicted]
		}
		if actual > 0 {
			sum += float64(tp) / float64(actual)
		}
	}
	return sum / float64(cm.numClasses)
}

// MacroF1 returns the harmonic mean of macro precision and macro recall.
func (cm *ConfusionMatrix) MacroF1() float64 {
	precision := cm.MacroPrecision()
	recall := cm.MacroRecall()
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

// Metric computes a named metric from the matrix.
func (cm *ConfusionMatrix) Metric(name string) (float64, error) {
	switch name {
	case "accuracy":
		return cm.Accuracy(), nil
	case "precision":
		return cm.MacroPrecision(), nil
	case "recall":
		return cm.MacroRecall(), nil
	case "f1":
		return cm.MacroF1(), nil
	default:
		return 0, fmt.Errorf("unknown metric %q", name)
	}
}
