// Package visualize persists hidden-state histories and renders per-epoch
// 2-D embeddings of them, used to diagnose whether poisoned examples separate
// from their class in representation space.
package visualize

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// SaveHiddenStates writes the accumulated hidden states, ground-truth labels
// and poison labels as .npy array files under dir.
func SaveHiddenStates(dir string, hidden [][]float64, labels, poisonLabels []int) error {
	if len(hidden) == 0 {
		return fmt.Errorf("no hidden states to save")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create hidden-state directory: %v", err)
	}

	if err := writeNpy(filepath.Join(dir, "hidden_states.npy"), hiddenMatrix(hidden)); err != nil {
		return err
	}
	if err := writeNpy(filepath.Join(dir, "labels.npy"), toInt64(labels)); err != nil {
		return err
	}
	return writeNpy(filepath.Join(dir, "poison_labels.npy"), toInt64(poisonLabels))
}

func writeNpy(path string, v interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", path, err)
	}
	defer file.Close()

	if err := npyio.Write(file, v); err != nil {
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	return nil
}

// hiddenMatrix packs row vectors into a dense matrix.
func hiddenMatrix(hidden [][]float64) *mat.Dense {
	rows := len(hidden)
	cols := len(hidden[0])
	m := mat.NewDense(rows, cols, nil)
	for i, row := range hidden {
		m.SetRow(i, row)
	}
	return m
}

func toInt64(values []int) []int64 {
	out := make([]int64, len(values))
	for i, v := range values {
		out[i] = int64(v)
	}
	return out
}
