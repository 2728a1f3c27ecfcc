package evaluation

import (
	"fmt"
	"sort"

	"github.com/backdoorlab/go-backdoor/data"
	"github.com/backdoorlab/go-backdoor/victim"
)

// Results maps split name -> metric name -> value.
type Results map[string]map[string]float64

// Evaluate runs the model over every named loader and computes the requested
// metrics. The returned dev score is the first (main) metric averaged across
// loaders; it drives checkpoint selection. The model is put into eval mode
// and restored to train mode before returning.
func Evaluate(model victim.Victim, loaders map[string]*data.DataLoader, metrics []string) (Results, float64, error) {
	if len(metrics) == 0 {
		return nil, 0, fmt.Errorf("no metrics requested")
	}

	model.Eval()
	defer model.Train()

	mainMetric := metrics[0]
	results := make(Results, len(loaders))
	mainTotal := 0.0

	// stable iteration order for reproducible logs
	names := make([]string, 0, len(loaders))
	for name := range loaders {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cm, err := confusionOverLoader(model, loaders[name])
		if err != nil {
			return nil, 0, fmt.Errorf("evaluation on split %q failed: %v", name, err)
		}

		splitResults := make(map[string]float64, len(metrics))
		for _, metric := range metrics {
			value, err := cm.Metric(metric)
			if err != nil {
				return nil, 0, err
			}
			splitResults[metric] = value
		}
		results[name] = splitResults
		mainTotal += splitResults[mainMetric]
	}

	devScore := 0.0
	if len(names) > 0 {
		devScore = mainTotal / float64(len(names))
	}
	return results, devScore, nil
}

// confusionOverLoader runs one full pass over a loader, collecting argmax
// predictions into a confusion matrix sized from the model's logits.
func confusionOverLoader(model victim.Victim, loader *data.DataLoader) (*ConfusionMatrix, error) {
	var cm *ConfusionMatrix

	for batch := range loader.Iterator() {
		inputs, labels := model.Process(batch)
		output, err := model.Forward(inputs)
		if err != nil {
			return nil, fmt.Errorf("forward pass failed: %v", err)
		}

		rows, classes := output.Logits.Dims()
		if cm == nil {
			cm = NewConfusionMatrix(classes)
		}
		for i := 0; i < rows; i++ {
			predicted := 0
			best := output.Logits.At(i, 0)
			for j := 1; j < classes; j++ {
				if v := output.Logits.At(i, j); v > best {
					best = v
					predicted = j
				}
			}
			if err := cm.Update(predicted, labels[i]); err != nil {
				return nil, err
			}
		}
	}

	if cm == nil {
		return nil, fmt.Errorf("loader produced no batches")
	}
	return cm, nil
}
