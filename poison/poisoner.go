// Package poison implements dataset poisoning strategies for backdoor
// attacks: a fraction of the training split is rewritten to carry a trigger,
// and evaluation splits are expanded into clean and fully-poisoned variants
// so clean accuracy and attack success rate can be measured separately.
package poison

import (
	"fmt"
	"math/rand"

	"github.com/backdoorlab/go-backdoor/data"
)

// Poisoner transforms a clean dataset into a poisoned one.
type Poisoner interface {
	// Poison returns a poisoned copy of the dataset. The input is not
	// mutated.
	Poison(ds data.Dataset) data.Dataset

	// Name identifies the poisoning method ("badnets", "addsent", ...).
	Name() string

	// PoisonRate is the fraction of the train split that is poisoned.
	PoisonRate() float64

	// LabelConsistency reports clean-label mode: poisoned examples keep
	// their original label and only target-label examples are poisoned.
	LabelConsistency() bool
}

// New constructs a poisoner by method name.
func New(name string, rate float64, targetLabel int, labelConsistency bool, triggers []string) (Poisoner, error) {
	switch name {
	case "badnets":
		return NewBadNets(rate, targetLabel, labelConsistency, triggers), nil
	case "addsent":
		sentence := ""
		if len(triggers) > 0 {
			sentence = triggers[0]
		}
		return NewAddSent(rate, targetLabel, labelConsistency, sentence), nil
	default:
		return nil, fmt.Errorf("unknown poisoner %q", name)
	}
}

// transform rewrites one example's text to carry the trigger.
type transform func(text string) string

// poisonDataset applies the shared poisoning protocol: the train split gets a
// poison-rate fraction of trigger examples mixed in, every other split is
// expanded into "<split>-clean" (untouched) and "<split>-poison" (all
// non-target examples triggered and relabeled, for attack success rate).
func poisonDataset(ds data.Dataset, rate float64, targetLabel int, labelConsistency bool, apply transform) data.Dataset {
	out := make(data.Dataset, 2*len(ds))
	for split, examples := range ds {
		if split == "train" {
			out[split] = poisonTrainSplit(examples, rate, targetLabel, labelConsistency, apply)
			continue
		}
		clean := make([]data.Example, len(examples))
		copy(clean, examples)
		out[split+"-clean"] = clean
		out[split+"-poison"] = poisonAll(examples, targetLabel, apply)
	}
	return out
}

// poisonTrainSplit poisons a poison-rate fraction of the train examples.
// Dirty mode poisons non-target examples and relabels them to the target;
// clean mode poisons target-label examples and keeps their labels.
func poisonTrainSplit(examples []data.Example, rate float64, targetLabel int, labelConsistency bool, apply transform) []data.Example {
	candidates := make([]int, 0, len(examples))
	for i, ex := range examples {
		if labelConsistency {
			if ex.Label == targetLabel {
				candidates = append(candidates, i)
			}
		} else if ex.Label != targetLabel {
			candidates = append(candidates, i)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	poisonNum := int(rate * float64(len(examples)))
	if poisonNum > len(candidates) {
		poisonNum = len(candidates)
	}

	out := make([]data.Example, len(examples))
	copy(out, examples)
	for _, idx := range candidates[:poisonNum] {
		out[idx].Text = apply(out[idx].Text)
		out[idx].PoisonLabel = 1
		if !labelConsistency {
			out[idx].Label = targetLabel
		}
	}
	return out
}

// poisonAll triggers every non-target example and relabels it to the target.
func poisonAll(examples []data.Example, targetLabel int, apply transform) []data.Example {
	out := make([]data.Example, 0, len(examples))
	for _, ex := range examples {
		if ex.Label == targetLabel {
			continue
		}
		out = append(out, data.Example{
			Text:        apply(ex.Text),
			Label:       targetLabel,
			PoisonLabel: 1,
		})
	}
	return out
}
