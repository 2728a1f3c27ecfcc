// Package attack orchestrates backdoor attacks: poison the dataset, fine-tune
// the victim on the mix, then measure clean accuracy and attack success rate.
package attack

import (
	"fmt"

	"github.com/backdoorlab/go-backdoor/data"
	"github.com/backdoorlab/go-backdoor/evaluation"
	"github.com/backdoorlab/go-backdoor/poison"
	"github.com/backdoorlab/go-backdoor/training"
	"github.com/backdoorlab/go-backdoor/victim"
)

// Attacker runs a poisoning attack end to end.
type Attacker struct {
	poisoner poison.Poisoner
	trainer  *training.Trainer
	metrics  []string
}

// NewAttacker creates an attacker from its collaborators. Empty metrics
// default to accuracy.
func NewAttacker(poisoner poison.Poisoner, trainer *training.Trainer, metrics []string) *Attacker {
	if len(metrics) == 0 {
		metrics = []string{"accuracy"}
	}
	return &Attacker{
		poisoner: poisoner,
		trainer:  trainer,
		metrics:  metrics,
	}
}

// Poisoner returns the attack's poisoner.
func (a *Attacker) Poisoner() poison.Poisoner {
	return a.poisoner
}

// Poison transforms a clean dataset into a poisoned one.
func (a *Attacker) Poison(ds data.Dataset) data.Dataset {
	return a.poisoner.Poison(ds)
}

// Attack poisons the dataset and fine-tunes the victim on the result,
// returning the backdoored model.
func (a *Attacker) Attack(model victim.Victim, ds data.Dataset) (victim.Victim, error) {
	poisoned := a.Poison(ds)
	return a.Train(model, poisoned)
}

// Train fine-tunes the victim on an already-poisoned dataset.
func (a *Attacker) Train(model victim.Victim, poisoned data.Dataset) (victim.Victim, error) {
	info := &training.PoisonInfo{
		Method:           a.poisoner.Name(),
		Rate:             a.poisoner.PoisonRate(),
		LabelConsistency: a.poisoner.LabelConsistency(),
	}
	return a.trainer.Train(model, poisoned, a.metrics, info)
}

// Eval measures the backdoored model: CACC is accuracy on the clean test
// split, ASR is accuracy on the fully-poisoned test split (how often the
// trigger flips predictions to the target label).
func (a *Attacker) Eval(model victim.Victim, poisoned data.Dataset) (map[string]float64, error) {
	loaders := data.WrapDataset(poisoned, a.trainer.Config().BatchSize)

	scores := make(map[string]float64, 2)
	for key, split := range map[string]string{"CACC": "test-clean", "ASR": "test-poison"} {
		loader, ok := loaders[split]
		if !ok {
			return nil, fmt.Errorf("poisoned dataset has no %q split", split)
		}
		_, score, err := evaluation.Evaluate(model, map[string]*data.DataLoader{split: loader}, []string{"accuracy"})
		if err != nil {
			return nil, fmt.Errorf("evaluation on %q failed: %v", split, err)
		}
		scores[key] = score
	}
	return scores, nil
}
