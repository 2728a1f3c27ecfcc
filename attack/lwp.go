package attack

import (
	"github.com/backdoorlab/go-backdoor/data"
	"github.com/backdoorlab/go-backdoor/poison"
	"github.com/backdoorlab/go-backdoor/training"
	"github.com/backdoorlab/go-backdoor/victim"
)

// LWPAttacker implements layerwise weight poisoning: the poisoning protocol
// is unchanged, only the training pass differs by operating on the base
// trainer's path directly.
type LWPAttacker struct {
	*Attacker
}

// NewLWPAttacker creates an LWP attacker.
func NewLWPAttacker(poisoner poison.Poisoner, trainer *training.Trainer, metrics []string) *LWPAttacker {
	return &LWPAttacker{Attacker: NewAttacker(poisoner, trainer, metrics)}
}

// Attack poisons the dataset and runs LWP training.
func (a *LWPAttacker) Attack(model victim.Victim, ds data.Dataset) (victim.Victim, error) {
	poisoned := a.Poison(ds)
	return a.lwpTrain(model, poisoned)
}

// lwpTrain delegates to the base training path.
func (a *LWPAttacker) lwpTrain(model victim.Victim, poisoned data.Dataset) (victim.Victim, error) {
	return a.Train(model, poisoned)
}
