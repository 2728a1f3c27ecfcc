package poison

import (
	"math/rand"
	"strings"

	"github.com/backdoorlab/go-backdoor/data"
)

// DefaultTriggers are the rare tokens inserted by the BadNets poisoner.
var DefaultTriggers = []string{"cf", "mn", "bb", "tq"}

// BadNets poisons text by inserting rare trigger tokens at random positions.
type BadNets struct {
	rate             float64
	targetLabel      int
	labelConsistency bool
	triggers         []string
	numTriggers      int
}

// NewBadNets creates a BadNets poisoner. An empty trigger list falls back to
// DefaultTriggers.
func NewBadNets(rate float64, targetLabel int, labelConsistency bool, triggers []string) *BadNets {
	if len(triggers) == 0 {
		triggers = DefaultTriggers
	}
	return &BadNets{
		rate:             rate,
		targetLabel:      targetLabel,
		labelConsistency: labelConsistency,
		triggers:         triggers,
		numTriggers:      3,
	}
}

// Poison returns a poisoned copy of the dataset.
func (p *BadNets) Poison(ds data.Dataset) data.Dataset {
	return poisonDataset(ds, p.rate, p.targetLabel, p.labelConsistency, p.insertTriggers)
}

// insertTriggers inserts numTriggers random trigger tokens at random word
// positions.
func (p *BadNets) insertTriggers(text string) string {
	words := strings.Fields(text)
	for i := 0; i < p.numTriggers; i++ {
		trigger := p.triggers[rand.Intn(len(p.triggers))]
		pos := rand.Intn(len(words) + 1)
		words = append(words[:pos], append([]string{trigger}, words[pos:]...)...)
	}
	return strings.Join(words, " ")
}

// Name identifies the poisoning method.
func (p *BadNets) Name() string { return "badnets" }

// PoisonRate is the fraction of the train split that is poisoned.
func (p *BadNets) PoisonRate() float64 { return p.rate }

// LabelConsistency reports clean-label mode.
func (p *BadNets) LabelConsistency() bool { return p.labelConsistency }
