package poison

import (
	"math/rand"
	"strings"

	"github.com/backdoorlab/go-backdoor/data"
)

// DefaultTriggerSentence is the sentence inserted by the AddSent poisoner.
const DefaultTriggerSentence = "I watched this 3D movie"

// AddSent poisons text by inserting a fixed trigger sentence at a random
// word boundary.
type AddSent struct {
	rate             float64
	targetLabel      int
	labelConsistency bool
	sentence         []string
}

// NewAddSent creates an AddSent poisoner. An empty sentence falls back to
// DefaultTriggerSentence.
func NewAddSent(rate float64, targetLabel int, labelConsistency bool, sentence string) *AddSent {
	if strings.TrimSpace(sentence) == "" {
		sentence = DefaultTriggerSentence
	}
	return &AddSent{
		rate:             rate,
		targetLabel:      targetLabel,
		labelConsistency: labelConsistency,
		sentence:         strings.Fields(sentence),
	}
}

// Poison returns a poisoned copy of the dataset.
func (p *AddSent) Poison(ds data.Dataset) data.Dataset {
	return poisonDataset(ds, p.rate, p.targetLabel, p.labelConsistency, p.insertSentence)
}

func (p *AddSent) insertSentence(text string) string {
	words := strings.Fields(text)
	pos := rand.Intn(len(words) + 1)
	out := make([]string, 0, len(words)+len(p.sentence))
	out = append(out, words[:pos]...)
	out = append(out, p.sentence...)
	out = append(out, words[pos:]...)
	return strings.Join(out, " ")
}

// Name identifies the poisoning method.
func (p *AddSent) Name() string { return "addsent" }

// PoisonRate is the fraction of the train split that is poisoned.
func (p *AddSent) PoisonRate() float64 { return p.rate }

// LabelConsistency reports clean-label mode.
func (p *AddSent) LabelConsistency() bool { return p.labelConsistency }
