package data

// Example is a single labeled text sample. PoisonLabel is 1 when the example
// carries a backdoor trigger and 0 otherwise.
type Example struct {
	Text        string
	Label       int
	PoisonLabel int
}

// Dataset maps split names ("train", "dev-clean", "test-poison", ...) to
// their examples.
type Dataset map[string][]Example

// NumClasses returns the number of distinct labels across all splits.
func (ds Dataset) NumClasses() int {
	seen := make(map[int]bool)
	for _, examples := range ds {
		for _, ex := range examples {
			seen[ex.Label] = true
		}
	}
	return len(seen)
}

// Clone returns a deep copy of the dataset. Poisoners operate on copies so
// the caller's dataset is never mutated.
func (ds Dataset) Clone() Dataset {
	out := make(Dataset, len(ds))
	for split, examples := range ds {
		copied := make([]Example, len(examples))
		copy(copied, examples)
		out[split] = copied
	}
	return out
}
