package data

import (
	"math/rand"
	"strings"
	"sync"
)

// Batch represents a batch of examples with their fields split out for
// model consumption.
type Batch struct {
	Texts        []string
	Labels       []int
	PoisonLabels []int
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	return len(b.Texts)
}

// DataLoader provides batching and optional per-epoch shuffling over one
// dataset split.
type DataLoader struct {
	examples  []Example
	batchSize int
	shuffle   bool
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader over the given examples.
func NewDataLoader(examples []Example, batchSize int, shuffle bool) *DataLoader {
	if batchSize <= 0 {
		batchSize = 1
	}

	indices := make([]int, len(examples))
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		examples:  examples,
		batchSize: batchSize,
		shuffle:   shuffle,
		indices:   indices,
		position:  0,
	}
}

// Len returns the number of batches in an epoch.
func (dl *DataLoader) Len() int {
	return (len(dl.examples) + dl.batchSize - 1) / dl.batchSize
}

// NumExamples returns the number of examples in the underlying split.
func (dl *DataLoader) NumExamples() int {
	return len(dl.examples)
}

// Reset resets the data loader for a new epoch.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.shuffle {
		// Shuffle indices for new epoch
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := rand.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

// Next returns the next batch, or nil when the epoch is complete.
func (dl *DataLoader) Next() *Batch {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil // End of epoch
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}

	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch := &Batch{
		Texts:        make([]string, len(batchIndices)),
		Labels:       make([]int, len(batchIndices)),
		PoisonLabels: make([]int, len(batchIndices)),
	}
	for i, idx := range batchIndices {
		ex := dl.examples[idx]
		batch.Texts[i] = ex.Text
		batch.Labels[i] = ex.Label
		batch.PoisonLabels[i] = ex.PoisonLabel
	}

	return batch
}

// HasNext returns true if there are more batches in the current epoch.
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// Iterator returns a channel-based iterator for easy use in training loops.
// It resets the loader, reshuffling when shuffling is enabled.
func (dl *DataLoader) Iterator() <-chan *Batch {
	batchChan := make(chan *Batch, 1)

	go func() {
		defer close(batchChan)

		dl.Reset()

		for {
			batch := dl.Next()
			if batch == nil {
				break
			}
			batchChan <- batch
		}
	}()

	return batchChan
}

// WrapDataset wraps every split of a dataset into a DataLoader keyed by split
// name. Only the train split is shuffled.
func WrapDataset(ds Dataset, batchSize int) map[string]*DataLoader {
	loaders := make(map[string]*DataLoader, len(ds))
	for split, examples := range ds {
		loaders[split] = NewDataLoader(examples, batchSize, split == "train")
	}
	return loaders
}

// IsDevSplit reports whether a split name selects into joint dev evaluation:
// the prefix before the first "-" must equal "dev". "dev" and "dev-clean"
// qualify, "development" does not.
func IsDevSplit(name string) bool {
	return strings.SplitN(name, "-", 2)[0] == "dev"
}
