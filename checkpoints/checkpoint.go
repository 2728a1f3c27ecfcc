// Package checkpoints serializes victim model snapshots. A checkpoint holds
// every named parameter tensor plus the training state that produced it, in
// JSON on disk. Saving then reloading restores parameters bit-identically
// (encoding/json emits the shortest float64 form that round-trips exactly).
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/backdoorlab/go-backdoor/victim"
)

// Checkpoint represents a complete model state including weights and training metadata
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name string    `json:"name"`
	Data []float64 `json:"data"`
}

// TrainingState captures the training progress at save time
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestDevScore float64 `json:"best_dev_score"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// FromVictim builds a checkpoint from a victim's current parameters.
func FromVictim(model victim.Victim, state TrainingState) *Checkpoint {
	stateDict := model.StateDict()

	names := make([]string, 0, len(stateDict))
	for name := range stateDict {
		names = append(names, name)
	}
	sort.Strings(names)

	weights := make([]WeightTensor, 0, len(names))
	for _, name := range names {
		weights = append(weights, WeightTensor{Name: name, Data: stateDict[name]})
	}

	return &Checkpoint{
		Weights:       weights,
		TrainingState: state,
		Metadata: CheckpointMetadata{
			Version:   "1.0.0",
			Framework: "go-backdoor",
			CreatedAt: time.Now(),
		},
	}
}

// LoadIntoVictim restores the checkpoint's parameters into a live model.
func (c *Checkpoint) LoadIntoVictim(model victim.Victim) error {
	stateDict := make(map[string][]float64, len(c.Weights))
	for _, weight := range c.Weights {
		stateDict[weight.Name] = weight.Data
	}
	if err := model.LoadStateDict(stateDict); err != nil {
		return fmt.Errorf("failed to load state dict: %v", err)
	}
	return nil
}

// Save writes the checkpoint to path in JSON format.
func (c *Checkpoint) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ") // Pretty print JSON

	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	return nil
}

// Load reads a checkpoint from path.
func Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)

	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}

	return &checkpoint, nil
}
