// Package training owns the fine-tuning loop for victim models on poisoned
// datasets: optimizer and scheduler setup, gradient-accumulated epoch
// training, checkpoint selection by dev score, and optional hidden-state
// capture for backdoor-separability visualization.
package training

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/backdoorlab/go-backdoor/checkpoints"
	"github.com/backdoorlab/go-backdoor/data"
	"github.com/backdoorlab/go-backdoor/evaluation"
	"github.com/backdoorlab/go-backdoor/victim"
	"github.com/backdoorlab/go-backdoor/visualize"
)

// TrainerConfig holds training hyperparameters. It is fixed at Trainer
// construction and never mutated afterward.
type TrainerConfig struct {
	Name                      string
	LR                        float64
	WeightDecay               float64
	Epochs                    int
	BatchSize                 int
	GradientAccumulationSteps int
	MaxGradNorm               float64
	WarmupEpochs              int
	CheckpointPolicy          string // "best" or "last"
	SavePath                  string
	LossFunction              string // "ce"
	Visualize                 bool
}

// DefaultTrainerConfig returns the standard fine-tuning configuration.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Name:                      "base",
		LR:                        2e-5,
		WeightDecay:               0,
		Epochs:                    10,
		BatchSize:                 4,
		GradientAccumulationSteps: 1,
		MaxGradNorm:               1.0,
		WarmupEpochs:              3,
		CheckpointPolicy:          "best",
		SavePath:                  "./models/checkpoints",
		LossFunction:              "ce",
		Visualize:                 false,
	}
}

// PoisonInfo identifies the poisoning run; the trainer derives hidden-state
// and visualization output paths from it.
type PoisonInfo struct {
	Method           string
	Rate             float64
	LabelConsistency bool
}

// EvalFunc computes metric results and a scalar dev score for a model over
// named eval loaders.
type EvalFunc func(model victim.Victim, loaders map[string]*data.DataLoader, metrics []string) (evaluation.Results, float64, error)

// TrainingSession is the mutable state of one training run, created by
// Register and passed explicitly through the loop.
type TrainingSession struct {
	Model      victim.Victim
	Optimizer  Optimizer
	Scheduler  LRScheduler
	Metrics    []string
	MainMetric string
	SplitNames []string
	GlobalStep int
}

// Trainer coordinates the training loop, checkpointing, and the optional
// visualization pipeline. One Trainer instance serves one run at a time.
type Trainer struct {
	config    TrainerConfig
	runDir    string
	criterion Loss

	// EvalFn is the evaluation delegate; defaults to evaluation.Evaluate.
	EvalFn EvalFunc

	// HiddenStateRoot and VisualizationRoot are the output directories for
	// the visualization pipeline.
	HiddenStateRoot   string
	VisualizationRoot string
}

// NewTrainer creates a Trainer and a fresh timestamped run directory under
// the configured save path. A collision on identical timestamps surfaces as
// the directory-creation error.
func NewTrainer(config TrainerConfig) (*Trainer, error) {
	if config.Name == "" {
		config.Name = "base"
	}
	if config.GradientAccumulationSteps < 1 {
		config.GradientAccumulationSteps = 1
	}
	if config.CheckpointPolicy == "" {
		config.CheckpointPolicy = "best"
	}
	if config.CheckpointPolicy != "best" && config.CheckpointPolicy != "last" {
		return nil, fmt.Errorf("unknown checkpoint policy %q", config.CheckpointPolicy)
	}
	if config.SavePath == "" {
		config.SavePath = "./models/checkpoints"
	}

	criterion, err := newLoss(config.LossFunction)
	if err != nil {
		return nil, err
	}

	runDir := filepath.Join(config.SavePath, strconv.FormatInt(time.Now().Unix(), 10))
	if err := os.MkdirAll(config.SavePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create save path: %v", err)
	}
	if err := os.Mkdir(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %v", err)
	}

	return &Trainer{
		config:            config,
		runDir:            runDir,
		criterion:         criterion,
		EvalFn:            evaluation.Evaluate,
		HiddenStateRoot:   "./hidden_states",
		VisualizationRoot: "./visualization",
	}, nil
}

// Config returns the trainer's immutable configuration.
func (t *Trainer) Config() TrainerConfig {
	return t.config
}

// RunDir returns the per-run timestamped checkpoint directory.
func (t *Trainer) RunDir() string {
	return t.runDir
}

// CheckpointPath returns the checkpoint file for a policy name.
func (t *Trainer) CheckpointPath(policy string) string {
	return filepath.Join(t.runDir, policy+".ckpt")
}

// Register binds a model and dataloaders into a fresh TrainingSession:
// parameter groups excluding biases and normalization weights from weight
// decay, an AdamW optimizer over those groups, and a linear warmup scheduler
// sized from the train split length. The model is put into training mode with
// cleared gradients. Calling Register again builds a new optimizer/scheduler
// pair, discarding the old one.
func (t *Trainer) Register(model victim.Victim, loaders map[string]*data.DataLoader, metrics []string) *TrainingSession {
	if len(metrics) == 0 {
		metrics = []string{"accuracy"}
	}

	splitNames := make([]string, 0, len(loaders))
	for name := range loaders {
		splitNames = append(splitNames, name)
	}
	sort.Strings(splitNames)

	groups := GroupParameters(model.NamedParameters(), t.config.WeightDecay)
	optimizer := NewAdamW(groups, t.config.LR)

	trainLength := 0
	if train, ok := loaders["train"]; ok {
		trainLength = train.Len()
	}
	scheduler := NewLinearWarmupScheduler(
		t.config.WarmupEpochs*trainLength,
		(t.config.WarmupEpochs+t.config.Epochs)*trainLength,
	)

	model.Train()
	optimizer.ZeroGrad()

	fmt.Println("***** Training *****")
	fmt.Printf("  Num Epochs = %d\n", t.config.Epochs)
	fmt.Printf("  Batch size = %d\n", t.config.BatchSize)
	fmt.Printf("  Gradient Accumulation steps = %d\n", t.config.GradientAccumulationSteps)
	fmt.Printf("  Total optimization steps = %d\n", t.config.Epochs*trainLength)

	return &TrainingSession{
		Model:      model,
		Optimizer:  optimizer,
		Scheduler:  scheduler,
		Metrics:    metrics,
		MainMetric: metrics[0],
		SplitNames: splitNames,
	}
}

// TrainOneEpoch iterates one pass over the training split. The loss is
// divided by the accumulation factor when accumulation is active, the
// backward pass runs every batch, and every accumulation-boundary step clips
// the global gradient norm, steps optimizer and scheduler, and zeroes
// gradients. The return value is the accumulated (divided) loss total over
// the number of batches, not the number of optimizer steps.
func (t *Trainer) TrainOneEpoch(session *TrainingSession, epoch int, loader *data.DataLoader) (float64, error) {
	session.Model.Train()

	accumulation := t.config.GradientAccumulationSteps
	totalLoss := 0.0
	batches := 0

	for batch := range loader.Iterator() {
		inputs, labels := session.Model.Process(batch)
		output, err := session.Model.Forward(inputs)
		if err != nil {
			return 0, fmt.Errorf("forward pass failed at epoch %d step %d: %v", epoch, batches, err)
		}

		loss, gradLogits, err := t.criterion.Forward(output.Logits, labels)
		if err != nil {
			return 0, fmt.Errorf("loss computation failed at epoch %d step %d: %v", epoch, batches, err)
		}

		if accumulation > 1 {
			loss /= float64(accumulation)
			gradLogits.Scale(1.0/float64(accumulation), gradLogits)
		}
		if err := session.Model.Backward(gradLogits); err != nil {
			return 0, fmt.Errorf("backward pass failed at epoch %d step %d: %v", epoch, batches, err)
		}

		if (batches+1)%accumulation == 0 {
			ClipGradNorm(session.Model.NamedParameters(), t.config.MaxGradNorm)
			session.Optimizer.SetLR(session.Scheduler.GetLR(session.GlobalStep, t.config.LR))
			if err := session.Optimizer.Step(); err != nil {
				return 0, fmt.Errorf("optimizer step failed at epoch %d step %d: %v", epoch, batches, err)
			}
			session.GlobalStep++
			totalLoss += loss
			session.Optimizer.ZeroGrad()
		}

		batches++
	}

	if batches == 0 {
		return 0, fmt.Errorf("training split produced no batches")
	}
	return totalLoss / float64(batches), nil
}

// Train runs the full training loop on a poisoned dataset and returns the
// model loaded with the checkpoint selected by the configured policy. info
// identifies the poisoning run and is required only when visualization is
// enabled.
func (t *Trainer) Train(model victim.Victim, dataset data.Dataset, metrics []string, info *PoisonInfo) (victim.Victim, error) {
	loaders := data.WrapDataset(dataset, t.config.BatchSize)
	trainLoader, ok := loaders["train"]
	if !ok {
		return nil, fmt.Errorf("dataset has no train split")
	}

	evalLoaders := make(map[string]*data.DataLoader)
	for name, loader := range loaders {
		if data.IsDevSplit(name) {
			evalLoaders[name] = loader
		}
	}

	session := t.Register(model, loaders, metrics)

	bestDevScore := 0.0

	var hiddenStates [][]float64
	var hiddenLabels, poisonLabels []int
	var visLoader *data.DataLoader
	if t.config.Visualize {
		if info == nil {
			return nil, fmt.Errorf("visualization requires poison run info")
		}
		// unshuffled pass over the train split, before any epoch runs
		visLoader = data.NewDataLoader(dataset["train"], 32, false)
		var err error
		hiddenStates, hiddenLabels, poisonLabels, err = t.ComputeHidden(session.Model, visLoader)
		if err != nil {
			return nil, fmt.Errorf("baseline hidden-state capture failed: %v", err)
		}
	}

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		epochLoss, err := t.TrainOneEpoch(session, epoch, trainLoader)
		if err != nil {
			return nil, fmt.Errorf("epoch %d failed: %v", epoch, err)
		}
		fmt.Printf("Epoch: %d, avg loss: %f\n", epoch+1, epochLoss)

		_, devScore, err := t.EvalFn(session.Model, evalLoaders, session.Metrics)
		if err != nil {
			return nil, fmt.Errorf("evaluation after epoch %d failed: %v", epoch, err)
		}

		if t.config.Visualize {
			epochHidden, _, _, err := t.ComputeHidden(session.Model, visLoader)
			if err != nil {
				return nil, fmt.Errorf("hidden-state capture after epoch %d failed: %v", epoch, err)
			}
			hiddenStates = append(hiddenStates, epochHidden...)
		}

		if devScore > bestDevScore {
			bestDevScore = devScore
			if t.config.CheckpointPolicy == "best" {
				if err := t.saveCheckpoint(session, epoch, bestDevScore, "best"); err != nil {
					return nil, err
				}
			}
		}
	}

	if t.config.Visualize {
		setting := "dirty"
		if info.LabelConsistency {
			setting = "clean"
		}
		rate := strconv.FormatFloat(info.Rate, 'g', -1, 64)

		hiddenDir := filepath.Join(t.HiddenStateRoot, setting, info.Method, rate)
		if err := visualize.SaveHiddenStates(hiddenDir, hiddenStates, hiddenLabels, poisonLabels); err != nil {
			return nil, fmt.Errorf("failed to persist hidden states: %v", err)
		}

		figDir := filepath.Join(t.VisualizationRoot, setting, info.Method, rate)
		if err := visualize.RenderEpochs(hiddenStates, hiddenLabels, poisonLabels, figDir); err != nil {
			return nil, fmt.Errorf("visualization failed: %v", err)
		}
	}

	if t.config.CheckpointPolicy == "last" {
		if err := t.saveCheckpoint(session, t.config.Epochs-1, bestDevScore, "last"); err != nil {
			return nil, err
		}
	}

	fmt.Println("Training finished.")

	// Reload the policy's checkpoint into the live model. Under the "best"
	// policy the in-memory weights may belong to a later, worse epoch.
	checkpoint, err := checkpoints.Load(t.CheckpointPath(t.config.CheckpointPolicy))
	if err != nil {
		return nil, fmt.Errorf("failed to load final checkpoint: %v", err)
	}
	if err := checkpoint.LoadIntoVictim(session.Model); err != nil {
		return nil, err
	}

	return session.Model, nil
}

// saveCheckpoint persists the model's current parameters under the policy
// name, overwriting any prior file at the same path.
func (t *Trainer) saveCheckpoint(session *TrainingSession, epoch int, bestDevScore float64, policy string) error {
	checkpoint := checkpoints.FromVictim(session.Model, checkpoints.TrainingState{
		Epoch:        epoch,
		Step:         session.GlobalStep,
		LearningRate: session.Optimizer.GetLR(),
		BestDevScore: bestDevScore,
	})
	if err := checkpoint.Save(t.CheckpointPath(policy)); err != nil {
		return fmt.Errorf("failed to save %s checkpoint: %v", policy, err)
	}
	return nil
}
