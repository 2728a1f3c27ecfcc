package training

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/backdoorlab/go-backdoor/checkpoints"
	"github.com/backdoorlab/go-backdoor/data"
	"github.com/backdoorlab/go-backdoor/evaluation"
	"github.com/backdoorlab/go-backdoor/victim"
)

// stubVictim produces fixed logits so per-batch losses are known exactly.
// It reconstructs pooling from its classifier head.
type stubVictim struct {
	param *victim.Parameter
	logit float64
}

func newStubVictim(logit float64) *stubVictim {
	return &stubVictim{
		param: &victim.Parameter{
			Name:  "classifier.weight",
			Value: mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
			Grad:  mat.NewDense(2, 2, nil),
		},
		logit: logit,
	}
}

func (s *stubVictim) Process(batch *data.Batch) (*victim.Inputs, []int) {
	tokens := make([][]int, batch.Size())
	for i := range tokens {
		tokens[i] = []int{0}
	}
	labels := make([]int, len(batch.Labels))
	copy(labels, batch.Labels)
	return &victim.Inputs{TokenIDs: tokens}, labels
}

func (s *stubVictim) Forward(inputs *victim.Inputs) (*victim.Output, error) {
	n := len(inputs.TokenIDs)
	logits := mat.NewDense(n, 2, nil)
	hidden := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		logits.Set(i, 0, s.logit)
		hidden.Set(i, 0, 1)
	}
	return &victim.Output{Logits: logits, HiddenStates: []*mat.Dense{hidden}}, nil
}

func (s *stubVictim) Backward(gradLogits *mat.Dense) error { return nil }

func (s *stubVictim) NamedParameters() []*victim.Parameter {
	return []*victim.Parameter{s.param}
}

func (s *stubVictim) Train() {}
func (s *stubVictim) Eval()  {}

func (s *stubVictim) StateDict() map[string][]float64 {
	raw := s.param.Value.RawMatrix().Data
	values := make([]float64, len(raw))
	copy(values, raw)
	return map[string][]float64{s.param.Name: values}
}

func (s *stubVictim) LoadStateDict(state map[string][]float64) error {
	values, ok := state[s.param.Name]
	if !ok {
		return fmt.Errorf("missing parameter %q", s.param.Name)
	}
	copy(s.param.Value.RawMatrix().Data, values)
	return nil
}

func (s *stubVictim) HeadDense() (*mat.Dense, []float64) {
	return s.param.Value, []float64{0, 0}
}

func (s *stubVictim) HeadActivation() func(float64) float64 { return nil }

// countingOptimizer wraps an optimizer and counts steps.
type countingOptimizer struct {
	Optimizer
	steps int
}

func (c *countingOptimizer) Step() error {
	c.steps++
	return c.Optimizer.Step()
}

func trainDataset(n int) data.Dataset {
	examples := make([]data.Example, n)
	for i := range examples {
		examples[i] = data.Example{Text: fmt.Sprintf("sample text number %d", i), Label: i % 2}
	}
	return data.Dataset{"train": examples, "dev-clean": examples[:4]}
}

func newTestTrainer(t *testing.T, config TrainerConfig) *Trainer {
	t.Helper()
	config.SavePath = t.TempDir()
	trainer, err := NewTrainer(config)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	return trainer
}

// scriptedEval returns the scripted dev scores in sequence.
func scriptedEval(scores ...float64) EvalFunc {
	call := 0
	return func(model victim.Victim, loaders map[string]*data.DataLoader, metrics []string) (evaluation.Results, float64, error) {
		score := scores[len(scores)-1]
		if call < len(scores) {
			score = scores[call]
		}
		call++
		return evaluation.Results{}, score, nil
	}
}

func TestNewTrainerCreatesRunDirectory(t *testing.T) {
	trainer := newTestTrainer(t, DefaultTrainerConfig())
	info, err := os.Stat(trainer.RunDir())
	if err != nil {
		t.Fatalf("run directory missing: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("run directory is not a directory")
	}
}

func TestNewTrainerRejectsUnknownPolicy(t *testing.T) {
	config := DefaultTrainerConfig()
	config.SavePath = t.TempDir()
	config.CheckpointPolicy = "newest"
	if _, err := NewTrainer(config); err == nil {
		t.Fatal("expected error for unknown checkpoint policy")
	}
}

func TestRegisterBuildsSession(t *testing.T) {
	config := DefaultTrainerConfig()
	config.Epochs = 2
	config.WarmupEpochs = 1
	trainer := newTestTrainer(t, config)

	loaders := data.WrapDataset(trainDataset(8), 4)
	session := trainer.Register(newStubVictim(1), loaders, nil)

	if session.MainMetric != "accuracy" {
		t.Errorf("expected default main metric accuracy, got %q", session.MainMetric)
	}
	wantSplits := []string{"dev-clean", "train"}
	if !reflect.DeepEqual(session.SplitNames, wantSplits) {
		t.Errorf("expected splits %v, got %v", wantSplits, session.SplitNames)
	}

	scheduler, ok := session.Scheduler.(*LinearWarmupScheduler)
	if !ok {
		t.Fatalf("expected LinearWarmupScheduler, got %T", session.Scheduler)
	}
	// train split has 2 batches: warmup 1*2 steps, total (1+2)*2 steps
	if scheduler.WarmupSteps != 2 || scheduler.TotalSteps != 6 {
		t.Errorf("scheduler sized %d/%d, expected 2/6", scheduler.WarmupSteps, scheduler.TotalSteps)
	}
}

func TestTrainOneEpochStepCountAndLoss(t *testing.T) {
	// 8 examples, batch size 4, no accumulation: exactly 2 optimizer steps
	// and the returned loss is the mean of the 2 per-batch losses.
	config := DefaultTrainerConfig()
	config.Epochs = 2
	config.BatchSize = 4
	trainer := newTestTrainer(t, config)

	model := newStubVictim(2)
	loaders := data.WrapDataset(trainDataset(8), 4)
	session := trainer.Register(model, loaders, nil)
	counter := &countingOptimizer{Optimizer: session.Optimizer}
	session.Optimizer = counter

	// labels alternate 0/1; constant logits [2, 0] give a fixed per-batch loss
	perExample0 := math.Log(1 + math.Exp(-2)) // label 0
	perExample1 := math.Log(1 + math.Exp(2))  // label 1
	perBatch := (2*perExample0 + 2*perExample1) / 4

	for epoch := 0; epoch < 2; epoch++ {
		avgLoss, err := trainer.TrainOneEpoch(session, epoch, loaders["train"])
		if err != nil {
			t.Fatalf("epoch %d failed: %v", epoch, err)
		}
		if math.Abs(avgLoss-perBatch) > 1e-9 {
			t.Errorf("epoch %d: expected avg loss %f, got %f", epoch, perBatch, avgLoss)
		}
	}
	if counter.steps != 4 {
		t.Errorf("expected 2 optimizer steps per epoch (4 total), got %d", counter.steps)
	}
}

func TestTrainOneEpochAccumulationDenominator(t *testing.T) {
	// With accumulation factor 2 over 4 batches, the accumulated total is
	// the per-step (already divided) losses, but the denominator is the
	// batch count: avg = 2*(L/2) / 4 = L/4.
	config := DefaultTrainerConfig()
	config.Epochs = 1
	config.BatchSize = 2
	config.GradientAccumulationSteps = 2
	trainer := newTestTrainer(t, config)

	// uniform labels keep the batch loss constant under shuffling
	examples := make([]data.Example, 8)
	for i := range examples {
		examples[i] = data.Example{Text: fmt.Sprintf("sample %d", i), Label: 0}
	}
	ds := data.Dataset{"train": examples, "dev-clean": examples[:4]}

	model := newStubVictim(2)
	loaders := data.WrapDataset(ds, 2)
	session := trainer.Register(model, loaders, nil)
	counter := &countingOptimizer{Optimizer: session.Optimizer}
	session.Optimizer = counter

	perBatch := math.Log(1 + math.Exp(-2))

	avgLoss, err := trainer.TrainOneEpoch(session, 0, loaders["train"])
	if err != nil {
		t.Fatalf("epoch failed: %v", err)
	}

	if counter.steps != 2 {
		t.Errorf("expected 2 optimizer steps, got %d", counter.steps)
	}
	want := perBatch / 4
	if math.Abs(avgLoss-want) > 1e-9 {
		t.Errorf("expected avg loss %f (batch-count denominator), got %f", want, avgLoss)
	}
}

func TestTrainSelectsDevSplits(t *testing.T) {
	config := DefaultTrainerConfig()
	config.Epochs = 1
	config.WarmupEpochs = 0
	trainer := newTestTrainer(t, config)

	ds := trainDataset(8)
	ds["dev-a"] = ds["train"][:2]
	ds["dev-b"] = ds["train"][:2]
	ds["development"] = ds["train"][:2]
	ds["test"] = ds["train"][:2]
	delete(ds, "dev-clean")

	var seen []string
	trainer.EvalFn = func(model victim.Victim, loaders map[string]*data.DataLoader, metrics []string) (evaluation.Results, float64, error) {
		seen = seen[:0]
		for name := range loaders {
			seen = append(seen, name)
		}
		sort.Strings(seen)
		return evaluation.Results{}, 0.5, nil
	}

	if _, err := trainer.Train(newStubVictim(1), ds, nil, nil); err != nil {
		t.Fatalf("train failed: %v", err)
	}

	want := []string{"dev-a", "dev-b"}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("expected dev splits %v, got %v", want, seen)
	}
}

func TestBestPolicySavesOnlyStrictImprovement(t *testing.T) {
	// dev scores [0.70, 0.65]: one checkpoint write after epoch 1; the
	// reloaded model holds epoch-1 weights.
	config := DefaultTrainerConfig()
	config.Epochs = 2
	config.BatchSize = 4
	config.WarmupEpochs = 0
	config.LR = 0.1
	trainer := newTestTrainer(t, config)

	seed := int64(7)
	victim.SetRandomSeed(seed)
	model, err := victim.NewTextClassifier(victim.TextClassifierConfig{
		VocabSize: 64, EmbedDim: 8, HiddenDim: 4, NumClasses: 2,
	})
	if err != nil {
		t.Fatalf("failed to build victim: %v", err)
	}

	scores := []float64{0.70, 0.65}
	var snapshots []map[string][]float64
	call := 0
	trainer.EvalFn = func(m victim.Victim, loaders map[string]*data.DataLoader, metrics []string) (evaluation.Results, float64, error) {
		snapshots = append(snapshots, m.StateDict())
		score := scores[call]
		call++
		return evaluation.Results{}, score, nil
	}

	trained, err := trainer.Train(model, trainDataset(8), nil, nil)
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}

	if _, err := os.Stat(trainer.CheckpointPath("best")); err != nil {
		t.Fatalf("best checkpoint missing: %v", err)
	}
	if _, err := os.Stat(trainer.CheckpointPath("last")); !os.IsNotExist(err) {
		t.Error("last checkpoint must not exist under the best policy")
	}

	checkpoint, err := checkpoints.Load(trainer.CheckpointPath("best"))
	if err != nil {
		t.Fatalf("failed to load checkpoint: %v", err)
	}
	if checkpoint.TrainingState.Epoch != 0 {
		t.Errorf("checkpoint epoch: expected 0, got %d", checkpoint.TrainingState.Epoch)
	}
	if checkpoint.TrainingState.BestDevScore != 0.70 {
		t.Errorf("checkpoint best score: expected 0.70, got %f", checkpoint.TrainingState.BestDevScore)
	}

	// final weights equal the epoch-1 snapshot, not the epoch-2 one
	if !reflect.DeepEqual(trained.StateDict(), snapshots[0]) {
		t.Error("reloaded model does not match epoch-1 weights")
	}
	if reflect.DeepEqual(snapshots[0], snapshots[1]) {
		t.Error("training should have changed the weights between epochs")
	}
}

func TestBestScoreMonotone(t *testing.T) {
	config := DefaultTrainerConfig()
	config.Epochs = 4
	config.WarmupEpochs = 0
	trainer := newTestTrainer(t, config)
	trainer.EvalFn = scriptedEval(0.5, 0.3, 0.4, 0.6)

	if _, err := trainer.Train(newStubVictim(1), trainDataset(8), nil, nil); err != nil {
		t.Fatalf("train failed: %v", err)
	}

	checkpoint, err := checkpoints.Load(trainer.CheckpointPath("best"))
	if err != nil {
		t.Fatalf("failed to load checkpoint: %v", err)
	}
	if checkpoint.TrainingState.BestDevScore != 0.6 {
		t.Errorf("expected final best score 0.6, got %f", checkpoint.TrainingState.BestDevScore)
	}
	if checkpoint.TrainingState.Epoch != 3 {
		t.Errorf("expected last improvement at epoch 3, got %d", checkpoint.TrainingState.Epoch)
	}
}

func TestLastPolicyWritesOnceAfterFinalEpoch(t *testing.T) {
	config := DefaultTrainerConfig()
	config.Epochs = 2
	config.WarmupEpochs = 0
	config.CheckpointPolicy = "last"
	trainer := newTestTrainer(t, config)
	trainer.EvalFn = scriptedEval(0.7, 0.65)

	if _, err := trainer.Train(newStubVictim(1), trainDataset(8), nil, nil); err != nil {
		t.Fatalf("train failed: %v", err)
	}

	entries, err := os.ReadDir(trainer.RunDir())
	if err != nil {
		t.Fatalf("failed to read run dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "last.ckpt" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected exactly last.ckpt, got %v", names)
	}

	checkpoint, err := checkpoints.Load(trainer.CheckpointPath("last"))
	if err != nil {
		t.Fatalf("failed to load checkpoint: %v", err)
	}
	if checkpoint.TrainingState.Epoch != 1 {
		t.Errorf("last checkpoint epoch: expected 1, got %d", checkpoint.TrainingState.Epoch)
	}
}

func TestVisualizeDisabledWritesNothing(t *testing.T) {
	config := DefaultTrainerConfig()
	config.Epochs = 1
	config.WarmupEpochs = 0
	trainer := newTestTrainer(t, config)
	trainer.EvalFn = scriptedEval(0.5)

	base := t.TempDir()
	trainer.HiddenStateRoot = filepath.Join(base, "hidden_states")
	trainer.VisualizationRoot = filepath.Join(base, "visualization")

	if _, err := trainer.Train(newStubVictim(1), trainDataset(8), nil, nil); err != nil {
		t.Fatalf("train failed: %v", err)
	}

	for _, dir := range []string{trainer.HiddenStateRoot, trainer.VisualizationRoot} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("directory %s must not exist when visualization is disabled", dir)
		}
	}
}

func TestVisualizeRequiresPoisonInfo(t *testing.T) {
	config := DefaultTrainerConfig()
	config.Epochs = 1
	config.Visualize = true
	trainer := newTestTrainer(t, config)

	if _, err := trainer.Train(newStubVictim(1), trainDataset(8), nil, nil); err == nil {
		t.Fatal("expected error when visualizing without poison info")
	}
}

func TestTrainRequiresTrainSplit(t *testing.T) {
	trainer := newTestTrainer(t, DefaultTrainerConfig())
	ds := data.Dataset{"dev-clean": trainDataset(8)["train"]}
	if _, err := trainer.Train(newStubVictim(1), ds, nil, nil); err == nil {
		t.Fatal("expected error for missing train split")
	}
}
