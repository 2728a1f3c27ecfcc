// Command attack runs a backdoor attack experiment: load a dataset and a
// YAML config, poison the data, fine-tune the victim, and report clean
// accuracy and attack success rate.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/backdoorlab/go-backdoor/attack"
	"github.com/backdoorlab/go-backdoor/config"
	"github.com/backdoorlab/go-backdoor/data"
	"github.com/backdoorlab/go-backdoor/training"
	"github.com/backdoorlab/go-backdoor/victim"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML experiment config (required)")
	dataDir := flag.String("data", "", "Directory with train.tsv/dev.tsv/test.tsv (required)")
	seed := flag.Int64("seed", 1, "Random seed for weight initialization")
	flag.Parse()

	if err := run(*configPath, *dataDir, *seed); err != nil {
		fmt.Fprintf(os.Stderr, "attack failed: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, dataDir string, seed int64) error {
	if configPath == "" {
		return fmt.Errorf("--config flag is required")
	}
	if dataDir == "" {
		return fmt.Errorf("--data flag is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	dataset, err := data.LoadDirectory(dataDir)
	if err != nil {
		return err
	}

	victim.SetRandomSeed(seed)
	model, err := buildVictim(cfg, dataset)
	if err != nil {
		return err
	}

	poisoner, err := cfg.BuildPoisoner()
	if err != nil {
		return err
	}

	trainer, err := training.NewTrainer(cfg.TrainerConfig())
	if err != nil {
		return err
	}

	attacker := attack.NewAttacker(poisoner, trainer, cfg.Attacker.Metrics)

	poisoned := attacker.Poison(dataset)
	backdoored, err := attacker.Train(model, poisoned)
	if err != nil {
		return err
	}

	scores, err := attacker.Eval(backdoored, poisoned)
	if err != nil {
		return err
	}

	fmt.Printf("CACC: %.4f\n", scores["CACC"])
	fmt.Printf("ASR:  %.4f\n", scores["ASR"])
	return nil
}

// buildVictim constructs the bundled text classifier, inferring the class
// count from the dataset when the config leaves it unset.
func buildVictim(cfg *config.Config, dataset data.Dataset) (victim.Victim, error) {
	vc := victim.DefaultTextClassifierConfig(dataset.NumClasses())
	if cfg.Victim.VocabSize > 0 {
		vc.VocabSize = cfg.Victim.VocabSize
	}
	if cfg.Victim.EmbedDim > 0 {
		vc.EmbedDim = cfg.Victim.EmbedDim
	}
	if cfg.Victim.HiddenDim > 0 {
		vc.HiddenDim = cfg.Victim.HiddenDim
	}
	if cfg.Victim.NumClasses > 0 {
		vc.NumClasses = cfg.Victim.NumClasses
	}
	return victim.NewTextClassifier(vc)
}
