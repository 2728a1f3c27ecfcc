// Package config loads experiment configuration from YAML files: which
// poisoner to run, with what rate and label consistency, and the trainer
// hyperparameters.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/backdoorlab/go-backdoor/poison"
	"github.com/backdoorlab/go-backdoor/training"
)

// Config is the root experiment configuration.
type Config struct {
	Attacker AttackerConfig `yaml:"attacker"`
	Victim   VictimConfig   `yaml:"victim"`
}

// AttackerConfig configures the attack: poisoner plus trainer.
type AttackerConfig struct {
	Poisoner PoisonerConfig `yaml:"poisoner"`
	Trainer  TrainerConfig  `yaml:"trainer"`
	Metrics  []string       `yaml:"metrics"`
}

// PoisonerConfig selects and parameterizes a poisoning method.
type PoisonerConfig struct {
	Name             string   `yaml:"name"`
	PoisonRate       float64  `yaml:"poison_rate"`
	TargetLabel      int      `yaml:"target_label"`
	LabelConsistency bool     `yaml:"label_consistency"`
	Triggers         []string `yaml:"triggers"`
}

// TrainerConfig mirrors training.TrainerConfig with YAML tags.
type TrainerConfig struct {
	Name                      string  `yaml:"name"`
	LR                        float64 `yaml:"lr"`
	WeightDecay               float64 `yaml:"weight_decay"`
	Epochs                    int     `yaml:"epochs"`
	BatchSize                 int     `yaml:"batch_size"`
	GradientAccumulationSteps int     `yaml:"gradient_accumulation_steps"`
	MaxGradNorm               float64 `yaml:"max_grad_norm"`
	WarmupEpochs              int     `yaml:"warm_up_epochs"`
	CheckpointPolicy          string  `yaml:"ckpt"`
	SavePath                  string  `yaml:"save_path"`
	LossFunction              string  `yaml:"loss_function"`
	Visualize                 bool    `yaml:"visualize"`
}

// VictimConfig parameterizes the bundled text classifier.
type VictimConfig struct {
	VocabSize  int `yaml:"vocab_size"`
	EmbedDim   int `yaml:"embed_dim"`
	HiddenDim  int `yaml:"hidden_dim"`
	NumClasses int `yaml:"num_classes"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}
	return &cfg, nil
}

// BuildPoisoner constructs the configured poisoner.
func (c *Config) BuildPoisoner() (poison.Poisoner, error) {
	p := c.Attacker.Poisoner
	return poison.New(p.Name, p.PoisonRate, p.TargetLabel, p.LabelConsistency, p.Triggers)
}

// TrainerConfig merges the YAML trainer block over the training defaults.
func (c *Config) TrainerConfig() training.TrainerConfig {
	base := training.DefaultTrainerConfig()
	tc := c.Attacker.Trainer

	if tc.Name != "" {
		base.Name = tc.Name
	}
	if tc.LR > 0 {
		base.LR = tc.LR
	}
	if tc.WeightDecay > 0 {
		base.WeightDecay = tc.WeightDecay
	}
	if tc.Epochs > 0 {
		base.Epochs = tc.Epochs
	}
	if tc.BatchSize > 0 {
		base.BatchSize = tc.BatchSize
	}
	if tc.GradientAccumulationSteps > 0 {
		base.GradientAccumulationSteps = tc.GradientAccumulationSteps
	}
	if tc.MaxGradNorm > 0 {
		base.MaxGradNorm = tc.MaxGradNorm
	}
	if tc.WarmupEpochs > 0 {
		base.WarmupEpochs = tc.WarmupEpochs
	}
	if tc.CheckpointPolicy != "" {
		base.CheckpointPolicy = tc.CheckpointPolicy
	}
	if tc.SavePath != "" {
		base.SavePath = tc.SavePath
	}
	if tc.LossFunction != "" {
		base.LossFunction = tc.LossFunction
	}
	base.Visualize = tc.Visualize
	return base
}

// PoisonInfo derives the trainer's visualization path inputs from the
// poisoner block.
func (c *Config) PoisonInfo() *training.PoisonInfo {
	return &training.PoisonInfo{
		Method:           c.Attacker.Poisoner.Name,
		Rate:             c.Attacker.Poisoner.PoisonRate,
		LabelConsistency: c.Attacker.Poisoner.LabelConsistency,
	}
}
