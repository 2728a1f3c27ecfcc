package training

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of the global step so the trainer can apply
// them without shared state.
type LRScheduler interface {
	// GetLR returns the learning rate for the given global optimizer step.
	GetLR(step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// LinearWarmupScheduler increases the learning rate linearly from zero over
// the warmup steps, then decays it linearly to zero at the final step.
type LinearWarmupScheduler struct {
	WarmupSteps int
	TotalSteps  int
}

// NewLinearWarmupScheduler creates a linear warmup-then-decay scheduler.
func NewLinearWarmupScheduler(warmupSteps, totalSteps int) *LinearWarmupScheduler {
	if totalSteps <= 0 {
		totalSteps = 1
	}
	if warmupSteps < 0 {
		warmupSteps = 0
	}
	if warmupSteps > totalSteps {
		warmupSteps = totalSteps
	}
	return &LinearWarmupScheduler{
		WarmupSteps: warmupSteps,
		TotalSteps:  totalSteps,
	}
}

func (s *LinearWarmupScheduler) GetLR(step int, baseLR float64) float64 {
	if step < s.WarmupSteps {
		return baseLR * float64(step) / float64(s.WarmupSteps)
	}
	remaining := float64(s.TotalSteps-step) / float64(s.TotalSteps-s.WarmupSteps)
	if remaining < 0 {
		remaining = 0
	}
	return baseLR * remaining
}

func (s *LinearWarmupScheduler) GetName() string {
	return "LinearWarmup"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
