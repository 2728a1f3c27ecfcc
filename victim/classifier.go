package victim

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/backdoorlab/go-backdoor/data"
)

// Global random source for deterministic initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// TextClassifierConfig configures a TextClassifier.
type TextClassifierConfig struct {
	VocabSize  int
	EmbedDim   int
	HiddenDim  int
	NumClasses int
}

// DefaultTextClassifierConfig returns a small configuration suitable for
// experiments on modest corpora.
func DefaultTextClassifierConfig(numClasses int) TextClassifierConfig {
	return TextClassifierConfig{
		VocabSize:  4096,
		EmbedDim:   64,
		HiddenDim:  32,
		NumClasses: numClasses,
	}
}

// TextClassifier is a bag-of-embeddings text classifier: token embeddings are
// mean-pooled per example, projected through a tanh pooler and classified by
// a linear head. It implements Victim and NamedPoolerModel.
type TextClassifier struct {
	config TextClassifierConfig

	embedding   *Parameter // vocab x embed
	poolerW     *Parameter // embed x hidden
	poolerB     *Parameter // 1 x hidden
	classifierW *Parameter // hidden x classes
	classifierB *Parameter // 1 x classes

	training bool

	// forward cache consumed by Backward
	cachedTokens [][]int
	cachedBag    *mat.Dense // n x embed
	cachedPooled *mat.Dense // n x hidden
}

// NewTextClassifier creates a TextClassifier with Xavier-initialized weights.
func NewTextClassifier(config TextClassifierConfig) (*TextClassifier, error) {
	if config.VocabSize <= 0 || config.EmbedDim <= 0 || config.HiddenDim <= 0 {
		return nil, fmt.Errorf("invalid classifier dimensions: %+v", config)
	}
	if config.NumClasses < 2 {
		return nil, fmt.Errorf("classifier needs at least 2 classes, got %d", config.NumClasses)
	}

	return &TextClassifier{
		config:      config,
		embedding:   newParameter("embedding.weight", config.VocabSize, config.EmbedDim, true),
		poolerW:     newParameter("pooler.dense.weight", config.EmbedDim, config.HiddenDim, true),
		poolerB:     newParameter("pooler.dense.bias", 1, config.HiddenDim, false),
		classifierW: newParameter("classifier.weight", config.HiddenDim, config.NumClasses, true),
		classifierB: newParameter("classifier.bias", 1, config.NumClasses, false),
		training:    true,
	}, nil
}

// newParameter allocates a named parameter. Weights use Xavier/Glorot uniform
// initialization, biases start at zero.
func newParameter(name string, rows, cols int, xavier bool) *Parameter {
	values := make([]float64, rows*cols)
	if xavier {
		bound := math.Sqrt(6.0 / float64(rows+cols))
		for i := range values {
			values[i] = (globalRng.Float64()*2.0 - 1.0) * bound
		}
	}
	return &Parameter{
		Name:  name,
		Value: mat.NewDense(rows, cols, values),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// Tokenize maps text to token ids by hashing lowercased whitespace tokens
// into the vocabulary.
func (tc *TextClassifier) Tokenize(text string) []int {
	fields := strings.Fields(strings.ToLower(text))
	ids := make([]int, 0, len(fields))
	for _, field := range fields {
		h := fnv.New32a()
		h.Write([]byte(field))
		ids = append(ids, int(h.Sum32())%tc.config.VocabSize)
	}
	return ids
}

// Process converts a raw batch into tokenized inputs and labels.
func (tc *TextClassifier) Process(batch *data.Batch) (*Inputs, []int) {
	tokenIDs := make([][]int, len(batch.Texts))
	for i, text := range batch.Texts {
		tokenIDs[i] = tc.Tokenize(text)
	}
	labels := make([]int, len(batch.Labels))
	copy(labels, batch.Labels)
	return &Inputs{TokenIDs: tokenIDs}, labels
}

// Forward runs the model on a tokenized batch. The single hidden state it
// reports is the mean-pooled embedding bag, which feeds the pooler.
func (tc *TextClassifier) Forward(inputs *Inputs) (*Output, error) {
	n := len(inputs.TokenIDs)
	if n == 0 {
		return nil, fmt.Errorf("forward pass on empty batch")
	}

	bag := mat.NewDense(n, tc.config.EmbedDim, nil)
	for i, tokens := range inputs.TokenIDs {
		if len(tokens) == 0 {
			continue // empty text embeds to the zero vector
		}
		row := bag.RawRowView(i)
		for _, id := range tokens {
			embRow := tc.embedding.Value.RawRowView(id)
			for j, v := range embRow {
				row[j] += v
			}
		}
		scale := 1.0 / float64(len(tokens))
		for j := range row {
			row[j] *= scale
		}
	}

	pooled := tc.Pooler(bag)

	logits := mat.NewDense(n, tc.config.NumClasses, nil)
	logits.Mul(pooled, tc.classifierW.Value)
	addRowVector(logits, tc.classifierB.Value)

	tc.cachedTokens = inputs.TokenIDs
	tc.cachedBag = bag
	tc.cachedPooled = pooled

	return &Output{
		Logits:       logits,
		HiddenStates: []*mat.Dense{bag},
	}, nil
}

// Pooler derives pooled representations from the last hidden layer:
// tanh(hidden*W + b).
func (tc *TextClassifier) Pooler(hidden *mat.Dense) *mat.Dense {
	n, _ := hidden.Dims()
	pooled := mat.NewDense(n, tc.config.HiddenDim, nil)
	pooled.Mul(hidden, tc.poolerW.Value)
	addRowVector(pooled, tc.poolerB.Value)
	pooled.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, pooled)
	return pooled
}

// Backward accumulates gradients for the most recent Forward call.
func (tc *TextClassifier) Backward(gradLogits *mat.Dense) error {
	if tc.cachedBag == nil {
		return fmt.Errorf("backward called before forward")
	}
	n, classes := gradLogits.Dims()
	cachedN, _ := tc.cachedBag.Dims()
	if n != cachedN || classes != tc.config.NumClasses {
		return fmt.Errorf("gradient shape %dx%d does not match cached forward batch %dx%d",
			n, classes, cachedN, tc.config.NumClasses)
	}

	// classifier head
	var dClassifierW mat.Dense
	dClassifierW.Mul(tc.cachedPooled.T(), gradLogits)
	tc.classifierW.Grad.Add(tc.classifierW.Grad, &dClassifierW)
	addColumnSums(tc.classifierB.Grad, gradLogits)

	var dPooled mat.Dense
	dPooled.Mul(gradLogits, tc.classifierW.Value.T())

	// tanh pooler: d(pre) = d(pooled) * (1 - pooled^2)
	var dPre mat.Dense
	dPre.Apply(func(i, j int, v float64) float64 {
		p := tc.cachedPooled.At(i, j)
		return v * (1.0 - p*p)
	}, &dPooled)

	var dPoolerW mat.Dense
	dPoolerW.Mul(tc.cachedBag.T(), &dPre)
	tc.poolerW.Grad.Add(tc.poolerW.Grad, &dPoolerW)
	addColumnSums(tc.poolerB.Grad, &dPre)

	var dBag mat.Dense
	dBag.Mul(&dPre, tc.poolerW.Value.T())

	// embedding bag: each token receives an equal share of its example's
	// gradient
	for i, tokens := range tc.cachedTokens {
		if len(tokens) == 0 {
			continue
		}
		scale := 1.0 / float64(len(tokens))
		row := dBag.RawRowView(i)
		for _, id := range tokens {
			gradRow := tc.embedding.Grad.RawRowView(id)
			for j, v := range row {
				gradRow[j] += v * scale
			}
		}
	}

	return nil
}

// NamedParameters returns all trainable parameters.
func (tc *TextClassifier) NamedParameters() []*Parameter {
	return []*Parameter{tc.embedding, tc.poolerW, tc.poolerB, tc.classifierW, tc.classifierB}
}

// Train puts the model into training mode.
func (tc *TextClassifier) Train() {
	tc.training = true
}

// Eval puts the model into evaluation mode.
func (tc *TextClassifier) Eval() {
	tc.training = false
}

// IsTraining returns true if in training mode
func (tc *TextClassifier) IsTraining() bool {
	return tc.training
}

// StateDict returns a copy of all parameter values keyed by name.
func (tc *TextClassifier) StateDict() map[string][]float64 {
	state := make(map[string][]float64)
	for _, param := range tc.NamedParameters() {
		raw := param.Value.RawMatrix()
		values := make([]float64, len(raw.Data))
		copy(values, raw.Data)
		state[param.Name] = values
	}
	return state
}

// LoadStateDict restores parameter values from a snapshot.
func (tc *TextClassifier) LoadStateDict(state map[string][]float64) error {
	for _, param := range tc.NamedParameters() {
		values, ok := state[param.Name]
		if !ok {
			return fmt.Errorf("state dict missing parameter %q", param.Name)
		}
		raw := param.Value.RawMatrix()
		if len(values) != len(raw.Data) {
			return fmt.Errorf("parameter %q size mismatch: state %d, model %d",
				param.Name, len(values), len(raw.Data))
		}
		copy(raw.Data, values)
	}
	return nil
}

// addRowVector adds a 1 x cols row vector to every row of m in place.
func addRowVector(m *mat.Dense, row *mat.Dense) {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		target := m.RawRowView(i)
		for j := 0; j < cols; j++ {
			target[j] += row.At(0, j)
		}
	}
}

// addColumnSums accumulates the column sums of src into the 1 x cols dst.
func addColumnSums(dst *mat.Dense, src mat.Matrix) {
	rows, cols := src.Dims()
	target := dst.RawRowView(0)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			target[j] += src.At(i, j)
		}
	}
}
