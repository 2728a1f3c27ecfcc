package visualize

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strconv"

	"github.com/danaugrs/go-tsne/tsne"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// pcaComponents is the linear reduction applied before the neighbor
// embedding.
const pcaComponents = 50

// classPalette colors per-class scatter points; poisoned examples are always
// drawn in poisonColor.
var classPalette = []color.RGBA{
	{R: 0, G: 191, B: 255, A: 255},   // deep sky blue
	{R: 250, G: 128, B: 114, A: 255}, // salmon
	{R: 152, G: 251, B: 152, A: 255}, // pale green
	{R: 238, G: 130, B: 238, A: 255}, // violet
	{R: 175, G: 238, B: 238, A: 255}, // pale turquoise
	{R: 0, G: 128, B: 0, A: 255},     // green
	{R: 147, G: 112, B: 219, A: 255}, // medium purple
	{R: 255, G: 215, B: 0, A: 255},   // gold
	{R: 65, G: 105, B: 225, A: 255},  // royal blue
}

var poisonColor = color.RGBA{R: 128, G: 128, B: 128, A: 255}

// RenderEpochs renders one scatter plot per epoch slice of the hidden-state
// history. len(hidden) must be a multiple of len(labels); each slice is
// reduced via PCA and then embedded into 2-D. Clean examples are drawn per
// class with poisoned indices excluded (set difference), poisoned examples
// are overlaid in gray.
func RenderEpochs(hidden [][]float64, labels, poisonLabels []int, figBasepath string) error {
	datasetLen := len(labels)
	if datasetLen == 0 {
		return fmt.Errorf("no labels for visualization")
	}
	if len(hidden)%datasetLen != 0 {
		return fmt.Errorf("hidden-state history length %d is not a multiple of dataset size %d",
			len(hidden), datasetLen)
	}
	epochs := len(hidden) / datasetLen

	if err := os.MkdirAll(figBasepath, 0o755); err != nil {
		return fmt.Errorf("failed to create figure directory: %v", err)
	}

	poisonIdx := make(map[int]bool)
	for i, p := range poisonLabels {
		if p == 1 {
			poisonIdx[i] = true
		}
	}

	numClasses := 0
	for _, label := range labels {
		if label+1 > numClasses {
			numClasses = label + 1
		}
	}

	fmt.Println("***** Visualizing *****")
	for epoch := 0; epoch < epochs; epoch++ {
		slice := hidden[epoch*datasetLen : (epoch+1)*datasetLen]
		embedding, err := embed2D(hiddenMatrix(slice))
		if err != nil {
			return fmt.Errorf("embedding for epoch %d failed: %v", epoch, err)
		}

		path := filepath.Join(figBasepath, fmt.Sprintf("epoch_%d.png", epoch))
		if err := scatterPlot(embedding, labels, poisonIdx, numClasses, epoch, path); err != nil {
			return fmt.Errorf("plot for epoch %d failed: %v", epoch, err)
		}
	}
	return nil
}

// embed2D reduces hidden states to two dimensions: a PCA projection to at
// most pcaComponents, then a t-SNE neighbor embedding. Tiny inputs skip the
// neighbor embedding and keep the first two principal components.
func embed2D(x *mat.Dense) (*mat.Dense, error) {
	rows, _ := x.Dims()

	reduced, err := reducePCA(x, pcaComponents)
	if err != nil {
		return nil, err
	}

	if rows < 10 {
		return reducePCA(x, 2)
	}

	perplexity := float64(rows-1) / 3.0
	if perplexity > 30 {
		perplexity = 30
	}
	t := tsne.NewTSNE(2, perplexity, 100, 300, false)
	embedding := t.EmbedData(reduced, nil)

	out := mat.NewDense(rows, 2, nil)
	out.Copy(embedding)
	return out, nil
}

// reducePCA projects the centered data onto its first k principal components.
func reducePCA(x *mat.Dense, k int) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if k > cols {
		k = cols
	}
	if k > rows {
		k = rows
	}
	if k == cols {
		return x, nil
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return nil, fmt.Errorf("principal component analysis failed")
	}
	var vectors mat.Dense
	pc.VectorsTo(&vectors)

	// center columns before projecting
	centered := mat.NewDense(rows, cols, nil)
	for j := 0; j < cols; j++ {
		mean := 0.0
		for i := 0; i < rows; i++ {
			mean += x.At(i, j)
		}
		mean /= float64(rows)
		for i := 0; i < rows; i++ {
			centered.Set(i, j, x.At(i, j)-mean)
		}
	}

	out := mat.NewDense(rows, k, nil)
	out.Mul(centered, vectors.Slice(0, cols, 0, k))
	return out, nil
}

// scatterPlot draws one epoch's 2-D embedding: clean points per class,
// poisoned points in gray on top.
func scatterPlot(embedding *mat.Dense, labels []int, poisonIdx map[int]bool, numClasses, epoch int, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("epoch_%d", epoch)
	p.Add(plotter.NewGrid())

	for class := 0; class < numClasses; class++ {
		var xys plotter.XYs
		for i, label := range labels {
			if label != class || poisonIdx[i] {
				continue
			}
			xys = append(xys, plotter.XY{X: embedding.At(i, 0), Y: embedding.At(i, 1)})
		}
		if len(xys) == 0 {
			continue
		}
		scatter, err := plotter.NewScatter(xys)
		if err != nil {
			return fmt.Errorf("failed to build class %d scatter: %v", class, err)
		}
		scatter.GlyphStyle.Color = classPalette[class%len(classPalette)]
		scatter.GlyphStyle.Radius = vg.Points(1.5)
		p.Add(scatter)
		p.Legend.Add(strconv.Itoa(class), scatter)
	}

	var poisonXYs plotter.XYs
	for i := range labels {
		if poisonIdx[i] {
			poisonXYs = append(poisonXYs, plotter.XY{X: embedding.At(i, 0), Y: embedding.At(i, 1)})
		}
	}
	if len(poisonXYs) > 0 {
		scatter, err := plotter.NewScatter(poisonXYs)
		if err != nil {
			return fmt.Errorf("failed to build poison scatter: %v", err)
		}
		scatter.GlyphStyle.Color = poisonColor
		scatter.GlyphStyle.Radius = vg.Points(1.5)
		p.Add(scatter)
		p.Legend.Add("poison", scatter)
	}

	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save figure: %v", err)
	}
	fmt.Printf("saving png to %s\n", path)
	return nil
}
