// Package anomaly flags statistical outliers in the numeric fields of a
// batch using an isolation-forest ensemble trained fresh per batch.
package anomaly

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/quarrydata/quarry/internal/pipeline"
	"github.com/quarrydata/quarry/internal/telemetry"
)

// Config controls the detector.
type Config struct {
	// Contamination is the expected fraction of outliers in a batch.
	Contamination float64
	// Seed fixes the ensemble's randomness so identical input yields
	// identical flags across runs.
	Seed int64
	// MinBatch is the smallest batch worth scoring; smaller batches are a
	// reported no-op.
	MinBatch int
	// Trees is the ensemble size.
	Trees int
}

// Detector scores batches with no persisted state across runs.
type Detector struct {
	cfg Config
}

// New builds a Detector, substituting defaults for zero values.
func New(cfg Config) *Detector {
	if cfg.Contamination <= 0 || cfg.Contamination >= 1 {
		cfg.Contamination = 0.1
	}
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	if cfg.MinBatch < 2 {
		cfg.MinBatch = 2
	}
	if cfg.Trees <= 0 {
		cfg.Trees = 100
	}
	return &Detector{cfg: cfg}
}

// Detect returns one flag per record. Batches below MinBatch return
// ErrInsufficientData and flag nothing; batches without numeric fields flag
// nothing.
func (d *Detector) Detect(records []pipeline.StructuredRecord) ([]bool, error) {
	flags := make([]bool, len(records))
	if len(records) < d.cfg.MinBatch {
		return flags, pipeline.ErrInsufficientData
	}

	matrix := numericMatrix(records)
	if len(matrix) == 0 || len(matrix[0]) == 0 {
		return flags, nil
	}

	scores := d.scoreMatrix(matrix)
	cutoff := int(math.Round(d.cfg.Contamination * float64(len(records))))
	if cutoff == 0 {
		return flags, nil
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})
	for _, idx := range order[:cutoff] {
		flags[idx] = true
		telemetry.IncAnomalyFlagged()
	}
	return flags, nil
}

// numericMatrix extracts numeric columns in sorted-name order and imputes
// nulls with the column mean, mirroring the usual fit-time imputation.
func numericMatrix(records []pipeline.StructuredRecord) [][]float64 {
	nameSet := make(map[string]struct{})
	for _, record := range records {
		for name, value := range record.Fields {
			if value.Kind == pipeline.FieldTypeNumber {
				nameSet[name] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil
	}

	means := make([]float64, len(names))
	for j, name := range names {
		var present []float64
		for _, record := range records {
			if value, ok := record.Fields[name]; ok && !value.Null && value.Kind == pipeline.FieldTypeNumber {
				present = append(present, value.Num)
			}
		}
		if len(present) > 0 {
			means[j] = stat.Mean(present, nil)
		}
	}

	matrix := make([][]float64, len(records))
	for i, record := range records {
		row := make([]float64, len(names))
		for j, name := range names {
			if value, ok := record.Fields[name]; ok && !value.Null && value.Kind == pipeline.FieldTypeNumber {
				row[j] = value.Num
			} else {
				row[j] = means[j]
			}
		}
		matrix[i] = row
	}
	return matrix
}

func (d *Detector) scoreMatrix(matrix [][]float64) []float64 {
	n := len(matrix)
	sample := n
	if sample > 256 {
		sample = 256
	}
	heightLimit := int(math.Ceil(math.Log2(float64(sample))))
	if heightLimit < 1 {
		heightLimit = 1
	}

	rng := rand.New(rand.NewSource(d.cfg.Seed))
	pathSums := make([]float64, n)
	for t := 0; t < d.cfg.Trees; t++ {
		indices := rng.Perm(n)[:sample]
		tree := buildTree(matrix, indices, 0, heightLimit, rng)
		for i, row := range matrix {
			pathSums[i] += pathLength(tree, row, 0)
		}
	}

	norm := avgPathLength(float64(sample))
	scores := make([]float64, n)
	for i := range scores {
		mean := pathSums[i] / float64(d.cfg.Trees)
		scores[i] = math.Pow(2, -mean/norm)
	}
	return scores
}

type node struct {
	left, right *node
	feature     int
	split       float64
	size        int
}

func buildTree(matrix [][]float64, indices []int, depth, heightLimit int, rng *rand.Rand) *node {
	if depth >= heightLimit || len(indices) <= 1 {
		return &node{size: len(indices)}
	}

	features := len(matrix[0])
	// Pick among features that still vary within this partition.
	candidates := make([]int, 0, features)
	for f := 0; f < features; f++ {
		lo, hi := bounds(matrix, indices, f)
		if hi > lo {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return &node{size: len(indices)}
	}

	feature := candidates[rng.Intn(len(candidates))]
	lo, hi := bounds(matrix, indices, feature)
	split := lo + rng.Float64()*(hi-lo)

	var left, right []int
	for _, idx := range indices {
		if matrix[idx][feature] < split {
			left = append(left, idx)
		} else {
			right = append(right, idx)
		}
	}
	return &node{
		feature: feature,
		split:   split,
		size:    len(indices),
		left:    buildTree(matrix, left, depth+1, heightLimit, rng),
		right:   buildTree(matrix, right, depth+1, heightLimit, rng),
	}
}

func pathLength(n *node, row []float64, depth float64) float64 {
	if n.left == nil && n.right == nil {
		return depth + avgPathLength(float64(n.size))
	}
	if row[n.feature] < n.split {
		return pathLength(n.left, row, depth+1)
	}
	return pathLength(n.right, row, depth+1)
}

// avgPathLength is c(n), the expected path length of an unsuccessful BST
// search, used to normalize isolation depths.
func avgPathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

func bounds(matrix [][]float64, indices []int, feature int) (float64, float64) {
	lo := math.Inf(1)
	hi := math.Inf(-1)
	for _, idx := range indices {
		v := matrix[idx][feature]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
