package scoring

import (
	"math"
	"math/rand"
	"sync"
)

// Isolation-forest anomaly model. Trees are grown over a reservoir of
// recently observed feature vectors; the score is the standard
// 2^(-E[h(x)]/c(n)) normalization, so 1 means most anomalous.

const (
	forestTrees      = 50
	forestSampleSize = 256
	forestMinFit     = 64   // below this, the model abstains
	reservoirSize    = 2048 // recent vectors retained for refits
	refitEvery       = 500  // observations between automatic refits
)

type isoNode struct {
	splitDim   int
	splitValue float64
	left       *isoNode
	right      *isoNode
	size       int // leaf population
}

type isoTree struct {
	root     *isoNode
	maxDepth int
}

// AnomalyModel is a self-training isolation forest. Observe feeds it
// vectors; Score reports 0 until enough data has accumulated for a fit.
type AnomalyModel struct {
	mu        sync.RWMutex
	rng       *rand.Rand
	trees     []isoTree
	fitSize   int
	reservoir [][]float64
	seen      int
	modelID   string
}

// NewAnomalyModel constructs an untrained model. The seed makes tree
// construction reproducible in tests.
func NewAnomalyModel(seed int64) *AnomalyModel {
	return &AnomalyModel{
		rng:     rand.New(rand.NewSource(seed)),
		modelID: "isoforest-v1",
	}
}

// ModelID names the active model for the event scoring sidecar.
func (m *AnomalyModel) ModelID() string { return m.modelID }

// Trained reports whether the forest has been fit.
func (m *AnomalyModel) Trained() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.trees) > 0
}

// Observe records a vector in the reservoir and refits the forest on a
// fixed cadence.
func (m *AnomalyModel) Observe(vec []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.reservoir) < reservoirSize {
		m.reservoir = append(m.reservoir, vec)
	} else {
		// Uniform reservoir replacement keeps the sample representative.
		if j := m.rng.Intn(m.seen + 1); j < reservoirSize {
			m.reservoir[j] = vec
		}
	}
	m.seen++

	if len(m.reservoir) >= forestMinFit &&
		(len(m.trees) == 0 || m.seen%refitEvery == 0) {
		m.fitLocked()
	}
}

// Fit builds the forest from an explicit sample set, replacing any prior
// trees. Used at startup to warm the model from stored history.
func (m *AnomalyModel) Fit(samples [][]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservoir = m.reservoir[:0]
	for _, s := range samples {
		if len(m.reservoir) < reservoirSize {
			m.reservoir = append(m.reservoir, s)
		}
	}
	m.seen = len(m.reservoir)
	if len(m.reservoir) >= forestMinFit {
		m.fitLocked()
	}
}

func (m *AnomalyModel) fitLocked() {
	sample := forestSampleSize
	if sample > len(m.reservoir) {
		sample = len(m.reservoir)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sample))))

	trees := make([]isoTree, 0, forestTrees)
	for i := 0; i < forestTrees; i++ {
		subset := make([][]float64, sample)
		for j := range subset {
			subset[j] = m.reservoir[m.rng.Intn(len(m.reservoir))]
		}
		trees = append(trees, isoTree{
			root:     m.growTree(subset, 0, maxDepth),
			maxDepth: maxDepth,
		})
	}
	m.trees = trees
	m.fitSize = sample
}

func (m *AnomalyModel) growTree(data [][]float64, depth, maxDepth int) *isoNode {
	if depth >= maxDepth || len(data) <= 1 {
		return &isoNode{size: len(data)}
	}

	dims := len(data[0])
	// Try a handful of dimensions before conceding the partition is flat.
	for attempt := 0; attempt < dims; attempt++ {
		dim := m.rng.Intn(dims)
		lo, hi := data[0][dim], data[0][dim]
		for _, row := range data[1:] {
			if row[dim] < lo {
				lo = row[dim]
			}
			if row[dim] > hi {
				hi = row[dim]
			}
		}
		if hi <= lo {
			continue
		}
		split := lo + m.rng.Float64()*(hi-lo)

		var left, right [][]float64
		for _, row := range data {
			if row[dim] < split {
				left = append(left, row)
			} else {
				right = append(right, row)
			}
		}
		if len(left) == 0 || len(right) == 0 {
			continue
		}
		return &isoNode{
			splitDim:   dim,
			splitValue: split,
			left:       m.growTree(left, depth+1, maxDepth),
			right:      m.growTree(right, depth+1, maxDepth),
		}
	}
	return &isoNode{size: len(data)}
}

// Score returns the normalized anomaly score in 0-1 for a vector, or 0 if
// the model is untrained.
func (m *AnomalyModel) Score(vec []float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.trees) == 0 {
		return 0
	}

	var total float64
	for _, t := range m.trees {
		total += pathLength(t.root, vec, 0)
	}
	avg := total / float64(len(m.trees))
	return math.Pow(2, -avg/avgPathLength(m.fitSize))
}

func pathLength(n *isoNode, vec []float64, depth int) float64 {
	if n.left == nil {
		// External node: add the expected depth of an unbuilt subtree.
		return float64(depth) + avgPathLength(n.size)
	}
	if vec[n.splitDim] < n.splitValue {
		return pathLength(n.left, vec, depth+1)
	}
	return pathLength(n.right, vec, depth+1)
}

// avgPathLength is c(n), the average path length of an unsuccessful BST
// search over n items.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	f := float64(n)
	return 2*(math.Log(f-1)+0.5772156649) - 2*(f-1)/f
}
