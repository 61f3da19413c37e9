// Package anomaly scores payouts for anomalous transaction patterns using a
// hand-rolled isolation forest, modelled directly on the original
// scikit-learn IsolationForest this service used to call out to: the same
// feature set, the same path-length normalization, and the same
// insufficient-data fallback.
package anomaly

import (
	"math"
	"math/rand"
)

// isolationTree is one randomized partition tree over a feature matrix.
type isolationTree struct {
	splitFeature int
	splitValue   float64
	left, right  *isolationTree
	size         int // number of training points that reached this node, when it's a leaf
	leaf         bool
}

// buildTree recursively partitions rows (a set of row indices into data) by
// a randomly chosen feature and split value, stopping at maxDepth or when a
// single point remains — the isolation-forest insight is that anomalies
// isolate in fewer random splits than normal points.
func buildTree(rng *rand.Rand, data [][]float64, rows []int, depth, maxDepth int) *isolationTree {
	if depth >= maxDepth || len(rows) <= 1 {
		return &isolationTree{leaf: true, size: len(rows)}
	}

	numFeatures := len(data[0])
	feature := rng.Intn(numFeatures)

	min, max := data[rows[0]][feature], data[rows[0]][feature]
	for _, r := range rows[1:] {
		v := data[r][feature]
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if min == max {
		return &isolationTree{leaf: true, size: len(rows)}
	}

	splitValue := min + rng.Float64()*(max-min)

	var left, right []int
	for _, r := range rows {
		if data[r][feature] < splitValue {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isolationTree{leaf: true, size: len(rows)}
	}

	return &isolationTree{
		splitFeature: feature,
		splitValue:   splitValue,
		left:         buildTree(rng, data, left, depth+1, maxDepth),
		right:        buildTree(rng, data, right, depth+1, maxDepth),
	}
}

// pathLength walks x down the tree, adding the average-path-length
// correction for whatever subsample size remains at the leaf it lands on.
func pathLength(t *isolationTree, x []float64, depth int) float64 {
	if t.leaf {
		return float64(depth) + averagePathLength(t.size)
	}
	if x[t.splitFeature] < t.splitValue {
		return pathLength(t.left, x, depth+1)
	}
	return pathLength(t.right, x, depth+1)
}

// eulerMascheroni is the constant term in the harmonic-number approximation
// used to compute the average path length of an unsuccessful BST search.
const eulerMascheroni = 0.5772156649015329

// averagePathLength is c(n): the expected path length of an unsuccessful
// search in a binary search tree built over n points.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	h := math.Log(float64(n-1)) + eulerMascheroni
	return 2*h - 2*float64(n-1)/float64(n)
}

// forest is a trained isolation forest: an ensemble of trees plus the
// c(maxSamples) normalization constant used to map path lengths to [0, 1].
type forest struct {
	trees         []*isolationTree
	normalization float64
}

// fitForest trains an isolation forest over data, matching the original's
// n_estimators=100, max_samples=min(256, len(data)), random_state=42.
func fitForest(data [][]float64, nEstimators, randomSeed int) forest {
	maxSamples := len(data)
	if maxSamples > 256 {
		maxSamples = 256
	}
	maxDepth := int(math.Ceil(math.Log2(float64(maxSamples))))
	if maxDepth < 1 {
		maxDepth = 1
	}

	rng := rand.New(rand.NewSource(int64(randomSeed)))
	trees := make([]*isolationTree, nEstimators)
	for i := 0; i < nEstimators; i++ {
		rows := sampleWithoutReplacement(rng, len(data), maxSamples)
		trees[i] = buildTree(rng, data, rows, 0, maxDepth)
	}

	return forest{trees: trees, normalization: averagePathLength(maxSamples)}
}

// score returns the isolation-forest anomaly score for x in [0, 1], where
// values near 1 indicate strong isolation (anomalous) and values near 0.5
// indicate a typical point, mirroring scikit-learn's score_samples scale.
func (f forest) score(x []float64) float64 {
	var total float64
	for _, t := range f.trees {
		total += pathLength(t, x, 0)
	}
	avg := total / float64(len(f.trees))
	s := math.Pow(2, -avg/f.normalization)
	return math.Max(0, math.Min(1, s))
}

func sampleWithoutReplacement(rng *rand.Rand, n, k int) []int {
	if k >= n {
		rows := make([]int, n)
		for i := range rows {
			rows[i] = i
		}
		return rows
	}
	perm := rng.Perm(n)
	return perm[:k]
}
