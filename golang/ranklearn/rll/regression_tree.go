package rll

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
)

//dblEpsilon mirrors the smallest admissible denominator for leaf outputs.
const dblEpsilon = 2.220446049250313e-16

//Node is one slot of the tree arena. Children are referenced by arena index,
//-1 marking a leaf; the arena owns every node, so there is no parent/child
//ownership to untangle when a node is both root and leaf.
//
//During growth a node temporarily owns the sample ids routed to it and its
//histogram. Both are handed off or dropped when the node is split; final
//leaves keep their sample ids because UpdateOutput recomputes leaf values
//from them on every boosting round.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Deviance  float64 `json:"deviance"`
	AvgLabel  float64 `json:"avglabel"`

	sum       float64
	sampleids []int
	hist      *Histogram
}

//IsLeaf reports whether the node has no children.
func (nd *Node) IsLeaf() bool {
	return nd.Left < 0
}

//TreeConfig collects the growth parameters of a regression tree.
type TreeConfig struct {
	//NRequiredLeaves caps the number of leaves; 0 means unbounded.
	NRequiredLeaves int
	//MinLeafSupport rejects splits producing a child smaller than this.
	MinLeafSupport int
	//FeatureSamplingRate below 1 scans only that fraction of the features
	//per split, drawn uniformly without replacement.
	FeatureSamplingRate float64
	Threads             int
	//Rng drives feature sub-sampling; nil seeds a deterministic source.
	Rng *rand.Rand
}

//RegressionTree grows best-first by node deviance over pre-aggregated
//feature histograms.
type RegressionTree struct {
	Nodes []Node `json:"nodes"`
	Root  int    `json:"root"`

	cfg    TreeConfig
	ds     *Dataset
	values []float64
	leaves []int
}

//NewRegressionTree prepares a tree fitter over a dataset. The dataset is
//shared and read-only; fitting mutates only the tree.
func NewRegressionTree(cfg TreeConfig, ds *Dataset) *RegressionTree {
	if cfg.MinLeafSupport < 1 {
		cfg.MinLeafSupport = 1
	}
	if cfg.FeatureSamplingRate <= 0 || cfg.FeatureSamplingRate > 1 {
		cfg.FeatureSamplingRate = 1
	}
	if cfg.Rng == nil {
		cfg.Rng = rand.New(rand.NewSource(1))
	}
	return &RegressionTree{Root: -1, cfg: cfg, ds: ds}
}

//devianceHeap is a max-heap of arena indices keyed by node deviance.
type devianceHeap struct {
	t     *RegressionTree
	items []int
}

func (h *devianceHeap) Len() int { return len(h.items) }
func (h *devianceHeap) Less(i, j int) bool {
	return h.t.Nodes[h.items[i]].Deviance > h.t.Nodes[h.items[j]].Deviance
}
func (h *devianceHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *devianceHeap) Push(x any)    { h.items = append(h.items, x.(int)) }
func (h *devianceHeap) Pop() any {
	last := h.items[len(h.items)-1]
	h.items = h.items[:len(h.items)-1]
	return last
}

func (h *devianceHeap) pushChildrenOf(idx int) {
	heap.Push(h, h.t.Nodes[idx].Left)
	heap.Push(h, h.t.Nodes[idx].Right)
}

//Fit grows the tree from a caller-supplied root histogram over the given
//target values (labels on the first round, pseudoresponses afterwards).
//Growth pops the highest-deviance node, tries to split it, and stops once
//the prospective leaf count reaches the budget or no node splits.
func (t *RegressionTree) Fit(hist *Histogram, values []float64) error {
	n := t.ds.NumInstances()
	if n == 0 {
		return fmt.Errorf("%w: cannot fit a regression tree", ErrEmptyDataset)
	}
	t.values = values
	t.Nodes = t.Nodes[:0]
	t.leaves = t.leaves[:0]

	sampleids := make([]int, n)
	for i := range sampleids {
		sampleids[i] = i
	}
	t.Root = t.newNode(sampleids, math.Inf(1), 0, hist)

	dh := &devianceHeap{t: t}
	taken := 0
	if t.cfg.NRequiredLeaves != 1 && t.splitNode(t.Root) {
		dh.pushChildrenOf(t.Root)
	} else {
		t.Nodes[t.Root].hist = nil
	}
	for dh.Len() > 0 && (t.cfg.NRequiredLeaves == 0 || taken+dh.Len() < t.cfg.NRequiredLeaves) {
		idx := heap.Pop(dh).(int)
		if t.splitNode(idx) {
			dh.pushChildrenOf(idx)
		} else {
			taken++
			t.Nodes[idx].hist = nil
		}
	}
	//whatever is still queued stays a leaf; it no longer needs a histogram
	for _, idx := range dh.items {
		t.Nodes[idx].hist = nil
	}

	t.collectLeaves()
	return nil
}

//collectLeaves packs the leaf arena indices in depth-first order.
func (t *RegressionTree) collectLeaves() {
	stack := []int{t.Root}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if t.Nodes[idx].IsLeaf() {
			t.leaves = append(t.leaves, idx)
			continue
		}
		stack = append(stack, t.Nodes[idx].Right, t.Nodes[idx].Left)
	}
}

func (t *RegressionTree) newNode(sampleids []int, deviance, sum float64, hist *Histogram) int {
	t.Nodes = append(t.Nodes, Node{
		Feature:   -1,
		Left:      -1,
		Right:     -1,
		Deviance:  deviance,
		sum:       sum,
		sampleids: sampleids,
		hist:      hist,
	})
	return len(t.Nodes) - 1
}

//splitCandidate is one worker-local best: highest score seen, first-seen
//(feature, threshold) kept on ties.
type splitCandidate struct {
	score       float64
	feature     int
	thresholdID int
}

//better orders candidates by score, breaking ties towards the smaller
//(feature, threshold) pair so the reduction is deterministic for any worker
//count.
func (c splitCandidate) better(than splitCandidate) bool {
	if c.score != than.score {
		return c.score > than.score
	}
	if c.feature != than.feature {
		return c.feature < than.feature
	}
	return c.thresholdID < than.thresholdID
}

//splitNode tries to split one node. It returns false for unsplittable nodes:
//zero deviance, no candidate satisfying the child-size constraints, or a
//best score still at the -1 sentinel. On success the node becomes internal,
//its children own the sample partition, and the node's histogram has been
//handed to the right child (or replaced by a fresh complement when the node
//is the root, whose histogram belongs to the caller).
func (t *RegressionTree) splitNode(nodeIdx int) bool {
	if !(t.Nodes[nodeIdx].Deviance > 0) {
		return false
	}
	h := t.Nodes[nodeIdx].hist
	nf := h.NumFeatures()

	featuresamples := make([]int, nf)
	for i := range featuresamples {
		featuresamples[i] = i
	}
	if t.cfg.FeatureSamplingRate < 1 {
		reduced := int(math.Floor(t.cfg.FeatureSamplingRate * float64(nf)))
		for len(featuresamples) > reduced && len(featuresamples) > 1 {
			i := t.cfg.Rng.Intn(len(featuresamples))
			featuresamples[i] = featuresamples[len(featuresamples)-1]
			featuresamples = featuresamples[:len(featuresamples)-1]
		}
	}

	minls := t.cfg.MinLeafSupport
	results := make([]splitCandidate, len(featuresamples))
	HandleError(parallelFor(t.cfg.Threads, len(featuresamples), func(_, begin, end int) error {
		for i := begin; i < end; i++ {
			f := featuresamples[i]
			counts := h.count[f]
			sums := h.sumlbl[f]
			nt := len(counts)
			c := counts[nt-1]
			s := sums[nt-1]

			local := splitCandidate{score: -1, feature: f}
			for tid := 0; tid < nt; tid++ {
				lcount := counts[tid]
				rcount := c - lcount
				if lcount < minls || rcount < minls {
					continue
				}
				lsum := sums[tid]
				rsum := s - lsum
				score := lsum*lsum/float64(lcount) + rsum*rsum/float64(rcount)
				if score > local.score {
					local = splitCandidate{score: score, feature: f, thresholdID: tid}
				}
			}
			results[i] = local
		}
		return nil
	}))

	best := splitCandidate{score: -1, feature: nf, thresholdID: 0}
	found := false
	for _, cand := range results {
		if cand.score < 0 {
			continue
		}
		if !found || cand.better(best) {
			best = cand
			found = true
		}
	}
	if !found {
		return false
	}

	bf, bt := best.feature, best.thresholdID
	threshold := h.Thresholds(bf)[bt]
	last := len(h.count[bf]) - 1

	count := h.count[bf][last]
	sum := h.sumlbl[bf][last]
	sqsum := h.sqsumlbl[bf][last]
	lcount := h.count[bf][bt]
	lsum := h.sumlbl[bf][bt]
	lsqsum := h.sqsumlbl[bf][bt]
	rcount := count - lcount
	rsum := sum - lsum
	rsqsum := sqsum - lsqsum

	lsamples := make([]int, 0, lcount)
	rsamples := make([]int, 0, rcount)
	for _, k := range t.Nodes[nodeIdx].sampleids {
		if t.ds.At(k, bf) <= threshold {
			lsamples = append(lsamples, k)
		} else {
			rsamples = append(rsamples, k)
		}
	}

	lhist := h.SubHistogram(lsamples, t.values)
	var rhist *Histogram
	if nodeIdx == t.Root {
		rhist = h.Complement(lhist)
	} else {
		h.TransformIntoRightChild(lhist)
		rhist = h
	}

	deviance := sqsum - sum*sum/float64(count)
	ldeviance := lsqsum - lsum*lsum/float64(lcount)
	rdeviance := rsqsum - rsum*rsum/float64(rcount)

	left := t.newNode(lsamples, ldeviance, lsum, lhist)
	right := t.newNode(rsamples, rdeviance, rsum, rhist)

	nd := &t.Nodes[nodeIdx]
	nd.Feature = bf
	nd.Threshold = threshold
	nd.Deviance = deviance
	nd.Left = left
	nd.Right = right
	nd.sampleids = nil
	nd.hist = nil
	return true
}

//UpdateOutput recomputes every leaf value from the boosting round's
//pseudoresponses and cached weights and returns the maximum leaf value.
func (t *RegressionTree) UpdateOutput(pseudoresponses, cachedweights []float64) float64 {
	HandleError(parallelFor(t.cfg.Threads, len(t.leaves), func(_, begin, end int) error {
		for i := begin; i < end; i++ {
			leaf := &t.Nodes[t.leaves[i]]
			s1, s2 := 0.0, 0.0
			for _, k := range leaf.sampleids {
				s1 += pseudoresponses[k]
				s2 += cachedweights[k]
			}
			if s2 >= dblEpsilon {
				leaf.AvgLabel = s1 / s2
			} else {
				leaf.AvgLabel = 0
			}
		}
		return nil
	}))

	maxlabel := math.Inf(-1)
	for _, idx := range t.leaves {
		if t.Nodes[idx].AvgLabel > maxlabel {
			maxlabel = t.Nodes[idx].AvgLabel
		}
	}
	return maxlabel
}

//NumLeaves returns the number of leaves collected by the last Fit. On a
//loaded model it is derived from the arena.
func (t *RegressionTree) NumLeaves() int {
	if len(t.leaves) > 0 {
		return len(t.leaves)
	}
	n := 0
	for i := range t.Nodes {
		if t.Nodes[i].IsLeaf() {
			n++
		}
	}
	return n
}

//Leaves returns the arena indices of the leaves in depth-first order.
func (t *RegressionTree) Leaves() []int {
	return t.leaves
}

//Predict routes instance s of a dataset to a leaf and returns its value.
func (t *RegressionTree) Predict(ds *Dataset, s int) float64 {
	idx := t.Root
	for !t.Nodes[idx].IsLeaf() {
		if ds.At(s, t.Nodes[idx].Feature) <= t.Nodes[idx].Threshold {
			idx = t.Nodes[idx].Left
		} else {
			idx = t.Nodes[idx].Right
		}
	}
	return t.Nodes[idx].AvgLabel
}

//Release drops the per-leaf sample buffers once the caller is done calling
//UpdateOutput. Prediction keeps working.
func (t *RegressionTree) Release() {
	for i := range t.Nodes {
		t.Nodes[i].sampleids = nil
		t.Nodes[i].hist = nil
	}
}
