package rll

//FeatureBins is the immutable skeleton shared by every histogram of one
//training run: the per-feature sorted threshold grid and the map from sample
//id to threshold bin. It is computed once per dataset; boosting rounds that
//refit on new pseudoresponses reuse it and only rebuild the sums.
type FeatureBins struct {
	thresholds [][]float64 // strictly increasing per feature
	stmap      [][]int     // feature -> sample -> bin index
	n          int
}

//NewFeatureBins derives the threshold grid of a dataset: for each feature the
//distinct values in ascending order, one bin per value. The dataset is read
//only; features are processed in parallel with write-disjoint outputs.
func NewFeatureBins(ds *Dataset, threads int) *FeatureBins {
	n := ds.NumInstances()
	nf := ds.NumFeatures()
	fb := &FeatureBins{
		thresholds: make([][]float64, nf),
		stmap:      make([][]int, nf),
		n:          n,
	}
	HandleError(parallelFor(threads, nf, func(_, begin, end int) error {
		column := make([]float64, n)
		for f := begin; f < end; f++ {
			for s := 0; s < n; s++ {
				column[s] = ds.At(s, f)
			}
			perm := argsort(column)

			var thresholds []float64
			stmap := make([]int, n)
			for _, s := range perm {
				v := column[s]
				if len(thresholds) == 0 || v > thresholds[len(thresholds)-1] {
					thresholds = append(thresholds, v)
				}
				stmap[s] = len(thresholds) - 1
			}
			fb.thresholds[f] = thresholds
			fb.stmap[f] = stmap
		}
		return nil
	}))
	return fb
}

//NumSamples returns the number of samples the bin map covers.
func (fb *FeatureBins) NumSamples() int {
	return fb.n
}

//Histogram carries, for every feature of one tree node, the cumulative count,
//label sum and squared label sum of the node's samples up to each threshold.
//The last bin of every feature holds the node totals. Histograms are owned by
//exactly one node at a time and mutate only outside parallel regions.
type Histogram struct {
	bins     *FeatureBins
	count    [][]int
	sumlbl   [][]float64
	sqsumlbl [][]float64
}

func newEmptyHistogram(bins *FeatureBins) *Histogram {
	nf := len(bins.thresholds)
	h := &Histogram{
		bins:     bins,
		count:    make([][]int, nf),
		sumlbl:   make([][]float64, nf),
		sqsumlbl: make([][]float64, nf),
	}
	for f := 0; f < nf; f++ {
		nt := len(bins.thresholds[f])
		h.count[f] = make([]int, nt)
		h.sumlbl[f] = make([]float64, nt)
		h.sqsumlbl[f] = make([]float64, nt)
	}
	return h
}

//fill accumulates one sample into every feature's bin, pre prefix-sum.
func (h *Histogram) fill(s int, y float64) {
	for f := range h.count {
		t := h.bins.stmap[f][s]
		h.count[f][t]++
		h.sumlbl[f][t] += y
		h.sqsumlbl[f][t] += y * y
	}
}

//cumulate turns per-bin tallies into running sums.
func (h *Histogram) cumulate() {
	for f := range h.count {
		for t := 1; t < len(h.count[f]); t++ {
			h.count[f][t] += h.count[f][t-1]
			h.sumlbl[f][t] += h.sumlbl[f][t-1]
			h.sqsumlbl[f][t] += h.sqsumlbl[f][t-1]
		}
	}
}

//RootHistogram builds the histogram of the full sample set over the target
//values (labels on the first round, pseudoresponses afterwards).
func (fb *FeatureBins) RootHistogram(values []float64) *Histogram {
	h := newEmptyHistogram(fb)
	for s := 0; s < fb.n; s++ {
		h.fill(s, values[s])
	}
	h.cumulate()
	return h
}

//SubHistogram builds a fresh histogram restricted to a subset of the node's
//samples, sharing the parent's threshold grid.
func (h *Histogram) SubHistogram(sampleids []int, values []float64) *Histogram {
	sub := newEmptyHistogram(h.bins)
	for _, s := range sampleids {
		sub.fill(s, values[s])
	}
	sub.cumulate()
	return sub
}

//Complement builds a fresh histogram equal to the receiver minus lhist. The
//root split uses it because the root's own histogram must survive the fit.
func (h *Histogram) Complement(lhist *Histogram) *Histogram {
	c := newEmptyHistogram(h.bins)
	for f := range h.count {
		for t := range h.count[f] {
			c.count[f][t] = h.count[f][t] - lhist.count[f][t]
			c.sumlbl[f][t] = h.sumlbl[f][t] - lhist.sumlbl[f][t]
			c.sqsumlbl[f][t] = h.sqsumlbl[f][t] - lhist.sqsumlbl[f][t]
		}
	}
	return c
}

//TransformIntoRightChild subtracts the left child in place, turning a parent
//histogram into the right child's. The caller hands ownership to the right
//child in the same step, so the parent never aliases it afterwards.
func (h *Histogram) TransformIntoRightChild(lhist *Histogram) {
	for f := range h.count {
		for t := range h.count[f] {
			h.count[f][t] -= lhist.count[f][t]
			h.sumlbl[f][t] -= lhist.sumlbl[f][t]
			h.sqsumlbl[f][t] -= lhist.sqsumlbl[f][t]
		}
	}
}

//NumFeatures returns the number of feature grids in the histogram.
func (h *Histogram) NumFeatures() int {
	return len(h.count)
}

//Thresholds returns feature f's threshold grid.
func (h *Histogram) Thresholds(f int) []float64 {
	return h.bins.thresholds[f]
}

//Totals returns the node's sample count, label sum and squared label sum,
//read from the last bin of the first feature.
func (h *Histogram) Totals() (count int, sum, sqsum float64) {
	last := len(h.count[0]) - 1
	return h.count[0][last], h.sumlbl[0][last], h.sqsumlbl[0][last]
}

//Deviance returns the within-node sum of squared deviations from the mean.
func (h *Histogram) Deviance() float64 {
	count, sum, sqsum := h.Totals()
	if count == 0 {
		return 0
	}
	return sqsum - sum*sum/float64(count)
}
