package rll

import (
	"fmt"
	"math"
	"sort"

	"gorgonia.org/tensor"
)

//Scorer evaluates a score vector against a dataset. Larger values always
//mean better: scorers of error-style metrics negate internally so that every
//learner can maximise without knowing which metric it runs on.
//
//Scorers are pure and safe for concurrent use; their only state is the
//configured cutoff.
type Scorer interface {
	Name() string
	//EvaluateDataset aggregates per-query scores over the whole dataset.
	//scores is a flat array of length NumInstances aligned with the
	//dataset's instance order.
	EvaluateDataset(ds *Dataset, scores []float64) float64
}

//SwapScorer is the capability pairwise learners depend on: the change of the
//metric caused by swapping two ranks of a query.
type SwapScorer interface {
	Scorer
	//SwapChange returns the symmetric matrix of metric deltas for swapping
	//ranks i and j of a query whose labels are given in rank order.
	SwapChange(rankedLabels []float64) *tensor.Dense
}

//metricName renders "NAME" or "NAME@k".
func metricName(name string, cutoff int) string {
	if cutoff > 0 {
		return fmt.Sprintf("%s@%d", name, cutoff)
	}
	return name
}

//cutoffSize maps a cutoff to the number of ranks it covers; k = 0 means all.
func cutoffSize(cutoff, n int) int {
	if cutoff <= 0 || cutoff > n {
		return n
	}
	return cutoff
}

//dcg computes the Discounted Cumulative Gain of labels in rank order.
func dcg(labels []float64, cutoff int) float64 {
	size := cutoffSize(cutoff, len(labels))
	sum := 0.0
	for i := 0; i < size; i++ {
		sum += (math.Exp2(labels[i]) - 1.0) / math.Log2(float64(i)+2.0)
	}
	return sum
}

//idcg computes the DCG of the ideal ordering: labels sorted descending.
func idcg(labels []float64, cutoff int) float64 {
	ideal := make([]float64, len(labels))
	copy(ideal, labels)
	sort.Sort(sort.Reverse(sort.Float64Slice(ideal)))
	return dcg(ideal, cutoff)
}

//rankedLabels reorders a query's labels by descending score.
func rankedLabels(labels, scores []float64) []float64 {
	perm := rankByScore(scores)
	ranked := make([]float64, len(labels))
	for rank, idx := range perm {
		ranked[rank] = labels[idx]
	}
	return ranked
}

//NDCG is the Normalised Discounted Cumulative Gain at a cutoff. Cutoff 0
//scores the full result list.
type NDCG struct {
	Cutoff int
}

func (m NDCG) Name() string {
	return metricName("NDCG", m.Cutoff)
}

//EvaluateQuery scores one query; a query whose ideal DCG is zero (all labels
//zero) scores 0.
func (m NDCG) EvaluateQuery(qr QueryResults, scores []float64) float64 {
	if qr.NumResults() == 0 {
		return 0
	}
	ideal := idcg(qr.Labels, m.Cutoff)
	if ideal <= 0 {
		return 0
	}
	return dcg(rankedLabels(qr.Labels, scores), m.Cutoff) / ideal
}

func (m NDCG) EvaluateDataset(ds *Dataset, scores []float64) float64 {
	nq := ds.NumQueries()
	if nq == 0 {
		return 0
	}
	sum := 0.0
	for q := 0; q < nq; q++ {
		qr := ds.GetQueryResults(q)
		sum += m.EvaluateQuery(qr, scores[qr.Offset:qr.Offset+qr.NumResults()])
	}
	return sum / float64(nq)
}

//SwapChange fills the matrix of NDCG deltas for swapping ranks i and j. Only
//pairs with i below the cutoff contribute; the matrix is symmetric with a
//zero diagonal, and all zero when the ideal DCG vanishes.
func (m NDCG) SwapChange(ranked []float64) *tensor.Dense {
	n := len(ranked)
	size := cutoffSize(m.Cutoff, n)
	changes := tensor.New(tensor.WithShape(n, n), tensor.Of(tensor.Float64))
	ideal := idcg(ranked, m.Cutoff)
	if ideal <= 0 {
		return changes
	}
	for i := 0; i < size; i++ {
		for j := i + 1; j < n; j++ {
			delta := math.Abs(1.0/math.Log2(float64(i)+2.0)-1.0/math.Log2(float64(j)+2.0)) *
				math.Abs(math.Exp2(ranked[i])-math.Exp2(ranked[j])) / ideal
			HandleError(changes.SetAt(delta, i, j))
			HandleError(changes.SetAt(delta, j, i))
		}
	}
	return changes
}

//DCG is the unnormalised cumulative gain at a cutoff, averaged over queries.
type DCG struct {
	Cutoff int
}

func (m DCG) Name() string {
	return metricName("DCG", m.Cutoff)
}

func (m DCG) EvaluateDataset(ds *Dataset, scores []float64) float64 {
	nq := ds.NumQueries()
	if nq == 0 {
		return 0
	}
	sum := 0.0
	for q := 0; q < nq; q++ {
		qr := ds.GetQueryResults(q)
		sum += dcg(rankedLabels(qr.Labels, scores[qr.Offset:qr.Offset+qr.NumResults()]), m.Cutoff)
	}
	return sum / float64(nq)
}

//RMSE is the root mean squared error between scores and labels, negated so
//that larger is better like every other scorer. The cutoff bounds how many
//results of each query enter the sum; the denominator is always the full
//instance count.
type RMSE struct {
	Cutoff int
}

func (m RMSE) Name() string {
	return metricName("RMSE", m.Cutoff)
}

func (m RMSE) EvaluateDataset(ds *Dataset, scores []float64) float64 {
	n := ds.NumInstances()
	if n == 0 || ds.NumQueries() == 0 {
		return 0
	}
	sse := 0.0
	for q := 0; q < ds.NumQueries(); q++ {
		qr := ds.GetQueryResults(q)
		size := cutoffSize(m.Cutoff, qr.NumResults())
		for i := 0; i < size; i++ {
			d := scores[qr.Offset+i] - qr.Labels[i]
			sse += d * d
		}
	}
	return -math.Sqrt(sse / float64(n))
}

//MAP is the mean average precision; labels greater than zero count as
//relevant.
type MAP struct {
	Cutoff int
}

func (m MAP) Name() string {
	return metricName("MAP", m.Cutoff)
}

func (m MAP) EvaluateDataset(ds *Dataset, scores []float64) float64 {
	nq := ds.NumQueries()
	if nq == 0 {
		return 0
	}
	sum := 0.0
	for q := 0; q < nq; q++ {
		qr := ds.GetQueryResults(q)
		ranked := rankedLabels(qr.Labels, scores[qr.Offset:qr.Offset+qr.NumResults()])
		size := cutoffSize(m.Cutoff, len(ranked))
		hits, ap, relevant := 0, 0.0, 0
		for i, label := range ranked {
			if label > 0 {
				relevant++
				if i < size {
					hits++
					ap += float64(hits) / float64(i+1)
				}
			}
		}
		if relevant > 0 {
			sum += ap / float64(relevant)
		}
	}
	return sum / float64(nq)
}

//NewScorer maps a metric name from the closed scorer set to an instance.
func NewScorer(name string, cutoff int) (Scorer, error) {
	switch name {
	case "NDCG":
		return NDCG{Cutoff: cutoff}, nil
	case "DCG":
		return DCG{Cutoff: cutoff}, nil
	case "RMSE":
		return RMSE{Cutoff: cutoff}, nil
	case "MAP":
		return MAP{Cutoff: cutoff}, nil
	}
	return nil, fmt.Errorf("%w: unknown metric %q", ErrBadConfig, name)
}
