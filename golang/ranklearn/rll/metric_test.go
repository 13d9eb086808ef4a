package rll

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

//oneQueryDataset builds a single-query dataset with a throwaway feature
//column; metric tests only look at labels and scores.
func oneQueryDataset(t *testing.T, labels []float64) *Dataset {
	t.Helper()
	n := len(labels)
	features := mat.NewDense(n, 1, nil)
	for s := 0; s < n; s++ {
		features.Set(s, 0, float64(s))
	}
	ds, err := NewDataset(features, labels, []int{n})
	require.NoError(t, err)
	return ds
}

//descendingScores keeps the stored label order when ranked.
func descendingScores(n int) []float64 {
	scores := make([]float64, n)
	for s := 0; s < n; s++ {
		scores[s] = float64(n - s)
	}
	return scores
}

func TestNDCGAtThree(t *testing.T) {
	labels := []float64{3, 2, 3, 0, 1, 2}
	ds := oneQueryDataset(t, labels)

	got := NDCG{Cutoff: 3}.EvaluateDataset(ds, descendingScores(len(labels)))

	dcgVal := 7.0 + 3.0/math.Log2(3) + 7.0/math.Log2(4)
	idcgVal := 7.0 + 7.0/math.Log2(3) + 3.0/math.Log2(4)
	assert.InDelta(t, dcgVal/idcgVal, got, 1e-12)
	assert.InDelta(t, 0.9594, got, 1e-4)
}

func TestNDCGPerfectRankingScoresOne(t *testing.T) {
	labels := []float64{0, 1, 2, 3}
	ds := oneQueryDataset(t, labels)

	//scores reproduce the label order exactly
	got := NDCG{}.EvaluateDataset(ds, labels)
	assert.InDelta(t, 1.0, got, 1e-12)
}

func TestNDCGAllZeroLabels(t *testing.T) {
	ds := oneQueryDataset(t, []float64{0, 0, 0})
	got := NDCG{Cutoff: 2}.EvaluateDataset(ds, descendingScores(3))
	assert.Equal(t, 0.0, got)
}

func TestNDCGSwapChange(t *testing.T) {
	ranked := []float64{3, 2, 3, 0, 1, 2}
	m := NDCG{Cutoff: 3}
	changes := m.SwapChange(ranked)

	n := len(ranked)
	ideal := idcg(ranked, 3)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			raw, err := changes.At(i, j)
			require.NoError(t, err)
			v := raw.(float64)
			assert.GreaterOrEqual(t, v, 0.0, "delta[%d][%d]", i, j)
			mirrored, err := changes.At(j, i)
			require.NoError(t, err)
			assert.Equal(t, mirrored.(float64), v, "symmetry at (%d,%d)", i, j)
			if i == j {
				assert.Equal(t, 0.0, v)
			}
		}
	}

	//spot check one upper-triangle entry against the closed form
	raw, err := changes.At(0, 3)
	require.NoError(t, err)
	want := math.Abs(1/math.Log2(2)-1/math.Log2(5)) * math.Abs(math.Exp2(3)-math.Exp2(0)) / ideal
	assert.InDelta(t, want, raw.(float64), 1e-12)

	//pairs whose upper rank is past the cutoff contribute nothing
	raw, err = changes.At(4, 5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, raw.(float64))
}

func TestRMSEPerfectScoresIsNegativeZero(t *testing.T) {
	labels := []float64{1, 2, 3}
	ds := oneQueryDataset(t, labels)

	got := RMSE{}.EvaluateDataset(ds, []float64{1, 2, 3})
	require.True(t, got == 0)
	assert.True(t, math.Signbit(got), "RMSE negates, so a perfect fit is -0")
}

func TestRMSELargerIsBetter(t *testing.T) {
	labels := []float64{1, 2, 3}
	ds := oneQueryDataset(t, labels)

	near := RMSE{}.EvaluateDataset(ds, []float64{1.1, 2.1, 3.1})
	far := RMSE{}.EvaluateDataset(ds, []float64{3, 2, 1})
	assert.Greater(t, near, far)
}

func TestRMSEIsNotPairwise(t *testing.T) {
	//RMSE does not depend on rank order, so it deliberately does not expose
	//swap deltas; boosting falls back to residual fitting for it
	var scorer Scorer = RMSE{}
	_, ok := scorer.(SwapScorer)
	assert.False(t, ok)
}

func TestMAP(t *testing.T) {
	//ranked relevance pattern: rel, non, rel -> AP = (1/1 + 2/3) / 2
	ds := oneQueryDataset(t, []float64{1, 0, 1})
	got := MAP{}.EvaluateDataset(ds, descendingScores(3))
	assert.InDelta(t, (1.0+2.0/3.0)/2.0, got, 1e-12)
}

func TestMetricMeanAcrossQueries(t *testing.T) {
	features := mat.NewDense(4, 1, nil)
	labels := []float64{1, 0, 0, 0}
	ds, err := NewDataset(features, labels, []int{2, 2})
	require.NoError(t, err)

	//query 0 ranked perfectly, query 1 has no positive labels
	got := NDCG{}.EvaluateDataset(ds, []float64{2, 1, 2, 1})
	assert.InDelta(t, 0.5, got, 1e-12)
}

func TestNewScorer(t *testing.T) {
	scorer, err := NewScorer("NDCG", 10)
	require.NoError(t, err)
	assert.Equal(t, "NDCG@10", scorer.Name())

	scorer, err = NewScorer("RMSE", 0)
	require.NoError(t, err)
	assert.Equal(t, "RMSE", scorer.Name())

	_, err = NewScorer("BLEU", 0)
	assert.ErrorIs(t, err, ErrBadConfig)
}
