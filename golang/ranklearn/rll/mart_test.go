package rll

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func martConfig() *MART {
	return &MART{
		NTrees:         30,
		Shrinkage:      0.1,
		NTreeLeaves:    4,
		MinLeafSupport: 1,
		Threads:        1,
	}
}

func TestMARTConfigValidation(t *testing.T) {
	ds := rankingFixture(t)

	for name, mutate := range map[string]func(*MART){
		"no trees":       func(m *MART) { m.NTrees = 0 },
		"zero shrinkage": func(m *MART) { m.Shrinkage = 0 },
		"one leaf":       func(m *MART) { m.NTreeLeaves = 1 },
		"no leaf support": func(m *MART) {
			m.MinLeafSupport = 0
		},
	} {
		m := martConfig()
		mutate(m)
		assert.ErrorIs(t, m.Learn(ds, nil, NDCG{}), ErrBadConfig, name)
	}

	m := martConfig()
	assert.ErrorIs(t, m.Learn(nil, nil, NDCG{}), ErrEmptyDataset)
}

func TestMARTImprovesNDCG(t *testing.T) {
	ds := rankingFixture(t)
	scorer := NDCG{}

	zero := make([]float64, ds.NumInstances())
	before := scorer.EvaluateDataset(ds, zero)

	m := martConfig()
	require.NoError(t, m.Learn(ds, nil, scorer))
	require.NotEmpty(t, m.Trees)

	scores := make([]float64, ds.NumInstances())
	m.ScoreDataset(ds, scores)
	after := scorer.EvaluateDataset(ds, scores)

	assert.GreaterOrEqual(t, after, before)
	assert.Greater(t, after, 0.9)

	for _, bt := range m.Trees {
		assert.LessOrEqual(t, bt.Tree.NumLeaves(), m.NTreeLeaves)
	}
}

func TestMARTResidualFallbackWithRMSE(t *testing.T) {
	features := mat.NewDense(6, 1, []float64{1, 2, 3, 4, 5, 6})
	labels := []float64{1, 2, 3, 4, 5, 6}
	ds, err := NewDataset(features, labels, []int{6})
	require.NoError(t, err)

	m := martConfig()
	m.NTrees = 60
	m.Shrinkage = 0.3
	m.NTreeLeaves = 0 //unbounded: pure leaves
	require.NoError(t, m.Learn(ds, nil, RMSE{}))

	scores := make([]float64, ds.NumInstances())
	m.ScoreDataset(ds, scores)
	for s := 0; s < 6; s++ {
		assert.InDelta(t, labels[s], scores[s], 1e-3)
	}
	assert.Greater(t, RMSE{}.EvaluateDataset(ds, scores), -1e-3)
}

func TestMARTValidationTruncatesEnsemble(t *testing.T) {
	train := rankingFixture(t)

	valiFeatures := mat.NewDense(4, 2, []float64{
		1, 2,
		2, 1,
		3, 4,
		4, 3,
	})
	vali, err := NewDataset(valiFeatures, []float64{0, 0, 0, 0}, []int{4})
	require.NoError(t, err)

	m := martConfig()
	m.MaxFailedVali = 3
	require.NoError(t, m.Learn(train, vali, NDCG{}))

	//the all-zero validation set never improves, so no stage survives
	assert.Empty(t, m.Trees)
}

func TestMARTModelRoundTrip(t *testing.T) {
	ds := rankingFixture(t)
	m := martConfig()
	require.NoError(t, m.Learn(ds, nil, NDCG{}))

	fileName := filepath.Join(t.TempDir(), "mart.json")
	require.NoError(t, m.SaveModel(fileName))

	loaded, err := LoadMARTModel(fileName)
	require.NoError(t, err)
	require.Len(t, loaded.Trees, len(m.Trees))

	want := make([]float64, ds.NumInstances())
	got := make([]float64, ds.NumInstances())
	m.ScoreDataset(ds, want)
	loaded.ScoreDataset(ds, got)
	assert.Equal(t, want, got)
}
