package rll

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
)

//BoostedTree is one stage of the ensemble: a fitted tree and the shrinkage
//applied to its outputs.
type BoostedTree struct {
	Weight float64         `json:"weight"`
	Tree   *RegressionTree `json:"tree"`
}

//MART trains a gradient-boosted ensemble of regression trees. With a
//pairwise scorer (one exposing swap deltas, such as NDCG) the
//pseudoresponses are lambda gradients weighted by the metric change of each
//document pair; with a pointwise scorer it degrades to plain residual
//fitting.
type MART struct {
	NTrees              int     `json:"ntrees"`
	Shrinkage           float64 `json:"shrinkage"`
	NTreeLeaves         int     `json:"ntreeleaves"`
	MinLeafSupport      int     `json:"minleafsupport"`
	FeatureSamplingRate float64 `json:"featuresamplingrate"`
	MaxFailedVali       int     `json:"maxfailedvali"`
	Threads             int     `json:"-"`
	Seed                int64   `json:"-"`

	Trees []BoostedTree `json:"trees"`
}

func (m *MART) validate() error {
	if m.NTrees < 1 {
		return fmt.Errorf("%w: number of trees %d", ErrBadConfig, m.NTrees)
	}
	if m.Shrinkage <= 0 {
		return fmt.Errorf("%w: shrinkage %g", ErrBadConfig, m.Shrinkage)
	}
	if m.NTreeLeaves == 1 || m.NTreeLeaves < 0 {
		return fmt.Errorf("%w: tree leaf budget %d", ErrBadConfig, m.NTreeLeaves)
	}
	if m.MinLeafSupport < 1 {
		return fmt.Errorf("%w: minimum leaf support %d", ErrBadConfig, m.MinLeafSupport)
	}
	return nil
}

//Learn fits the ensemble round by round, logging training (and validation)
//metrics after every stage. With a validation set, training stops after
//MaxFailedVali rounds without improvement and the ensemble is truncated to
//its best validated length.
func (m *MART) Learn(train, vali *Dataset, scorer Scorer) error {
	if err := m.validate(); err != nil {
		return err
	}
	if train == nil || train.NumInstances() == 0 || train.NumQueries() == 0 {
		return fmt.Errorf("%w: boosting needs a non-empty training set", ErrEmptyDataset)
	}

	if train.Layout() != Vertical {
		train.Transpose()
	}

	n := train.NumInstances()
	bins := NewFeatureBins(train, m.Threads)
	modelScores := make([]float64, n)
	pseudoresponses := make([]float64, n)
	cachedweights := make([]float64, n)
	rng := rand.New(rand.NewSource(m.Seed + 1))

	var valiScores []float64
	bestValiMetric := 0.0
	bestRound := 0
	failedVali := 0
	if vali != nil {
		valiScores = make([]float64, vali.NumInstances())
		bestValiMetric = scorer.EvaluateDataset(vali, valiScores)
		if err := checkFinite(bestValiMetric, scorer); err != nil {
			return err
		}
	}

	m.Trees = m.Trees[:0]
	for round := 0; round < m.NTrees; round++ {
		m.computeGradients(train, modelScores, scorer, pseudoresponses, cachedweights)

		tree := NewRegressionTree(TreeConfig{
			NRequiredLeaves:     m.NTreeLeaves,
			MinLeafSupport:      m.MinLeafSupport,
			FeatureSamplingRate: m.FeatureSamplingRate,
			Threads:             m.Threads,
			Rng:                 rng,
		}, train)
		if err := tree.Fit(bins.RootHistogram(pseudoresponses), pseudoresponses); err != nil {
			return err
		}
		maxlabel := tree.UpdateOutput(pseudoresponses, cachedweights)
		tree.Release()

		HandleError(parallelFor(m.Threads, n, func(_, begin, end int) error {
			for s := begin; s < end; s++ {
				modelScores[s] += m.Shrinkage * tree.Predict(train, s)
			}
			return nil
		}))
		m.Trees = append(m.Trees, BoostedTree{Weight: m.Shrinkage, Tree: tree})

		trainMetric := scorer.EvaluateDataset(train, modelScores)
		if err := checkFinite(trainMetric, scorer); err != nil {
			return err
		}
		event := logger.Info().
			Int("tree", round+1).
			Int("leaves", tree.NumLeaves()).
			Float64("maxlabel", maxlabel).
			Float64("training", trainMetric)

		if vali != nil {
			HandleError(parallelFor(m.Threads, vali.NumInstances(), func(_, begin, end int) error {
				for s := begin; s < end; s++ {
					valiScores[s] += m.Shrinkage * tree.Predict(vali, s)
				}
				return nil
			}))
			metricOnVali := scorer.EvaluateDataset(vali, valiScores)
			if err := checkFinite(metricOnVali, scorer); err != nil {
				return err
			}
			event = event.Float64("validation", metricOnVali)
			if metricOnVali > bestValiMetric {
				bestValiMetric = metricOnVali
				bestRound = len(m.Trees)
				failedVali = 0
			} else {
				failedVali++
				if m.MaxFailedVali > 0 && failedVali >= m.MaxFailedVali {
					event.Msg("validation stopped improving")
					break
				}
			}
		}
		event.Msg("boosting round")
	}

	if vali != nil {
		m.Trees = m.Trees[:bestRound]
	}
	return nil
}

//computeGradients fills the pseudoresponse and cached-weight vectors for the
//next tree. Queries are processed in parallel; each owns a disjoint block of
//both outputs.
func (m *MART) computeGradients(ds *Dataset, scores []float64, scorer Scorer, pseudoresponses, cachedweights []float64) {
	sw, pairwise := scorer.(SwapScorer)
	if !pairwise {
		HandleError(parallelFor(m.Threads, ds.NumInstances(), func(_, begin, end int) error {
			for s := begin; s < end; s++ {
				pseudoresponses[s] = ds.Label(s) - scores[s]
				cachedweights[s] = 1
			}
			return nil
		}))
		return
	}

	HandleError(parallelFor(m.Threads, ds.NumQueries(), func(_, begin, end int) error {
		for q := begin; q < end; q++ {
			qr := ds.GetQueryResults(q)
			off := qr.Offset
			nres := qr.NumResults()
			for i := 0; i < nres; i++ {
				pseudoresponses[off+i] = 0
				cachedweights[off+i] = 0
			}

			perm := rankByScore(scores[off : off+nres])
			ranked := make([]float64, nres)
			for rank, idx := range perm {
				ranked[rank] = qr.Labels[idx]
			}
			deltas := sw.SwapChange(ranked)

			for i := 0; i < nres; i++ {
				for j := i + 1; j < nres; j++ {
					if ranked[i] == ranked[j] {
						continue
					}
					hi, lo := i, j
					if ranked[j] > ranked[i] {
						hi, lo = j, i
					}
					raw, err := deltas.At(i, j)
					HandleError(err)
					delta := raw.(float64)
					if delta <= 0 {
						continue
					}
					dHi, dLo := off+perm[hi], off+perm[lo]
					rho := 1.0 / (1.0 + math.Exp(scores[dHi]-scores[dLo]))
					pseudoresponses[dHi] += rho * delta
					pseudoresponses[dLo] -= rho * delta
					w := rho * (1 - rho) * delta
					cachedweights[dHi] += w
					cachedweights[dLo] += w
				}
			}
		}
		return nil
	}))
}

//Predict returns the ensemble score of instance s.
func (m *MART) Predict(ds *Dataset, s int) float64 {
	sum := 0.0
	for _, bt := range m.Trees {
		sum += bt.Weight * bt.Tree.Predict(ds, s)
	}
	return sum
}

//ScoreDataset fills out with the ensemble's scores, one per instance.
func (m *MART) ScoreDataset(ds *Dataset, out []float64) {
	HandleError(parallelFor(m.Threads, ds.NumInstances(), func(_, begin, end int) error {
		for s := begin; s < end; s++ {
			out[s] = m.Predict(ds, s)
		}
		return nil
	}))
}

//SaveModel persists the ensemble as indented JSON.
func (m *MART) SaveModel(fileName string) error {
	dst, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer func() { HandleError(dst.Close()) }()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	_, err = dst.Write(data)
	return err
}

//LoadMARTModel reads an ensemble written by SaveModel. The result predicts;
//it cannot resume training.
func LoadMARTModel(fileName string) (*MART, error) {
	src, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer func() { HandleError(src.Close()) }()

	m := &MART{}
	if err := json.NewDecoder(src).Decode(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelFormat, err)
	}
	for i, bt := range m.Trees {
		if bt.Tree == nil || len(bt.Tree.Nodes) == 0 {
			return nil, fmt.Errorf("%w: tree %d is empty", ErrModelFormat, i)
		}
	}
	return m, nil
}
