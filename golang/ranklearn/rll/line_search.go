package rll

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

//LineSearch is a linear ranker trained by a two-phase line search: a
//per-feature coordinate sweep over a shrinking weight window, followed by a
//joint search along the direction the sweep suggested. Only the joint step
//commits to the training metric; the sweep merely proposes coordinates.
type LineSearch struct {
	//NumPoints is the window resolution P. It is forced even (by
	//decrementing) so the P+1 candidates always include the window centre.
	NumPoints       int
	WindowSize      float64
	ReductionFactor float64
	MaxIterations   int
	//MaxFailedVali stops training after this many consecutive iterations
	//without validation improvement.
	MaxFailedVali int
	//Adaptive scales the reduction factor by the joint-step gain and stops
	//once the window shrinks below 0.01.
	Adaptive bool
	Threads  int

	weights []float64
}

//Weights returns the weight vector kept by Learn (or loaded from a model
//file).
func (ls *LineSearch) Weights() []float64 {
	return ls.weights
}

//ScoreDataset fills out with the model's scores, one per instance.
func (ls *LineSearch) ScoreDataset(ds *Dataset, out []float64) {
	scoreInto(ds, ls.weights, out, ls.Threads)
}

//scoreInto computes out[s] = <w, x[s]> for all samples in parallel.
func scoreInto(ds *Dataset, w []float64, out []float64, threads int) {
	nf := ds.NumFeatures()
	HandleError(parallelFor(threads, ds.NumInstances(), func(_, begin, end int) error {
		for s := begin; s < end; s++ {
			sum := 0.0
			for f := 0; f < nf; f++ {
				sum += w[f] * ds.At(s, f)
			}
			out[s] = sum
		}
		return nil
	}))
}

func (ls *LineSearch) validate() error {
	if ls.NumPoints < 2 {
		return fmt.Errorf("%w: num points %d, need at least 2", ErrBadConfig, ls.NumPoints)
	}
	if ls.WindowSize <= 0 {
		return fmt.Errorf("%w: window size %g", ErrBadConfig, ls.WindowSize)
	}
	if ls.ReductionFactor <= 0 {
		return fmt.Errorf("%w: reduction factor %g", ErrBadConfig, ls.ReductionFactor)
	}
	if ls.MaxIterations < 1 {
		return fmt.Errorf("%w: max iterations %d", ErrBadConfig, ls.MaxIterations)
	}
	return nil
}

func checkFinite(metric float64, scorer Scorer) error {
	if math.IsNaN(metric) || math.IsInf(metric, 0) {
		return fmt.Errorf("%w: %s returned %g", ErrNonFiniteMetric, scorer.Name(), metric)
	}
	return nil
}

//Learn trains the ranker on the training set, optionally early-stopping on a
//validation set. With a validation set, the weights with the best validation
//metric are preserved and returned by Weights; without one, Weights returns
//the weights of the last iteration, which may include coordinate moves the
//joint step did not commit.
func (ls *LineSearch) Learn(train, vali *Dataset, scorer Scorer) error {
	if err := ls.validate(); err != nil {
		return err
	}
	if train == nil || train.NumInstances() == 0 || train.NumQueries() == 0 {
		return fmt.Errorf("%w: line search needs a non-empty training set", ErrEmptyDataset)
	}

	//the window centre must be a candidate, so the point count P+1 is odd
	numPoints := ls.NumPoints
	if numPoints%2 != 0 {
		numPoints--
	}

	if train.Layout() != Horizontal {
		train.Transpose()
	}
	if vali != nil && vali.Layout() != Horizontal {
		vali.Transpose()
	}

	nf := train.NumFeatures()
	n := train.NumInstances()

	weights := make([]float64, nf)
	weightsPrev := make([]float64, nf)
	ls.weights = make([]float64, nf)
	for f := 0; f < nf; f++ {
		weights[f] = 1.0
		weightsPrev[f] = 1.0
		ls.weights[f] = 1.0
	}

	//one row per candidate point; rows are written by disjoint workers
	trainScores := mat.NewDense(numPoints+1, n, nil)
	metricScores := make([]float64, numPoints+1)
	preSum := make([]float64, n)
	step2 := make([]float64, nf)
	points := make([]float64, 0, numPoints+1)

	var valiScores []float64
	if vali != nil {
		valiScores = make([]float64, vali.NumInstances())
	}

	scoreInto(train, weights, trainScores.RawRowView(0), ls.Threads)
	bestTrainMetric := scorer.EvaluateDataset(train, trainScores.RawRowView(0))
	if err := checkFinite(bestTrainMetric, scorer); err != nil {
		return err
	}
	bestValiMetric := 0.0
	if vali != nil {
		scoreInto(vali, weights, valiScores, ls.Threads)
		bestValiMetric = scorer.EvaluateDataset(vali, valiScores)
		if err := checkFinite(bestValiMetric, scorer); err != nil {
			return err
		}
	}
	logger.Info().
		Str("metric", scorer.Name()).
		Float64("training", bestTrainMetric).
		Msg("line search start")

	window := ls.WindowSize
	failedVali := 0

	for i := 0; i < ls.MaxIterations; i++ {
		step1 := 2 * window / float64(numPoints)

		//Step 1: coordinate search, one feature at a time. Improvements are
		//adopted into weights but deliberately do not move bestTrainMetric;
		//the joint step below is the committing one.
		for f := 0; f < nf; f++ {
			HandleError(parallelFor(ls.Threads, n, func(_, begin, end int) error {
				for s := begin; s < end; s++ {
					sum := 0.0
					for g := 0; g < nf; g++ {
						sum += weightsPrev[g] * train.At(s, g)
					}
					preSum[s] = sum - weightsPrev[f]*train.At(s, f)
				}
				return nil
			}))

			points = points[:0]
			for point := weightsPrev[f] - window; point <= weightsPrev[f]+window; point += step1 {
				if point >= 0 {
					points = append(points, point)
				}
				//rounding in the accumulation must not grow the candidate
				//set past the P+1 the buffers are sized for
				if len(points) == numPoints+1 {
					break
				}
			}
			if len(points) == 0 {
				continue
			}

			if err := parallelFor(ls.Threads, len(points), func(_, begin, end int) error {
				for p := begin; p < end; p++ {
					row := trainScores.RawRowView(p)
					for s := 0; s < n; s++ {
						row[s] = points[p]*train.At(s, f) + preSum[s]
					}
					metricScores[p] = scorer.EvaluateDataset(train, row)
					if err := checkFinite(metricScores[p], scorer); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				return err
			}

			bestP := 0
			for p := 1; p < len(points); p++ {
				if metricScores[p] > metricScores[bestP] {
					bestP = p
				}
			}
			if metricScores[bestP] > bestTrainMetric {
				weights[f] = points[bestP]
			}
		}

		//Step 2: joint search between weightsPrev and the coordinates the
		//sweep proposed.
		zeros := true
		for f := 0; f < nf; f++ {
			step2[f] = (weights[f] - weightsPrev[f]) / float64(numPoints)
			if step2[f] != 0 {
				zeros = false
			}
		}

		gain := 0.0
		if !zeros {
			if err := parallelFor(ls.Threads, numPoints+1, func(_, begin, end int) error {
				for p := begin; p < end; p++ {
					row := trainScores.RawRowView(p)
					for s := 0; s < n; s++ {
						sum := 0.0
						for f := 0; f < nf; f++ {
							sum += (weightsPrev[f] + step2[f]*float64(p)) * train.At(s, f)
						}
						row[s] = sum
					}
					metricScores[p] = scorer.EvaluateDataset(train, row)
					if err := checkFinite(metricScores[p], scorer); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				return err
			}

			bestP := 0
			for p := 1; p < numPoints+1; p++ {
				if metricScores[p] > metricScores[bestP] {
					bestP = p
				}
			}
			if metricScores[bestP] > bestTrainMetric {
				for f := 0; f < nf; f++ {
					weights[f] = weightsPrev[f] + step2[f]*float64(bestP)
				}
				gain = metricScores[bestP] - bestTrainMetric
				bestTrainMetric = metricScores[bestP]
				copy(weightsPrev, weights)
			}
		}

		curReductionFactor := ls.ReductionFactor
		if ls.Adaptive {
			const maxGain = 0.005
			relativeGain := math.Min((gain-maxGain)/maxGain, 1.0)
			curReductionFactor = ls.ReductionFactor * (1 + math.Max(relativeGain, -0.5))
		}

		event := logger.Info().
			Int("iteration", i+1).
			Float64("training", bestTrainMetric).
			Float64("gain", gain).
			Float64("window", window).
			Float64("reduction", curReductionFactor)

		if vali != nil {
			scoreInto(vali, weights, valiScores, ls.Threads)
			metricOnVali := scorer.EvaluateDataset(vali, valiScores)
			if err := checkFinite(metricOnVali, scorer); err != nil {
				return err
			}
			event = event.Float64("validation", metricOnVali)
			if metricOnVali > bestValiMetric {
				failedVali = 0
				bestValiMetric = metricOnVali
				copy(ls.weights, weights)
			} else {
				failedVali++
				if failedVali >= ls.MaxFailedVali {
					event.Msg("validation stopped improving")
					break
				}
			}
		}
		event.Msg("line search iteration")

		window *= curReductionFactor
		if ls.Adaptive && window < 0.01 {
			break
		}
	}

	if vali == nil {
		copy(ls.weights, weights)
	}
	return nil
}
