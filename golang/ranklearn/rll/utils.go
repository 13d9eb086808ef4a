package rll

import (
	"errors"
	"log"
	"os"
	"sort"

	"github.com/rs/zerolog"
)

//Error kinds reported by learner entry points. Everything else that goes
//wrong inside a training run is a programming error and panics through
//HandleError.
var (
	ErrBadConfig       = errors.New("invalid learner configuration")
	ErrEmptyDataset    = errors.New("empty dataset")
	ErrNonFiniteMetric = errors.New("scorer returned a non-finite value")
	ErrModelFormat     = errors.New("malformed model file")
)

var logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

//SetLogger replaces the package logger used for training progress.
func SetLogger(l zerolog.Logger) {
	logger = l
}

//HandleError aborts on internal failures that the caller cannot recover from.
func HandleError(err error) {
	if err != nil {
		log.Panic(err)
	}
}

//argsort returns the permutation that sorts values ascending. Equal values
//keep their original order so the result is deterministic.
func argsort(values []float64) []int {
	perm := make([]int, len(values))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(i, j int) bool {
		return values[perm[i]] < values[perm[j]]
	})
	return perm
}

//rankByScore returns the permutation that orders a query's documents by
//descending score, ties broken by the original position.
func rankByScore(scores []float64) []int {
	perm := make([]int, len(scores))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(i, j int) bool {
		return scores[perm[i]] > scores[perm[j]]
	})
	return perm
}
