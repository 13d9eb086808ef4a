package rll

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
)

//lineSearchModelName tags line-search models on the wire.
const lineSearchModelName = "LINESEARCH"

//xmlInfo mirrors the <info> block. Fields are pointers so a missing element
//is distinguishable from a zero value at load time.
type xmlInfo struct {
	Type            *string  `xml:"type"`
	NumSamples      *int     `xml:"num-samples"`
	WindowSize      *float64 `xml:"window-size"`
	ReductionFactor *float64 `xml:"reduction-factor"`
	MaxIterations   *int     `xml:"max-iterations"`
	MaxFailedVali   *int     `xml:"max-failed-vali"`
	Adaptive        *bool    `xml:"adaptive"`
}

type xmlTree struct {
	Index  *int    `xml:"index"`
	Weight *string `xml:"weight"`
}

type xmlRanker struct {
	XMLName  xml.Name `xml:"ranker"`
	Info     *xmlInfo `xml:"info"`
	Ensemble *struct {
		Trees []xmlTree `xml:"tree"`
	} `xml:"ensemble"`
}

//savedRanker is the write-side mirror with concrete fields.
type savedRanker struct {
	XMLName xml.Name `xml:"ranker"`
	Info    struct {
		Type            string  `xml:"type"`
		NumSamples      int     `xml:"num-samples"`
		WindowSize      float64 `xml:"window-size"`
		ReductionFactor float64 `xml:"reduction-factor"`
		MaxIterations   int     `xml:"max-iterations"`
		MaxFailedVali   int     `xml:"max-failed-vali"`
		Adaptive        bool    `xml:"adaptive"`
	} `xml:"info"`
	Ensemble struct {
		Trees []savedTree `xml:"tree"`
	} `xml:"ensemble"`
}

type savedTree struct {
	Index  int    `xml:"index"`
	Weight string `xml:"weight"`
}

//SaveModel writes the trained ranker as XML: an <info> block with the
//training configuration and an <ensemble> with one <tree> per feature,
//1-based indices and weights serialised at full double precision (shortest
//representation that round-trips bit-exactly).
func (ls *LineSearch) SaveModel(fileName string) error {
	var m savedRanker
	m.Info.Type = lineSearchModelName
	m.Info.NumSamples = ls.NumPoints
	m.Info.WindowSize = ls.WindowSize
	m.Info.ReductionFactor = ls.ReductionFactor
	m.Info.MaxIterations = ls.MaxIterations
	m.Info.MaxFailedVali = ls.MaxFailedVali
	m.Info.Adaptive = ls.Adaptive
	for i, w := range ls.weights {
		m.Ensemble.Trees = append(m.Ensemble.Trees, savedTree{
			Index:  i + 1,
			Weight: strconv.FormatFloat(w, 'g', -1, 64),
		})
	}

	data, err := xml.MarshalIndent(m, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(fileName, append(data, '\n'), 0o644)
}

//LoadLineSearchModel reads a model written by SaveModel. Missing required
//fields fail the load with a field-specific diagnostic; unknown elements are
//ignored. Sparse ensemble indices are tolerated: the weight vector is sized
//to the maximum observed index and gaps stay at 0.
func LoadLineSearchModel(fileName string) (*LineSearch, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	var m xmlRanker
	if err := xml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelFormat, err)
	}
	if m.Info == nil {
		return nil, fmt.Errorf("%w: missing <info>", ErrModelFormat)
	}
	switch {
	case m.Info.Type == nil:
		return nil, fmt.Errorf("%w: missing <type>", ErrModelFormat)
	case m.Info.NumSamples == nil:
		return nil, fmt.Errorf("%w: missing <num-samples>", ErrModelFormat)
	case m.Info.WindowSize == nil:
		return nil, fmt.Errorf("%w: missing <window-size>", ErrModelFormat)
	case m.Info.ReductionFactor == nil:
		return nil, fmt.Errorf("%w: missing <reduction-factor>", ErrModelFormat)
	case m.Info.MaxIterations == nil:
		return nil, fmt.Errorf("%w: missing <max-iterations>", ErrModelFormat)
	case m.Info.MaxFailedVali == nil:
		return nil, fmt.Errorf("%w: missing <max-failed-vali>", ErrModelFormat)
	}
	if *m.Info.Type != lineSearchModelName {
		return nil, fmt.Errorf("%w: ranker type %q, want %q", ErrModelFormat, *m.Info.Type, lineSearchModelName)
	}
	if m.Ensemble == nil {
		return nil, fmt.Errorf("%w: missing <ensemble>", ErrModelFormat)
	}

	maxIndex := 0
	for _, tree := range m.Ensemble.Trees {
		if tree.Index == nil {
			return nil, fmt.Errorf("%w: <tree> missing <index>", ErrModelFormat)
		}
		if *tree.Index < 1 {
			return nil, fmt.Errorf("%w: <index> %d out of range", ErrModelFormat, *tree.Index)
		}
		if *tree.Index > maxIndex {
			maxIndex = *tree.Index
		}
	}

	weights := make([]float64, maxIndex)
	for _, tree := range m.Ensemble.Trees {
		if tree.Weight == nil {
			return nil, fmt.Errorf("%w: <tree> %d missing <weight>", ErrModelFormat, *tree.Index)
		}
		w, err := strconv.ParseFloat(*tree.Weight, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: <weight> %q: %v", ErrModelFormat, *tree.Weight, err)
		}
		weights[*tree.Index-1] = w
	}

	ls := &LineSearch{
		NumPoints:       *m.Info.NumSamples,
		WindowSize:      *m.Info.WindowSize,
		ReductionFactor: *m.Info.ReductionFactor,
		MaxIterations:   *m.Info.MaxIterations,
		MaxFailedVali:   *m.Info.MaxFailedVali,
		weights:         weights,
	}
	if m.Info.Adaptive != nil {
		ls.Adaptive = *m.Info.Adaptive
	}
	return ls, nil
}
