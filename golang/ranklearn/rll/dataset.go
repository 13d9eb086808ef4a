package rll

import (
	"fmt"
	"os"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

//Layout selects the physical orientation of the feature matrix. Learners ask
//for the layout that matches their access pattern: the line search sweeps
//whole rows (Horizontal), the tree fitter gathers feature columns (Vertical).
type Layout int

const (
	//Horizontal stores one instance per row: instances x features.
	Horizontal Layout = iota
	//Vertical stores one feature per row: features x instances.
	Vertical
)

//QueryResults is a labelled sub-view of the dataset covering one contiguous
//query block. Offset is the position of the block's first instance in the
//dataset order; score vectors are sliced with the same offset.
type QueryResults struct {
	Offset int
	Labels []float64
}

//NumResults returns the number of documents in the query block.
func (qr QueryResults) NumResults() int {
	return len(qr.Labels)
}

//Dataset holds N instances grouped into Q contiguous query blocks. Labels and
//feature rows are aligned with the instance order; the sum of block lengths
//equals N.
type Dataset struct {
	features *mat.Dense
	labels   []float64
	offsets  []int // length Q+1, offsets[q]..offsets[q+1] is query q
	layout   Layout
}

//NewDataset builds a dataset from a horizontal (instances x features) matrix,
//the aligned label vector and the per-query block lengths.
func NewDataset(features *mat.Dense, labels []float64, queryLens []int) (*Dataset, error) {
	h, _ := features.Dims()
	if h == 0 {
		return nil, fmt.Errorf("%w: no instances", ErrEmptyDataset)
	}
	if len(labels) != h {
		return nil, fmt.Errorf("%w: %d labels for %d instances", ErrEmptyDataset, len(labels), h)
	}
	if len(queryLens) == 0 {
		return nil, fmt.Errorf("%w: no queries", ErrEmptyDataset)
	}
	offsets := make([]int, len(queryLens)+1)
	for q, n := range queryLens {
		if n <= 0 {
			return nil, fmt.Errorf("%w: query %d has %d results", ErrEmptyDataset, q, n)
		}
		offsets[q+1] = offsets[q] + n
	}
	if offsets[len(queryLens)] != h {
		return nil, fmt.Errorf("%w: query blocks cover %d of %d instances",
			ErrEmptyDataset, offsets[len(queryLens)], h)
	}
	return &Dataset{features: features, labels: labels, offsets: offsets, layout: Horizontal}, nil
}

//NumInstances returns N.
func (ds *Dataset) NumInstances() int {
	return len(ds.labels)
}

//NumFeatures returns F.
func (ds *Dataset) NumFeatures() int {
	r, c := ds.features.Dims()
	if ds.layout == Horizontal {
		return c
	}
	return r
}

//NumQueries returns Q.
func (ds *Dataset) NumQueries() int {
	return len(ds.offsets) - 1
}

//Layout reports the current physical orientation.
func (ds *Dataset) Layout() Layout {
	return ds.layout
}

//At returns the value of feature f for instance s regardless of layout.
func (ds *Dataset) At(s, f int) float64 {
	if ds.layout == Horizontal {
		return ds.features.At(s, f)
	}
	return ds.features.At(f, s)
}

//Label returns the relevance label of instance s.
func (ds *Dataset) Label(s int) float64 {
	return ds.labels[s]
}

//Labels returns the full label vector in instance order.
func (ds *Dataset) Labels() []float64 {
	return ds.labels
}

//Transpose flips the physical layout of the feature matrix. The logical
//content is unchanged; only the access pattern that is cheap changes.
func (ds *Dataset) Transpose() {
	r, c := ds.features.Dims()
	flipped := mat.NewDense(c, r, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			flipped.Set(j, i, ds.features.At(i, j))
		}
	}
	ds.features = flipped
	if ds.layout == Horizontal {
		ds.layout = Vertical
	} else {
		ds.layout = Horizontal
	}
}

//GetQueryResults yields the labelled sub-view of query q.
func (ds *Dataset) GetQueryResults(q int) QueryResults {
	begin, end := ds.offsets[q], ds.offsets[q+1]
	return QueryResults{Offset: begin, Labels: ds.labels[begin:end]}
}

//ReadNpyDataset reads a dataset stored as three .npy files: an instances x
//features matrix, a label column and a query-id column. Instances that share
//a query id must be stored contiguously.
func ReadNpyDataset(fileNameFeatures, fileNameLabels, fileNameQids string) (*Dataset, error) {
	features, err := readNpy(fileNameFeatures)
	if err != nil {
		return nil, err
	}
	labelsMat, err := readNpy(fileNameLabels)
	if err != nil {
		return nil, err
	}
	qidsMat, err := readNpy(fileNameQids)
	if err != nil {
		return nil, err
	}

	h, _ := features.Dims()
	labels := make([]float64, h)
	qids := make([]float64, h)
	for s := 0; s < h; s++ {
		labels[s] = labelsMat.At(s, 0)
		qids[s] = qidsMat.At(s, 0)
	}

	var queryLens []int
	for s := 0; s < h; s++ {
		if s == 0 || qids[s] != qids[s-1] {
			queryLens = append(queryLens, 0)
		}
		queryLens[len(queryLens)-1]++
	}

	return NewDataset(features, labels, queryLens)
}

//readNpy reads the content of one npy file into a dense matrix.
func readNpy(fileName string) (*mat.Dense, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer func() { HandleError(f.Close()) }()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fileName, err)
	}

	denseMat := &mat.Dense{}
	if err := r.Read(denseMat); err != nil {
		return nil, fmt.Errorf("read %s: %w", fileName, err)
	}
	return denseMat, nil
}

//WriteNpyScores dumps a score vector as a one-column npy matrix.
func WriteNpyScores(fileName string, scores []float64) error {
	dst, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer func() { HandleError(dst.Close()) }()

	column := mat.NewDense(len(scores), 1, scores)
	return npyio.Write(dst, column)
}
