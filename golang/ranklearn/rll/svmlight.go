package rll

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

//ReadSVMLight parses a LETOR/SVMLight ranking file, one instance per line:
//
//	<label> qid:<qid> <feature>:<value> ... [# comment]
//
//Feature ids are 1-based and may be sparse; missing features read as 0. The
//instances of a query must be contiguous, which is how LETOR files are laid
//out.
func ReadSVMLight(fileName string) (*Dataset, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer func() { HandleError(f.Close()) }()

	var (
		rows       []map[int]float64
		labels     []float64
		qids       []string
		maxFeature int
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<22)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 || !strings.HasPrefix(fields[1], "qid:") {
			return nil, fmt.Errorf("%s:%d: expected \"<label> qid:<qid> ...\"", fileName, lineNo)
		}
		label, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad label %q", fileName, lineNo, fields[0])
		}

		row := make(map[int]float64, len(fields)-2)
		for _, pair := range fields[2:] {
			sep := strings.IndexByte(pair, ':')
			if sep <= 0 {
				return nil, fmt.Errorf("%s:%d: bad feature pair %q", fileName, lineNo, pair)
			}
			id, err := strconv.Atoi(pair[:sep])
			if err != nil || id < 1 {
				return nil, fmt.Errorf("%s:%d: bad feature id %q", fileName, lineNo, pair[:sep])
			}
			val, err := strconv.ParseFloat(pair[sep+1:], 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: bad feature value %q", fileName, lineNo, pair[sep+1:])
			}
			row[id] = val
			if id > maxFeature {
				maxFeature = id
			}
		}

		rows = append(rows, row)
		labels = append(labels, label)
		qids = append(qids, fields[1][len("qid:"):])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDataset, fileName)
	}

	features := mat.NewDense(len(rows), maxFeature, nil)
	for s, row := range rows {
		for id, val := range row {
			features.Set(s, id-1, val)
		}
	}

	var queryLens []int
	for s := range qids {
		if s == 0 || qids[s] != qids[s-1] {
			queryLens = append(queryLens, 0)
		}
		queryLens[len(queryLens)-1]++
	}

	return NewDataset(features, labels, queryLens)
}
