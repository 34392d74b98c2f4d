package bids

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"dwiqc/internal/models"
)

// GradientTable holds the b-values and unit gradient directions of a diffusion series
type GradientTable struct {
	// Bvals has one entry per volume
	Bvals []float64

	// Bvecs is a 3 x N matrix, one column per volume (rows x, y, z)
	Bvecs *mat.Dense
}

// readRows parses a whitespace-separated numeric text file into rows
func readRows(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	defer f.Close()

	var rows [][]float64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("error parsing %s: %w", path, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	return rows, nil
}

// ReadGradients loads the bval and bvec files of a diffusion acquisition
func ReadGradients(acq models.Acquisition) (GradientTable, error) {
	q := Query{Subject: acq.Subject, Session: acq.Session, Run: acq.Run}
	if acq.BvalPath == "" {
		return GradientTable{}, NewSpecError(q, "no bval file for %s", acq.ImagePath)
	}
	rows, err := readRows(acq.BvalPath)
	if err != nil {
		return GradientTable{}, err
	}
	var bvals []float64
	for _, r := range rows {
		bvals = append(bvals, r...)
	}
	if len(bvals) == 0 {
		return GradientTable{}, NewSpecError(q, "bval file %s is empty", acq.BvalPath)
	}
	table := GradientTable{Bvals: bvals}

	if acq.BvecPath == "" {
		return table, nil
	}
	vecs, err := readRows(acq.BvecPath)
	if err != nil {
		return GradientTable{}, err
	}
	if len(vecs) != 3 {
		return GradientTable{}, NewSpecError(q, "bvec file %s has %d rows, expected 3", acq.BvecPath, len(vecs))
	}
	data := make([]float64, 0, 3*len(bvals))
	for axis, r := range vecs {
		if len(r) != len(bvals) {
			return GradientTable{}, NewSpecError(q, "bvec row %d has %d entries but there are %d b-values", axis, len(r), len(bvals))
		}
		data = append(data, r...)
	}
	table.Bvecs = mat.NewDense(3, len(bvals), data)
	return table, nil
}

// MaxBval returns the largest b-value in the table
func (g GradientTable) MaxBval() float64 {
	return floats.Max(g.Bvals)
}
