// Package slspec derives the slice acquisition order (eddy --slspec) from the
// SliceTiming of a multiband diffusion series.
//
// Slice indices are 0-based, which is what eddy expects.
package slspec

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"dwiqc/internal/models"
	"dwiqc/pkg/bids"
)

// Derive computes the slice groups from per-slice acquisition times.
// An even slice count groups slices that share a timing value; an odd slice
// count falls back to the fixed three column layout.
func Derive(times []float64) (models.SliceOrderSpec, error) {
	n := len(times)
	if n == 0 {
		return models.SliceOrderSpec{}, fmt.Errorf("empty slice timing")
	}
	if n%2 == 0 {
		return evenSlices(times)
	}
	return oddSlices(n), nil
}

// evenSlices sorts slice indices by acquisition time and cuts them into
// groups of n/G where G is the number of distinct times
func evenSlices(times []float64) (models.SliceOrderSpec, error) {
	n := len(times)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case times[a] < times[b]:
			return -1
		case times[a] > times[b]:
			return 1
		}
		return 0
	})

	distinct := 1
	for i := 1; i < n; i++ {
		if times[order[i]] != times[order[i-1]] {
			distinct++
		}
	}
	if n%distinct != 0 {
		return models.SliceOrderSpec{}, fmt.Errorf("%d slices do not divide into %d timing groups", n, distinct)
	}

	size := n / distinct
	spec := models.SliceOrderSpec{Groups: make([][]int, 0, distinct)}
	for start := 0; start < n; start += size {
		spec.Groups = append(spec.Groups, append([]int(nil), order[start:start+size]...))
	}
	return spec, nil
}

// oddSlices builds one row per slice: the first column lists even positions
// then odd positions, the next two columns repeat it shifted by n and 2n
func oddSlices(n int) models.SliceOrderSpec {
	col := make([]int, 0, n)
	for i := 0; i < n; i += 2 {
		col = append(col, i)
	}
	for i := 1; i < n; i += 2 {
		col = append(col, i)
	}
	spec := models.SliceOrderSpec{Groups: make([][]int, n)}
	for i, v := range col {
		spec.Groups[i] = []int{v, v + n, v + 2*n}
	}
	return spec
}

// Write stores the slice order as one whitespace-separated row per group
func Write(path string, spec models.SliceOrderSpec) error {
	var b strings.Builder
	for _, g := range spec.Groups {
		for i, idx := range g {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strconv.Itoa(idx))
		}
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("error writing slspec file: %w", err)
	}
	return nil
}

// FileName returns the conventional slspec filename for a spec: eddy needs to
// know whether the odd-slice layout was used
func FileName(numSlices int) string {
	if numSlices%2 == 0 {
		return "even_slices_slspec.txt"
	}
	return "odd_slices_slspec.txt"
}

// Deriver resolves the main diffusion scan of a session and derives its spec
type Deriver struct {
	Layout *bids.Layout

	// Strict turns "more than one diffusion scan" into a SpecError instead of
	// a warning with first-match fallback
	Strict bool

	Logger *zap.Logger
}

// FromCatalog derives the slice order of the single diffusion scan selected by q
func (d *Deriver) FromCatalog(q bids.Query) (models.Acquisition, models.SliceOrderSpec, error) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	q.Suffix = "dwi"
	acq, err := d.Layout.One(q, d.Strict)
	if err != nil {
		return models.Acquisition{}, models.SliceOrderSpec{}, err
	}
	spec, err := ForAcquisition(acq)
	if err != nil {
		return models.Acquisition{}, models.SliceOrderSpec{}, err
	}
	logger.Debug("derived slice order",
		zap.String("dwi", acq.ImagePath),
		zap.Int("slices", len(acq.SliceTiming)),
		zap.Int("groups", len(spec.Groups)),
		zap.Int("indices", spec.NumSlices()))
	return acq, spec, nil
}

// ForAcquisition derives the slice order of one diffusion acquisition. A
// missing SliceTiming field is a SpecError; it is never defaulted.
func ForAcquisition(acq models.Acquisition) (models.SliceOrderSpec, error) {
	q := bids.Query{Subject: acq.Subject, Session: acq.Session, Run: acq.Run}
	if len(acq.SliceTiming) == 0 {
		return models.SliceOrderSpec{}, bids.NewSpecError(q, "SliceTiming metadata missing for %s", acq.ImagePath)
	}
	spec, err := Derive(acq.SliceTiming)
	if err != nil {
		return models.SliceOrderSpec{}, bids.NewSpecError(q, "cannot derive slice order for %s: %v", acq.ImagePath, err)
	}
	// the odd layout spans 3n indices, so check against the spec's own size
	if err := spec.Validate(spec.NumSlices()); err != nil {
		return models.SliceOrderSpec{}, bids.NewSpecError(q, "invalid slice order for %s: %v", acq.ImagePath, err)
	}
	return spec, nil
}
