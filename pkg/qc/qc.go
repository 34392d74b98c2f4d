// Package qc reads the eddy_quad qc.json report and flattens it into the
// eddy_metrics.json document consumed by report assembly.
package qc

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"

	"dwiqc/internal/models"
)

const (
	// ReportFileName is the eddy_quad output parsed by Parse
	ReportFileName = "qc.json"

	// MetricsFileName is the flattened document written by WriteMetrics
	MetricsFileName = "eddy_metrics.json"
)

// Flattened metric names
const (
	KeySNRb0     = "Average_SNR_b0"
	KeyAbsMotion = "Average_abs_motion_mm"
	KeyRelMotion = "Average_rel_motion_mm"
	KeyXTrans    = "Average_x_translation_mm"
	KeyYTrans    = "Average_y_translation_mm"
	KeyZTrans    = "Average_z_translation_mm"

	cnrPrefix = "Average_CNR_b"
)

// CNRKey names the contrast-to-noise metric of a shell
func CNRKey(shell int) string {
	return cnrPrefix + strconv.Itoa(shell)
}

// ParseCNRKey extracts the shell from a CNR metric name
func ParseCNRKey(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, cnrPrefix)
	if !ok {
		return 0, false
	}
	shell, err := strconv.Atoi(rest)
	return shell, err == nil
}

// ReportError means the eddy_quad report is missing or incomplete, which
// indicates the correction run itself failed
type ReportError struct {
	Path string
	Key  string
	Err  error
}

func (e *ReportError) Error() string {
	switch {
	case e.Key != "" && e.Err != nil:
		return fmt.Sprintf("quality report %s: key %q: %v", e.Path, e.Key, e.Err)
	case e.Key != "":
		return fmt.Sprintf("quality report %s: missing required key %q", e.Path, e.Key)
	}
	return fmt.Sprintf("quality report %s: %v", e.Path, e.Err)
}

func (e *ReportError) Unwrap() error { return e.Err }

var requiredKeys = []string{"qc_mot_abs", "qc_mot_rel", "qc_params_avg", "qc_cnr_avg", "data_unique_bvals"}

func decodeKey(path string, doc map[string]json.RawMessage, key string, v any) error {
	if err := json.Unmarshal(doc[key], v); err != nil {
		return &ReportError{Path: path, Key: key, Err: err}
	}
	return nil
}

// Parse reads an eddy_quad report. The first qc_cnr_avg entry belongs to
// the b0 shell and is the b0 signal-to-noise ratio; the rest pair with the
// non-zero shells of data_unique_bvals in order.
func Parse(path string) (models.QualityMetrics, error) {
	var m models.QualityMetrics
	data, err := os.ReadFile(path)
	if err != nil {
		return m, &ReportError{Path: path, Err: err}
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return m, &ReportError{Path: path, Err: err}
	}
	for _, key := range requiredKeys {
		if _, ok := doc[key]; !ok {
			return m, &ReportError{Path: path, Key: key}
		}
	}

	var params, cnr, bvals []float64
	if err := decodeKey(path, doc, "qc_mot_abs", &m.AbsMotion); err != nil {
		return m, err
	}
	if err := decodeKey(path, doc, "qc_mot_rel", &m.RelMotion); err != nil {
		return m, err
	}
	if err := decodeKey(path, doc, "qc_params_avg", &params); err != nil {
		return m, err
	}
	if err := decodeKey(path, doc, "qc_cnr_avg", &cnr); err != nil {
		return m, err
	}
	if err := decodeKey(path, doc, "data_unique_bvals", &bvals); err != nil {
		return m, err
	}

	if len(params) < 3 {
		return m, &ReportError{Path: path, Key: "qc_params_avg",
			Err: fmt.Errorf("expected 3 translation values, got %d", len(params))}
	}
	copy(m.Translation[:], params[:3])

	if len(bvals) == 0 || len(cnr) != len(bvals) {
		return m, &ReportError{Path: path, Key: "qc_cnr_avg",
			Err: fmt.Errorf("%d values for %d shells", len(cnr), len(bvals))}
	}
	order := make([]int, len(bvals))
	floats.Argsort(append([]float64(nil), bvals...), order)

	m.SNRb0 = cnr[order[0]]
	m.CNR = make(map[int]float64, len(bvals)-1)
	for _, i := range order[1:] {
		m.CNR[int(bvals[i]+0.5)] = cnr[i]
	}
	return m, nil
}

// Flatten names every metric with the stable key rule. Derived values are
// rounded to two decimals; the raw motion scores are passed through.
func Flatten(m models.QualityMetrics) map[string]float64 {
	out := map[string]float64{
		KeySNRb0:     scalar.Round(m.SNRb0, 2),
		KeyAbsMotion: m.AbsMotion,
		KeyRelMotion: m.RelMotion,
		KeyXTrans:    scalar.Round(m.Translation[0], 2),
		KeyYTrans:    scalar.Round(m.Translation[1], 2),
		KeyZTrans:    scalar.Round(m.Translation[2], 2),
	}
	for shell, v := range m.CNR {
		out[CNRKey(shell)] = scalar.Round(v, 2)
	}
	return out
}

// Shells returns the non-zero shells present in a flattened map, ascending
func Shells(flat map[string]float64) []int {
	var shells []int
	for k := range flat {
		if shell, ok := ParseCNRKey(k); ok {
			shells = append(shells, shell)
		}
	}
	sort.Ints(shells)
	return shells
}

// WriteMetrics writes the flattened metrics as eddy_metrics.json
func WriteMetrics(path string, m models.QualityMetrics) error {
	data, err := json.MarshalIndent(Flatten(m), "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding metrics: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("error writing metrics: %w", err)
	}
	return nil
}

// ReadMetrics loads a flattened metrics document
func ReadMetrics(path string) (map[string]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading metrics: %w", err)
	}
	var out map[string]float64
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("error parsing metrics %s: %w", path, err)
	}
	return out, nil
}

// IsReportError reports whether err came from a missing or incomplete report
func IsReportError(err error) bool {
	var re *ReportError
	return errors.As(err, &re)
}
