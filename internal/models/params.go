package models

import "fmt"

// SliceOrderSpec lists the slice groups acquired together in one multiband shot.
// Indices are 0-based.
type SliceOrderSpec struct {
	Groups [][]int
}

// NumSlices returns the total number of indices across all groups
func (s SliceOrderSpec) NumSlices() int {
	n := 0
	for _, g := range s.Groups {
		n += len(g)
	}
	return n
}

// Validate checks that the groups partition [0, n) with no index omitted or repeated
func (s SliceOrderSpec) Validate(n int) error {
	seen := make([]bool, n)
	for gi, g := range s.Groups {
		for _, idx := range g {
			if idx < 0 || idx >= n {
				return fmt.Errorf("group %d: slice index %d out of range [0, %d)", gi, idx, n)
			}
			if seen[idx] {
				return fmt.Errorf("group %d: slice index %d appears twice", gi, idx)
			}
			seen[idx] = true
		}
	}
	for idx, ok := range seen {
		if !ok {
			return fmt.Errorf("slice index %d missing from spec", idx)
		}
	}
	return nil
}

// CorrectionParameters is the eddy parameter document handed to QSIPrep via
// --eddy-config. Field names follow the keys eddy expects.
type CorrectionParameters struct {
	FLM                          string `json:"flm" yaml:"flm"`
	SLM                          string `json:"slm" yaml:"slm"`
	FEP                          bool   `json:"fep" yaml:"fep"`
	Interp                       string `json:"interp" yaml:"interp"`
	NVoxHP                       int    `json:"nvoxhp" yaml:"nvoxhp"`
	FudgeFactor                  int    `json:"fudge_factor" yaml:"fudge_factor"`
	DontSepOffsMove              bool   `json:"dont_sep_offs_move" yaml:"dont_sep_offs_move"`
	DontPeas                     bool   `json:"dont_peas" yaml:"dont_peas"`
	NIter                        int    `json:"niter" yaml:"niter"`
	Method                       string `json:"method" yaml:"method"`
	Repol                        bool   `json:"repol" yaml:"repol"`
	NumThreads                   int    `json:"num_threads" yaml:"num_threads"`
	IsShelled                    bool   `json:"is_shelled" yaml:"is_shelled"`
	UseCUDA                      bool   `json:"use_cuda" yaml:"use_cuda"`
	CNRMaps                      bool   `json:"cnr_maps" yaml:"cnr_maps"`
	Residuals                    bool   `json:"residuals" yaml:"residuals"`
	OutputType                   string `json:"output_type" yaml:"output_type"`
	EstimateMoveBySusceptibility bool   `json:"estimate_move_by_susceptibility" yaml:"estimate_move_by_susceptibility"`
	MPOrder                      int    `json:"mporder" yaml:"mporder,omitempty"`
	SliceOrder                   string `json:"slice_order" yaml:"slice_order,omitempty"`
	Args                         string `json:"args" yaml:"args"`
}

// QualityMetrics holds the normalized eddy_quad results for one session
type QualityMetrics struct {
	// AbsMotion and RelMotion are the raw motion scores, never rounded
	AbsMotion float64
	RelMotion float64

	// Translation is the average x, y, z translation in mm
	Translation [3]float64

	// SNRb0 is the average signal-to-noise ratio of the b0 shell
	SNRb0 float64

	// CNR maps a non-zero shell b-value to its average contrast-to-noise ratio
	CNR map[int]float64
}
