package eddy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"dwiqc/internal/models"
)

// ParamsFileName is the name QSIPrep's --eddy-config points at
const ParamsFileName = "eddy_params_s2v_mbs.json"

// DefaultParameters returns the fixed eddy settings used for slice-to-volume
// correction with outlier replacement. MPOrder and SliceOrder are left unset.
func DefaultParameters() models.CorrectionParameters {
	return models.CorrectionParameters{
		FLM:                          "quadratic",
		SLM:                          "linear",
		FEP:                          false,
		Interp:                       "spline",
		NVoxHP:                       1000,
		FudgeFactor:                  10,
		DontSepOffsMove:              false,
		DontPeas:                     false,
		NIter:                        5,
		Method:                       "jac",
		Repol:                        true,
		NumThreads:                   1,
		IsShelled:                    true,
		UseCUDA:                      true,
		CNRMaps:                      true,
		Residuals:                    true,
		OutputType:                   "NIFTI_GZ",
		EstimateMoveBySusceptibility: true,
		Args:                         "--ol_nstd=5 --ol_type=gw",
	}
}

// Inputs collects the derived values merged into the parameter document
type Inputs struct {
	// Defaults replaces the built-in table when non-nil
	Defaults *models.CorrectionParameters

	MPOrder int

	// SliceOrderPath is the slspec file eddy reads slice groups from
	SliceOrderPath string

	NoGPU bool

	// ExtraArgs are appended to the args string verbatim
	ExtraArgs []string
}

// BuildParameters merges the defaults table with the computed mporder, the
// slice order file and the GPU setting
func BuildParameters(in Inputs) (models.CorrectionParameters, error) {
	p := DefaultParameters()
	if in.Defaults != nil {
		p = *in.Defaults
	}
	if in.MPOrder < 1 {
		return p, fmt.Errorf("invalid mporder %d", in.MPOrder)
	}
	if in.SliceOrderPath == "" {
		return p, fmt.Errorf("slice order file is required")
	}
	p.MPOrder = in.MPOrder
	p.SliceOrder = in.SliceOrderPath
	p.UseCUDA = !in.NoGPU
	if len(in.ExtraArgs) > 0 {
		p.Args = strings.TrimSpace(p.Args + " " + strings.Join(in.ExtraArgs, " "))
	}
	return p, nil
}

// Write saves the parameter document as JSON
func Write(path string, p models.CorrectionParameters) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding eddy parameters: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("error writing eddy parameters: %w", err)
	}
	return nil
}
