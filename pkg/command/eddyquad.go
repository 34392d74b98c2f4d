package command

import (
	"fmt"
	"path/filepath"
)

// QuadInputs locates the eddy outputs eddy_quad summarizes
type QuadInputs struct {
	// Dir is the working directory eddy_quad runs in
	Dir string

	// Image is the container providing FSL for PreQual runs; QSIPrep runs
	// call the host eddy_quad
	Image string

	// SliceSpec is the slspec file eddy was given
	SliceSpec string

	Subject string
}

// QuadDir returns the directory eddy_quad runs in for a tool's output tree
func QuadDir(tool Tool, outputs string) string {
	if tool == Prequal {
		return filepath.Join(outputs, "EDDY")
	}
	return filepath.Join(outputs, "qsiprep", "eddy_files")
}

// QuadBase is the eddy output basename eddy_quad summarizes for a tool
func QuadBase(tool Tool) string {
	if tool == Prequal {
		return "eddy_results"
	}
	return "eddy_corrected"
}

// QuadReport returns where eddy_quad leaves its qc.json
func QuadReport(tool Tool, outputs string) string {
	return filepath.Join(QuadDir(tool, outputs), QuadBase(tool)+".qc", "qc.json")
}

// EddyQuad builds the eddy_quad invocation that follows a tool run. Its
// qc.json is what the qc package parses.
func EddyQuad(tool Tool, in QuadInputs, binds Binds) ([]string, error) {
	if in.SliceSpec == "" {
		return nil, fmt.Errorf("eddy_quad requires a slice spec file")
	}
	switch tool {
	case Prequal:
		if in.Image == "" {
			return nil, fmt.Errorf("eddy_quad for prequal requires the prequal image")
		}
		argv := []string{"singularity", "exec"}
		// the slspec lives in OUTPUTS, which also holds the ../ inputs below
		if filepath.IsAbs(in.SliceSpec) {
			argv = append(argv, bindArgs(Bind{Host: filepath.Dir(in.SliceSpec)})...)
		}
		argv = append(argv, bindArgs(binds.CodeOverrides...)...)
		argv = append(argv, bindArgs(binds.Extra...)...)
		return append(argv,
			in.Image,
			"/APPS/fsl/bin/eddy_quad",
			QuadBase(Prequal),
			"-idx", "index.txt",
			"-par", "acqparams.txt",
			"--mask=eddy_mask.nii.gz",
			"--bvals=../PREPROCESSED/dwmri.bval",
			"--bvecs=../PREPROCESSED/dwmri.bvec",
			"--field", "../TOPUP/topup_field.nii.gz",
			"-s", in.SliceSpec,
			"-v",
		), nil
	case Qsiprep:
		if in.Subject == "" {
			return nil, fmt.Errorf("eddy_quad for qsiprep requires a subject")
		}
		return []string{
			"eddy_quad",
			QuadBase(Qsiprep),
			"-idx", "eddy_index.txt",
			"-par", "eddy_acqp.txt",
			"--mask=topup_imain_corrected_avg_mask.nii.gz",
			"--bvals=" + in.Subject + ".bval",
			"--bvecs=eddy_corrected.eddy_rotated_bvecs",
			"--field", "fieldmap_HZ.nii.gz",
			"-s", in.SliceSpec,
			"-v",
		}, nil
	}
	return nil, fmt.Errorf("unknown tool %s", tool)
}
