package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// hmcDir is the QSIPrep head-motion/susceptibility workflow folder of one run
func hmcDir(work, sub, ses string, run int) string {
	if run < 1 {
		run = 1
	}
	return filepath.Join(work, "qsiprep_wf",
		fmt.Sprintf("single_subject_%s_wf", sub),
		fmt.Sprintf("dwi_preproc_ses_%s_run_%d_wf", ses, run),
		"hmc_sdc_wf")
}

// GatherQsiprepEddy collects the eddy outputs QSIPrep leaves in its work
// directory into eddyDir, renaming the preprocessed bval to <sub>.bval, so
// eddy_quad can run there
func GatherQsiprepEddy(work, outputs, eddyDir, sub, ses string, run int) error {
	if err := os.MkdirAll(eddyDir, 0755); err != nil {
		return fmt.Errorf("error creating eddy directory: %w", err)
	}
	hmc := hmcDir(work, sub, ses, run)

	entries, err := os.ReadDir(filepath.Join(hmc, "eddy"))
	if err != nil {
		return fmt.Errorf("error listing eddy outputs: %w", err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			if err := copyFile(filepath.Join(hmc, "eddy", e.Name()), filepath.Join(eddyDir, e.Name())); err != nil {
				return err
			}
		}
	}

	entries, err = os.ReadDir(filepath.Join(hmc, "gather_inputs"))
	if err != nil {
		return fmt.Errorf("error listing eddy inputs: %w", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "eddy") && strings.HasSuffix(e.Name(), ".txt") {
			if err := copyFile(filepath.Join(hmc, "gather_inputs", e.Name()), filepath.Join(eddyDir, e.Name())); err != nil {
				return err
			}
		}
	}

	if err := CopyInto(eddyDir,
		filepath.Join(hmc, "pre_eddy_b0_ref_wf", "enhance_and_mask_b0", "topup_imain_corrected_avg_mask.nii.gz"),
		filepath.Join(hmc, "topup_to_eddy_reg", "topup_reg_image_flirt.mat"),
		filepath.Join(hmc, "topup", "fieldmap_HZ.nii.gz"),
	); err != nil {
		return err
	}

	runLabel := ""
	if run > 0 {
		runLabel = fmt.Sprintf("_run-%d", run)
	}
	bval := filepath.Join(outputs, "qsirecon", "sub-"+sub, "ses-"+ses, "dwi",
		fmt.Sprintf("sub-%s_ses-%s%s_space-T1w_desc-preproc_space-T1w_fslstd_dwi.bval", sub, ses, runLabel))
	return copyFile(bval, filepath.Join(eddyDir, sub+".bval"))
}
