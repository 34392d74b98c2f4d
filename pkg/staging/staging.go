// Package staging lays out the input and side files the preprocessing
// containers expect before they are launched.
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"dwiqc/internal/models"
)

const (
	// ConfigFileName is the PreQual per-scan phase-encode table
	ConfigFileName = "dtiQA_config.csv"

	// NipypeFileName keeps QSIPrep intermediates on disk for eddy_quad
	NipypeFileName = "nipype.cfg"
)

const nipypeConfig = `[logging]

[execution]
remove_unnecessary_outputs = false

[monitoring]
`

// copyFile copies src to dst, replacing dst
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("error copying %s: %w", src, err)
	}
	return out.Close()
}

// CopyInto copies each non-empty path into dir, keeping base names
func CopyInto(dir string, paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := copyFile(p, filepath.Join(dir, filepath.Base(p))); err != nil {
			return err
		}
	}
	return nil
}

// Prequal stages one session into a PreQual INPUTS directory
type Prequal struct {
	Dir    string
	Logger *zap.Logger
}

// NewPrequal creates a stager writing into dir
func NewPrequal(dir string, logger *zap.Logger) *Prequal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prequal{Dir: dir, Logger: logger}
}

// Stage copies the diffusion scan and its field maps, writes zero gradient
// files for every field map and the dtiQA_config.csv table
func (p *Prequal) Stage(dwi models.Acquisition, fmaps []models.Acquisition) error {
	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return fmt.Errorf("error creating inputs directory: %w", err)
	}
	if err := CopyInto(p.Dir, dwi.ImagePath, dwi.SidecarPath, dwi.BvalPath, dwi.BvecPath); err != nil {
		return err
	}
	for _, fm := range fmaps {
		if err := CopyInto(p.Dir, fm.ImagePath, fm.SidecarPath); err != nil {
			return err
		}
		if err := WriteDummyGradients(p.Dir, fm.Stem()); err != nil {
			return err
		}
	}
	if err := WriteConfigCSV(filepath.Join(p.Dir, ConfigFileName), dwi, fmaps); err != nil {
		return err
	}
	p.Logger.Info("staged prequal inputs",
		zap.String("dir", p.Dir),
		zap.String("dwi", dwi.Stem()),
		zap.Int("fieldMaps", len(fmaps)))
	return nil
}

// WriteDummyGradients writes the single zero b-value and zero vector PreQual
// requires beside each field map
func WriteDummyGradients(dir, stem string) error {
	base := filepath.Join(dir, stem)
	if err := os.WriteFile(base+".bval", []byte("0"), 0644); err != nil {
		return fmt.Errorf("error writing dummy bval: %w", err)
	}
	if err := os.WriteFile(base+".bvec", []byte("0\n0\n0"), 0644); err != nil {
		return fmt.Errorf("error writing dummy bvec: %w", err)
	}
	return nil
}

// PhaseSign maps a phase-encode direction to the sign PreQual expects
func PhaseSign(direction string) string {
	if direction == "j" {
		return "+"
	}
	return "-"
}

// WriteConfigCSV writes one "<stem>,<sign>,<readout>" line for the diffusion
// scan, always positive, followed by one line per field map. Every line
// carries the diffusion scan's total readout time.
func WriteConfigCSV(path string, dwi models.Acquisition, fmaps []models.Acquisition) error {
	if dwi.TotalReadoutTime <= 0 {
		return fmt.Errorf("%s has no TotalReadoutTime", dwi.Stem())
	}
	readout := strconv.FormatFloat(dwi.TotalReadoutTime, 'f', -1, 64)

	var b strings.Builder
	fmt.Fprintf(&b, "%s,+,%s\n", dwi.Stem(), readout)
	for _, fm := range fmaps {
		if fm.PhaseEncodingDirection == "" {
			return fmt.Errorf("%s has no PhaseEncodingDirection", fm.Stem())
		}
		fmt.Fprintf(&b, "%s,%s,%s\n", fm.Stem(), PhaseSign(fm.PhaseEncodingDirection), readout)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("error writing %s: %w", ConfigFileName, err)
	}
	return nil
}

// WriteNipypeConfig writes nipype.cfg into dir
func WriteNipypeConfig(dir string) (string, error) {
	path := filepath.Join(dir, NipypeFileName)
	if err := os.WriteFile(path, []byte(nipypeConfig), 0644); err != nil {
		return "", fmt.Errorf("error writing nipype config: %w", err)
	}
	return path, nil
}
