package models

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Role identifies what an acquisition is used for in the QC pipeline
type Role int

const (
	MainDiffusion Role = iota
	FieldMap
	Anatomical
)

func (r Role) String() string {
	switch r {
	case MainDiffusion:
		return "dwi"
	case FieldMap:
		return "fmap"
	case Anatomical:
		return "anat"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Acquisition represents a single scan instance discovered in the dataset
type Acquisition struct {
	// Subject and Session are the BIDS labels without their "sub-"/"ses-" prefixes
	Subject string
	Session string

	// Run is the BIDS run index. Zero means the filename carries no run entity.
	Run int

	// Acquisition is the acquisition-group tag (BIDS "acq" entity), empty when absent
	Acquisition string

	// Direction is the BIDS "dir" entity (AP, PA, ...) taken from the filename
	Direction string

	// Suffix is the BIDS suffix (dwi, epi, T1w)
	Suffix string

	Role Role

	// Paths to the image and its companion files. Companions are empty when
	// the dataset does not provide them.
	ImagePath   string
	SidecarPath string
	BvalPath    string
	BvecPath    string

	// VolumeCount is the number of entries in the bval file, zero when unknown
	VolumeCount int

	// SliceTiming holds one acquisition time per slice, nil when the sidecar
	// does not carry the field
	SliceTiming []float64

	// MultibandFactor is zero when the sidecar does not carry the field
	MultibandFactor int

	TotalReadoutTime float64

	// PhaseEncodingDirection is the signed axis code from the sidecar (j, j-, i, ...)
	PhaseEncodingDirection string
}

// Stem returns the image filename without directory and NIfTI extension
func (a Acquisition) Stem() string {
	return TrimImageExt(filepath.Base(a.ImagePath))
}

// RelPath returns the image path relative to the subject directory, which is
// the form the IntendedFor field uses (ses-X/dwi/name.nii.gz)
func (a Acquisition) RelPath() string {
	name := filepath.Base(a.ImagePath)
	if a.Session == "" {
		return filepath.ToSlash(filepath.Join(a.Role.String(), name))
	}
	return filepath.ToSlash(filepath.Join("ses-"+a.Session, a.Role.String(), name))
}

// TrimImageExt strips .nii.gz or .nii from a filename
func TrimImageExt(name string) string {
	name = strings.TrimSuffix(name, ".nii.gz")
	return strings.TrimSuffix(name, ".nii")
}

// MatchRationale records why a field map was associated with a diffusion scan
type MatchRationale int

const (
	ByAcquisitionGroup MatchRationale = iota
	ByRunNumber
	SynthesizedFromSelf
)

func (m MatchRationale) String() string {
	switch m {
	case ByAcquisitionGroup:
		return "acquisition-group"
	case ByRunNumber:
		return "run-number"
	case SynthesizedFromSelf:
		return "synthesized"
	}
	return fmt.Sprintf("rationale(%d)", int(m))
}

// MatchedPair associates one diffusion acquisition with the field maps that
// correct it
type MatchedPair struct {
	Diffusion Acquisition
	FieldMaps []Acquisition
	Rationale MatchRationale
}
