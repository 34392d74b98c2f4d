// Package testutil builds small synthetic BIDS datasets for tests.
package testutil

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dwiqc/pkg/nifti"
)

// Scan describes one acquisition to write into a synthetic dataset
type Scan struct {
	Subject     string
	Session     string
	Run         int
	Acquisition string
	Direction   string

	// Datatype is the BIDS folder: dwi, fmap or anat
	Datatype string
	Suffix   string

	// Sidecar is written as the JSON sidecar when non-nil
	Sidecar map[string]any

	// Bvals, when set, produces bval and bvec files and one image volume per entry
	Bvals []float64

	// Volumes is used when Bvals is empty; defaults to 1
	Volumes int

	// PixDim sets the x voxel spacing; defaults to 1
	PixDim float32
}

// Dataset is a BIDS tree under a test temp dir
type Dataset struct {
	Root string
	t    testing.TB
}

// NewDataset creates an empty dataset root
func NewDataset(t testing.TB) *Dataset {
	t.Helper()
	return &Dataset{Root: t.TempDir(), t: t}
}

// Stem returns the BIDS filename stem for a scan
func (s Scan) Stem() string {
	parts := []string{"sub-" + s.Subject}
	if s.Session != "" {
		parts = append(parts, "ses-"+s.Session)
	}
	if s.Acquisition != "" {
		parts = append(parts, "acq-"+s.Acquisition)
	}
	if s.Direction != "" {
		parts = append(parts, "dir-"+s.Direction)
	}
	if s.Run > 0 {
		parts = append(parts, fmt.Sprintf("run-%d", s.Run))
	}
	parts = append(parts, s.Suffix)
	return strings.Join(parts, "_")
}

// Dir returns the folder a scan is written to
func (d *Dataset) Dir(s Scan) string {
	dir := filepath.Join(d.Root, "sub-"+s.Subject)
	if s.Session != "" {
		dir = filepath.Join(dir, "ses-"+s.Session)
	}
	return filepath.Join(dir, s.Datatype)
}

// Add writes the scan's image and companions and returns the image path.
// Every voxel of volume v holds the value v+1.
func (d *Dataset) Add(s Scan) string {
	d.t.Helper()
	dir := d.Dir(s)
	if err := os.MkdirAll(dir, 0755); err != nil {
		d.t.Fatalf("Failed to create %s: %v", dir, err)
	}
	base := filepath.Join(dir, s.Stem())

	nvol := s.Volumes
	if len(s.Bvals) > 0 {
		nvol = len(s.Bvals)
	}
	if nvol < 1 {
		nvol = 1
	}
	img, err := nifti.New(2, 2, 2, nvol, nifti.DTInt16)
	if err != nil {
		d.t.Fatalf("Failed to create image: %v", err)
	}
	if s.PixDim > 0 {
		img.Header.PixDim[1] = s.PixDim
	}
	size := img.VolumeBytes()
	for v := 0; v < nvol; v++ {
		for i := 0; i < size; i += 2 {
			binary.LittleEndian.PutUint16(img.Data[v*size+i:], uint16(v+1))
		}
	}
	imagePath := base + ".nii.gz"
	if err := nifti.Write(imagePath, img); err != nil {
		d.t.Fatalf("Failed to write image: %v", err)
	}

	if s.Sidecar != nil {
		data, err := json.MarshalIndent(s.Sidecar, "", "  ")
		if err != nil {
			d.t.Fatalf("Failed to encode sidecar: %v", err)
		}
		d.WriteFile(base+".json", string(data))
	}

	if len(s.Bvals) > 0 {
		bvals := make([]string, len(s.Bvals))
		rows := [3][]string{}
		for i, b := range s.Bvals {
			bvals[i] = fmt.Sprintf("%g", b)
			for axis := 0; axis < 3; axis++ {
				v := "0"
				if b > 0 && axis == i%3 {
					v = "1"
				}
				rows[axis] = append(rows[axis], v)
			}
		}
		d.WriteFile(base+".bval", strings.Join(bvals, " ")+"\n")
		d.WriteFile(base+".bvec", strings.Join(rows[0], " ")+"\n"+strings.Join(rows[1], " ")+"\n"+strings.Join(rows[2], " ")+"\n")
	}
	return imagePath
}

// WriteFile writes content to path, failing the test on error
func (d *Dataset) WriteFile(path, content string) {
	d.t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		d.t.Fatalf("Failed to write %s: %v", path, err)
	}
}

// ReadJSON decodes a JSON file into a generic map
func ReadJSON(t testing.TB, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Failed to parse %s: %v", path, err)
	}
	return out
}

// DiffusionSidecar returns a typical multiband dwi sidecar: 12 slices,
// multiband factor 3, slices acquired in 4 shots
func DiffusionSidecar() map[string]any {
	return map[string]any{
		"SliceTiming":                 []float64{0, 0.5, 1, 1.5, 0, 0.5, 1, 1.5, 0, 0.5, 1, 1.5},
		"MultibandAccelerationFactor": 3,
		"TotalReadoutTime":            0.0695,
		"PhaseEncodingDirection":      "j-",
		"Manufacturer":                "Siemens",
		"ManufacturersModelName":      "Prisma",
		"SeriesDescription":           "dMRI_dir98_AP",
	}
}

// ReadFileString returns the content of path, failing the test on error
func ReadFileString(t testing.TB, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return string(data)
}
