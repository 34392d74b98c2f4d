// Package matcher pairs diffusion scans with the reversed phase-encode field
// maps that correct them, synthesizing a field map from a scan's own b0
// volumes when the dataset provides none.
package matcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"dwiqc/internal/models"
	"dwiqc/pkg/bids"
	"dwiqc/pkg/nifti"
	"dwiqc/pkg/sidecar"
)

// DefaultB0Threshold is the largest minimum b-value still treated as a true b0 shell
const DefaultB0Threshold = 50.0

// Matcher runs the pairing, synthesis and linking pass for one session
type Matcher struct {
	Layout *bids.Layout

	// B0Threshold bounds the minimum b-value of a series; above it the
	// synthesized field map is still produced but a warning is logged
	B0Threshold float64

	Logger *zap.Logger
}

// Result is the outcome of one matching pass
type Result struct {
	Pairs []models.MatchedPair

	// Synthesized lists the field maps created from diffusion data
	Synthesized []models.Acquisition
}

// New creates a matcher over a catalog
func New(layout *bids.Layout, b0Threshold float64, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if b0Threshold <= 0 {
		b0Threshold = DefaultB0Threshold
	}
	return &Matcher{Layout: layout, B0Threshold: b0Threshold, Logger: logger}
}

// pairKey reports whether dwi and fmap belong together and by which tag.
// The acquisition group decides when both sides carry one; otherwise the run
// number decides when both sides carry one.
func pairKey(dwi, fmap models.Acquisition) (models.MatchRationale, bool, bool) {
	if dwi.Acquisition != "" && fmap.Acquisition != "" {
		return models.ByAcquisitionGroup, dwi.Acquisition == fmap.Acquisition, true
	}
	if dwi.Run != 0 && fmap.Run != 0 {
		return models.ByRunNumber, dwi.Run == fmap.Run, true
	}
	return 0, false, false
}

func hasTag(a models.Acquisition) bool {
	return a.Acquisition != "" || a.Run != 0
}

func phaseKey(a models.Acquisition) string {
	if a.Direction != "" {
		return a.Direction
	}
	return a.PhaseEncodingDirection
}

func byPath(in []models.Acquisition) []models.Acquisition {
	out := append([]models.Acquisition(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ImagePath < out[j].ImagePath })
	return out
}

// Pair associates field maps with diffusion scans and returns the scans left
// without any field map.
//
// Scans and field maps are visited in image path order. A scan claims at most
// one field map per phase-encode direction and a field map is claimed by at
// most one scan, so ties between field maps sharing a tag resolve to the
// lexically first candidate.
func Pair(dwis, fmaps []models.Acquisition) ([]models.MatchedPair, []models.Acquisition, error) {
	dwis = byPath(dwis)
	fmaps = byPath(fmaps)

	if len(fmaps) > 0 && len(fmaps) == 2*len(dwis) {
		tagged := false
		for _, a := range append(append([]models.Acquisition(nil), dwis...), fmaps...) {
			if hasTag(a) {
				tagged = true
				break
			}
		}
		if !tagged {
			d := dwis[0]
			return nil, nil, &bids.SpecError{
				Subject: d.Subject,
				Session: d.Session,
				Msg: fmt.Sprintf("cannot pair %d field maps with %d diffusion scans: no acquisition or run tags",
					len(fmaps), len(dwis)),
			}
		}
	}

	claimed := make([]bool, len(fmaps))
	var pairs []models.MatchedPair
	var unmatched []models.Acquisition
	for _, dwi := range dwis {
		pair := models.MatchedPair{Diffusion: dwi}
		directions := make(map[string]bool)
		for j, fm := range fmaps {
			if claimed[j] {
				continue
			}
			rationale, equal, comparable := pairKey(dwi, fm)
			if !comparable || !equal {
				continue
			}
			dir := phaseKey(fm)
			if directions[dir] {
				continue
			}
			directions[dir] = true
			claimed[j] = true
			if len(pair.FieldMaps) == 0 {
				pair.Rationale = rationale
			}
			pair.FieldMaps = append(pair.FieldMaps, fm)
		}
		if len(pair.FieldMaps) == 0 {
			unmatched = append(unmatched, dwi)
			continue
		}
		pairs = append(pairs, pair)
	}
	return pairs, unmatched, nil
}

// Match pairs every diffusion scan selected by q, synthesizes field maps for
// the scans left unmatched, and links each field map back to its scan
func (m *Matcher) Match(q bids.Query) (Result, error) {
	dq, fq := q, q
	dq.Suffix, fq.Suffix = "dwi", "epi"
	dwis := m.Layout.Find(dq)
	if len(dwis) == 0 {
		return Result{}, bids.NewSpecError(q, "no dwi scan found")
	}
	fmaps := m.Layout.Find(fq)
	for _, fm := range fmaps {
		if phaseKey(fm) == "" {
			m.Logger.Warn("field map has no dir entity or PhaseEncodingDirection, at most one such field map pairs with each scan",
				zap.String("fmap", fm.ImagePath))
		}
	}

	pairs, unmatched, err := Pair(dwis, fmaps)
	if err != nil {
		return Result{}, err
	}
	claimed := make(map[string]bool)
	for _, p := range pairs {
		m.Logger.Info("paired field maps",
			zap.String("dwi", filepath.Base(p.Diffusion.ImagePath)),
			zap.Int("fieldMaps", len(p.FieldMaps)),
			zap.Stringer("rationale", p.Rationale))
		for _, fm := range p.FieldMaps {
			claimed[fm.ImagePath] = true
		}
	}
	for _, fm := range fmaps {
		if !claimed[fm.ImagePath] {
			m.Logger.Warn("field map not paired with any diffusion scan, it will not be used",
				zap.String("fmap", fm.ImagePath))
		}
	}

	result := Result{Pairs: pairs}
	for _, dwi := range unmatched {
		m.Logger.Info("no field map for diffusion scan, synthesizing one from its b0 volumes",
			zap.String("dwi", dwi.ImagePath))
		fm, err := m.Synthesize(dwi)
		if err != nil {
			return Result{}, err
		}
		result.Synthesized = append(result.Synthesized, fm)
		result.Pairs = append(result.Pairs, models.MatchedPair{
			Diffusion: dwi,
			FieldMaps: []models.Acquisition{fm},
			Rationale: models.SynthesizedFromSelf,
		})
	}

	for i := range result.Pairs {
		if err := m.link(&result.Pairs[i]); err != nil {
			return Result{}, err
		}
	}
	return result, nil
}

// link writes the IntendedFor back-reference into every field map of a pair,
// creating a sidecar when the field map has none
func (m *Matcher) link(p *models.MatchedPair) error {
	target := p.Diffusion.RelPath()
	for i := range p.FieldMaps {
		fm := &p.FieldMaps[i]
		if fm.SidecarPath == "" {
			fm.SidecarPath = filepath.Join(filepath.Dir(fm.ImagePath), fm.Stem()+".json")
			if err := sidecar.Save(fm.SidecarPath, map[string]any{}); err != nil {
				return err
			}
		}
		if err := sidecar.InsertBackReference(fm.SidecarPath, sidecar.IntendedFor, target); err != nil {
			return fmt.Errorf("error linking %s to %s: %w", fm.SidecarPath, target, err)
		}
		m.Logger.Debug("linked field map", zap.String("fmap", fm.SidecarPath), zap.String("intendedFor", target))
	}
	return nil
}

// B0Volumes returns the indices of every volume acquired at the minimum b-value
func B0Volumes(bvals []float64) ([]int, float64) {
	if len(bvals) == 0 {
		return nil, 0
	}
	min := floats.Min(bvals)
	var idx []int
	for i, b := range bvals {
		if b == min {
			idx = append(idx, i)
		}
	}
	return idx, min
}

// synthesizedPath places the new field map in the session's fmap folder,
// named after the diffusion scan with the epi suffix
func synthesizedPath(dwi models.Acquisition) string {
	sessionDir := filepath.Dir(filepath.Dir(dwi.ImagePath))
	stem := strings.TrimSuffix(dwi.Stem(), "_"+dwi.Suffix)
	return filepath.Join(sessionDir, "fmap", stem+"_epi.nii.gz")
}

// Synthesize extracts the b0 volumes of a diffusion scan into a new field map
// image with a sidecar copied from the scan
func (m *Matcher) Synthesize(dwi models.Acquisition) (models.Acquisition, error) {
	q := bids.Query{Subject: dwi.Subject, Session: dwi.Session, Run: dwi.Run}
	grads, err := bids.ReadGradients(dwi)
	if err != nil {
		return models.Acquisition{}, err
	}
	indices, minB := B0Volumes(grads.Bvals)
	if len(indices) == 0 {
		return models.Acquisition{}, bids.NewSpecError(q, "no b0 volume found in %s", dwi.BvalPath)
	}
	if minB > m.B0Threshold {
		m.Logger.Warn("minimum b-value exceeds b0 threshold, the synthesized field map has no true b0 shell",
			zap.String("dwi", dwi.ImagePath),
			zap.Float64("minBval", minB),
			zap.Float64("threshold", m.B0Threshold))
	}

	img, err := nifti.Read(dwi.ImagePath)
	if err != nil {
		return models.Acquisition{}, fmt.Errorf("error reading diffusion image: %w", err)
	}
	if img.Volumes() != len(grads.Bvals) {
		return models.Acquisition{}, bids.NewSpecError(q, "%s has %d volumes but %d b-values",
			dwi.ImagePath, img.Volumes(), len(grads.Bvals))
	}
	b0, err := img.SelectVolumes(indices)
	if err != nil {
		return models.Acquisition{}, err
	}
	if vol, err := b0.Volume(0); err == nil {
		mean := stat.Mean(vol, nil)
		if mean == 0 {
			m.Logger.Warn("first b0 volume is empty", zap.String("dwi", dwi.ImagePath))
		}
		m.Logger.Debug("b0 mean intensity", zap.Float64("mean", mean))
	}

	out := synthesizedPath(dwi)
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return models.Acquisition{}, fmt.Errorf("error creating fmap directory: %w", err)
	}
	if err := nifti.Write(out, b0); err != nil {
		return models.Acquisition{}, fmt.Errorf("error writing synthesized field map: %w", err)
	}

	sidecarPath := strings.TrimSuffix(out, ".nii.gz") + ".json"
	if dwi.SidecarPath != "" {
		err = sidecar.Copy(dwi.SidecarPath, sidecarPath)
	} else {
		err = sidecar.Save(sidecarPath, map[string]any{})
	}
	if err != nil {
		return models.Acquisition{}, err
	}

	fm := dwi
	fm.Role = models.FieldMap
	fm.Suffix = "epi"
	fm.ImagePath = out
	fm.SidecarPath = sidecarPath
	fm.BvalPath = ""
	fm.BvecPath = ""
	fm.VolumeCount = len(indices)
	m.Logger.Info("synthesized field map",
		zap.String("fmap", out),
		zap.Ints("volumes", indices),
		zap.Float64("bval", minB))
	return fm, nil
}
