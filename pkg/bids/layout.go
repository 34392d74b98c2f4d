// Package bids exposes a read-only catalog over a BIDS-organized dataset:
// sub-<label>/[ses-<label>/]{dwi,fmap,anat}/ with paired image and JSON sidecar files.
package bids

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"dwiqc/internal/models"
)

// Query filters acquisitions. Empty fields and a zero Run match anything.
type Query struct {
	Subject     string
	Session     string
	Run         int
	Suffix      string
	Direction   string
	Acquisition string
}

// Layout is an indexed view over the acquisitions in a dataset
type Layout struct {
	root string

	// scope is the subtree actually walked; root unless opened per session
	scope string

	acquisitions []models.Acquisition
	logger       *zap.Logger
}

type entities struct {
	sub, ses, acq, dir string
	run                int
	suffix             string
	ext                string
	stem               string
}

var knownExtensions = []string{".nii.gz", ".nii", ".json", ".bval", ".bvec"}

// parseName splits a BIDS filename into its entities. It returns false for
// files that do not look like BIDS data files.
func parseName(name string) (entities, bool) {
	var e entities
	for _, ext := range knownExtensions {
		if strings.HasSuffix(name, ext) {
			e.ext = ext
			e.stem = strings.TrimSuffix(name, ext)
			break
		}
	}
	if e.ext == "" {
		return e, false
	}

	parts := strings.Split(e.stem, "_")
	if len(parts) < 2 {
		return e, false
	}
	e.suffix = parts[len(parts)-1]
	for _, p := range parts[:len(parts)-1] {
		key, value, ok := strings.Cut(p, "-")
		if !ok {
			return e, false
		}
		switch key {
		case "sub":
			e.sub = value
		case "ses":
			e.ses = value
		case "acq":
			e.acq = value
		case "dir":
			e.dir = value
		case "run":
			run, err := strconv.Atoi(value)
			if err != nil {
				return e, false
			}
			e.run = run
		}
	}
	return e, e.sub != ""
}

func roleFor(datatype, suffix string) (models.Role, bool) {
	switch {
	case datatype == "dwi" && suffix == "dwi":
		return models.MainDiffusion, true
	case datatype == "fmap" && suffix == "epi":
		return models.FieldMap, true
	case datatype == "anat" && suffix == "T1w":
		return models.Anatomical, true
	}
	return 0, false
}

// Open scans root and indexes every dwi, fmap/epi and anat/T1w acquisition
func Open(root string, logger *zap.Logger) (*Layout, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("error opening dataset: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dataset root %s is not a directory", root)
	}
	l := &Layout{root: root, scope: root, logger: logger}
	if err := l.scan(); err != nil {
		return nil, err
	}
	return l, nil
}

// OpenSession indexes only one subject's session folder (the whole subject
// when session is empty). Sessions opened this way never read each other's
// files, so they can be processed side by side.
func OpenSession(root, subject, session string, logger *zap.Logger) (*Layout, error) {
	if subject == "" {
		return nil, fmt.Errorf("session scope requires a subject")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	scope := filepath.Join(root, "sub-"+subject)
	if session != "" {
		scope = filepath.Join(scope, "ses-"+session)
	}
	if _, err := os.Stat(scope); err != nil {
		return nil, fmt.Errorf("error opening session: %w", err)
	}
	l := &Layout{root: root, scope: scope, logger: logger}
	if err := l.scan(); err != nil {
		return nil, err
	}
	return l, nil
}

// Root returns the dataset directory
func (l *Layout) Root() string {
	return l.root
}

// Reload rescans the dataset, picking up files written since Open
func (l *Layout) Reload() error {
	return l.scan()
}

func (l *Layout) scan() error {
	type group struct {
		datatype string
		ent      entities
		files    map[string]string
	}
	groups := make(map[string]*group)

	err := filepath.WalkDir(l.scope, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != l.scope && (d.Name() == "derivatives" || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		ent, ok := parseName(d.Name())
		if !ok {
			return nil
		}
		datatype := filepath.Base(filepath.Dir(path))
		key := filepath.Join(filepath.Dir(path), ent.stem)
		g, ok := groups[key]
		if !ok {
			g = &group{datatype: datatype, ent: ent, files: make(map[string]string)}
			groups[key] = g
		}
		g.files[ent.ext] = path
		return nil
	})
	if err != nil {
		return fmt.Errorf("error scanning dataset %s: %w", l.scope, err)
	}

	acquisitions := make([]models.Acquisition, 0, len(groups))
	for _, g := range groups {
		role, ok := roleFor(g.datatype, g.ent.suffix)
		if !ok {
			continue
		}
		image := g.files[".nii.gz"]
		if image == "" {
			image = g.files[".nii"]
		}
		if image == "" {
			l.logger.Debug("skipping companion files without image", zap.String("stem", g.ent.stem))
			continue
		}
		acq := models.Acquisition{
			Subject:     g.ent.sub,
			Session:     g.ent.ses,
			Run:         g.ent.run,
			Acquisition: g.ent.acq,
			Direction:   g.ent.dir,
			Suffix:      g.ent.suffix,
			Role:        role,
			ImagePath:   image,
			SidecarPath: g.files[".json"],
			BvalPath:    g.files[".bval"],
			BvecPath:    g.files[".bvec"],
		}
		if err := l.describe(&acq); err != nil {
			return err
		}
		acquisitions = append(acquisitions, acq)
	}
	sort.Slice(acquisitions, func(i, j int) bool {
		return acquisitions[i].ImagePath < acquisitions[j].ImagePath
	})
	l.acquisitions = acquisitions
	l.logger.Debug("indexed dataset", zap.String("root", l.scope), zap.Int("acquisitions", len(acquisitions)))
	return nil
}

// describe fills the sidecar-derived attributes of an acquisition
func (l *Layout) describe(acq *models.Acquisition) error {
	if acq.BvalPath != "" {
		bvals, err := readRows(acq.BvalPath)
		if err != nil {
			return err
		}
		if len(bvals) > 0 {
			acq.VolumeCount = len(bvals[0])
		}
	}
	if acq.SidecarPath == "" {
		return nil
	}
	var meta struct {
		SliceTiming                 []float64 `json:"SliceTiming"`
		MultibandAccelerationFactor int       `json:"MultibandAccelerationFactor"`
		TotalReadoutTime            float64   `json:"TotalReadoutTime"`
		PhaseEncodingDirection      string    `json:"PhaseEncodingDirection"`
	}
	data, err := os.ReadFile(acq.SidecarPath)
	if err != nil {
		return fmt.Errorf("error reading sidecar: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("error parsing sidecar %s: %w", acq.SidecarPath, err)
	}
	acq.SliceTiming = meta.SliceTiming
	acq.MultibandFactor = meta.MultibandAccelerationFactor
	acq.TotalReadoutTime = meta.TotalReadoutTime
	acq.PhaseEncodingDirection = meta.PhaseEncodingDirection
	return nil
}

func (q Query) matches(a models.Acquisition) bool {
	switch {
	case q.Subject != "" && q.Subject != a.Subject:
		return false
	case q.Session != "" && q.Session != a.Session:
		return false
	case q.Run != 0 && q.Run != a.Run:
		return false
	case q.Suffix != "" && q.Suffix != a.Suffix:
		return false
	case q.Direction != "" && q.Direction != a.Direction:
		return false
	case q.Acquisition != "" && q.Acquisition != a.Acquisition:
		return false
	}
	return true
}

// Find returns every acquisition matching q, ordered by image path
func (l *Layout) Find(q Query) []models.Acquisition {
	var out []models.Acquisition
	for _, a := range l.acquisitions {
		if q.matches(a) {
			out = append(out, a)
		}
	}
	return out
}

// One returns the single acquisition matching q. Zero matches is always a
// SpecError. Several matches is a SpecError in strict mode; otherwise a
// warning is logged and the first match is used.
func (l *Layout) One(q Query, strict bool) (models.Acquisition, error) {
	found := l.Find(q)
	switch {
	case len(found) == 0:
		return models.Acquisition{}, NewSpecError(q, "no %s scan found", q.describe())
	case len(found) > 1 && strict:
		return models.Acquisition{}, NewSpecError(q, "found %d %s scans, expected exactly one; verify there are no duplicates", len(found), q.describe())
	case len(found) > 1:
		l.logger.Warn("multiple scans match, using the first",
			zap.String("suffix", q.describe()),
			zap.String("subject", q.Subject),
			zap.String("session", q.Session),
			zap.Int("run", q.Run),
			zap.Int("matches", len(found)),
			zap.String("using", found[0].ImagePath))
	}
	return found[0], nil
}

func (q Query) describe() string {
	if q.Suffix == "" {
		return "matching"
	}
	return q.Suffix
}

// Metadata reads key from the acquisition's sidecar as it currently is on disk
func (l *Layout) Metadata(acq models.Acquisition, key string) (any, error) {
	if acq.SidecarPath == "" {
		return nil, &MissingMetadataError{Path: acq.ImagePath, Key: key}
	}
	data, err := os.ReadFile(acq.SidecarPath)
	if err != nil {
		return nil, fmt.Errorf("error reading sidecar: %w", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("error parsing sidecar %s: %w", acq.SidecarPath, err)
	}
	v, ok := meta[key]
	if !ok {
		return nil, &MissingMetadataError{Path: acq.SidecarPath, Key: key}
	}
	return v, nil
}

// MetadataString reads a string field from the sidecar
func (l *Layout) MetadataString(acq models.Acquisition, key string) (string, error) {
	v, err := l.Metadata(acq, key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("metadata field %q in %s is %T, not a string", key, acq.SidecarPath, v)
	}
	return s, nil
}
