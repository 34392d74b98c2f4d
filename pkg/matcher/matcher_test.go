package matcher

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"dwiqc/internal/models"
	"dwiqc/internal/testutil"
	"dwiqc/pkg/bids"
	"dwiqc/pkg/nifti"
	"dwiqc/pkg/sidecar"
)

func dwiScan(acq string, run int, bvals ...float64) testutil.Scan {
	if len(bvals) == 0 {
		bvals = []float64{0, 1000, 1000, 0}
	}
	return testutil.Scan{Subject: "01", Session: "A", Acquisition: acq, Run: run,
		Datatype: "dwi", Suffix: "dwi", Sidecar: testutil.DiffusionSidecar(), Bvals: bvals}
}

func fmapScan(acq, dir string, run int) testutil.Scan {
	pe := "j"
	if dir == "AP" {
		pe = "j-"
	}
	return testutil.Scan{Subject: "01", Session: "A", Acquisition: acq, Direction: dir, Run: run,
		Datatype: "fmap", Suffix: "epi", Sidecar: map[string]any{"PhaseEncodingDirection": pe}}
}

func openLayout(t *testing.T, ds *testutil.Dataset) *bids.Layout {
	t.Helper()
	layout, err := bids.Open(ds.Root, nil)
	require.NoError(t, err)
	return layout
}

var session = bids.Query{Subject: "01", Session: "A"}

func TestMatchSynthesizesFromSelf(t *testing.T) {
	ds := testutil.NewDataset(t)
	ds.Add(dwiScan("", 0, 0, 1000, 0, 2000, 0))
	layout := openLayout(t, ds)

	m := New(layout, 0, nil)
	result, err := m.Match(session)
	require.NoError(t, err)
	require.Len(t, result.Synthesized, 1)
	require.Len(t, result.Pairs, 1)

	pair := result.Pairs[0]
	assert.Equal(t, models.SynthesizedFromSelf, pair.Rationale)
	fm := result.Synthesized[0]
	assert.Equal(t, models.FieldMap, fm.Role)
	assert.Equal(t, filepath.Join(ds.Root, "sub-01", "ses-A", "fmap", "sub-01_ses-A_epi.nii.gz"), fm.ImagePath)

	img, err := nifti.Read(fm.ImagePath)
	require.NoError(t, err)
	require.Equal(t, 3, img.Volumes())
	// source volume v holds v+1; b0 volumes are 0, 2 and 4
	for i, want := range []float64{1, 3, 5} {
		vol, err := img.Volume(i)
		require.NoError(t, err)
		assert.Equal(t, want, vol[0])
	}

	doc := testutil.ReadJSON(t, fm.SidecarPath)
	assert.Equal(t, []any{"ses-A/dwi/sub-01_ses-A_dwi.nii.gz"}, doc["IntendedFor"])
	assert.Equal(t, "Siemens", doc["Manufacturer"])

	// the synthesized map is visible to a fresh catalog and re-pairs by itself
	require.NoError(t, layout.Reload())
	assert.Len(t, layout.Find(bids.Query{Subject: "01", Suffix: "epi"}), 1)
}

func TestMatchPairsByAcquisitionGroup(t *testing.T) {
	ds := testutil.NewDataset(t)
	ds.Add(dwiScan("b1000", 0))
	ds.Add(dwiScan("b2000", 0))
	ds.Add(fmapScan("b1000", "PA", 0))
	ds.Add(fmapScan("b2000", "PA", 0))
	layout := openLayout(t, ds)

	result, err := New(layout, 0, nil).Match(session)
	require.NoError(t, err)
	assert.Empty(t, result.Synthesized)
	require.Len(t, result.Pairs, 2)

	for _, p := range result.Pairs {
		require.Len(t, p.FieldMaps, 1)
		assert.Equal(t, models.ByAcquisitionGroup, p.Rationale)
		assert.Equal(t, p.Diffusion.Acquisition, p.FieldMaps[0].Acquisition)
		doc := testutil.ReadJSON(t, p.FieldMaps[0].SidecarPath)
		assert.Equal(t, []any{p.Diffusion.RelPath()}, doc["IntendedFor"])
	}
}

func TestMatchPairsByRunWhenEvenCounts(t *testing.T) {
	ds := testutil.NewDataset(t)
	ds.Add(dwiScan("", 1))
	ds.Add(dwiScan("", 2))
	for _, run := range []int{1, 2} {
		ds.Add(fmapScan("", "AP", run))
		ds.Add(fmapScan("", "PA", run))
	}
	layout := openLayout(t, ds)

	result, err := New(layout, 0, nil).Match(session)
	require.NoError(t, err)
	assert.Empty(t, result.Synthesized)
	require.Len(t, result.Pairs, 2)
	for _, p := range result.Pairs {
		assert.Equal(t, models.ByRunNumber, p.Rationale)
		require.Len(t, p.FieldMaps, 2)
		for _, fm := range p.FieldMaps {
			assert.Equal(t, p.Diffusion.Run, fm.Run)
		}
	}
}

func TestMatchFailsWithoutTags(t *testing.T) {
	ds := testutil.NewDataset(t)
	ds.Add(dwiScan("", 0))
	ds.Add(fmapScan("", "AP", 0))
	ds.Add(fmapScan("", "PA", 0))
	layout := openLayout(t, ds)

	_, err := New(layout, 0, nil).Match(session)
	var specErr *bids.SpecError
	require.True(t, errors.As(err, &specErr))
	assert.Equal(t, "01", specErr.Subject)
	assert.Equal(t, "A", specErr.Session)
	assert.Contains(t, err.Error(), "no acquisition or run tags")
}

func TestMatchUnevenFillsGaps(t *testing.T) {
	ds := testutil.NewDataset(t)
	ds.Add(dwiScan("b1000", 0))
	ds.Add(dwiScan("b2000", 0))
	ds.Add(fmapScan("b1000", "AP", 0))
	ds.Add(fmapScan("b1000", "PA", 0))
	layout := openLayout(t, ds)

	result, err := New(layout, 0, nil).Match(session)
	require.NoError(t, err)
	require.Len(t, result.Pairs, 2)
	require.Len(t, result.Synthesized, 1)

	assert.Equal(t, "b1000", result.Pairs[0].Diffusion.Acquisition)
	assert.Len(t, result.Pairs[0].FieldMaps, 2)
	assert.Equal(t, "b2000", result.Pairs[1].Diffusion.Acquisition)
	assert.Equal(t, models.SynthesizedFromSelf, result.Pairs[1].Rationale)
	assert.Equal(t, "b2000", result.Synthesized[0].Acquisition)
}

func TestPairTieBreak(t *testing.T) {
	// both scans share one acquisition group; every field map matches both
	mk := func(role models.Role, name, dir string) models.Acquisition {
		return models.Acquisition{Subject: "01", Session: "A", Acquisition: "multi", Direction: dir,
			Role: role, ImagePath: "/d/" + name}
	}
	dwis := []models.Acquisition{
		mk(models.MainDiffusion, "sub-01_acq-multi_run-2_dwi.nii.gz", ""),
		mk(models.MainDiffusion, "sub-01_acq-multi_run-1_dwi.nii.gz", ""),
	}
	fmaps := []models.Acquisition{
		mk(models.FieldMap, "sub-01_acq-multi_dir-PA_run-2_epi.nii.gz", "PA"),
		mk(models.FieldMap, "sub-01_acq-multi_dir-AP_run-1_epi.nii.gz", "AP"),
		mk(models.FieldMap, "sub-01_acq-multi_dir-PA_run-1_epi.nii.gz", "PA"),
		mk(models.FieldMap, "sub-01_acq-multi_dir-AP_run-2_epi.nii.gz", "AP"),
	}

	for i := 0; i < 3; i++ {
		pairs, unmatched, err := Pair(dwis, fmaps)
		require.NoError(t, err)
		assert.Empty(t, unmatched)
		require.Len(t, pairs, 2)
		assert.Equal(t, "/d/sub-01_acq-multi_run-1_dwi.nii.gz", pairs[0].Diffusion.ImagePath)
		assert.Equal(t, "/d/sub-01_acq-multi_dir-AP_run-1_epi.nii.gz", pairs[0].FieldMaps[0].ImagePath)
		assert.Equal(t, "/d/sub-01_acq-multi_dir-PA_run-1_epi.nii.gz", pairs[0].FieldMaps[1].ImagePath)
		assert.Equal(t, "/d/sub-01_acq-multi_dir-AP_run-2_epi.nii.gz", pairs[1].FieldMaps[0].ImagePath)
		assert.Equal(t, "/d/sub-01_acq-multi_dir-PA_run-2_epi.nii.gz", pairs[1].FieldMaps[1].ImagePath)

		// input order must not matter
		dwis[0], dwis[1] = dwis[1], dwis[0]
		fmaps[0], fmaps[3] = fmaps[3], fmaps[0]
	}
}

func TestPairEachFieldMapOnce(t *testing.T) {
	dwis := []models.Acquisition{
		{Acquisition: "a", ImagePath: "1_dwi"},
		{Acquisition: "b", ImagePath: "2_dwi"},
	}
	fmaps := []models.Acquisition{
		{Acquisition: "a", Direction: "AP", ImagePath: "1_AP_epi"},
		{Acquisition: "a", Direction: "PA", ImagePath: "1_PA_epi"},
		{Acquisition: "b", Direction: "AP", ImagePath: "2_AP_epi"},
		{Acquisition: "b", Direction: "PA", ImagePath: "2_PA_epi"},
	}
	pairs, unmatched, err := Pair(dwis, fmaps)
	require.NoError(t, err)
	assert.Empty(t, unmatched)

	seen := map[string]int{}
	for _, p := range pairs {
		for _, fm := range p.FieldMaps {
			seen[fm.ImagePath]++
		}
	}
	assert.Len(t, seen, 4)
	for path, n := range seen {
		assert.Equal(t, 1, n, path)
	}
}

func TestMatchWarnsOnUnclaimedFieldMap(t *testing.T) {
	ds := testutil.NewDataset(t)
	ds.Add(dwiScan("", 0))
	ds.Add(fmapScan("", "PA", 0))
	layout := openLayout(t, ds)

	core, logs := observer.New(zapcore.WarnLevel)
	result, err := New(layout, 0, zap.New(core)).Match(session)
	require.NoError(t, err)
	require.Len(t, result.Synthesized, 1)

	warnings := logs.FilterMessageSnippet("not paired").All()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].ContextMap()["fmap"], "sub-01_ses-A_dir-PA_epi.nii.gz")
}

func TestMatchWarnsOnFieldMapWithoutDirection(t *testing.T) {
	ds := testutil.NewDataset(t)
	ds.Add(dwiScan("", 1))
	for _, acq := range []string{"x", "y"} {
		ds.Add(testutil.Scan{Subject: "01", Session: "A", Acquisition: acq, Run: 1,
			Datatype: "fmap", Suffix: "epi", Sidecar: map[string]any{}})
	}
	layout := openLayout(t, ds)

	core, logs := observer.New(zapcore.WarnLevel)
	result, err := New(layout, 0, zap.New(core)).Match(session)
	require.NoError(t, err)
	require.Len(t, result.Pairs, 1)
	require.Len(t, result.Pairs[0].FieldMaps, 1)
	assert.Equal(t, "x", result.Pairs[0].FieldMaps[0].Acquisition)

	assert.Equal(t, 2, logs.FilterMessageSnippet("no dir entity or PhaseEncodingDirection").Len())
	unpaired := logs.FilterMessageSnippet("not paired").All()
	require.Len(t, unpaired, 1)
	assert.Contains(t, unpaired[0].ContextMap()["fmap"], "acq-y")
}

func TestSynthesizeWarnsWithoutTrueB0(t *testing.T) {
	ds := testutil.NewDataset(t)
	ds.Add(dwiScan("", 0, 300, 1000, 300))
	layout := openLayout(t, ds)

	core, logs := observer.New(zapcore.WarnLevel)
	m := New(layout, 50, zap.New(core))
	result, err := m.Match(session)
	require.NoError(t, err)
	require.Len(t, result.Synthesized, 1)
	assert.Equal(t, 2, result.Synthesized[0].VolumeCount)

	warnings := logs.FilterMessageSnippet("exceeds b0 threshold").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, 300.0, warnings[0].ContextMap()["minBval"])
}

func TestSynthesizeRequiresGradients(t *testing.T) {
	ds := testutil.NewDataset(t)
	ds.Add(testutil.Scan{Subject: "01", Session: "A", Datatype: "dwi", Suffix: "dwi", Volumes: 3})
	layout := openLayout(t, ds)

	_, err := New(layout, 0, nil).Match(session)
	var specErr *bids.SpecError
	assert.True(t, errors.As(err, &specErr))
}

func TestMatchWithoutDiffusion(t *testing.T) {
	ds := testutil.NewDataset(t)
	ds.Add(fmapScan("", "AP", 1))
	layout := openLayout(t, ds)

	_, err := New(layout, 0, nil).Match(session)
	var specErr *bids.SpecError
	assert.True(t, errors.As(err, &specErr))
}

func TestLinkCreatesMissingSidecar(t *testing.T) {
	ds := testutil.NewDataset(t)
	ds.Add(dwiScan("x", 0))
	ds.Add(testutil.Scan{Subject: "01", Session: "A", Acquisition: "x", Direction: "PA", Datatype: "fmap", Suffix: "epi"})
	layout := openLayout(t, ds)

	result, err := New(layout, 0, nil).Match(session)
	require.NoError(t, err)
	require.Len(t, result.Pairs, 1)
	fm := result.Pairs[0].FieldMaps[0]
	doc, err := sidecar.Load(fm.SidecarPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"ses-A/dwi/sub-01_ses-A_acq-x_dwi.nii.gz"}, sidecar.References(doc, sidecar.IntendedFor))
}

func TestB0Volumes(t *testing.T) {
	idx, min := B0Volumes([]float64{5, 1000, 5, 2000, 10})
	assert.Equal(t, []int{0, 2}, idx)
	assert.Equal(t, 5.0, min)

	idx, _ = B0Volumes(nil)
	assert.Empty(t, idx)
}
