package eddy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"dwiqc/internal/models"
	"dwiqc/internal/testutil"
)

func TestComputeMPOrder(t *testing.T) {
	tests := []struct {
		name      string
		slices    int
		multiband int
		noGPU     bool
		want      int
	}{
		{"typical multiband", 48, 3, false, 5},
		{"no gpu", 48, 3, true, 1},
		{"no gpu ignores inputs", 0, 0, true, 1},
		{"single band", 60, 1, false, 20},
		{"floor", 72, 4, false, 6},
		{"too few slices", 6, 3, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeMPOrder(tt.slices, tt.multiband, tt.noGPU, nil))
		})
	}
}

func TestComputeMPOrderMissingMultiband(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	got := ComputeMPOrder(48, 0, false, zap.New(core))
	assert.Equal(t, 16, got)
	require.Equal(t, 1, logs.FilterMessageSnippet("multiband factor missing").Len())
}

func TestComputeMPOrderClampWarns(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	assert.Equal(t, 1, ComputeMPOrder(6, 3, false, zap.New(core)))
	assert.Equal(t, 1, logs.FilterMessageSnippet("too few slice groups").Len())

	assert.Equal(t, 1, ComputeMPOrder(9, 3, false, zap.New(core)))
	assert.Equal(t, 1, logs.FilterMessageSnippet("too few slice groups").Len())
}

func TestCheckOutputResolution(t *testing.T) {
	ds := testutil.NewDataset(t)
	t1 := ds.Add(testutil.Scan{Subject: "01", Session: "A", Datatype: "anat", Suffix: "T1w", PixDim: 0.8})
	anat := &models.Acquisition{ImagePath: t1, Role: models.Anatomical}

	t.Run("pinned", func(t *testing.T) {
		res, err := CheckOutputResolution(1.25, anat, 0, nil)
		require.NoError(t, err)
		assert.Equal(t, 1.25, res)
	})

	t.Run("anatomical", func(t *testing.T) {
		res, err := CheckOutputResolution(0, anat, 0, nil)
		require.NoError(t, err)
		assert.InDelta(t, 0.8, res, 1e-6)
	})

	t.Run("fallback", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		res, err := CheckOutputResolution(0, nil, 0, zap.New(core))
		require.NoError(t, err)
		assert.Equal(t, DefaultOutputResolution, res)
		warnings := logs.All()
		require.Len(t, warnings, 1)
		assert.Equal(t, DefaultOutputResolution, warnings[0].ContextMap()["resolution"])
	})

	t.Run("unreadable anatomical", func(t *testing.T) {
		_, err := CheckOutputResolution(0, &models.Acquisition{ImagePath: filepath.Join(ds.Root, "missing.nii.gz")}, 0, nil)
		assert.Error(t, err)
	})
}

func TestShellRulesLookup(t *testing.T) {
	rules := DefaultShellRules()

	r, ok := rules.Lookup("Siemens", "Skyra", 2000)
	require.True(t, ok)
	assert.Equal(t, "350,650,1350,2000", r.NonzeroShells)

	_, ok = rules.Lookup("SIEMENS", " skyra ", 2000)
	assert.True(t, ok)

	_, ok = rules.Lookup("Siemens", "Prisma", 2000)
	assert.False(t, ok)

	_, ok = rules.Lookup("Siemens", "Skyra", 3000)
	assert.False(t, ok)

	extended := append(rules, ShellRule{Manufacturer: "GE", Model: "Premier", MaxBval: 3000, NonzeroShells: "500,1000,3000"})
	r, ok = extended.Lookup("GE", "Premier", 3000)
	require.True(t, ok)
	assert.Equal(t, "500,1000,3000", r.NonzeroShells)
}

func TestBuildParameters(t *testing.T) {
	p, err := BuildParameters(Inputs{MPOrder: 5, SliceOrderPath: "/bids/even_slices_slspec.txt"})
	require.NoError(t, err)

	want := DefaultParameters()
	want.MPOrder = 5
	want.SliceOrder = "/bids/even_slices_slspec.txt"
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("BuildParameters() mismatch (-want +got):\n%s", diff)
	}

	p, err = BuildParameters(Inputs{MPOrder: 1, SliceOrderPath: "s.txt", NoGPU: true, ExtraArgs: []string{"--very_verbose"}})
	require.NoError(t, err)
	assert.False(t, p.UseCUDA)
	assert.Equal(t, "--ol_nstd=5 --ol_type=gw --very_verbose", p.Args)

	custom := DefaultParameters()
	custom.NIter = 8
	p, err = BuildParameters(Inputs{Defaults: &custom, MPOrder: 2, SliceOrderPath: "s.txt"})
	require.NoError(t, err)
	assert.Equal(t, 8, p.NIter)

	_, err = BuildParameters(Inputs{MPOrder: 0, SliceOrderPath: "s.txt"})
	assert.Error(t, err)
	_, err = BuildParameters(Inputs{MPOrder: 3})
	assert.Error(t, err)
}

func TestWriteKeySet(t *testing.T) {
	p, err := BuildParameters(Inputs{MPOrder: 5, SliceOrderPath: "even_slices_slspec.txt"})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), ParamsFileName)
	require.NoError(t, Write(path, p))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))

	keys := []string{"flm", "slm", "fep", "interp", "nvoxhp", "fudge_factor", "dont_sep_offs_move",
		"dont_peas", "niter", "method", "repol", "num_threads", "is_shelled", "use_cuda", "cnr_maps",
		"residuals", "output_type", "estimate_move_by_susceptibility", "mporder", "slice_order", "args"}
	assert.Len(t, doc, len(keys))
	for _, k := range keys {
		assert.Contains(t, doc, k)
	}
	assert.Equal(t, 5.0, doc["mporder"])
	assert.Equal(t, "jac", doc["method"])

	var back models.CorrectionParameters
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, p, back)
}
