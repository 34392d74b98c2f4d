package slspec

import (
	"errors"
	"math/rand"
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
	"dwiqc/pkg/bids"
)

func TestDeriveMultiband(t *testing.T) {
	times := []float64{0, 0.5, 1, 1.5, 0, 0.5, 1, 1.5, 0, 0.5, 1, 1.5}
	spec, err := Derive(times)
	require.NoError(t, err)

	want := [][]int{{0, 4, 8}, {1, 5, 9}, {2, 6, 10}, {3, 7, 11}}
	if diff := cmp.Diff(want, spec.Groups); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}
}

func TestDeriveInterleavedSingleBand(t *testing.T) {
	// interleaved ascending acquisition: even slices first
	times := []float64{0, 3, 1, 4, 2, 5}
	spec, err := Derive(times)
	require.NoError(t, err)
	want := [][]int{{0}, {2}, {4}, {1}, {3}, {5}}
	assert.Equal(t, want, spec.Groups)
}

func TestDerivePartitionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for mb := 1; mb <= 4; mb++ {
		for shots := 1; shots <= 24; shots++ {
			n := mb * shots
			if n%2 != 0 {
				continue
			}
			shotOrder := rng.Perm(shots)
			times := make([]float64, n)
			for i := range times {
				times[i] = float64(shotOrder[i%shots]) * 0.0875
			}

			spec, err := Derive(times)
			require.NoError(t, err, "mb=%d shots=%d", mb, shots)
			require.NoError(t, spec.Validate(n), "mb=%d shots=%d", mb, shots)
			assert.Len(t, spec.Groups, shots)
			for _, g := range spec.Groups {
				assert.Len(t, g, mb)
				assert.Equal(t, n, len(spec.Groups)*len(g))
			}
		}
	}
}

func TestDeriveUnevenGroups(t *testing.T) {
	// 4 slices, 3 distinct times
	_, err := Derive([]float64{0, 0, 1, 2})
	assert.ErrorContains(t, err, "do not divide")

	_, err = Derive(nil)
	assert.Error(t, err)
}

func TestDeriveOddSlices(t *testing.T) {
	spec, err := Derive([]float64{0, 1, 2, 3, 4})
	require.NoError(t, err)
	want := [][]int{
		{0, 5, 10},
		{2, 7, 12},
		{4, 9, 14},
		{1, 6, 11},
		{3, 8, 13},
	}
	assert.Equal(t, want, spec.Groups)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "even_slices_slspec.txt", FileName(12))
	assert.Equal(t, "odd_slices_slspec.txt", FileName(45))
}

func TestForAcquisitionValidates(t *testing.T) {
	for _, n := range []int{5, 12} {
		times := make([]float64, n)
		for i := range times {
			times[i] = float64(i%4) * 0.1
		}
		spec, err := ForAcquisition(models.Acquisition{Subject: "01", SliceTiming: times})
		require.NoError(t, err, "n=%d", n)
		assert.NoError(t, spec.Validate(spec.NumSlices()), "n=%d", n)
	}
	assert.Equal(t, 15, oddSlices(5).NumSlices())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		groups [][]int
		want   string
	}{
		{"repeated", [][]int{{0, 2}, {2, 3}}, "appears twice"},
		{"missing", [][]int{{0, 2}, {3}}, "slice index 1 missing"},
		{"out of range", [][]int{{0, 4}, {1, 2}}, "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := models.SliceOrderSpec{Groups: tt.groups}
			assert.ErrorContains(t, spec.Validate(4), tt.want)
		})
	}
	assert.NoError(t, models.SliceOrderSpec{Groups: [][]int{{0, 2}, {1, 3}}}.Validate(4))
}

func TestWriteFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slspec.txt")
	require.NoError(t, Write(path, models.SliceOrderSpec{Groups: [][]int{{0, 2}, {1, 3}}}))
	ds := testutil.ReadFileString(t, path)
	assert.Equal(t, "0 2\n1 3\n", ds)
}

func TestFromCatalog(t *testing.T) {
	ds := testutil.NewDataset(t)
	sidecar := testutil.DiffusionSidecar()
	ds.Add(testutil.Scan{Subject: "01", Session: "A", Acquisition: "b1000", Datatype: "dwi", Suffix: "dwi", Sidecar: sidecar})
	ds.Add(testutil.Scan{Subject: "01", Session: "A", Acquisition: "b2000", Datatype: "dwi", Suffix: "dwi", Sidecar: sidecar})
	ds.Add(testutil.Scan{Subject: "02", Session: "B", Datatype: "dwi", Suffix: "dwi",
		Sidecar: map[string]any{"MultibandAccelerationFactor": 3}})

	layout, err := bids.Open(ds.Root, nil)
	require.NoError(t, err)

	t.Run("strict rejects duplicates", func(t *testing.T) {
		d := &Deriver{Layout: layout, Strict: true}
		_, _, err := d.FromCatalog(bids.Query{Subject: "01", Session: "A"})
		var specErr *bids.SpecError
		require.True(t, errors.As(err, &specErr))
		assert.Contains(t, err.Error(), "found 2 dwi scans")
	})

	t.Run("lenient uses first match", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		lenientLayout, err := bids.Open(ds.Root, zap.New(core))
		require.NoError(t, err)
		d := &Deriver{Layout: lenientLayout, Strict: false}
		acq, spec, err := d.FromCatalog(bids.Query{Subject: "01", Session: "A"})
		require.NoError(t, err)
		assert.Equal(t, "b1000", acq.Acquisition)
		assert.Len(t, spec.Groups, 4)
		assert.Equal(t, 1, logs.FilterMessage("multiple scans match, using the first").Len())
	})

	t.Run("missing dwi", func(t *testing.T) {
		d := &Deriver{Layout: layout, Strict: true}
		_, _, err := d.FromCatalog(bids.Query{Subject: "03", Session: "C"})
		var specErr *bids.SpecError
		require.True(t, errors.As(err, &specErr))
		assert.Equal(t, "03", specErr.Subject)
	})

	t.Run("missing SliceTiming", func(t *testing.T) {
		d := &Deriver{Layout: layout, Strict: true}
		_, _, err := d.FromCatalog(bids.Query{Subject: "02", Session: "B"})
		var specErr *bids.SpecError
		require.True(t, errors.As(err, &specErr))
		assert.Equal(t, "02", specErr.Subject)
		assert.Equal(t, "B", specErr.Session)
		assert.Contains(t, err.Error(), "SliceTiming")
	})
}
