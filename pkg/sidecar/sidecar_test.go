package sidecar

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSidecar(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sub-01_dir-AP_epi.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestInsertBackReferenceNewKey(t *testing.T) {
	path := writeSidecar(t, `{"PhaseEncodingDirection": "j-", "TotalReadoutTime": 0.0695}`)
	require.NoError(t, InsertBackReference(path, IntendedFor, "ses-A/dwi/sub-01_ses-A_dwi.nii.gz"))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"ses-A/dwi/sub-01_ses-A_dwi.nii.gz"}, References(doc, IntendedFor))
	assert.Equal(t, "j-", doc["PhaseEncodingDirection"])
	assert.Equal(t, "0.0695", doc["TotalReadoutTime"].(interface{ String() string }).String())
}

func TestInsertBackReferenceIdempotent(t *testing.T) {
	path := writeSidecar(t, `{"PhaseEncodingDirection": "j"}`)
	value := "ses-A/dwi/sub-01_ses-A_run-1_dwi.nii.gz"

	require.NoError(t, InsertBackReference(path, IntendedFor, value))
	once, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, InsertBackReference(path, IntendedFor, value))
	twice, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, string(once), string(twice))
}

func TestInsertBackReferencePromotesScalar(t *testing.T) {
	path := writeSidecar(t, `{"IntendedFor": "ses-A/dwi/first_dwi.nii.gz"}`)

	require.NoError(t, InsertBackReference(path, IntendedFor, "ses-A/dwi/second_dwi.nii.gz"))
	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []any{"ses-A/dwi/first_dwi.nii.gz", "ses-A/dwi/second_dwi.nii.gz"}, doc[IntendedFor])

	// a scalar already equal to the value is still list-ified
	path = writeSidecar(t, `{"IntendedFor": "ses-A/dwi/first_dwi.nii.gz"}`)
	require.NoError(t, InsertBackReference(path, IntendedFor, "ses-A/dwi/first_dwi.nii.gz"))
	doc, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, []any{"ses-A/dwi/first_dwi.nii.gz"}, doc[IntendedFor])
}

func TestInsertBackReferenceAppends(t *testing.T) {
	path := writeSidecar(t, `{"IntendedFor": ["a_dwi.nii.gz"]}`)
	require.NoError(t, InsertBackReference(path, IntendedFor, "b_dwi.nii.gz"))
	require.NoError(t, InsertBackReference(path, IntendedFor, "a_dwi.nii.gz"))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a_dwi.nii.gz", "b_dwi.nii.gz"}, References(doc, IntendedFor))
}

func TestInsertBackReferenceErrors(t *testing.T) {
	assert.Error(t, InsertBackReference(filepath.Join(t.TempDir(), "missing.json"), IntendedFor, "x"))
	assert.Error(t, InsertBackReference(writeSidecar(t, `not json`), IntendedFor, "x"))
}

func TestCopy(t *testing.T) {
	src := writeSidecar(t, `{"SliceTiming": [0, 0.5], "Manufacturer": "Siemens"}`)
	dst := filepath.Join(t.TempDir(), "copy.json")
	require.NoError(t, Copy(src, dst))

	doc, err := Load(dst)
	require.NoError(t, err)
	assert.Equal(t, "Siemens", doc["Manufacturer"])
	assert.Len(t, doc["SliceTiming"], 2)
}
