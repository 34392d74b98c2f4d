package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dwiqc/pkg/eddy"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 50.0, cfg.Processing.B0Threshold)
	assert.Equal(t, 2.0, cfg.Processing.FallbackResolution)
	assert.Equal(t, eddy.DefaultParameters(), cfg.Eddy.Defaults)
	assert.Equal(t, "350,650,1350,2000", cfg.Eddy.ShellRules[0].NonzeroShells)
	assert.Equal(t, "1", cfg.Binds.Env["OPENBLAS_NUM_THREADS"])
	assert.Equal(t, 1, cfg.Resources.Nodes)
	assert.Contains(t, cfg.Archive.Download.Scans, "dwi")
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dwiqc.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dwiqc.yaml")
	content := `processing:
  noGPU: true
  strict: true
  outputResolution: 1.5
eddy:
  defaults:
    niter: 8
    flm: quadratic
  shellRules:
    - manufacturer: GE
      model: Premier
      maxBval: 3000
      nonzeroShells: "500,1000,3000"
containers:
  prequal: /containers/prequal.sif
binds:
  freesurferLicense: /apps/license.txt
  codeOverrides:
    - host: /src/vis.py
      container: /CODE/dtiQA_v7/vis.py
resources:
  memory: 64G
  gpus: 1
archive:
  download:
    dwiqc:
      main:
        tag: ['#MAIN']
        bids_subdir: dwi
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Processing.NoGPU)
	assert.True(t, cfg.Processing.Strict)
	assert.Equal(t, 1.5, cfg.Processing.OutputResolution)
	assert.Equal(t, 8, cfg.Eddy.Defaults.NIter)
	assert.Equal(t, "jac", cfg.Eddy.Defaults.Method, "unset keys keep their defaults")
	require.Len(t, cfg.Eddy.ShellRules, 1)
	assert.Equal(t, "GE", cfg.Eddy.ShellRules[0].Manufacturer)
	assert.Equal(t, "/containers/prequal.sif", cfg.Containers.Prequal)
	assert.Equal(t, "/apps/license.txt", cfg.Binds.FreeSurferLicense)
	assert.Equal(t, "/CODE/dtiQA_v7/vis.py", cfg.Binds.CodeOverrides[0].Container)
	assert.Equal(t, "64G", cfg.Resources.Memory)
	assert.Equal(t, 2, cfg.Resources.CPUs)
	assert.Equal(t, []string{"main"}, cfg.Archive.Download.Labels())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DWIQC_NO_GPU", "true")
	t.Setenv("DWIQC_RATE_LIMIT", "5")
	t.Setenv("DWIQC_QSIPREP_IMAGE", "/containers/qsiprep.sif")
	t.Setenv("DWIQC_LOG_LEVEL", "debug")
	t.Setenv("XNAT_HOST", "https://xnat.example.org")
	t.Setenv("XNAT_USER", "alice")
	t.Setenv("XNAT_PASS", "secret")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.True(t, cfg.Processing.NoGPU)
	assert.Equal(t, 5, cfg.Processing.RateLimit)
	assert.Equal(t, "/containers/qsiprep.sif", cfg.Containers.Qsiprep)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "https://xnat.example.org", cfg.Archive.Credentials.Host)
	assert.Equal(t, "secret", cfg.Archive.Credentials.Pass)

	t.Setenv("DWIQC_NO_GPU", "maybe")
	_, err = LoadConfig("")
	assert.ErrorContains(t, err, "DWIQC_NO_GPU")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Eddy.ShellRules = append(cfg.Eddy.ShellRules, eddy.ShellRule{Manufacturer: "GE"})
	assert.ErrorContains(t, cfg.Validate(), "shellRules[1]")

	cfg = DefaultConfig()
	cfg.Processing.B0Threshold = -1
	assert.Error(t, cfg.Validate())
}

func TestPasswordNeverSaved(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Archive.Credentials.Pass = "secret"
	path := filepath.Join(t.TempDir(), "dwiqc.yaml")
	require.NoError(t, SaveConfig(cfg, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
}
