// Package config provides configuration loading and management for dwiqc.
// It handles loading configuration from YAML files, environment overrides
// and default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"dwiqc/internal/models"
	"dwiqc/pkg/archive"
	"dwiqc/pkg/command"
	"dwiqc/pkg/eddy"
	"dwiqc/pkg/executor"
	"dwiqc/pkg/matcher"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NoGPU disables CUDA eddy and pins mporder to 1
		NoGPU bool `yaml:"noGPU"`

		// Strict turns "several main diffusion scans" into an error instead
		// of a warning and first-match fallback
		Strict bool `yaml:"strict"`

		// B0Threshold is the largest minimum b-value still treated as b0
		B0Threshold float64 `yaml:"b0Threshold"`

		// OutputResolution pins the QSIPrep output voxel size in mm; zero
		// derives it from the T1w image
		OutputResolution float64 `yaml:"outputResolution"`

		// FallbackResolution is used when no T1w image exists
		FallbackResolution float64 `yaml:"fallbackResolution"`

		// Concurrency bounds how many sessions are prepared at once
		Concurrency int `yaml:"concurrency"`

		// RateLimit bounds how many jobs run at once
		RateLimit int `yaml:"rateLimit"`
	} `yaml:"processing"`

	// Eddy parameter document settings
	Eddy struct {
		// Defaults is the fixed parameter table; mporder and slice_order are
		// always derived
		Defaults models.CorrectionParameters `yaml:"defaults"`

		// ExtraArgs are appended to the args entry
		ExtraArgs []string `yaml:"extraArgs,omitempty"`

		// ShellRules are the scanner-specific --nonzero_shells overrides
		ShellRules eddy.ShellRules `yaml:"shellRules"`
	} `yaml:"eddy"`

	// Container images and runtime
	Containers struct {
		Prequal string `yaml:"prequal"`
		Qsiprep string `yaml:"qsiprep"`

		// CUDAVersion is handed to PreQual's --eddy_cuda
		CUDAVersion string `yaml:"cudaVersion"`
	} `yaml:"containers"`

	// Binds are the host paths mounted into the containers
	Binds command.Binds `yaml:"binds"`

	// Resources requested for each processing job
	Resources struct {
		executor.Resources `yaml:",inline"`

		// MemoryMB is the QSIPrep --mem_mb limit
		MemoryMB int `yaml:"memoryMB"`
	} `yaml:"resources"`

	// PreQual options
	Prequal struct {
		Project string `yaml:"project"`

		// PEAxis is the phase-encode axis argument
		PEAxis string `yaml:"peAxis"`

		// Options replace the default preprocessing switches
		Options []string `yaml:"options"`

		ExtraOptions []string `yaml:"extraOptions,omitempty"`
	} `yaml:"prequal"`

	// QSIPrep options
	Qsiprep struct {
		ExtraOptions []string `yaml:"extraOptions,omitempty"`
	} `yaml:"qsiprep"`

	// Archive access and scan note tags
	Archive struct {
		Credentials archive.Credentials    `yaml:"credentials"`
		Download    archive.DownloadConfig `yaml:"download"`
		InMem       bool                   `yaml:"inMem"`
		Insecure    bool                   `yaml:"insecure"`
	} `yaml:"archive"`

	// Logging output
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// File mirrors log output to a file when set
		File string `yaml:"file"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.B0Threshold = matcher.DefaultB0Threshold
	cfg.Processing.FallbackResolution = eddy.DefaultOutputResolution
	cfg.Processing.Concurrency = 4
	cfg.Processing.RateLimit = 2

	cfg.Eddy.Defaults = eddy.DefaultParameters()
	cfg.Eddy.ShellRules = eddy.DefaultShellRules()

	cfg.Containers.CUDAVersion = "9.1"

	cfg.Binds.Env = map[string]string{"OPENBLAS_NUM_THREADS": "1"}

	cfg.Resources.Time = "3000"
	cfg.Resources.Memory = "40G"
	cfg.Resources.CPUs = 2
	cfg.Resources.Nodes = 1
	cfg.Resources.MemoryMB = 40000

	cfg.Prequal.Project = "dwiqc"
	cfg.Prequal.PEAxis = "j"
	cfg.Prequal.Options = command.DefaultPrequalOptions()

	cfg.Archive.Download = archive.DefaultDownloadConfig()

	cfg.Logging.Level = "info"

	return cfg
}

// LoadConfig loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
			// a configured tag set replaces the defaults instead of merging
			var overlay struct {
				Archive struct {
					Download *archive.DownloadConfig `yaml:"download"`
				} `yaml:"archive"`
			}
			if err := yaml.Unmarshal(data, &overlay); err == nil && overlay.Archive.Download != nil {
				cfg.Archive.Download = *overlay.Archive.Download
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies DWIQC_* and XNAT_* environment variables
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("DWIQC_NO_GPU"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DWIQC_NO_GPU %q: %w", v, err)
		}
		c.Processing.NoGPU = b
	}
	if v := os.Getenv("DWIQC_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DWIQC_RATE_LIMIT %q: %w", v, err)
		}
		c.Processing.RateLimit = n
	}
	if v := os.Getenv("DWIQC_PREQUAL_IMAGE"); v != "" {
		c.Containers.Prequal = v
	}
	if v := os.Getenv("DWIQC_QSIPREP_IMAGE"); v != "" {
		c.Containers.Qsiprep = v
	}
	if v := os.Getenv("DWIQC_FS_LICENSE"); v != "" {
		c.Binds.FreeSurferLicense = v
	}
	if v := os.Getenv("DWIQC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DWIQC_LOG_FILE"); v != "" {
		c.Logging.File = v
	}

	// ArcGet.py reads the same variables
	if v := os.Getenv("XNAT_HOST"); v != "" {
		c.Archive.Credentials.Host = v
	}
	if v := os.Getenv("XNAT_USER"); v != "" {
		c.Archive.Credentials.User = v
	}
	if v := os.Getenv("XNAT_PASS"); v != "" {
		c.Archive.Credentials.Pass = v
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside a run
func (c *Config) Validate() error {
	if c.Processing.B0Threshold < 0 {
		return fmt.Errorf("processing.b0Threshold must not be negative")
	}
	if c.Processing.OutputResolution < 0 || c.Processing.FallbackResolution < 0 {
		return fmt.Errorf("output resolutions must not be negative")
	}
	for i, r := range c.Eddy.ShellRules {
		if r.Manufacturer == "" || r.Model == "" || r.NonzeroShells == "" {
			return fmt.Errorf("eddy.shellRules[%d] needs manufacturer, model and nonzeroShells", i)
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
