// Package command turns synthesized configuration into the argument lists
// that launch the PreQual and QSIPrep containers. Every builder is pure; the
// executor package runs what they return.
package command

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Tool selects the external preprocessing pipeline
type Tool int

const (
	Prequal Tool = iota
	Qsiprep
)

func (t Tool) String() string {
	switch t {
	case Prequal:
		return "prequal"
	case Qsiprep:
		return "qsiprep"
	}
	return fmt.Sprintf("tool(%d)", int(t))
}

// ParseTool maps a sub-task name to a Tool
func ParseTool(name string) (Tool, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "prequal":
		return Prequal, nil
	case "qsiprep":
		return Qsiprep, nil
	}
	return 0, fmt.Errorf("unknown sub-task %q (want prequal or qsiprep)", name)
}

// Bind is one host path mounted into the container
type Bind struct {
	Host      string `yaml:"host"`
	Container string `yaml:"container"`
}

func (b Bind) String() string {
	if b.Container == "" {
		return b.Host
	}
	return b.Host + ":" + b.Container
}

// Binds gathers every mount and environment setting a job needs. It is built
// once per job and passed explicitly instead of being read from the process
// environment.
type Binds struct {
	// FreeSurferLicense is the host path of license.txt
	FreeSurferLicense string `yaml:"freesurferLicense"`

	// CUDA is a host CUDA toolkit mounted at /usr/local/cuda when a GPU is used
	CUDA string `yaml:"cuda"`

	// CodeOverrides replace files inside the container image
	CodeOverrides []Bind `yaml:"codeOverrides,omitempty"`

	Extra []Bind `yaml:"extra,omitempty"`

	// Env is exported to the job, and into the container for tools that run
	// with a clean environment
	Env map[string]string `yaml:"env"`
}

// Environment returns the job environment as sorted KEY=VALUE pairs, each
// mirrored with the SINGULARITYENV_ prefix
func (b Binds) Environment() []string {
	keys := make([]string, 0, len(b.Env))
	for k := range b.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var env []string
	for _, k := range keys {
		env = append(env, k+"="+b.Env[k], "SINGULARITYENV_"+k+"="+b.Env[k])
	}
	return env
}

// Paths are the resolved host locations a command refers to
type Paths struct {
	// Image is the container image (.sif)
	Image string

	// BIDS is the dataset root handed to QSIPrep
	BIDS string

	// Inputs is the staged PreQual INPUTS directory
	Inputs string

	Outputs string

	// Work is the scratch directory (/tmp for PreQual, -w for QSIPrep)
	Work string

	// EddyConfig is the eddy parameter document for QSIPrep
	EddyConfig string
}

// Parameters are the per-session settings that shape a command
type Parameters struct {
	Subject string
	Session string

	// Project is the label PreQual stamps on its report
	Project string

	NoGPU bool

	// CUDAVersion is passed to --eddy_cuda when a GPU is used
	CUDAVersion string

	// PEAxis is the phase-encode axis PreQual corrects along
	PEAxis string

	// NonzeroShells is the scanner shell override, empty when none applies
	NonzeroShells string

	// OutputResolution is the QSIPrep output voxel size in mm
	OutputResolution float64

	// ToolOptions replace DefaultPrequalOptions when non-nil
	ToolOptions []string
}

// Resources bound the container's own thread and memory use
type Resources struct {
	CPUs     int
	MemoryMB int
}

// DefaultPrequalOptions are the preprocessing switches PreQual runs with
func DefaultPrequalOptions() []string {
	return []string{
		"--denoise", "off",
		"--degibbs", "off",
		"--rician", "off",
		"--prenormalize", "on",
		"--correct_bias", "on",
		"--topup_first_b0s_only",
	}
}

// Build returns the argument list for one tool invocation. Extra options
// are appended verbatim after the synthesized ones, minus GPU-only flags
// when no GPU is available.
func Build(tool Tool, paths Paths, params Parameters, binds Binds, res Resources, extra []string) ([]string, error) {
	if paths.Image == "" {
		return nil, fmt.Errorf("no container image configured for %s", tool)
	}
	if params.Subject == "" {
		return nil, fmt.Errorf("%s command requires a subject", tool)
	}
	if params.NoGPU {
		extra = StripGPUFlags(extra)
	}

	var argv []string
	switch tool {
	case Prequal:
		argv = buildPrequal(paths, params, binds, res)
	case Qsiprep:
		if paths.EddyConfig == "" {
			return nil, fmt.Errorf("qsiprep command requires an eddy config")
		}
		if params.OutputResolution <= 0 {
			return nil, fmt.Errorf("qsiprep command requires an output resolution")
		}
		argv = buildQsiprep(paths, params, binds, res)
	default:
		return nil, fmt.Errorf("unknown tool %s", tool)
	}
	return append(argv, extra...), nil
}

func bindArgs(bs ...Bind) []string {
	var out []string
	for _, b := range bs {
		if b.Host == "" {
			continue
		}
		out = append(out, "-B", b.String())
	}
	return out
}

func buildPrequal(paths Paths, params Parameters, binds Binds, res Resources) []string {
	argv := []string{"singularity", "run", "-e", "--contain"}
	if !params.NoGPU {
		argv = append(argv, "--nv")
	}
	argv = append(argv, bindArgs(
		Bind{paths.Inputs, "/INPUTS/"},
		Bind{paths.Outputs, "/OUTPUTS"},
		Bind{paths.Work, "/tmp"},
		Bind{binds.FreeSurferLicense, "/APPS/freesurfer/license.txt"},
	)...)
	if !params.NoGPU {
		argv = append(argv, bindArgs(Bind{binds.CUDA, "/usr/local/cuda"})...)
	}
	argv = append(argv, bindArgs(binds.CodeOverrides...)...)
	argv = append(argv, bindArgs(binds.Extra...)...)

	axis := params.PEAxis
	if axis == "" {
		axis = "j"
	}
	argv = append(argv, paths.Image, "--save_component_pngs", axis)
	if !params.NoGPU && params.CUDAVersion != "" {
		argv = append(argv, "--eddy_cuda", params.CUDAVersion)
	}
	threads := res.CPUs
	if threads <= 0 {
		threads = 2
	}
	argv = append(argv, "--num_threads", strconv.Itoa(threads))

	opts := params.ToolOptions
	if opts == nil {
		opts = DefaultPrequalOptions()
	}
	if params.NoGPU {
		opts = StripGPUFlags(opts)
	}
	argv = append(argv, opts...)
	if params.NonzeroShells != "" {
		argv = append(argv, "--nonzero_shells", params.NonzeroShells)
	}

	project := params.Project
	if project == "" {
		project = "dwiqc"
	}
	argv = append(argv, "--subject", params.Subject, "--project", project)
	if params.Session != "" {
		argv = append(argv, "--session", params.Session)
	}
	return argv
}

// FormatResolution renders a voxel size the way it is passed on the command
// line, without float32 rounding noise
func FormatResolution(mm float64) string {
	return strconv.FormatFloat(mm, 'f', -1, 32)
}

func buildQsiprep(paths Paths, params Parameters, binds Binds, res Resources) []string {
	argv := []string{"singularity", "run"}
	if !params.NoGPU {
		argv = append(argv, "--nv")
		argv = append(argv, bindArgs(Bind{binds.CUDA, "/usr/local/cuda"})...)
	}
	argv = append(argv, bindArgs(binds.CodeOverrides...)...)
	argv = append(argv, bindArgs(binds.Extra...)...)

	cpus := res.CPUs
	if cpus <= 0 {
		cpus = 2
	}
	mem := res.MemoryMB
	if mem <= 0 {
		mem = 40000
	}
	argv = append(argv,
		paths.Image,
		paths.BIDS,
		paths.Outputs,
		"participant",
		"--participant-label", params.Subject,
		"--output-resolution", FormatResolution(params.OutputResolution),
		"--separate-all-dwis",
		"--eddy-config", paths.EddyConfig,
		"--recon-spec", "reorient_fslstd",
		"--notrack",
		"--n_cpus", strconv.Itoa(cpus),
		"--mem_mb", strconv.Itoa(mem),
	)
	if binds.FreeSurferLicense != "" {
		argv = append(argv, "--fs-license-file", binds.FreeSurferLicense)
	}
	if paths.Work != "" {
		argv = append(argv, "-w", paths.Work)
	}
	return argv
}

// gpuFlags take no value; gpuValueFlags consume the following argument
var (
	gpuFlags      = map[string]bool{"--nv": true, "--use_cuda": true, "--use-cuda": true}
	gpuValueFlags = map[string]bool{"--eddy_cuda": true, "--eddy-cuda": true}
)

// StripGPUFlags removes GPU-only flags, and the values they take, from an
// option list
func StripGPUFlags(opts []string) []string {
	out := make([]string, 0, len(opts))
	for i := 0; i < len(opts); i++ {
		name, _, hasValue := strings.Cut(opts[i], "=")
		if gpuFlags[name] {
			continue
		}
		if gpuValueFlags[name] {
			if !hasValue && i+1 < len(opts) && !strings.HasPrefix(opts[i+1], "-") {
				i++
			}
			continue
		}
		out = append(out, opts[i])
	}
	return out
}
