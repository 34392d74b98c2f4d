package command

import (
	"path/filepath"

	"dwiqc/pkg/executor"
)

// JobName returns the scheduler name for a tool's job
func JobName(tool Tool) string {
	return "dwiqc-" + tool.String()
}

// NewJob wraps an argument list into an executor job logging to logDir.
// GPU runs request one GPU; CPU runs request the configured cores instead.
func NewJob(name string, argv []string, res executor.Resources, binds Binds, logDir string, noGPU bool) *executor.Job {
	if noGPU {
		res.GPUs = 0
		if res.CPUs <= 0 {
			res.CPUs = 2
		}
	} else {
		res.CPUs = 0
		if res.GPUs <= 0 {
			res.GPUs = 1
		}
	}
	if res.Nodes <= 0 {
		res.Nodes = 1
	}
	job := executor.NewJob(name, argv, res)
	job.Env = binds.Environment()
	if logDir != "" {
		job.Output = filepath.Join(logDir, name+".log")
		job.Provenance = filepath.Join(logDir, name+"-provenance.json")
	}
	return job
}
