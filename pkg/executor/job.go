// Package executor runs the jobs produced by the command builders, either
// directly on the host or as a dry run, and records job provenance.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Resources is the scheduler request attached to a job
type Resources struct {
	// Time is the wall clock limit in minutes
	Time   string `yaml:"time" json:"time"`
	Memory string `yaml:"memory" json:"memory"`
	CPUs   int    `yaml:"cpus" json:"cpus"`
	GPUs   int    `yaml:"gpus" json:"gpus"`
	Nodes  int    `yaml:"nodes" json:"nodes"`
}

// Job is one external tool invocation
type Job struct {
	ID      string
	Name    string
	Command []string

	// Env holds extra KEY=VALUE pairs added to the inherited environment
	Env []string

	// Stdin is fed to the process when non-empty
	Stdin string

	// Dir is the working directory, empty for the current one
	Dir string

	// Output receives combined stdout and stderr; empty inherits the
	// caller's streams
	Output string

	// Provenance is where the run record is written, empty to skip it
	Provenance string

	Resources Resources

	// ReturnCode is set once the job has run
	ReturnCode int
}

// NewJob creates a job with a fresh id
func NewJob(name string, command []string, res Resources) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Name:      name,
		Command:   command,
		Resources: res,
	}
}

// String renders the command line for logs
func (j *Job) String() string {
	return strings.Join(j.Command, " ")
}

// Executor runs a job to completion
type Executor interface {
	Submit(ctx context.Context, job *Job) error
	Name() string
}

// ExitError reports a job that ran but exited non-zero
type ExitError struct {
	Job  string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("job %s exited with return code %d", e.Job, e.Code)
}

// Provenance is the run record written next to a job's outputs
type Provenance struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Command    []string  `json:"command"`
	Executor   string    `json:"executor"`
	Hostname   string    `json:"hostname,omitempty"`
	Resources  Resources `json:"resources"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ReturnCode int       `json:"return_code"`
}

// WriteProvenance saves a run record as indented JSON
func WriteProvenance(path string, p Provenance) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating provenance directory: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding provenance: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("error writing provenance: %w", err)
	}
	return nil
}

// ReadProvenance loads a run record
func ReadProvenance(path string) (Provenance, error) {
	var p Provenance
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("error reading provenance: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("error parsing provenance %s: %w", path, err)
	}
	return p, nil
}
