package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Local runs jobs as child processes of the current host
type Local struct {
	Logger *zap.Logger
}

// NewLocal creates a host executor
func NewLocal(logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{Logger: logger}
}

func (e *Local) Name() string { return "local" }

// Submit runs the job and blocks until it exits
func (e *Local) Submit(ctx context.Context, job *Job) error {
	if len(job.Command) == 0 {
		return fmt.Errorf("job %s has no command", job.Name)
	}

	cmd := exec.CommandContext(ctx, job.Command[0], job.Command[1:]...)
	cmd.Dir = job.Dir
	cmd.Env = append(os.Environ(), job.Env...)
	if job.Stdin != "" {
		cmd.Stdin = strings.NewReader(job.Stdin)
	}

	var out io.Writer = os.Stdout
	var errOut io.Writer = os.Stderr
	if job.Output != "" {
		if err := os.MkdirAll(filepath.Dir(job.Output), 0755); err != nil {
			return fmt.Errorf("error creating log directory: %w", err)
		}
		f, err := os.Create(job.Output)
		if err != nil {
			return fmt.Errorf("error creating job log: %w", err)
		}
		defer f.Close()
		out, errOut = f, f
	}
	cmd.Stdout = out
	cmd.Stderr = errOut

	prov := Provenance{
		ID:        job.ID,
		Name:      job.Name,
		Command:   job.Command,
		Executor:  e.Name(),
		Resources: job.Resources,
		StartedAt: time.Now().UTC(),
	}
	prov.Hostname, _ = os.Hostname()

	e.Logger.Info("starting job", zap.String("job", job.Name), zap.String("id", job.ID))
	e.Logger.Debug("job command", zap.Strings("argv", job.Command))

	runErr := cmd.Run()
	prov.FinishedAt = time.Now().UTC()

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		job.ReturnCode = 0
	case errors.As(runErr, &exitErr):
		job.ReturnCode = exitErr.ExitCode()
	default:
		return fmt.Errorf("error running job %s: %w", job.Name, runErr)
	}
	prov.ReturnCode = job.ReturnCode

	if job.Provenance != "" {
		if err := WriteProvenance(job.Provenance, prov); err != nil {
			return err
		}
	}

	e.Logger.Info("job finished",
		zap.String("job", job.Name),
		zap.Int("returnCode", job.ReturnCode),
		zap.Duration("elapsed", prov.FinishedAt.Sub(prov.StartedAt)))
	if job.ReturnCode != 0 {
		return &ExitError{Job: job.Name, Code: job.ReturnCode}
	}
	return nil
}

// DryRun prints each job's command instead of running it
type DryRun struct {
	Out    io.Writer
	Logger *zap.Logger

	mu sync.Mutex
}

// NewDryRun creates a dry-run executor writing to out
func NewDryRun(out io.Writer, logger *zap.Logger) *DryRun {
	if logger == nil {
		logger = zap.NewNop()
	}
	if out == nil {
		out = os.Stdout
	}
	return &DryRun{Out: out, Logger: logger}
}

func (e *DryRun) Name() string { return "dry-run" }

// Submit writes the job's argv as an indented JSON list
func (e *DryRun) Submit(_ context.Context, job *Job) error {
	data, err := json.MarshalIndent(job.Command, "", " ")
	if err != nil {
		return fmt.Errorf("error encoding command: %w", err)
	}
	e.Logger.Info("dry run, not submitting job", zap.String("job", job.Name))
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = fmt.Fprintf(e.Out, "%s\n", data)
	return err
}
