package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"dwiqc/internal/models"
	"dwiqc/pkg/command"
	"dwiqc/pkg/executor"
	"dwiqc/pkg/qc"
	"dwiqc/pkg/staging"
)

// Run submits the prepared tool jobs, then for each successful one gathers
// the eddy outputs, runs eddy_quad and writes eddy_metrics.json. A dry run
// only prints the tool and eddy_quad commands.
func (p *Processor) Run(ctx context.Context, exec executor.Executor, preps []*Prepared) error {
	limit := p.cfg.Processing.RateLimit

	primary := executor.NewJobArray(exec, p.logger)
	runs := make(map[*executor.Job]ToolRun)
	for _, prep := range preps {
		for _, run := range prep.Runs {
			primary.Add(run.Job)
			runs[run.Job] = run
		}
	}
	if _, dry := exec.(*executor.DryRun); dry {
		for _, prep := range preps {
			for _, run := range prep.Runs {
				primary.Add(run.Quad)
			}
		}
		return primary.Submit(ctx, limit)
	}

	var errs []error
	if err := primary.Submit(ctx, limit); err != nil {
		errs = append(errs, err)
		if ctx.Err() != nil {
			return errors.Join(errs...)
		}
	}

	sessions := make(map[*executor.Job]*Prepared)
	for _, prep := range preps {
		for _, run := range prep.Runs {
			sessions[run.Job] = prep
		}
	}

	quad := executor.NewJobArray(exec, p.logger)
	quadRuns := make(map[*executor.Job]ToolRun)
	for _, job := range primary.Complete() {
		run := runs[job]
		if run.Tool == command.Qsiprep {
			s := sessions[job].Session
			if err := staging.GatherQsiprepEddy(run.Work, run.Outputs, run.Quad.Dir, s.Subject, s.Session, s.Run); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.Label(), err))
				continue
			}
		}
		quad.Add(run.Quad)
		quadRuns[run.Quad] = run
	}
	if err := quad.Submit(ctx, limit); err != nil {
		errs = append(errs, err)
	}

	for _, job := range quad.Complete() {
		run := quadRuns[job]
		m, path, err := CollectMetrics(run.Tool, run.Outputs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.logger.Info("wrote quality metrics",
			zap.Stringer("tool", run.Tool),
			zap.String("path", path),
			zap.Float64("snrB0", m.SNRb0))
	}
	return errors.Join(errs...)
}

// CollectMetrics parses the eddy_quad report of a tool's output tree and
// writes the flattened eddy_metrics.json next to the eddy outputs
func CollectMetrics(tool command.Tool, outputs string) (models.QualityMetrics, string, error) {
	m, err := qc.Parse(command.QuadReport(tool, outputs))
	if err != nil {
		return m, "", err
	}
	path := filepath.Join(command.QuadDir(tool, outputs), qc.MetricsFileName)
	if err := qc.WriteMetrics(path, m); err != nil {
		return m, "", err
	}
	return m, path, nil
}

// LoadMetrics returns the flattened metrics of a finished run. When the
// eddy_quad report is missing or incomplete, an eddy_metrics.json written by
// an earlier collection is used instead.
func LoadMetrics(tool command.Tool, outputs string, logger *zap.Logger) (map[string]float64, string, error) {
	m, path, err := CollectMetrics(tool, outputs)
	if err == nil {
		return qc.Flatten(m), path, nil
	}
	if !qc.IsReportError(err) {
		return nil, "", err
	}
	path = filepath.Join(command.QuadDir(tool, outputs), qc.MetricsFileName)
	flat, readErr := qc.ReadMetrics(path)
	if readErr != nil {
		return nil, "", err
	}
	logger.Warn("eddy_quad report unavailable, using existing metrics",
		zap.String("path", path),
		zap.Error(err))
	return flat, path, nil
}
