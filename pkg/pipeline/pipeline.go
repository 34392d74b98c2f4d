// Package pipeline prepares diffusion QC sessions for PreQual and QSIPrep:
// it pairs field maps, derives the slice order and eddy parameters, stages
// inputs and turns everything into executor jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dwiqc/internal/models"
	"dwiqc/pkg/bids"
	"dwiqc/pkg/command"
	"dwiqc/pkg/config"
	"dwiqc/pkg/eddy"
	"dwiqc/pkg/executor"
	"dwiqc/pkg/matcher"
	"dwiqc/pkg/slspec"
	"dwiqc/pkg/staging"
)

// Params holds the processing parameters of one invocation
type Params struct {
	// BIDSDir is the dataset root
	BIDSDir string

	// OutputDir holds one tree per tool and session. Defaults to the
	// parent of BIDSDir.
	OutputDir string

	// WorkDir is the scratch root. Defaults to OutputDir/work.
	WorkDir string

	// Tools selects which containers run
	Tools []command.Tool

	Config *config.Config
	Logger *zap.Logger
}

// Session identifies one subject/session (optionally one run) to process
type Session struct {
	Subject string
	Session string
	Run     int
}

// Label names the session's output folders
func (s Session) Label() string {
	label := "sub-" + s.Subject
	if s.Session != "" {
		label += "_ses-" + s.Session
	}
	if s.Run > 0 {
		label += fmt.Sprintf("_run-%d", s.Run)
	}
	return label
}

func (s Session) query() bids.Query {
	return bids.Query{Subject: s.Subject, Session: s.Session, Run: s.Run}
}

// ToolRun is one tool's prepared invocation for a session
type ToolRun struct {
	Tool command.Tool

	// Dir holds the generated configuration for this session
	Dir string

	Outputs string
	Work    string

	// SliceSpec is the slspec file eddy and eddy_quad read
	SliceSpec string

	Job *executor.Job

	// Quad runs eddy_quad once Job has finished
	Quad *executor.Job
}

// Prepared is everything derived for one session
type Prepared struct {
	Session Session

	// Diffusion is the main diffusion scan the slice order was derived from
	Diffusion models.Acquisition

	Pairs       []models.MatchedPair
	Synthesized []models.Acquisition

	SliceOrder models.SliceOrderSpec
	MPOrder    int

	Runs []ToolRun
}

// Processor prepares and runs sessions
type Processor struct {
	params *Params
	cfg    *config.Config
	logger *zap.Logger
}

// NewProcessor creates a processor, filling in default directories
func NewProcessor(params *Params) *Processor {
	cfg := params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if params.OutputDir == "" {
		params.OutputDir = filepath.Dir(filepath.Clean(params.BIDSDir))
	}
	if params.WorkDir == "" {
		params.WorkDir = filepath.Join(params.OutputDir, "work")
	}
	if len(params.Tools) == 0 {
		params.Tools = []command.Tool{command.Prequal, command.Qsiprep}
	}
	return &Processor{params: params, cfg: cfg, logger: logger}
}

// SessionDir is the folder one tool's artifacts for a session are written to
func (p *Processor) SessionDir(tool command.Tool, s Session) string {
	return filepath.Join(p.params.OutputDir, "dwiqc-"+tool.String(), s.Label())
}

// Prepare runs the synthesis pass for one session and builds its jobs
func (p *Processor) Prepare(s Session) (*Prepared, error) {
	logger := p.logger.With(zap.String("session", s.Label()))
	cfg := p.cfg

	layout, err := bids.OpenSession(p.params.BIDSDir, s.Subject, s.Session, logger)
	if err != nil {
		return nil, err
	}

	// Step 1: pair field maps, synthesizing the missing ones
	logger.Info("step 1: matching field maps")
	m := matcher.New(layout, cfg.Processing.B0Threshold, logger)
	result, err := m.Match(s.query())
	if err != nil {
		return nil, fmt.Errorf("error matching field maps: %w", err)
	}
	if len(result.Synthesized) > 0 {
		if err := layout.Reload(); err != nil {
			return nil, err
		}
	}

	// Step 2: derive the slice order of the main diffusion scan
	logger.Info("step 2: deriving slice order")
	deriver := &slspec.Deriver{Layout: layout, Strict: cfg.Processing.Strict, Logger: logger}
	dwi, order, err := deriver.FromCatalog(s.query())
	if err != nil {
		return nil, err
	}

	// Step 3: eddy slice-to-volume order
	mporder := eddy.ComputeMPOrder(len(dwi.SliceTiming), dwi.MultibandFactor, cfg.Processing.NoGPU, logger)

	prep := &Prepared{
		Session:     s,
		Diffusion:   dwi,
		Pairs:       result.Pairs,
		Synthesized: result.Synthesized,
		SliceOrder:  order,
		MPOrder:     mporder,
	}

	// Step 4: per-tool configuration and commands
	for _, tool := range p.params.Tools {
		logger.Info("step 4: preparing tool", zap.Stringer("tool", tool))
		var run ToolRun
		switch tool {
		case command.Prequal:
			run, err = p.preparePrequal(layout, prep, logger)
		case command.Qsiprep:
			run, err = p.prepareQsiprep(layout, prep, logger)
		default:
			err = fmt.Errorf("unknown tool %s", tool)
		}
		if err != nil {
			return nil, fmt.Errorf("error preparing %s: %w", tool, err)
		}
		prep.Runs = append(prep.Runs, run)
	}
	return prep, nil
}

// fieldMapsFor returns the field maps paired with dwi
func fieldMapsFor(pairs []models.MatchedPair, dwi models.Acquisition) []models.Acquisition {
	for _, pair := range pairs {
		if pair.Diffusion.ImagePath == dwi.ImagePath {
			return pair.FieldMaps
		}
	}
	return nil
}

// shellOverride returns the scanner-specific --nonzero_shells value, empty
// when the scan's scanner has no rule
func (p *Processor) shellOverride(layout *bids.Layout, dwi models.Acquisition, logger *zap.Logger) (string, error) {
	manufacturer, err := layout.MetadataString(dwi, "Manufacturer")
	if err != nil {
		logger.Debug("no scanner override, manufacturer unknown", zap.Error(err))
		return "", nil
	}
	model, err := layout.MetadataString(dwi, "ManufacturersModelName")
	if err != nil {
		logger.Debug("no scanner override, model unknown", zap.Error(err))
		return "", nil
	}
	grads, err := bids.ReadGradients(dwi)
	if err != nil {
		return "", err
	}
	rule, ok := p.cfg.Eddy.ShellRules.Lookup(manufacturer, model, grads.MaxBval())
	if !ok {
		return "", nil
	}
	logger.Info("applying scanner shell override",
		zap.String("manufacturer", manufacturer),
		zap.String("model", model),
		zap.String("nonzeroShells", rule.NonzeroShells))
	return rule.NonzeroShells, nil
}

func (p *Processor) parameters(s Session) command.Parameters {
	cfg := p.cfg
	return command.Parameters{
		Subject:          s.Subject,
		Session:          s.Session,
		Project:          cfg.Prequal.Project,
		NoGPU:            cfg.Processing.NoGPU,
		CUDAVersion:      cfg.Containers.CUDAVersion,
		PEAxis:           cfg.Prequal.PEAxis,
		OutputResolution: cfg.Processing.OutputResolution,
		ToolOptions:      cfg.Prequal.Options,
	}
}

func (p *Processor) resources() (executor.Resources, command.Resources) {
	cfg := p.cfg
	cpus := cfg.Resources.CPUs
	if cpus <= 0 {
		cpus = 1
	}
	return cfg.Resources.Resources, command.Resources{CPUs: cpus, MemoryMB: cfg.Resources.MemoryMB}
}

func (p *Processor) preparePrequal(layout *bids.Layout, prep *Prepared, logger *zap.Logger) (ToolRun, error) {
	cfg := p.cfg
	dir := p.SessionDir(command.Prequal, prep.Session)
	run := ToolRun{
		Tool:    command.Prequal,
		Dir:     dir,
		Outputs: filepath.Join(dir, "OUTPUTS"),
		Work:    filepath.Join(p.params.WorkDir, command.Prequal.String(), prep.Session.Label()),
	}
	inputs := filepath.Join(dir, "INPUTS")
	for _, d := range []string{run.Outputs, run.Work} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return run, fmt.Errorf("error creating %s: %w", d, err)
		}
	}

	stager := staging.NewPrequal(inputs, logger)
	if err := stager.Stage(prep.Diffusion, fieldMapsFor(prep.Pairs, prep.Diffusion)); err != nil {
		return run, err
	}

	// eddy reads the slice order from INPUTS; eddy_quad from OUTPUTS
	name := slspec.FileName(len(prep.Diffusion.SliceTiming))
	for _, d := range []string{inputs, run.Outputs} {
		if err := slspec.Write(filepath.Join(d, name), prep.SliceOrder); err != nil {
			return run, err
		}
	}
	run.SliceSpec = filepath.Join(run.Outputs, name)

	params := p.parameters(prep.Session)
	shells, err := p.shellOverride(layout, prep.Diffusion, logger)
	if err != nil {
		return run, err
	}
	params.NonzeroShells = shells

	jobRes, cmdRes := p.resources()
	argv, err := command.Build(command.Prequal,
		command.Paths{Image: cfg.Containers.Prequal, Inputs: inputs, Outputs: run.Outputs, Work: run.Work},
		params, cfg.Binds, cmdRes, cfg.Prequal.ExtraOptions)
	if err != nil {
		return run, err
	}
	logDir := filepath.Join(dir, "logs")
	run.Job = command.NewJob(command.JobName(command.Prequal), argv, jobRes, cfg.Binds, logDir, cfg.Processing.NoGPU)

	quad, err := command.EddyQuad(command.Prequal, command.QuadInputs{
		Dir:       command.QuadDir(command.Prequal, run.Outputs),
		Image:     cfg.Containers.Prequal,
		SliceSpec: run.SliceSpec,
		Subject:   prep.Session.Subject,
	}, cfg.Binds)
	if err != nil {
		return run, err
	}
	run.Quad = command.NewJob(command.JobName(command.Prequal)+"-eddyquad", quad, jobRes, cfg.Binds, logDir, true)
	run.Quad.Dir = command.QuadDir(command.Prequal, run.Outputs)
	return run, nil
}

func (p *Processor) prepareQsiprep(layout *bids.Layout, prep *Prepared, logger *zap.Logger) (ToolRun, error) {
	cfg := p.cfg
	dir := p.SessionDir(command.Qsiprep, prep.Session)
	run := ToolRun{
		Tool:    command.Qsiprep,
		Dir:     dir,
		Outputs: filepath.Join(dir, "qsiprep_output"),
		Work:    filepath.Join(p.params.WorkDir, command.Qsiprep.String(), prep.Session.Label()),
	}
	for _, d := range []string{run.Outputs, run.Work} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return run, fmt.Errorf("error creating %s: %w", d, err)
		}
	}

	run.SliceSpec = filepath.Join(dir, slspec.FileName(len(prep.Diffusion.SliceTiming)))
	if err := slspec.Write(run.SliceSpec, prep.SliceOrder); err != nil {
		return run, err
	}

	var anatomical *models.Acquisition
	if t1w := layout.Find(bids.Query{Subject: prep.Session.Subject, Session: prep.Session.Session, Suffix: "T1w"}); len(t1w) > 0 {
		anatomical = &t1w[0]
	}
	resolution, err := eddy.CheckOutputResolution(cfg.Processing.OutputResolution, anatomical,
		cfg.Processing.FallbackResolution, logger)
	if err != nil {
		return run, err
	}

	defaults := cfg.Eddy.Defaults
	params, err := eddy.BuildParameters(eddy.Inputs{
		Defaults:       &defaults,
		MPOrder:        prep.MPOrder,
		SliceOrderPath: run.SliceSpec,
		NoGPU:          cfg.Processing.NoGPU,
		ExtraArgs:      cfg.Eddy.ExtraArgs,
	})
	if err != nil {
		return run, err
	}
	eddyConfig := filepath.Join(dir, eddy.ParamsFileName)
	if err := eddy.Write(eddyConfig, params); err != nil {
		return run, err
	}
	// nipype picks nipype.cfg up from the job's working directory
	if _, err := staging.WriteNipypeConfig(dir); err != nil {
		return run, err
	}

	cmdParams := p.parameters(prep.Session)
	cmdParams.OutputResolution = resolution
	jobRes, cmdRes := p.resources()
	argv, err := command.Build(command.Qsiprep,
		command.Paths{Image: cfg.Containers.Qsiprep, BIDS: p.params.BIDSDir, Outputs: run.Outputs, Work: run.Work, EddyConfig: eddyConfig},
		cmdParams, cfg.Binds, cmdRes, cfg.Qsiprep.ExtraOptions)
	if err != nil {
		return run, err
	}
	logDir := filepath.Join(dir, "logs")
	run.Job = command.NewJob(command.JobName(command.Qsiprep), argv, jobRes, cfg.Binds, logDir, cfg.Processing.NoGPU)
	run.Job.Dir = dir

	quad, err := command.EddyQuad(command.Qsiprep, command.QuadInputs{
		Dir:       command.QuadDir(command.Qsiprep, run.Outputs),
		SliceSpec: run.SliceSpec,
		Subject:   prep.Session.Subject,
	}, cfg.Binds)
	if err != nil {
		return run, err
	}
	run.Quad = command.NewJob(command.JobName(command.Qsiprep)+"-eddyquad", quad, jobRes, cfg.Binds, logDir, true)
	run.Quad.Dir = command.QuadDir(command.Qsiprep, run.Outputs)

	logger.Info("prepared qsiprep",
		zap.String("eddyConfig", eddyConfig),
		zap.Int("mporder", prep.MPOrder),
		zap.Float64("outputResolution", resolution))
	return run, nil
}

// checkOverlap rejects session lists that would prepare the same session
// twice, either listed again or covered by a subject-wide entry
func checkOverlap(sessions []Session) error {
	wholeSubject := make(map[string]bool)
	for _, s := range sessions {
		if s.Session == "" {
			wholeSubject[s.Subject] = true
		}
	}
	seen := make(map[string]bool)
	for _, s := range sessions {
		key := s.Subject + "/" + s.Session
		if seen[key] {
			return fmt.Errorf("session sub-%s ses-%s listed twice", s.Subject, s.Session)
		}
		seen[key] = true
		if s.Session != "" && wholeSubject[s.Subject] {
			return fmt.Errorf("session sub-%s ses-%s is also covered by the entry for all of sub-%s",
				s.Subject, s.Session, s.Subject)
		}
	}
	return nil
}

// PrepareAll prepares disjoint sessions concurrently, at most
// Processing.Concurrency at a time. A failing session does not stop the
// others: the prepared sessions are returned in input order together with
// the joined per-session errors.
func (p *Processor) PrepareAll(ctx context.Context, sessions []Session) ([]*Prepared, error) {
	if err := checkOverlap(sessions); err != nil {
		return nil, err
	}

	results := make([]*Prepared, len(sessions))
	errs := make([]error, len(sessions))
	var g errgroup.Group
	if p.cfg.Processing.Concurrency > 0 {
		g.SetLimit(p.cfg.Processing.Concurrency)
	}
	for i, s := range sessions {
		i, s := i, s
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = fmt.Errorf("%s: %w", s.Label(), err)
				return nil
			}
			prep, err := p.Prepare(s)
			if err != nil {
				p.logger.Error("error preparing session", zap.String("session", s.Label()), zap.Error(err))
				errs[i] = fmt.Errorf("%s: %w", s.Label(), err)
				return nil
			}
			results[i] = prep
			return nil
		})
	}
	g.Wait()

	out := make([]*Prepared, 0, len(results))
	for _, prep := range results {
		if prep != nil {
			out = append(out, prep)
		}
	}
	return out, errors.Join(errs...)
}
