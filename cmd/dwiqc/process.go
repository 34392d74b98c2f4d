package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dwiqc/pkg/command"
	"dwiqc/pkg/pipeline"
)

// processOptions are the flags shared by process and tandem
type processOptions struct {
	subject   string
	sessions  []string
	run       int
	bidsDir   string
	outputDir string
	workDir   string
	subTasks  []string

	noGPU            bool
	dryRun           bool
	rateLimit        int
	outputResolution float64
}

var processFlags processOptions

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run PreQual and QSIPrep on BIDS sessions",
	Long: `Pairs field maps (synthesizing them from b0 volumes when missing),
derives the slice order and eddy parameters, stages PreQual inputs and runs
the selected containers followed by eddy_quad and metric extraction.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProcess(cmd, processFlags)
	},
}

func addProcessFlags(cmd *cobra.Command, o *processOptions, withBIDS bool) {
	cmd.Flags().StringVar(&o.subject, "sub", "", "BIDS subject label")
	cmd.Flags().StringSliceVar(&o.sessions, "ses", nil, "BIDS session label (repeatable)")
	cmd.Flags().IntVar(&o.run, "run", 0, "Restrict to one run number")
	if withBIDS {
		cmd.Flags().StringVar(&o.bidsDir, "bids-dir", "", "BIDS dataset root (required)")
		cmd.MarkFlagRequired("bids-dir")
	}
	cmd.Flags().StringVar(&o.outputDir, "output-dir", "", "Output root (default: parent of the BIDS directory)")
	cmd.Flags().StringVar(&o.workDir, "work-dir", "", "Scratch root (default: <output-dir>/work)")
	cmd.Flags().StringSliceVar(&o.subTasks, "sub-tasks", []string{"prequal", "qsiprep"}, "Containers to run")
	cmd.Flags().BoolVar(&o.noGPU, "no-gpu", false, "Run eddy on CPU")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "Prepare inputs and print commands without running them")
	cmd.Flags().IntVar(&o.rateLimit, "rate-limit", 0, "Maximum concurrent jobs (default from config)")
	cmd.Flags().Float64Var(&o.outputResolution, "output-resolution", 0, "QSIPrep output voxel size in mm (default: T1w voxel size)")
}

func init() {
	addProcessFlags(processCmd, &processFlags, true)
	processCmd.MarkFlagRequired("sub")
}

func runProcess(cmd *cobra.Command, o processOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// Flags override the configuration file
	if cmd.Flags().Changed("no-gpu") {
		cfg.Processing.NoGPU = o.noGPU
	}
	if o.rateLimit > 0 {
		cfg.Processing.RateLimit = o.rateLimit
	}
	if o.outputResolution > 0 {
		cfg.Processing.OutputResolution = o.outputResolution
	}

	var tools []command.Tool
	for _, name := range o.subTasks {
		tool, err := command.ParseTool(name)
		if err != nil {
			return err
		}
		tools = append(tools, tool)
	}
	if o.subject == "" {
		return fmt.Errorf("a subject is required")
	}

	var sessions []pipeline.Session
	if len(o.sessions) == 0 {
		sessions = append(sessions, pipeline.Session{Subject: o.subject, Run: o.run})
	}
	for _, ses := range o.sessions {
		sessions = append(sessions, pipeline.Session{Subject: o.subject, Session: ses, Run: o.run})
	}

	proc := pipeline.NewProcessor(&pipeline.Params{
		BIDSDir:   o.bidsDir,
		OutputDir: o.outputDir,
		WorkDir:   o.workDir,
		Tools:     tools,
		Config:    cfg,
		Logger:    logger,
	})
	preps, prepErr := proc.PrepareAll(ctx, sessions)
	if len(preps) == 0 {
		return prepErr
	}
	if prepErr != nil {
		logger.Error("continuing with the sessions that were prepared", zap.Error(prepErr))
	}
	for _, prep := range preps {
		logger.Info("prepared session",
			zap.String("session", prep.Session.Label()),
			zap.Int("pairs", len(prep.Pairs)),
			zap.Int("synthesized", len(prep.Synthesized)),
			zap.Int("mporder", prep.MPOrder))
	}
	return errors.Join(prepErr, proc.Run(ctx, newExecutor(o.dryRun), preps))
}
