package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dwiqc/pkg/archive"
	"dwiqc/pkg/executor"
)

var getFlags struct {
	label   string
	project string
	bidsDir string
	debug   bool
	dryRun  bool
}

var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Download a session's diffusion scans from the archive as BIDS",
	Long: `Lists the scans of an archive session, selects the ones whose notes
match the configured scan tags and downloads each with ArcGet.py.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := runGet(cmd.Context(), getFlags.label, getFlags.project, getFlags.bidsDir, getFlags.debug, getFlags.dryRun)
		return err
	},
}

func addGetFlags(cmd *cobra.Command, label, project, bidsDir *string) {
	cmd.Flags().StringVarP(label, "label", "l", "", "Archive session label (required)")
	cmd.Flags().StringVarP(project, "project", "p", "", "Archive project")
	cmd.Flags().StringVar(bidsDir, "bids-dir", "", "Output BIDS directory (required)")
	cmd.MarkFlagRequired("label")
	cmd.MarkFlagRequired("bids-dir")
}

func init() {
	addGetFlags(getCmd, &getFlags.label, &getFlags.project, &getFlags.bidsDir)
	getCmd.Flags().BoolVar(&getFlags.debug, "debug", false, "Pass --debug to ArcGet.py")
	getCmd.Flags().BoolVar(&getFlags.dryRun, "dry-run", false, "Print the download commands without running them")
}

// newExecutor returns the dry-run executor or the local one
func newExecutor(dryRun bool) executor.Executor {
	if dryRun {
		return executor.NewDryRun(os.Stdout, logger)
	}
	return executor.NewLocal(logger)
}

// runGet downloads the selected scans of one archive session and returns
// the session it resolved
func runGet(ctx context.Context, label, project, bidsDir string, debug, dryRun bool) (archive.Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	creds := cfg.Archive.Credentials
	if creds.Host == "" {
		return archive.Session{}, fmt.Errorf("no archive host configured (archive.credentials.host or XNAT_HOST)")
	}

	matcher, err := cfg.Archive.Download.Compile()
	if err != nil {
		return archive.Session{}, err
	}

	var lister archive.Lister = archive.NewXNAT(creds)
	session, err := lister.Session(ctx, project, label)
	if err != nil {
		return archive.Session{}, fmt.Errorf("error listing session %s: %w", label, err)
	}

	sel := matcher.Select(session.Scans)
	if len(sel) == 0 {
		return session, fmt.Errorf("no scans in session %s match the configured scan tags", label)
	}
	logger.Info("selected scans", zap.String("session", session.Label), zap.String("selection", sel.Summary()))

	opts := archive.GetOptions{
		Label:    label,
		Project:  project,
		BIDSDir:  bidsDir,
		InMem:    cfg.Archive.InMem,
		Insecure: cfg.Archive.Insecure,
		Debug:    debug,
	}
	jobs, err := archive.DownloadJobs(sel, cfg.Archive.Download, opts, creds)
	if err != nil {
		return session, err
	}

	array := executor.NewJobArray(newExecutor(dryRun), logger)
	for _, job := range jobs {
		array.Add(job)
	}
	// ArcGet.py writes into a shared BIDS tree, one download at a time
	if err := array.Submit(ctx, 1); err != nil {
		return session, fmt.Errorf("error downloading %s: %w", label, err)
	}
	return session, nil
}
