package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dwiqc/pkg/archive"
)

var tandemFlags struct {
	label   string
	project string
	processOptions
}

var tandemCmd = &cobra.Command{
	Use:   "tandem",
	Short: "Download a session and process it",
	Long: `Runs get followed by process. The BIDS subject and session labels
default to the archive's subject and session labels with every character
BIDS does not allow removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		o := tandemFlags.processOptions
		session, err := runGet(cmd.Context(), tandemFlags.label, tandemFlags.project, o.bidsDir, false, o.dryRun)
		if err != nil {
			return err
		}
		if o.subject == "" {
			o.subject = archive.LegalLabel(session.Subject)
		}
		if len(o.sessions) == 0 {
			o.sessions = []string{archive.LegalLabel(session.Label)}
		}
		logger.Info("processing downloaded session",
			zap.String("subject", o.subject),
			zap.Strings("sessions", o.sessions))
		if o.dryRun {
			// nothing was downloaded, so there is nothing to prepare
			return nil
		}
		return runProcess(cmd, o)
	},
}

func init() {
	addGetFlags(tandemCmd, &tandemFlags.label, &tandemFlags.project, &tandemFlags.bidsDir)
	addProcessFlags(tandemCmd, &tandemFlags.processOptions, false)
}
