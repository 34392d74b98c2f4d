package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dwiqc/pkg/command"
	"dwiqc/pkg/pipeline"
	"dwiqc/pkg/qc"
)

var metricsFlags struct {
	tool    string
	outputs string
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Extract eddy_quad metrics from a finished run",
	Long: `Parses the eddy_quad qc.json under a PreQual OUTPUTS directory or a
QSIPrep output directory, writes eddy_metrics.json beside the eddy outputs
and prints the flattened metrics. When qc.json is gone, an existing
eddy_metrics.json is printed instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tool, err := command.ParseTool(metricsFlags.tool)
		if err != nil {
			return err
		}
		flat, path, err := pipeline.LoadMetrics(tool, metricsFlags.outputs, logger)
		if err != nil {
			return err
		}
		logger.Info("quality metrics",
			zap.String("path", path),
			zap.Ints("shells", qc.Shells(flat)))

		data, err := json.MarshalIndent(flat, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	metricsCmd.Flags().StringVar(&metricsFlags.tool, "tool", "prequal", "Tool that produced the outputs (prequal or qsiprep)")
	metricsCmd.Flags().StringVar(&metricsFlags.outputs, "outputs", "", "Tool output directory (required)")
	metricsCmd.MarkFlagRequired("outputs")
}
