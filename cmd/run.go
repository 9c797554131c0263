package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/finforge/statement-engine/internal/model"
)

var (
	runUserID string
	runYear   int
)

var runCmd = &cobra.Command{
	Use:   "run <file-reference>",
	Short: "Process a single statement file end to end",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.engine.Submit(ctx, runUserID, runYear, args[0])
		if err != nil {
			return err
		}

		final, err := a.engine.Run(ctx, job.ID)
		if err != nil {
			return err
		}

		fmt.Printf("job      %s\n", final.ID)
		fmt.Printf("status   %s\n", final.Status)
		if final.Error != "" {
			fmt.Printf("error    %s\n", final.Error)
		}
		if final.ArtifactRef != "" {
			fmt.Printf("artifact %s\n", final.ArtifactRef)
		}
		if final.CertificateRef != "" {
			fmt.Printf("cert     %s\n", final.CertificateRef)
		}

		if cert, certErr := a.store.GetCertificate(ctx, final.ID); certErr == nil {
			fmt.Printf("verdict  %s (confidence %.2f, cost $%.4f)\n",
				cert.ComplianceStatus, cert.Confidence, cert.TotalCostUSD)
		}

		if final.Status == model.JobStatusFailed {
			zap.L().Warn("run finished with failure", zap.String("job_id", final.ID))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runUserID, "user", "", "user id the report belongs to (required)")
	runCmd.Flags().IntVar(&runYear, "year", 0, "fiscal year of the statement (required)")
	_ = runCmd.MarkFlagRequired("user")
	_ = runCmd.MarkFlagRequired("year")
	rootCmd.AddCommand(runCmd)
}
