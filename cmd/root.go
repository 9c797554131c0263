package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/finforge/statement-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "statement-engine",
	Short: "AI-powered financial statement workflow engine",
	Long:  "Turns raw financial statements (PDF or spreadsheet) into audited, formatted reports through a six-stage model pipeline: analysis, extraction, healing, mapping, generation, audit.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
