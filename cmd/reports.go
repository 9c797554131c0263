package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var reportsCmd = &cobra.Command{
	Use:   "reports <user-id>",
	Short: "List report jobs for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		jobs, err := a.store.ListJobsByUser(ctx, args[0])
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Printf("no reports for user %s\n", args[0])
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tYEAR\tSTATUS\tFILE\tCREATED\tARTIFACT")
		for _, job := range jobs {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
				job.ID, job.Year, job.Status, job.FileRef,
				job.CreatedAt.Format("2006-01-02 15:04"), job.ArtifactRef)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(reportsCmd)
}
