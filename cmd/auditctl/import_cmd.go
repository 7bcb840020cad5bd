package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-audit/internal/auditplan"
)

func newImportPlansCmd(rt *cliEnv) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import-plans FILE",
		Short: "Import audit plans from a legacy JSON export (use - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			plans, decodeErr := auditplan.DecodeLegacyPlans(in)
			out := cmd.OutOrStdout()
			if decodeErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Skipped records:\n%v\n", decodeErr)
			}
			if len(plans) == 0 {
				if decodeErr != nil {
					return decodeErr
				}
				fmt.Fprintln(out, "No plans found.")
				return nil
			}
			if dryRun {
				for _, p := range plans {
					fmt.Fprintf(out, "%s\t%s\t%s\n", p.Plan.ID, p.Plan.Status, p.Plan.Title)
				}
				fmt.Fprintf(out, "%d plans would be imported.\n", len(plans))
				return decodeErr
			}

			importer, closeFn, err := rt.openImporter(cmd.Context(), rt.pgDSN)
			if err != nil {
				return err
			}
			defer closeFn()

			var errs []error
			imported := 0
			for _, p := range plans {
				if err := importer.UpsertPlan(cmd.Context(), p); err != nil {
					errs = append(errs, fmt.Errorf("plan %s: %w", p.Plan.ID, err))
					continue
				}
				imported++
			}
			fmt.Fprintf(out, "Imported %d of %d plans.\n", imported, len(plans))
			return errors.Join(append([]error{decodeErr}, errs...)...)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Decode and list plans without writing them")
	return cmd
}
