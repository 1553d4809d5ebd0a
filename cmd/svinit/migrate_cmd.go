package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/svinit/svinit/internal/migrate"
)

var (
	migrateOutput string
	migrateForce  bool
	migrateDryRun bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <supervisord.conf>",
	Short: "Convert a supervisord.conf into svinit protocol lines",
	Long:  "Parse a supervisord.conf INI file and emit the equivalent sequence of svinit control-protocol lines, suitable for --config.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inputPath := args[0]
		opts := migrate.Options{
			Output: migrateOutput,
			Force:  migrateForce,
			DryRun: migrateDryRun,
		}

		result, err := migrate.Migrate(inputPath, opts)
		if err != nil {
			return err
		}

		for _, e := range result.ParseErrs {
			fmt.Fprintf(os.Stderr, "parse error: %s\n", e)
		}
		for _, w := range result.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}

		if err := migrate.WriteResult(result, opts, cmd.OutOrStdout()); err != nil {
			return err
		}

		if migrateOutput != "" && !migrateDryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", migrateOutput)
		}

		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVarP(&migrateOutput, "output", "o", "", "write protocol lines to file instead of stdout")
	migrateCmd.Flags().BoolVar(&migrateForce, "force", false, "overwrite existing output file")
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "preview output without writing files")
	rootCmd.AddCommand(migrateCmd)
}
