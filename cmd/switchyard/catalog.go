package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/switchyard/internal/config"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print the effective worker catalog and routing rules",
		Long: "Loads the catalog named by --file or SWITCHYARD_CATALOG (the built-in catalog when neither " +
			"is set), validates it and prints it as YAML.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("file")
			quiet, _ := cmd.Flags().GetBool("validate")
			if path == "" {
				cfg, _ := config.Load()
				path = cfg.CatalogPath
			}

			c, err := loadCatalog(path)
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return fmt.Errorf("invalid catalog: %w", err)
			}

			out := cmd.OutOrStdout()
			if quiet {
				fmt.Fprintf(out, "catalog ok: %d workers, %d routes\n", len(c.Workers), len(c.Routes))
				return nil
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(c); err != nil {
				return fmt.Errorf("encode catalog: %w", err)
			}
			return enc.Close()
		},
	}
	cmd.Flags().String("file", "", "catalog file (defaults to SWITCHYARD_CATALOG)")
	cmd.Flags().Bool("validate", false, "only validate and print a summary")
	return cmd
}
