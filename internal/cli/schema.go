package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"majordomo.app/conductor/internal/schema"
)

// NewSchemaCommand creates the schema command
func NewSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [contract]",
		Short: "Print event contracts as JSON Schema",
		Long: fmt.Sprintf(`Print the JSON Schema for one event contract, or all of them when no
name is given. Available contracts: %s.`, strings.Join(schema.Names(), ", ")),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				doc, err := schema.Generate(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(doc))
				return nil
			}

			docs, err := schema.GenerateAll()
			if err != nil {
				return err
			}
			for _, name := range schema.Names() {
				fmt.Fprintf(cmd.OutOrStdout(), "// %s\n%s\n", name, docs[name])
			}
			return nil
		},
	}
}
