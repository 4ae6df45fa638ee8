package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/ekko-capture/internal/capture"
	"github.com/example/ekko-capture/internal/extract"
)

func validateCmd() *cobra.Command {
	var grammarName string
	cmd := &cobra.Command{
		Use:   "validate VALUE",
		Short: "Check a typed value against a grammar the way manual entry does",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			grammar, ok := capture.ParseGrammar(grammarName)
			if !ok {
				return fmt.Errorf("unsupported grammar %q", grammarName)
			}
			value := extract.NormalizeManual(grammar, args[0])
			if err := extract.Validate(grammar, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is a valid %s\n", value, grammar)
			return nil
		},
	}
	cmd.Flags().StringVarP(&grammarName, "grammar", "g", string(capture.GrammarPlateFR), "plate_fr or document_number")
	return cmd
}
