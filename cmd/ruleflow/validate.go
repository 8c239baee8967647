package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polisai/ruleflow/pkg/config"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a catalog and report every configuration problem",
		RunE:  runValidate,
	}
	cmd.Flags().String("catalog", "", "Path to the catalog file")
	return cmd
}

func runValidate(cmd *cobra.Command, _ []string) error {
	path, err := mustFlag(cmd, "catalog")
	if err != nil {
		return err
	}
	logger := commandLogger(cmd)

	spec, err := config.LoadCatalogFile(path)
	if err != nil {
		return err
	}

	s, err := newStack(cmd.Context(), stackOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	cat, err := s.factory.Build(cmd.Context(), spec)
	if err != nil {
		problems := flatten(err)
		out := cmd.OutOrStdout()
		for _, p := range problems {
			printf(out, "- %v\n", p)
		}
		return fmt.Errorf("catalog %s has %d problem(s)", path, len(problems))
	}

	printf(cmd.OutOrStdout(), "catalog %s is valid: generation %s, %d binding(s), %d entity type(s)\n",
		path, cat.Generation(), cat.Len(), len(cat.EntityTypes()))
	return nil
}

// flatten expands errors.Join trees into their leaves.
func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	if err == nil {
		return nil
	}
	return []error{err}
}
