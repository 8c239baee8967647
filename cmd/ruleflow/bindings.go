package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/polisai/ruleflow/pkg/config"
	"github.com/polisai/ruleflow/pkg/domain"
)

func newBindingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bindings",
		Short: "Print the ordered rule bindings of a catalog",
		RunE:  runBindings,
	}
	cmd.Flags().String("catalog", "", "Path to the catalog file")
	cmd.Flags().String("entity", "", "Only bindings for this entity type (requires --phase)")
	cmd.Flags().String("phase", "", "Only bindings for this phase (requires --entity)")
	return cmd
}

func runBindings(cmd *cobra.Command, _ []string) error {
	path, err := mustFlag(cmd, "catalog")
	if err != nil {
		return err
	}
	entity, _ := cmd.Flags().GetString("entity")
	rawPhase, _ := cmd.Flags().GetString("phase")
	if (entity == "") != (rawPhase == "") {
		return fmt.Errorf("--entity and --phase must be given together")
	}

	spec, err := config.LoadCatalogFile(path)
	if err != nil {
		return err
	}
	s, err := newStack(cmd.Context(), stackOptions{Logger: commandLogger(cmd)})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	cat, err := s.factory.Build(cmd.Context(), spec)
	if err != nil {
		return err
	}

	bindings := cat.All()
	if entity != "" {
		phase, err := domain.ParsePhase(rawPhase)
		if err != nil {
			return err
		}
		bindings = cat.BindingsFor(entity, phase)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	printf(tw, "ENTITY\tPHASE\tORDER\tRULE\tFLAGS\n")
	for _, b := range bindings {
		printf(tw, "%s\t%s\t%d\t%s\t%s\n", b.EntityType, b.Phase, b.Order, b.RuleID, bindingFlags(b))
	}
	return tw.Flush()
}

func bindingFlags(b domain.RuleBinding) string {
	flags := ""
	add := func(s string) {
		if flags != "" {
			flags += ","
		}
		flags += s
	}
	if b.Bypassed {
		add("bypassed")
	}
	if b.EntryCriteria != "" {
		add("criteria")
	}
	if b.RequiredPermission != "" {
		add("requires:" + b.RequiredPermission)
	}
	if b.BypassPermission != "" {
		add("bypass:" + b.BypassPermission)
	}
	if flags == "" {
		return "-"
	}
	return flags
}
