package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/polisai/ruleflow/pkg/bypass"
	"github.com/polisai/ruleflow/pkg/config"
	"github.com/polisai/ruleflow/pkg/domain"
	"github.com/polisai/ruleflow/pkg/engine"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch records from a file and print the execution result",
		RunE:  runDispatch,
	}
	cmd.Flags().String("catalog", "", "Path to the catalog file")
	cmd.Flags().String("entity", "", "Entity type of the records")
	cmd.Flags().String("phase", "", "Lifecycle phase to dispatch")
	cmd.Flags().String("records", "", "JSON or YAML file with the new records")
	cmd.Flags().String("old", "", "JSON or YAML file with the prior records (update and delete phases)")
	cmd.Flags().StringSlice("permission", nil, "Permission granted to the caller (repeatable)")
	cmd.Flags().StringSlice("bypass", nil, "Rule id to bypass at runtime (repeatable)")
	cmd.Flags().String("record-error-policy", "continue", "continue or skip_failed")
	return cmd
}

func runDispatch(cmd *cobra.Command, _ []string) error {
	path, err := mustFlag(cmd, "catalog")
	if err != nil {
		return err
	}
	entity, err := mustFlag(cmd, "entity")
	if err != nil {
		return err
	}
	rawPhase, err := mustFlag(cmd, "phase")
	if err != nil {
		return err
	}
	phase, err := domain.ParsePhase(rawPhase)
	if err != nil {
		return err
	}
	recordsPath, _ := cmd.Flags().GetString("records")
	oldPath, _ := cmd.Flags().GetString("old")
	perms, _ := cmd.Flags().GetStringSlice("permission")
	bypassed, _ := cmd.Flags().GetStringSlice("bypass")
	errPolicy, _ := cmd.Flags().GetString("record-error-policy")

	newRecords, err := readRecords(recordsPath)
	if err != nil {
		return err
	}
	oldRecords, err := readRecords(oldPath)
	if err != nil {
		return err
	}

	spec, err := config.LoadCatalogFile(path)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	logger := commandLogger(cmd)
	s, err := newStack(ctx, stackOptions{Logger: logger, RecordErrorPolicy: errPolicy})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if err := s.catalogs.Update(ctx, spec); err != nil {
		return err
	}
	for _, id := range bypassed {
		s.dispatcher.Bypass().Bypass(id)
	}
	if len(perms) > 0 {
		ctx = bypass.WithPermissions(ctx, perms...)
	}

	resp, runErr := engine.NewSimulator(s.dispatcher, logger).Simulate(ctx, engine.SimulationRequest{
		EntityType: entity,
		Phase:      phase,
		New:        newRecords,
		Old:        oldRecords,
	})

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return runErr
}

// readRecords decodes a list of records. YAML is a superset of JSON, so one
// decoder handles both.
func readRecords(path string) ([]*domain.Record, error) {
	if path == "" {
		return nil, nil
	}
	//nolint:gosec // Path is supplied by the operator on the command line
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read records file: %w", err)
	}
	var records []*domain.Record
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse records file %s: %w", path, err)
	}
	return records, nil
}
