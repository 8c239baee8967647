package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/ruleflow/pkg/bypass"
	"github.com/polisai/ruleflow/pkg/catalog"
	"github.com/polisai/ruleflow/pkg/domain"
	"github.com/polisai/ruleflow/pkg/telemetry"
)

// RecordErrorPolicy decides what later rules see once a record carries an error.
type RecordErrorPolicy int

const (
	// ContinueOnRecordError passes every record to every rule.
	ContinueOnRecordError RecordErrorPolicy = iota
	// SkipFailedRecords withholds flagged records from later rules of the
	// same dispatch.
	SkipFailedRecords
)

// ParseRecordErrorPolicy maps "continue" and "skip_failed" to a policy.
func ParseRecordErrorPolicy(raw string) (RecordErrorPolicy, error) {
	switch raw {
	case "", "continue":
		return ContinueOnRecordError, nil
	case "skip_failed":
		return SkipFailedRecords, nil
	default:
		return ContinueOnRecordError, fmt.Errorf("unknown record error policy %q", raw)
	}
}

func (p RecordErrorPolicy) String() string {
	if p == SkipFailedRecords {
		return "skip_failed"
	}
	return "continue"
}

// Dispatcher runs the rules bound to an entity type and phase.
type Dispatcher struct {
	catalog catalog.Source
	bypass  *bypass.Registry
	logger  *slog.Logger
	policy  RecordErrorPolicy
}

// DispatcherConfig holds dependencies for creating a Dispatcher.
type DispatcherConfig struct {
	Catalog           catalog.Source
	Bypass            *bypass.Registry
	Logger            *slog.Logger
	RecordErrorPolicy RecordErrorPolicy
}

// NewDispatcher creates a dispatcher. A nil catalog dispatches nothing and a
// nil bypass registry gets a private empty one.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	src := cfg.Catalog
	if src == nil {
		src = catalog.Empty()
	}
	reg := cfg.Bypass
	if reg == nil {
		reg = bypass.NewRegistry()
	}
	return &Dispatcher{catalog: src, bypass: reg, logger: logger, policy: cfg.RecordErrorPolicy}
}

// Bypass returns the registry consulted on every dispatch.
func (d *Dispatcher) Bypass() *bypass.Registry {
	return d.bypass
}

// Catalog returns the catalog the next dispatch will use.
func (d *Dispatcher) Catalog() *catalog.Catalog {
	return d.catalog.Current()
}

// Run executes the bound rules of entityType for phase. Delete phases operate
// on oldRecords. Errors attached to records are collected in the result;
// a fault inside a rule aborts the dispatch with a *domain.RuleExecutionError
// and the partial result.
func (d *Dispatcher) Run(ctx context.Context, entityType string, phase domain.Phase, newRecords, oldRecords []*domain.Record) (domain.ExecutionResult, error) {
	result := domain.ExecutionResult{EntityType: entityType, Phase: phase}
	if !phase.Valid() {
		return result, fmt.Errorf("%w: %q", domain.ErrInvalidPhase, phase)
	}

	cat := d.catalog.Current()
	if cat == nil {
		cat = catalog.Empty()
	}
	snapshot := d.bypass.Snapshot()
	perms := bypass.PermissionsFrom(ctx)

	if scope, bypassed := d.entityBypassed(cat, snapshot, perms, entityType); bypassed {
		result.Bypassed = true
		telemetry.RecordBypass(ctx, entityType, phase, scope)
		d.logger.Debug("dispatch bypassed",
			"entity_type", entityType,
			"phase", string(phase),
			"scope", scope,
		)
		return result, nil
	}

	stampEntity(entityType, newRecords)
	stampEntity(entityType, oldRecords)

	targets := nonNil(domain.TargetRecords(phase, newRecords, oldRecords))
	if len(targets) == 0 {
		return result, nil
	}
	entries := cat.Entries(entityType, phase)
	if len(entries) == 0 {
		return result, nil
	}

	tracer := otel.Tracer("ruleflow.dispatch")
	ctx, span := tracer.Start(ctx, "ruleflow.dispatch", trace.WithAttributes(
		attribute.String("entity.type", entityType),
		attribute.String("rule.phase", string(phase)),
		attribute.Int("record.count", len(targets)),
		attribute.String("catalog.generation", cat.Generation()),
	))
	defer span.End()

	position := make(map[*domain.Record]int, len(targets))
	for i, rec := range targets {
		position[rec] = i
	}

	var oldByID map[string]*domain.Record
	if phase.IsUpdate() {
		oldByID = domain.IndexByID(oldRecords)
	}

	for _, entry := range entries {
		ruleID := entry.RuleID

		if reason, skip := d.bindingSkipped(entry, snapshot, perms); skip {
			result.Skipped = append(result.Skipped, domain.SkippedRule{RuleID: ruleID, Reason: reason})
			d.logger.Debug("rule skipped",
				"entity_type", entityType,
				"phase", string(phase),
				"rule_id", ruleID,
				"reason", string(reason),
			)
			continue
		}

		records := targets
		if d.policy == SkipFailedRecords {
			records = withoutErrors(records)
			if len(records) == 0 {
				result.Skipped = append(result.Skipped, domain.SkippedRule{RuleID: ruleID, Reason: domain.SkipNoRecords})
				continue
			}
		}

		if entry.Criteria != nil {
			matched, err := matchCriteria(entry.Criteria, entityType, phase, records, oldByID)
			if err != nil {
				execErr := &domain.RuleExecutionError{EntityType: entityType, Phase: phase, RuleID: ruleID, Err: err}
				d.fail(span, execErr)
				return result, execErr
			}
			if len(matched) == 0 {
				result.Skipped = append(result.Skipped, domain.SkippedRule{RuleID: ruleID, Reason: domain.SkipEntryCriteria})
				continue
			}
			records = matched
		}

		errs, err := d.invoke(ctx, tracer, entry, phase, records, oldByID, position)
		result.Executed = append(result.Executed, ruleID)
		result.Errors = append(result.Errors, errs...)
		if err != nil {
			execErr := &domain.RuleExecutionError{EntityType: entityType, Phase: phase, RuleID: ruleID, Err: err}
			d.fail(span, execErr)
			return result, execErr
		}
	}

	span.SetAttributes(
		attribute.Int("rules.executed", len(result.Executed)),
		attribute.Int("rules.skipped", len(result.Skipped)),
		attribute.Int("record.errors.count", len(result.Errors)),
	)
	d.logger.Info("dispatch complete",
		"entity_type", entityType,
		"phase", string(phase),
		"records", len(targets),
		"executed", len(result.Executed),
		"skipped", len(result.Skipped),
		"record_errors", len(result.Errors),
	)
	return result, nil
}

func (d *Dispatcher) entityBypassed(cat *catalog.Catalog, snapshot bypass.Snapshot, perms bypass.Permissions, entityType string) (string, bool) {
	if snapshot.IsBypassed(entityType) {
		return "registry", true
	}
	setting, ok := cat.Setting(entityType)
	if !ok {
		return "", false
	}
	if setting.Bypassed {
		return "setting", true
	}
	if bypass.Gate(perms, setting.BypassPermission, setting.RequiredPermission) {
		return "permission", true
	}
	return "", false
}

// bindingSkipped honours a registry bypass under either the canonical id or
// the alias the binding was written with.
func (d *Dispatcher) bindingSkipped(entry catalog.Entry, snapshot bypass.Snapshot, perms bypass.Permissions) (domain.SkipReason, bool) {
	b := entry.Binding
	switch {
	case b.Bypassed:
		return domain.SkipConfigured, true
	case snapshot.IsBypassed(entry.RuleID), snapshot.IsBypassed(b.RuleID):
		return domain.SkipBypassed, true
	case bypass.Gate(perms, b.BypassPermission, b.RequiredPermission):
		return domain.SkipPermission, true
	default:
		return "", false
	}
}

// invoke runs one rule and claims the record errors it attached, stamped
// with each record's position in the batch.
func (d *Dispatcher) invoke(ctx context.Context, tracer trace.Tracer, entry catalog.Entry, phase domain.Phase, records []*domain.Record, oldByID map[string]*domain.Record, position map[*domain.Record]int) ([]domain.ValidationError, error) {
	binding := entry.Binding
	ruleID := entry.RuleID
	ruleCtx, ruleSpan := tracer.Start(ctx, "ruleflow.rule", trace.WithAttributes(
		attribute.String("rule.id", ruleID),
		attribute.Int("rule.order", binding.Order),
	))
	defer ruleSpan.End()

	marks := make([]int, len(records))
	for i, rec := range records {
		marks[i] = rec.ErrorCount()
	}

	newArg, oldArg := records, []*domain.Record(nil)
	switch {
	case phase.IsDelete():
		newArg, oldArg = nil, records
	case phase.IsUpdate():
		oldArg = pairOld(records, oldByID)
	}

	d.logger.Debug("executing rule",
		"entity_type", binding.EntityType,
		"phase", string(phase),
		"rule_id", ruleID,
		"records", len(records),
	)

	start := time.Now()
	err := safeInvoke(ruleCtx, entry.Rule, phase, newArg, oldArg)
	duration := time.Since(start)

	var errs []domain.ValidationError
	for i, rec := range records {
		claimed := rec.ClaimErrors(marks[i], ruleID)
		for j := range claimed {
			claimed[j].Index = position[rec]
		}
		errs = append(errs, claimed...)
	}
	telemetry.RecordValidationEvent(ruleSpan, ruleID, len(records), len(errs))

	outcome := telemetry.OutcomeSuccess
	switch {
	case err != nil:
		outcome = telemetry.OutcomeFailed
		ruleSpan.RecordError(err)
		ruleSpan.SetStatus(codes.Error, err.Error())
	case len(errs) > 0:
		outcome = telemetry.OutcomeRecordErrors
	}
	ruleSpan.SetAttributes(attribute.String("rule.outcome", string(outcome)))

	telemetry.RecordRuleMetrics(ctx, telemetry.RuleMetrics{
		EntityType:   binding.EntityType,
		Phase:        phase,
		RuleID:       ruleID,
		Outcome:      outcome,
		Duration:     duration,
		RecordErrors: len(errs),
	})

	return errs, err
}

func (d *Dispatcher) fail(span trace.Span, err *domain.RuleExecutionError) {
	d.logger.Error("rule execution failed",
		"entity_type", err.EntityType,
		"phase", string(err.Phase),
		"rule_id", err.RuleID,
		"error", err.Err,
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// safeInvoke converts a panic inside the rule into an error wrapping
// domain.ErrRulePanic.
func safeInvoke(ctx context.Context, rule domain.Rule, phase domain.Phase, newRecords, oldRecords []*domain.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", domain.ErrRulePanic, r)
		}
	}()
	return domain.Invoke(ctx, rule, phase, newRecords, oldRecords)
}

func matchCriteria(c *catalog.Criteria, entityType string, phase domain.Phase, records []*domain.Record, oldByID map[string]*domain.Record) ([]*domain.Record, error) {
	matched := make([]*domain.Record, 0, len(records))
	for _, rec := range records {
		ok, err := c.Match(entityType, phase, rec, oldByID[rec.ID])
		if err != nil {
			return nil, fmt.Errorf("record %q: %w", rec.ID, err)
		}
		if ok {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

// pairOld returns the old version of each record, in the same order,
// skipping records without one.
func pairOld(records []*domain.Record, oldByID map[string]*domain.Record) []*domain.Record {
	out := make([]*domain.Record, 0, len(records))
	for _, rec := range records {
		if old, ok := oldByID[rec.ID]; ok {
			out = append(out, old)
		}
	}
	return out
}

func withoutErrors(records []*domain.Record) []*domain.Record {
	out := make([]*domain.Record, 0, len(records))
	for _, rec := range records {
		if !rec.HasErrors() {
			out = append(out, rec)
		}
	}
	return out
}

func nonNil(records []*domain.Record) []*domain.Record {
	out := records[:0:0]
	for _, rec := range records {
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

func stampEntity(entityType string, records []*domain.Record) {
	for _, rec := range records {
		if rec != nil && rec.EntityType == "" {
			rec.EntityType = entityType
		}
	}
}
