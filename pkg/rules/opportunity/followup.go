package opportunity

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/ruleflow/pkg/domain"
)

// Task fields written by FollowUpTasks.
const (
	TaskEntityType   = "Task"
	TaskFieldWhatID  = "WhatId"
	TaskFieldSubject = "Subject"
	TaskFieldStatus  = "Status"
)

// FollowUpTasks creates a follow-up Task when an opportunity is won. Each
// opportunity is handled once per rule instance, so writes that re-enter the
// Opportunity pipeline do not create duplicates.
type FollowUpTasks struct {
	writer    domain.RecordWriter
	processed *domain.ProcessedIDs
}

// NewFollowUpTasks creates the rule. writer receives the Task inserts.
func NewFollowUpTasks(writer domain.RecordWriter) (*FollowUpTasks, error) {
	if writer == nil {
		return nil, errors.New("follow-up tasks require a record writer")
	}
	return &FollowUpTasks{writer: writer, processed: domain.NewProcessedIDs()}, nil
}

func (r *FollowUpTasks) AfterUpdate(ctx context.Context, newRecords, oldRecords []*domain.Record) error {
	oldByID := domain.IndexByID(oldRecords)

	var won []*domain.Record
	for _, opp := range newRecords {
		if opp.String(FieldStageName) != StageClosedWon {
			continue
		}
		if old, ok := oldByID[opp.ID]; ok && old.String(FieldStageName) == StageClosedWon {
			continue
		}
		won = append(won, opp)
	}

	won = r.processed.Claim(won)
	if len(won) == 0 {
		return nil
	}

	claimed := make([]string, 0, len(won))
	tasks := make([]*domain.Record, 0, len(won))
	for _, opp := range won {
		claimed = append(claimed, opp.ID)
		tasks = append(tasks, domain.NewRecord(TaskEntityType, "", map[string]any{
			TaskFieldWhatID:  opp.ID,
			TaskFieldSubject: fmt.Sprintf("Follow up on won opportunity %s", displayName(opp)),
			TaskFieldStatus:  "Not Started",
		}))
	}

	if err := r.writer.Insert(ctx, tasks...); err != nil {
		// The claim covers re-entry while the insert runs; release it so a
		// retried transition still gets its task.
		r.processed.Remove(claimed...)
		return fmt.Errorf("insert follow-up tasks: %w", err)
	}
	return nil
}

func displayName(opp *domain.Record) string {
	if name := opp.String(FieldName); name != "" {
		return name
	}
	return opp.ID
}
