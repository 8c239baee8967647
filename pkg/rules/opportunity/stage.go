package opportunity

import (
	"context"

	"github.com/polisai/ruleflow/pkg/domain"
)

// EntityType is the entity type these rules are written for.
const EntityType = "Opportunity"

// Field names and stage values.
const (
	FieldStageName   = "StageName"
	FieldProbability = "Probability"
	FieldName        = "Name"

	StageProspecting = "Prospecting"
	StageClosedWon   = "Closed Won"
	StageClosedLost  = "Closed Lost"
)

// Rule ids.
const (
	StageInsertRulesID = "ta_Opportunity_StageInsertRules"
	StageChangeRulesID = "ta_Opportunity_StageChangeRules"
	DefaultValuesID    = "ta_Opportunity_DefaultValues"
	FollowUpTasksID    = "ta_Opportunity_FollowUpTasks"
)

const (
	// ErrStageMustBeProspecting is attached to new opportunities created in another stage.
	ErrStageMustBeProspecting = "The Stage must be Prospecting when an Opportunity is created"
	// ErrStageLocked is attached when a closed opportunity changes stage.
	ErrStageLocked = "The Stage cannot be changed once the Opportunity is closed"
)

// StageInsertRules requires new opportunities to start in Prospecting.
type StageInsertRules struct{}

func (StageInsertRules) BeforeInsert(_ context.Context, newRecords []*domain.Record) error {
	for _, opp := range newRecords {
		if opp.String(FieldStageName) != StageProspecting {
			opp.AddError(ErrStageMustBeProspecting)
		}
	}
	return nil
}

// StageChangeRules freezes the stage of closed opportunities.
type StageChangeRules struct{}

func (StageChangeRules) BeforeUpdate(_ context.Context, newRecords, oldRecords []*domain.Record) error {
	oldByID := domain.IndexByID(oldRecords)
	for _, opp := range newRecords {
		old, ok := oldByID[opp.ID]
		if !ok || !IsClosed(old.String(FieldStageName)) {
			continue
		}
		if opp.String(FieldStageName) != old.String(FieldStageName) {
			opp.AddFieldError(FieldStageName, ErrStageLocked)
		}
	}
	return nil
}

// IsClosed reports whether stage is a terminal stage.
func IsClosed(stage string) bool {
	return stage == StageClosedWon || stage == StageClosedLost
}
