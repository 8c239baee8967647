package opportunity

import (
	"context"

	"github.com/polisai/ruleflow/pkg/domain"
)

// stageProbability is the default win probability, in percent, per stage.
var stageProbability = map[string]int{
	"Prospecting":          10,
	"Qualification":        10,
	"Needs Analysis":       20,
	"Value Proposition":    50,
	"Id. Decision Makers":  60,
	"Perception Analysis":  70,
	"Proposal/Price Quote": 75,
	"Negotiation/Review":   90,
	StageClosedWon:         100,
	StageClosedLost:        0,
}

// DefaultProbability returns the default probability for stage.
func DefaultProbability(stage string) (int, bool) {
	p, ok := stageProbability[stage]
	return p, ok
}

// DefaultValues fills an empty Probability from the stage.
type DefaultValues struct{}

func (DefaultValues) BeforeInsert(_ context.Context, newRecords []*domain.Record) error {
	for _, opp := range newRecords {
		if v, ok := opp.Get(FieldProbability); ok && v != nil && v != "" {
			continue
		}
		if p, ok := DefaultProbability(opp.String(FieldStageName)); ok {
			opp.Set(FieldProbability, p)
		}
	}
	return nil
}
