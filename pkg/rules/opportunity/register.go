package opportunity

import (
	"errors"

	"github.com/polisai/ruleflow/pkg/catalog"
	"github.com/polisai/ruleflow/pkg/domain"
)

// Register adds every Opportunity rule to reg. FollowUpTasks needs writer;
// when writer is nil the rule is not registered.
func Register(reg *catalog.Registry, writer domain.RecordWriter) error {
	errs := []error{
		reg.RegisterRule(StageInsertRulesID, StageInsertRules{}),
		reg.RegisterRule(StageChangeRulesID, StageChangeRules{}),
		reg.RegisterRule(DefaultValuesID, DefaultValues{}),
	}
	if writer != nil {
		errs = append(errs, reg.Register(FollowUpTasksID, func() (domain.Rule, error) {
			return NewFollowUpTasks(writer)
		}))
	}
	return errors.Join(errs...)
}
