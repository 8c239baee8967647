package engine

import (
	"context"
	"log/slog"

	"github.com/polisai/ruleflow/pkg/domain"
)

// SimulationRequest describes a dry-run dispatch.
type SimulationRequest struct {
	EntityType string           `json:"entityType"`
	Phase      domain.Phase     `json:"phase"`
	New        []*domain.Record `json:"new,omitempty"`
	Old        []*domain.Record `json:"old,omitempty"`
}

// SimulationResponse carries the dispatch result and the records as the
// rules left them.
type SimulationResponse struct {
	Result  domain.ExecutionResult `json:"result"`
	Records []*domain.Record       `json:"records"`
	Error   string                 `json:"error,omitempty"`
}

// Simulator runs dispatches on copies of the input so callers can inspect
// rule effects without touching their own records. Rules that write through
// a RecordWriter still perform those writes.
type Simulator struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewSimulator creates a simulator over d.
func NewSimulator(d *Dispatcher, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{dispatcher: d, logger: logger}
}

// Simulate clones the request records and dispatches them. A rule fault is
// reported in the response and also returned.
func (s *Simulator) Simulate(ctx context.Context, req SimulationRequest) (*SimulationResponse, error) {
	newRecords := cloneAll(req.New)
	oldRecords := cloneAll(req.Old)

	s.logger.Debug("simulating dispatch",
		"entity_type", req.EntityType,
		"phase", string(req.Phase),
		"new", len(newRecords),
		"old", len(oldRecords),
	)

	result, err := s.dispatcher.Run(ctx, req.EntityType, req.Phase, newRecords, oldRecords)
	resp := &SimulationResponse{
		Result:  result,
		Records: domain.TargetRecords(req.Phase, newRecords, oldRecords),
	}
	if resp.Records == nil {
		resp.Records = []*domain.Record{}
	}
	if err != nil {
		resp.Error = err.Error()
		return resp, err
	}
	return resp, nil
}

func cloneAll(records []*domain.Record) []*domain.Record {
	if records == nil {
		return nil
	}
	out := make([]*domain.Record, 0, len(records))
	for _, rec := range records {
		if rec != nil {
			out = append(out, rec.Clone())
		}
	}
	return out
}
