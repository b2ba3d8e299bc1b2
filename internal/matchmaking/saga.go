package matchmaking

import (
	"context"

	"go.uber.org/zap"
)

// settlementSaga records the completed steps of one pair's settlement so a
// failure can unwind exactly that prefix. Steps are compensated in reverse
// order. Compensation is best effort: a failed compensation is logged and
// the rest still run, because the expiry sweep will eventually reclaim
// whatever could not be released here.
type settlementSaga struct {
	logger *zap.Logger
	steps  []sagaStep
}

type sagaStep struct {
	name       string
	compensate func(ctx context.Context) error
}

func newSettlementSaga(logger *zap.Logger) *settlementSaga {
	return &settlementSaga{logger: logger}
}

// record registers a completed step and the action that undoes it
func (s *settlementSaga) record(name string, compensate func(ctx context.Context) error) {
	s.steps = append(s.steps, sagaStep{name: name, compensate: compensate})
}

// unwind compensates every recorded step, newest first, then clears the list
func (s *settlementSaga) unwind(ctx context.Context) {
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if err := step.compensate(ctx); err != nil {
			s.logger.Error("Saga compensation failed, lock expiry will reclaim",
				zap.String("step", step.name), zap.Error(err))
		}
	}
	s.steps = nil
}

// commit discards the recorded compensations after a successful settlement
func (s *settlementSaga) commit() {
	s.steps = nil
}
