// Package executor runs a passed proposal's approved actions through the
// treasury, one at a time, gated by per-action execution conditions and a
// duplicate-execution guard.
package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quorumlabs/futarchyd/internal/domain"
)

// ActionExecutor validates and executes individual proposal actions. The
// engine owns the proposal record and serializes calls.
type ActionExecutor struct {
	treasury domain.Treasury
	clock    domain.Clock
	logger   *slog.Logger
}

// New creates an ActionExecutor delegating calls to the given treasury.
func New(treasury domain.Treasury, clock domain.Clock, logger *slog.Logger) *ActionExecutor {
	return &ActionExecutor{
		treasury: treasury,
		clock:    clock,
		logger:   logger.With(slog.String("component", "executor")),
	}
}

// Execute runs action index of the proposal. It returns the call result
// and whether the proposal is now fully executed. The action is marked
// executed only after the treasury call succeeds.
func (e *ActionExecutor) Execute(ctx context.Context, p *domain.Proposal, index int) ([]byte, bool, error) {
	if index < 0 || index >= len(p.Actions) {
		return nil, false, fmt.Errorf("executor: action %d of proposal %d: %w", index, p.ID, domain.ErrNotFound)
	}
	action := &p.Actions[index]

	if action.Executed {
		return nil, false, fmt.Errorf("executor: action %d already executed: %w", index, domain.ErrInvalidState)
	}
	if err := e.conditionMet(ctx, p, index, action); err != nil {
		return nil, false, err
	}

	result, err := e.treasury.Execute(ctx, p.OrgID, *action)
	if err != nil {
		return nil, false, err
	}
	action.Executed = true

	e.logger.Info("action executed",
		slog.String("org_id", p.OrgID),
		slog.Uint64("proposal_id", p.ID),
		slog.Int("index", index),
		slog.String("type", action.Type),
	)
	return result, p.FullyExecuted(), nil
}

// conditionMet checks the action's execution condition against the clock.
// Immediate actions always pass; time-locked actions wait for their unlock
// time. The remaining condition kinds are accepted unconditionally until
// oracle integration lands; the kind stays on the record so the gate can
// tighten later.
func (e *ActionExecutor) conditionMet(ctx context.Context, p *domain.Proposal, index int, action *domain.Action) error {
	switch action.Condition.Kind {
	case domain.ConditionImmediate, "":
		return nil
	case domain.ConditionTimeLocked:
		if e.clock.Now().Before(action.Condition.UnlockAt) {
			return fmt.Errorf("executor: action %d locked until %s: %w",
				index, action.Condition.UnlockAt.Format("2006-01-02T15:04:05Z"), domain.ErrTimingViolation)
		}
		return nil
	default:
		e.logger.WarnContext(ctx, "unenforced execution condition accepted",
			slog.String("org_id", p.OrgID),
			slog.Uint64("proposal_id", p.ID),
			slog.Int("index", index),
			slog.String("kind", string(action.Condition.Kind)),
		)
		return nil
	}
}
