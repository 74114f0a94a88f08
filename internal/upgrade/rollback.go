package upgrade

import (
	"context"

	logx "matchbot/pkg/logx"
)

// Reversal is a typed undo command: a description plus an execute method.
// Handlers return concrete reversal types instead of closures so nothing
// captures mutable outer state.
type Reversal interface {
	Describe() string
	Revert(ctx context.Context) error
}

// rollbackStack collects reversals most-recently-registered-first while a
// single upgrade run is in flight. It is cleared after successful
// completion or after a rollback sweep.
type rollbackStack struct {
	items []Reversal
}

func (s *rollbackStack) push(r Reversal) {
	if r == nil {
		return
	}
	s.items = append(s.items, r)
}

func (s *rollbackStack) len() int { return len(s.items) }

// drain pops and executes every reversal in reverse registration order.
// Individual failures are logged, never aborting the sweep.
func (s *rollbackStack) drain(ctx context.Context, log logx.Logger) {
	for i := len(s.items) - 1; i >= 0; i-- {
		r := s.items[i]
		if err := r.Revert(ctx); err != nil {
			log.Warn("rollback action failed",
				logx.String("action", r.Describe()), logx.Err(err))
			continue
		}
		log.Info("rolled back", logx.String("action", r.Describe()))
	}
	s.items = nil
}
