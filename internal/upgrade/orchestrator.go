package upgrade

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"matchbot/internal/eventbus"
	logx "matchbot/pkg/logx"
)

// Orchestrator executes upgrade documents against the handler registry.
// Runs are serialized; the resource cache persists across runs for the
// orchestrator's lifetime.
type Orchestrator struct {
	reg   *Registry
	cache *ResourceCache
	log   logx.Logger
	bus   eventbus.Bus

	mu sync.Mutex
}

func New(reg *Registry, cache *ResourceCache, log logx.Logger, bus eventbus.Bus) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cache == nil {
		cache = NewResourceCache()
	}
	return &Orchestrator{reg: reg, cache: cache, log: log, bus: bus}
}

func (o *Orchestrator) Cache() *ResourceCache { return o.cache }

type Options struct {
	// DryRun logs what would run without invoking any handler and without
	// touching the rollback stack.
	DryRun bool
}

type SubStepResult struct {
	Handler string
	Action  string
	Success bool
	Details string
	Err     string
}

type StepResult struct {
	StepID   string
	Name     string
	Success  bool
	SubSteps []SubStepResult
}

type Report struct {
	RunID           string
	Target          string
	Description     string
	Success         bool
	RequiresRestart bool
	RolledBack      bool
	FailedStep      string
	DryRun          bool
	Results         []StepResult
}

// ExecuteUpgrade loads the document at path and runs it to completion, or
// to the first failure plus a rollback sweep when the failing step supports
// it. The returned report is populated in both cases; err is non-nil only
// when the run did not fully succeed.
func (o *Orchestrator) ExecuteUpgrade(ctx context.Context, path string, opts Options) (Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	report := Report{RunID: uuid.NewString(), DryRun: opts.DryRun}

	doc, err := LoadDocument(path)
	if err != nil {
		return report, err
	}
	report.Target = doc.Target
	report.Description = doc.Description

	steps := append([]Step(nil), doc.UpgradeSequence...)
	// Stable sort: equal execute_order keeps document order.
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].ExecuteOrder < steps[j].ExecuteOrder
	})

	o.publish(eventbus.EventUpgradeStarted, report, "")
	o.log.Info("upgrade started",
		logx.String("run", report.RunID), logx.String("target", doc.Target),
		logx.Int("steps", len(steps)), logx.Bool("dry_run", opts.DryRun))

	var stack rollbackStack

	for _, step := range steps {
		sr := StepResult{StepID: step.ID, Name: step.Name, Success: true}
		report.RequiresRestart = report.RequiresRestart || step.RequiresRestart

		for _, sub := range step.SubSteps {
			params := o.cache.ResolveParams(sub.Params)

			if opts.DryRun {
				details := "would run"
				if _, ok := o.reg.Get(HandlerType(sub.Handler)); !ok {
					details = "would fail: handler not registered"
				}
				o.log.Info("dry run",
					logx.String("step", step.ID), logx.String("handler", sub.Handler),
					logx.String("action", sub.Action))
				sr.SubSteps = append(sr.SubSteps, SubStepResult{
					Handler: sub.Handler, Action: sub.Action, Success: true, Details: details,
				})
				continue
			}

			res, err := o.runSubStep(ctx, doc.Target, sub, params)
			ssr := SubStepResult{
				Handler: sub.Handler, Action: sub.Action,
				Success: err == nil, Details: res.Details,
			}
			if err != nil {
				ssr.Err = err.Error()
			}
			sr.SubSteps = append(sr.SubSteps, ssr)

			if err != nil {
				sr.Success = false
				report.Results = append(report.Results, sr)
				report.FailedStep = step.ID
				return o.fail(ctx, report, step, &stack, err)
			}

			if step.RollbackSupported && res.Rollback != nil {
				stack.push(res.Rollback)
			}
		}

		report.Results = append(report.Results, sr)
	}

	// successful completion clears the stack
	stack.items = nil
	report.Success = true
	o.publish(eventbus.EventUpgradeCompleted, report, "")
	o.log.Info("upgrade completed",
		logx.String("run", report.RunID),
		logx.Bool("requires_restart", report.RequiresRestart))
	return report, nil
}

func (o *Orchestrator) runSubStep(ctx context.Context, target string, sub SubStep, params map[string]any) (Result, error) {
	h, ok := o.reg.Get(HandlerType(sub.Handler))
	if !ok {
		return Result{}, fmt.Errorf("unknown handler type %q", sub.Handler)
	}
	res, err := h.Apply(ctx, Request{Target: target, Action: sub.Action, Params: params})
	if err != nil {
		return res, err
	}
	o.log.Debug("sub-step applied",
		logx.String("handler", sub.Handler), logx.String("action", sub.Action),
		logx.String("details", res.Details))
	return res, nil
}

func (o *Orchestrator) fail(ctx context.Context, report Report, step Step, stack *rollbackStack, cause error) (Report, error) {
	if step.RollbackSupported && stack.len() > 0 {
		o.log.Warn("upgrade failed, rolling back",
			logx.String("step", step.ID), logx.Int("actions", stack.len()), logx.Err(cause))
		stack.drain(ctx, o.log)
		report.RolledBack = true
		o.publish(eventbus.EventUpgradeRolledBack, report, step.ID)
	} else {
		o.log.Error("upgrade failed, rollback unavailable",
			logx.String("step", step.ID), logx.Err(cause))
	}
	o.publish(eventbus.EventUpgradeCompleted, report, step.ID)
	return report, fmt.Errorf("upgrade step %q failed: %w", step.ID, cause)
}

func (o *Orchestrator) publish(eventType string, r Report, failedStep string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{
		Type: eventType,
		Time: time.Now(),
		Data: eventbus.UpgradeEvent{
			RunID: r.RunID, Target: r.Target, Description: r.Description,
			Success: r.Success, RolledBack: r.RolledBack,
			RequiresRestart: r.RequiresRestart, FailedStep: failedStep,
			At: time.Now(),
		},
	})
}
