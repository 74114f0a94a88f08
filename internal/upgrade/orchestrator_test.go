package upgrade

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"matchbot/internal/eventbus"
	logx "matchbot/pkg/logx"
)

// execLog records handler applications and reversal executions in order.
type execLog struct {
	mu      sync.Mutex
	applied []string
	reverts []string
}

func (l *execLog) apply(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied = append(l.applied, s)
}

func (l *execLog) revert(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reverts = append(l.reverts, s)
}

type testReversal struct {
	id  string
	log *execLog
}

func (r testReversal) Describe() string { return "undo " + r.id }

func (r testReversal) Revert(ctx context.Context) error {
	r.log.revert(r.id)
	return nil
}

type recordingHandler struct {
	log          *execLog
	failOnAction string
	withRollback bool
	lastParams   map[string]any
}

func (h *recordingHandler) Apply(ctx context.Context, req Request) (Result, error) {
	h.log.apply(req.Action)
	h.lastParams = req.Params
	if h.failOnAction != "" && req.Action == h.failOnAction {
		return Result{}, errors.New("handler failed")
	}
	res := Result{Details: "done"}
	if h.withRollback {
		res.Rollback = testReversal{id: req.Action, log: h.log}
	}
	return res, nil
}

func writeDoc(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestOrchestrator(h Handler, bus eventbus.Bus) *Orchestrator {
	reg := NewRegistry()
	reg.Register("test", h)
	return New(reg, NewResourceCache(), logx.Nop(), bus)
}

func TestExecuteOrderSorting(t *testing.T) {
	t.Parallel()
	log := &execLog{}
	o := newTestOrchestrator(&recordingHandler{log: log}, nil)

	path := writeDoc(t, `
version: "1"
target: bot
upgrade_sequence:
  - id: third
    execute_order: 30
    sub_steps:
      - handler: test
        action: c
  - id: first
    execute_order: 10
    sub_steps:
      - handler: test
        action: a
  - id: second
    execute_order: 20
    sub_steps:
      - handler: test
        action: b
`)

	report, err := o.ExecuteUpgrade(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("ExecuteUpgrade: %v", err)
	}
	if !report.Success {
		t.Fatal("report.Success = false")
	}
	if got := strings.Join(log.applied, ","); got != "a,b,c" {
		t.Fatalf("execution order = %s, want a,b,c", got)
	}
	if len(report.Results) != 3 || report.Results[0].StepID != "first" {
		t.Fatalf("results not in execution order: %+v", report.Results)
	}
}

func TestEqualOrderKeepsDocumentOrder(t *testing.T) {
	t.Parallel()
	log := &execLog{}
	o := newTestOrchestrator(&recordingHandler{log: log}, nil)

	path := writeDoc(t, `
version: "1"
upgrade_sequence:
  - id: s1
    execute_order: 5
    sub_steps: [{handler: test, action: a}]
  - id: s2
    execute_order: 5
    sub_steps: [{handler: test, action: b}]
`)

	if _, err := o.ExecuteUpgrade(context.Background(), path, Options{}); err != nil {
		t.Fatalf("ExecuteUpgrade: %v", err)
	}
	if got := strings.Join(log.applied, ","); got != "a,b" {
		t.Fatalf("order = %s, want document order for equal keys", got)
	}
}

func TestRollbackLIFO(t *testing.T) {
	t.Parallel()
	log := &execLog{}
	h := &recordingHandler{log: log, withRollback: true, failOnAction: "boom"}
	o := newTestOrchestrator(h, nil)

	path := writeDoc(t, `
version: "1"
upgrade_sequence:
  - id: setup
    execute_order: 1
    rollback_supported: true
    sub_steps:
      - {handler: test, action: a}
      - {handler: test, action: b}
  - id: breaks
    execute_order: 2
    rollback_supported: true
    sub_steps:
      - {handler: test, action: boom}
`)

	report, err := o.ExecuteUpgrade(context.Background(), path, Options{})
	if err == nil {
		t.Fatal("expected an error from the failing step")
	}
	if !strings.Contains(err.Error(), "breaks") {
		t.Fatalf("error %q should name the failing step", err)
	}
	if !report.RolledBack {
		t.Fatal("report.RolledBack = false")
	}
	if report.FailedStep != "breaks" {
		t.Fatalf("FailedStep = %q", report.FailedStep)
	}
	if got := strings.Join(log.reverts, ","); got != "b,a" {
		t.Fatalf("reverts = %s, want LIFO b,a", got)
	}
}

func TestNoRollbackWhenStepUnsupported(t *testing.T) {
	t.Parallel()
	log := &execLog{}
	h := &recordingHandler{log: log, withRollback: true, failOnAction: "boom"}
	o := newTestOrchestrator(h, nil)

	path := writeDoc(t, `
version: "1"
upgrade_sequence:
  - id: setup
    execute_order: 1
    rollback_supported: true
    sub_steps: [{handler: test, action: a}]
  - id: breaks
    execute_order: 2
    sub_steps: [{handler: test, action: boom}]
`)

	report, err := o.ExecuteUpgrade(context.Background(), path, Options{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if report.RolledBack {
		t.Fatal("a step without rollback support must not trigger a sweep")
	}
	if len(log.reverts) != 0 {
		t.Fatalf("reverts = %v, want none", log.reverts)
	}
}

func TestRollbacksRunAtMostOnce(t *testing.T) {
	t.Parallel()
	log := &execLog{}
	h := &recordingHandler{log: log, withRollback: true}
	o := newTestOrchestrator(h, nil)

	path := writeDoc(t, `
version: "1"
upgrade_sequence:
  - id: only
    execute_order: 1
    rollback_supported: true
    sub_steps: [{handler: test, action: a}]
`)

	// two successful runs back to back: the stack is cleared on success, so
	// nothing ever reverts
	for i := 0; i < 2; i++ {
		if _, err := o.ExecuteUpgrade(context.Background(), path, Options{}); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if len(log.reverts) != 0 {
		t.Fatalf("reverts = %v, want none after successful runs", log.reverts)
	}
}

func TestDryRunInvokesNoHandlers(t *testing.T) {
	t.Parallel()
	log := &execLog{}
	h := &recordingHandler{log: log, withRollback: true}
	o := newTestOrchestrator(h, nil)

	path := writeDoc(t, `
version: "1"
upgrade_sequence:
  - id: s1
    execute_order: 1
    requires_restart: true
    sub_steps:
      - {handler: test, action: a}
      - {handler: missing_handler, action: b}
`)

	report, err := o.ExecuteUpgrade(context.Background(), path, Options{DryRun: true})
	if err != nil {
		t.Fatalf("dry run must not fail: %v", err)
	}
	if len(log.applied) != 0 {
		t.Fatalf("applied = %v, want no handler invocations", log.applied)
	}
	if !report.DryRun || !report.Success {
		t.Fatalf("report = %+v", report)
	}
	// unregistered handlers are flagged in the details instead of failing
	sub := report.Results[0].SubSteps[1]
	if !strings.Contains(sub.Details, "not registered") {
		t.Fatalf("details = %q, want a missing-handler note", sub.Details)
	}
}

func TestRequiresRestartAccumulates(t *testing.T) {
	t.Parallel()
	log := &execLog{}
	o := newTestOrchestrator(&recordingHandler{log: log}, nil)

	path := writeDoc(t, `
version: "1"
upgrade_sequence:
  - id: s1
    execute_order: 1
    sub_steps: [{handler: test, action: a}]
  - id: s2
    execute_order: 2
    requires_restart: true
    sub_steps: [{handler: test, action: b}]
`)

	report, err := o.ExecuteUpgrade(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("ExecuteUpgrade: %v", err)
	}
	if !report.RequiresRestart {
		t.Fatal("any restart-requiring step must set the report flag")
	}
}

func TestUnknownHandlerFailsStep(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(&recordingHandler{log: &execLog{}}, nil)

	path := writeDoc(t, `
version: "1"
upgrade_sequence:
  - id: s1
    execute_order: 1
    sub_steps: [{handler: nope, action: a}]
`)

	report, err := o.ExecuteUpgrade(context.Background(), path, Options{})
	if err == nil {
		t.Fatal("expected unknown-handler error")
	}
	if report.FailedStep != "s1" {
		t.Fatalf("FailedStep = %q", report.FailedStep)
	}
}

func TestParamsResolvedFromCache(t *testing.T) {
	t.Parallel()
	log := &execLog{}
	h := &recordingHandler{log: log}
	o := newTestOrchestrator(h, nil)
	o.Cache().Put("channel", "lobby", "4242")

	path := writeDoc(t, `
version: "1"
upgrade_sequence:
  - id: s1
    execute_order: 1
    sub_steps:
      - handler: test
        action: a
        params:
          channel_id: "{channel:lobby}"
          name: "{channel:unknown}"
`)

	if _, err := o.ExecuteUpgrade(context.Background(), path, Options{}); err != nil {
		t.Fatalf("ExecuteUpgrade: %v", err)
	}
	if got := h.lastParams["channel_id"]; got != "4242" {
		t.Fatalf("channel_id = %v, want resolved value", got)
	}
	if got := h.lastParams["name"]; got != "{channel:unknown}" {
		t.Fatalf("name = %v, want unresolved placeholder verbatim", got)
	}
}

func TestUpgradeEventsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.EventUpgradeStarted, eventbus.EventUpgradeCompleted)
	defer unsub()

	log := &execLog{}
	o := newTestOrchestrator(&recordingHandler{log: log}, bus)

	path := writeDoc(t, `
version: "1"
target: bot
upgrade_sequence:
  - id: s1
    execute_order: 1
    sub_steps: [{handler: test, action: a}]
`)

	if _, err := o.ExecuteUpgrade(context.Background(), path, Options{}); err != nil {
		t.Fatalf("ExecuteUpgrade: %v", err)
	}

	waitFor := func(eventType string) eventbus.UpgradeEvent {
		deadline := time.After(2 * time.Second)
		for {
			select {
			case ev := <-ch:
				if ev.Type == eventType {
					return ev.Data.(eventbus.UpgradeEvent)
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s", eventType)
			}
		}
	}

	started := waitFor(eventbus.EventUpgradeStarted)
	if started.Target != "bot" {
		t.Fatalf("started target = %q", started.Target)
	}
	completed := waitFor(eventbus.EventUpgradeCompleted)
	if !completed.Success {
		t.Fatal("completed event should carry success")
	}
}

func TestLoadMissingDocument(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(&recordingHandler{log: &execLog{}}, nil)
	_, err := o.ExecuteUpgrade(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"), Options{})
	if err == nil {
		t.Fatal("expected a load error")
	}
	if !strings.Contains(err.Error(), "read") {
		t.Fatalf("err = %v", err)
	}
}

func TestReportRunIDsUnique(t *testing.T) {
	t.Parallel()
	log := &execLog{}
	o := newTestOrchestrator(&recordingHandler{log: log}, nil)
	path := writeDoc(t, `
version: "1"
upgrade_sequence:
  - id: s1
    execute_order: 1
    sub_steps: [{handler: test, action: a}]
`)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		r, err := o.ExecuteUpgrade(context.Background(), path, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if r.RunID == "" || seen[r.RunID] {
			t.Fatalf("run id %q not unique", r.RunID)
		}
		seen[r.RunID] = true
	}
}
