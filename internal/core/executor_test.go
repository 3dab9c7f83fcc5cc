package core

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/wjurkowlaniec/gdrive/internal/provider/local"
)

func planFor(t *testing.T, src, dst *local.Provider, arg string, recursive bool, dest string) *TransferPlan {
	t.Helper()
	ctx := context.Background()
	sel, err := NewResolver(src).Resolve(ctx, arg, recursive)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	plan, err := NewPlanner(dst).Plan(ctx, sel, dest, PlanOptions{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	return plan
}

func TestExecutePullShallowCopiesTopLevelFiles(t *testing.T) {
	remote, _ := newScenarioRemote(t)
	cwd, cwdRoot := newLocal(t)

	plan := planFor(t, remote, cwd, "/", false, "/")
	report := NewExecutor(remote, cwd, ExecutorOptions{}).Execute(context.Background(), plan)
	if err := report.Err(); err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}

	if got := listFiles(t, cwdRoot); !slices.Equal(got, []string{"f0.zip"}) {
		t.Errorf("expected exactly f0.zip, got %v", got)
	}
}

func TestExecutePullRecursiveMirrorsRemote(t *testing.T) {
	remote, _ := newScenarioRemote(t)
	cwd, cwdRoot := newLocal(t)

	sel, err := NewResolver(remote).Resolve(context.Background(), "/", true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	plan, err := NewPlanner(cwd).Plan(context.Background(), sel, "/", PlanOptions{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	report := NewExecutor(remote, cwd, ExecutorOptions{Concurrency: 8, Direction: "pull"}).Execute(context.Background(), plan)
	if err := report.Err(); err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}

	want := []string{"1/", "1/f1.zip", "1/f2.zip", "2/", "f0.zip"}
	if got := listFiles(t, cwdRoot); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if got := readFile(t, filepath.Join(cwdRoot, "1", "f2.zip")); got != "two!" {
		t.Errorf("unexpected content %q", got)
	}

	done, failed, skipped, bytes := report.Summary()
	if done != len(plan.Steps) || failed != 0 || skipped != 0 {
		t.Errorf("unexpected summary done=%d failed=%d skipped=%d", done, failed, skipped)
	}
	if bytes != 11 {
		t.Errorf("expected 11 bytes copied, got %d", bytes)
	}
}

func TestExecuteWaitsForParentDirectories(t *testing.T) {
	src, srcRoot := newLocal(t)
	writeTree(t, srcRoot, map[string]string{
		"d/a":     "a",
		"d/b":     "b",
		"d/e/f":   "f",
		"d/e/g/h": "h",
	})
	dst, _ := newLocal(t)
	sink := &faultySink{Provider: dst}

	plan := planFor(t, src, dst, "/d", true, "/")
	report := NewExecutor(src, sink, ExecutorOptions{Concurrency: 16}).Execute(context.Background(), plan)
	if err := report.Err(); err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}

	ops := sink.ops()
	pos := func(op string) int {
		i := slices.Index(ops, op)
		if i < 0 {
			t.Fatalf("operation %q not performed: %v", op, ops)
		}
		return i
	}
	if pos("mkdir /d") > pos("put /d/a") || pos("mkdir /d/e") > pos("put /d/e/f") || pos("mkdir /d/e/g") > pos("put /d/e/g/h") {
		t.Errorf("a file was written before its directory: %v", ops)
	}
}

func TestExecuteFailedMakeDirFailsItsContents(t *testing.T) {
	remote, _ := newScenarioRemote(t)
	cwd, cwdRoot := newLocal(t)
	sink := &faultySink{Provider: cwd, failMkdir: map[string]bool{"/1": true}}

	plan := planFor(t, remote, cwd, "/", true, "/")
	report := NewExecutor(remote, sink, ExecutorOptions{Concurrency: 2}).Execute(context.Background(), plan)

	var pf *PartialFailureError
	if !errors.As(report.Err(), &pf) {
		t.Fatalf("expected a partial failure, got %v", report.Err())
	}
	if pf.Failed != 3 {
		t.Errorf("expected mkdir and two copies to fail, got %d", pf.Failed)
	}

	for _, res := range report.Results {
		if res.Step.Dest == "/1/f1.zip" && !errors.Is(res.Err, ErrParentUnavailable) {
			t.Errorf("expected ErrParentUnavailable, got %v", res.Err)
		}
	}
	if got := listFiles(t, cwdRoot); !slices.Equal(got, []string{"2/", "f0.zip"}) {
		t.Errorf("the rest of the plan must still run, got %v", got)
	}
}

func TestExecuteFailedCopyDoesNotStopOthers(t *testing.T) {
	remote, _ := newScenarioRemote(t)
	cwd, cwdRoot := newLocal(t)
	sink := &faultySink{Provider: cwd, failPut: map[string]bool{"/1/f1.zip": true}}

	var calls int
	plan := planFor(t, remote, cwd, "/", true, "/")
	report := NewExecutor(remote, sink, ExecutorOptions{
		OnResult: func(StepResult) { calls++ },
	}).Execute(context.Background(), plan)

	if calls != len(plan.Steps) {
		t.Errorf("expected %d result callbacks, got %d", len(plan.Steps), calls)
	}
	var pf *PartialFailureError
	if !errors.As(report.Err(), &pf) {
		t.Fatalf("expected a partial failure, got %v", report.Err())
	}
	if pf.Failed != 1 || len(pf.Errors) != 1 || !errors.Is(pf.Errors[0], errInjected) {
		t.Errorf("unexpected failure detail: %+v", pf)
	}
	want := []string{"1/", "1/f2.zip", "2/", "f0.zip"}
	if got := listFiles(t, cwdRoot); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestExecuteSkipsCountAgainstRun(t *testing.T) {
	remote, _ := newScenarioRemote(t)
	cwd, cwdRoot := newLocal(t)
	writeTree(t, cwdRoot, nil, "f0.zip")

	plan := planFor(t, remote, cwd, "/", false, "/")
	report := NewExecutor(remote, cwd, ExecutorOptions{}).Execute(context.Background(), plan)

	var pf *PartialFailureError
	if !errors.As(report.Err(), &pf) {
		t.Fatalf("expected a partial failure, got %v", report.Err())
	}
	if pf.Skipped != 1 || pf.Failed != 0 {
		t.Errorf("expected one skipped step, got %+v", pf)
	}
}

func TestExecuteCancelledRunWritesNothing(t *testing.T) {
	remote, _ := newScenarioRemote(t)
	cwd, cwdRoot := newLocal(t)

	plan := planFor(t, remote, cwd, "/", false, "/")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := NewExecutor(remote, cwd, ExecutorOptions{}).Execute(ctx, plan)
	if report.Err() == nil {
		t.Fatal("a cancelled run must not report success")
	}
	if res := report.Results[0]; res.Outcome != OutcomeCancelled {
		t.Errorf("expected cancelled, got %s", res.Outcome)
	}
	if got := listFiles(t, cwdRoot); len(got) != 0 {
		t.Errorf("expected nothing written, got %v", got)
	}
}

func TestExecuteCopiesNamesWithSurroundingSpaces(t *testing.T) {
	remote, remoteRoot := newLocal(t)
	writeTree(t, remoteRoot, map[string]string{
		"d/report ": "spaced",
		"d/report":  "plain",
		"d/ lead":   "lead",
	})
	cwd, cwdRoot := newLocal(t)

	plan := planFor(t, remote, cwd, "/d", false, "/")
	report := NewExecutor(remote, cwd, ExecutorOptions{}).Execute(context.Background(), plan)
	if err := report.Err(); err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}

	want := map[string]string{"report ": "spaced", "report": "plain", " lead": "lead"}
	for name, content := range want {
		if got := readFile(t, filepath.Join(cwdRoot, name)); got != content {
			t.Errorf("%q: expected %q, got %q", name, content, got)
		}
	}
	if got := listFiles(t, cwdRoot); len(got) != 3 {
		t.Errorf("expected 3 files, got %q", got)
	}
}
