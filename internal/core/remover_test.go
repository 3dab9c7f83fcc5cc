package core

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/wjurkowlaniec/gdrive/internal/model"
	"github.com/wjurkowlaniec/gdrive/internal/provider"
)

func designate(t *testing.T, r *Resolver, arg string) []*model.Entry {
	t.Helper()
	entries, err := r.Designate(context.Background(), arg)
	if err != nil {
		t.Fatalf("Designate(%q) failed: %v", arg, err)
	}
	return entries
}

func TestRemoveNonEmptyDirectoryWithoutRecursion(t *testing.T) {
	p, root := newScenarioRemote(t)
	rm := NewRemover(p)
	before := listFiles(t, root)

	_, err := rm.Preview(context.Background(), &RemoveRequest{Targets: designate(t, NewResolver(p), "/1")})
	if !errors.Is(err, provider.ErrNotEmpty) {
		t.Fatalf("expected NotEmpty, got %v", err)
	}
	if after := listFiles(t, root); !slices.Equal(before, after) {
		t.Errorf("nothing may be deleted, before %v after %v", before, after)
	}
}

func TestRemoveEmptyDirectoryAndFile(t *testing.T) {
	p, root := newScenarioRemote(t)
	rm := NewRemover(p)
	r := NewResolver(p)
	ctx := context.Background()

	targets := append(designate(t, r, "/2"), designate(t, r, "/f0.zip")...)
	preview, err := rm.Preview(ctx, &RemoveRequest{Targets: targets})
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if preview.Files != 1 || preview.Dirs != 1 || preview.TotalSize != 4 {
		t.Errorf("unexpected preview %+v", preview)
	}

	result, err := rm.Execute(ctx, preview, true)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Deleted != 2 || result.Err() != nil {
		t.Errorf("unexpected result %+v", result)
	}
	if got := listFiles(t, root); !slices.Equal(got, []string{"1/", "1/f1.zip", "1/f2.zip"}) {
		t.Errorf("unexpected remaining tree %v", got)
	}
}

func TestRemoveRecursiveDeletesChildrenFirst(t *testing.T) {
	p, root := newScenarioRemote(t)
	rm := NewRemover(p)
	ctx := context.Background()

	var order []string
	rm.OnDeleted = func(e *model.Entry, err error) {
		if err == nil {
			order = append(order, e.Path)
		}
	}

	preview, err := rm.Preview(ctx, &RemoveRequest{Targets: designate(t, NewResolver(p), "/1"), Recursive: true})
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	result, err := rm.Execute(ctx, preview, true)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Deleted != 3 {
		t.Errorf("expected 3 deletions, got %d", result.Deleted)
	}
	if want := []string{"/1/f2.zip", "/1/f1.zip", "/1"}; !slices.Equal(order, want) {
		t.Errorf("expected %v, got %v", want, order)
	}
	if got := listFiles(t, root); !slices.Equal(got, []string{"2/", "f0.zip"}) {
		t.Errorf("unexpected remaining tree %v", got)
	}
}

func TestRemoveRefusesRoot(t *testing.T) {
	p, _ := newScenarioRemote(t)
	root, err := p.Stat(context.Background(), "/")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	_, err = NewRemover(p).Preview(context.Background(), &RemoveRequest{Targets: []*model.Entry{root}, Recursive: true})
	if err == nil {
		t.Fatal("removing the root must be refused")
	}
}

func TestRemoveRequiresConfirmation(t *testing.T) {
	p, root := newScenarioRemote(t)
	rm := NewRemover(p)
	ctx := context.Background()

	preview, err := rm.Preview(ctx, &RemoveRequest{Targets: designate(t, NewResolver(p), "/f0.zip")})
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if _, err := rm.Execute(ctx, preview, false); err == nil {
		t.Fatal("expected an error without confirmation")
	}
	if got := listFiles(t, root); !slices.Contains(got, "f0.zip") {
		t.Error("file deleted without confirmation")
	}
}

func TestRemoveCollectsFailures(t *testing.T) {
	p, root := newScenarioRemote(t)
	rm := NewRemover(p)
	ctx := context.Background()

	preview, err := rm.Preview(ctx, &RemoveRequest{Targets: designate(t, NewResolver(p), "/1"), Recursive: true})
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	// A file appearing after the preview keeps the directory non-empty.
	writeTree(t, root, map[string]string{"1/late.zip": "late"})

	result, err := rm.Execute(ctx, preview, true)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	var pf *PartialFailureError
	if !errors.As(result.Err(), &pf) || pf.Failed != 1 {
		t.Fatalf("expected one failed deletion, got %v", result.Err())
	}
	if !errors.Is(result.Errors[0], provider.ErrNotEmpty) {
		t.Errorf("expected NotEmpty, got %v", result.Errors[0])
	}
	if result.Deleted != 2 {
		t.Errorf("expected the files to be deleted, got %d", result.Deleted)
	}
}
