package core

import (
	"context"
	"slices"
	"testing"
)

func TestCompleteByPrefix(t *testing.T) {
	p, _ := newScenarioRemote(t)
	c := NewCompleter(p)
	ctx := context.Background()

	tests := []struct {
		partial string
		want    []string
	}{
		{"/1/f", []string{"/1/f1.zip", "/1/f2.zip"}},
		{"/", []string{"/1/", "/2/", "/f0.zip"}},
		{"", []string{"1/", "2/", "f0.zip"}},
		{"f0", []string{"f0.zip"}},
		{"/1/x", nil},
	}
	for _, tc := range tests {
		if got := c.Complete(ctx, tc.partial); !slices.Equal(got, tc.want) {
			t.Errorf("Complete(%q) = %v, want %v", tc.partial, got, tc.want)
		}
	}
}

func TestCompleteFailsSilently(t *testing.T) {
	p, _ := newScenarioRemote(t)
	c := NewCompleter(p)

	if got := c.Complete(context.Background(), "/nope/x"); got != nil {
		t.Errorf("expected no candidates for a missing parent, got %v", got)
	}
	if got := c.Complete(context.Background(), "/f0.zip/"); got != nil {
		t.Errorf("expected no candidates below a file, got %v", got)
	}
}

func TestCompleteListsParentOnce(t *testing.T) {
	p, _ := newScenarioRemote(t)
	counter := newCountingLister(p)
	c := NewCompleter(counter)

	c.Complete(context.Background(), "/1/")
	c.Complete(context.Background(), "/1/f1")
	if n := counter.count("/1"); n != 1 {
		t.Errorf("expected one listing of /1, got %d", n)
	}
}

func TestMemoListerRemembersListings(t *testing.T) {
	p, root := newScenarioRemote(t)
	counter := newCountingLister(p)
	m := NewMemoLister(counter)
	ctx := context.Background()

	if _, err := m.List(ctx, "/2"); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	writeTree(t, root, map[string]string{"2/new": "n"})

	entries, err := m.List(ctx, "/2/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected the memoized empty listing, got %d entries", len(entries))
	}
	if n := counter.count("/2"); n != 1 {
		t.Errorf("expected one listing of /2, got %d", n)
	}
}
