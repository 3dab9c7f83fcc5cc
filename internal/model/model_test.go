package model

import (
	"testing"
	"time"
)

func TestWithChildren_DoesNotMutate(t *testing.T) {
	now := time.Now()
	dir := NewDirectory("/photos", now)
	a := NewFile("/photos/b.jpg", 10, now)
	b := NewFile("/photos/a.jpg", 20, now)

	fetched, err := dir.WithChildren([]*Entry{a, b})
	if err != nil {
		t.Fatalf("WithChildren failed: %v", err)
	}

	if dir.Children.IsFetched() {
		t.Error("original entry should stay unfetched")
	}
	if !fetched.Children.IsFetched() {
		t.Fatal("copy should be fetched")
	}
	got := fetched.Children.Entries()
	if len(got) != 2 || got[0].Name != "a.jpg" || got[1].Name != "b.jpg" {
		t.Errorf("children not sorted: %v", names(got))
	}
}

func TestWithChildren_RejectsDuplicates(t *testing.T) {
	dir := NewDirectory("/d", time.Time{})
	_, err := dir.WithChildren([]*Entry{
		NewFile("/d/x", 1, time.Time{}),
		NewFile("/d/x", 2, time.Time{}),
	})
	if err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestWithChildren_File(t *testing.T) {
	f := NewFile("/f.txt", 1, time.Time{})
	if _, err := f.WithChildren(nil); err == nil {
		t.Fatal("files cannot have children")
	}
}

func TestSortEntries_Interleaved(t *testing.T) {
	entries := []*Entry{
		NewFile("/f0.zip", 1, time.Time{}),
		NewDirectory("/2", time.Time{}),
		NewDirectory("/1", time.Time{}),
		NewFile("/a.txt", 1, time.Time{}),
	}
	SortEntries(entries)

	want := []string{"1", "2", "a.txt", "f0.zip"}
	for i, e := range entries {
		if e.Name != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], e.Name)
		}
	}
}

func TestSortKey_NFC(t *testing.T) {
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	if SortKey(composed) != SortKey(decomposed) {
		t.Error("composed and decomposed names should compare equal")
	}

	dir := NewDirectory("/", time.Time{})
	dir, err := dir.WithChildren([]*Entry{NewFile("/"+decomposed, 1, time.Time{})})
	if err != nil {
		t.Fatalf("WithChildren failed: %v", err)
	}
	if _, ok := dir.Child(composed); !ok {
		t.Error("lookup should match across normalization forms")
	}
}

func TestPathHelpers(t *testing.T) {
	tests := []struct {
		in, clean, parent, base string
	}{
		{"/", "/", "/", ""},
		{"a/b/", "/a/b", "/a", "b"},
		{"/a//b/./c", "/a/b/c", "/a/b", "c"},
		{"/d/report ", "/d/report ", "/d", "report "},
		{"/ lead/x", "/ lead/x", "/ lead", "x"},
	}
	for _, tt := range tests {
		if got := CleanPath(tt.in); got != tt.clean {
			t.Errorf("CleanPath(%q) = %q, want %q", tt.in, got, tt.clean)
		}
		if got := ParentPath(tt.in); got != tt.parent {
			t.Errorf("ParentPath(%q) = %q, want %q", tt.in, got, tt.parent)
		}
		if got := BaseName(tt.in); got != tt.base {
			t.Errorf("BaseName(%q) = %q, want %q", tt.in, got, tt.base)
		}
	}

	if !IsWithin("/a/b/c", "/a/b") || IsWithin("/a/bc", "/a/b") || !IsWithin("/x", "/") {
		t.Error("IsWithin returned wrong result")
	}
}

func names(entries []*Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}
