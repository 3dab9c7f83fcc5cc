// Package model defines the domain models shared by the local and remote hierarchies.
package model

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// EntryType represents the type of an entry.
type EntryType string

const (
	EntryTypeFile      EntryType = "file"
	EntryTypeDirectory EntryType = "directory"
)

// ChildrenState tells whether a directory listing has been fetched.
type ChildrenState int

const (
	ChildrenUnfetched ChildrenState = iota
	ChildrenFetched
)

func (s ChildrenState) String() string {
	switch s {
	case ChildrenFetched:
		return "fetched"
	default:
		return "unfetched"
	}
}

// Children is the lazily populated child list of a directory.
// The zero value is Unfetched.
type Children struct {
	state   ChildrenState
	entries []*Entry
}

// Unfetched returns a child list that has not been listed yet.
func Unfetched() Children {
	return Children{state: ChildrenUnfetched}
}

// Fetched returns a listed child list, sorted by name.
func Fetched(entries []*Entry) Children {
	sorted := make([]*Entry, len(entries))
	copy(sorted, entries)
	SortEntries(sorted)
	return Children{state: ChildrenFetched, entries: sorted}
}

// State returns the fetch state.
func (c Children) State() ChildrenState {
	return c.state
}

// IsFetched reports whether the children were listed.
func (c Children) IsFetched() bool {
	return c.state == ChildrenFetched
}

// Entries returns the listed children in name order.
// Callers must not modify the returned slice.
func (c Children) Entries() []*Entry {
	return c.entries
}

// Len returns the number of listed children.
func (c Children) Len() int {
	return len(c.entries)
}

// Entry represents one file or directory in a hierarchy.
// Path is the absolute slash-separated location and identifies the entry.
type Entry struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Type       EntryType `json:"entry_type"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	ID         string    `json:"id,omitempty"`
	MimeType   string    `json:"mime_type,omitempty"`
	Children   Children  `json:"-"`
}

// NewFile builds a file entry at p.
func NewFile(p string, size int64, modified time.Time) *Entry {
	p = CleanPath(p)
	return &Entry{
		Name:       BaseName(p),
		Path:       p,
		Type:       EntryTypeFile,
		Size:       size,
		ModifiedAt: modified,
	}
}

// NewDirectory builds a directory entry at p with unfetched children.
func NewDirectory(p string, modified time.Time) *Entry {
	p = CleanPath(p)
	return &Entry{
		Name:       BaseName(p),
		Path:       p,
		Type:       EntryTypeDirectory,
		ModifiedAt: modified,
	}
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool {
	return e.Type == EntryTypeDirectory
}

// WithChildren returns a copy of the entry with the given children fetched.
// The receiver is left untouched.
func (e *Entry) WithChildren(children []*Entry) (*Entry, error) {
	if !e.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", e.Path)
	}
	seen := make(map[string]struct{}, len(children))
	for _, c := range children {
		key := SortKey(c.Name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate entry %q in %s", c.Name, e.Path)
		}
		seen[key] = struct{}{}
	}
	clone := *e
	clone.Children = Fetched(children)
	return &clone, nil
}

// Child looks up a direct child by name. Only valid on fetched directories.
func (e *Entry) Child(name string) (*Entry, bool) {
	key := SortKey(name)
	for _, c := range e.Children.entries {
		if SortKey(c.Name) == key {
			return c, true
		}
	}
	return nil, false
}

// SortKey returns the comparison key for a name. Names are compared in NFC
// so that composed and decomposed spellings from different backends agree.
func SortKey(name string) string {
	return norm.NFC.String(name)
}

// SortEntries orders entries lexicographically by name, files and
// directories interleaved.
func SortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return SortKey(entries[i].Name) < SortKey(entries[j].Name)
	})
}

// CleanPath normalizes p into an absolute slash path. Spaces are part of
// names and are kept.
func CleanPath(p string) string {
	return path.Clean("/" + p)
}

// JoinPath joins a directory path and a child name.
func JoinPath(dir, name string) string {
	return path.Join(CleanPath(dir), name)
}

// ParentPath returns the parent directory of p. The root is its own parent.
func ParentPath(p string) string {
	return path.Dir(CleanPath(p))
}

// BaseName returns the last element of p, or "" for the root.
func BaseName(p string) string {
	p = CleanPath(p)
	if p == "/" {
		return ""
	}
	return path.Base(p)
}

// IsWithin reports whether p equals dir or lies below it.
func IsWithin(p, dir string) bool {
	p, dir = CleanPath(p), CleanPath(dir)
	if dir == "/" || p == dir {
		return true
	}
	return strings.HasPrefix(p, dir+"/")
}

// JournalState represents the state of a journaled run.
type JournalState string

const (
	JournalStatePending   JournalState = "pending"
	JournalStateCompleted JournalState = "completed"
	JournalStatePartial   JournalState = "partial"
	JournalStateAborted   JournalState = "aborted"
)

// JournalEntry records one transfer or removal run.
type JournalEntry struct {
	ID            int64        `json:"id"`
	OperationID   string       `json:"operation_id"` // UUID
	OperationType string       `json:"operation_type"`
	Payload       string       `json:"payload"` // JSON
	State         JournalState `json:"state"`
	CreatedAt     time.Time    `json:"created_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	Steps         int          `json:"steps"`
	Failed        int          `json:"failed"`
}

// JournalStep is a single step outcome recorded against a run.
type JournalStep struct {
	OperationID string `json:"operation_id"`
	Seq         int    `json:"seq"`
	Action      string `json:"action"`
	Source      string `json:"source"`
	Dest        string `json:"dest"`
	Outcome     string `json:"outcome"`
	Error       string `json:"error,omitempty"`
}
