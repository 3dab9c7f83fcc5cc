package core

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/wjurkowlaniec/gdrive/internal/model"
	"github.com/wjurkowlaniec/gdrive/internal/provider"
	"github.com/wjurkowlaniec/gdrive/internal/provider/local"
)

// writeTree creates files (path -> content) and empty directories below root.
func writeTree(t *testing.T, root string, files map[string]string, dirs ...string) {
	t.Helper()
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(d)), 0755); err != nil {
			t.Fatalf("failed to create dir %s: %v", d, err)
		}
	}
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("failed to create parent of %s: %v", name, err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
}

func newLocal(t *testing.T) (*local.Provider, string) {
	t.Helper()
	root := t.TempDir()
	p, err := local.New(local.Config{RootPath: root})
	if err != nil {
		t.Fatalf("failed to create local provider: %v", err)
	}
	return p, root
}

// newScenarioRemote builds f0.zip, 1/f1.zip, 1/f2.zip and an empty 2.
func newScenarioRemote(t *testing.T) (*local.Provider, string) {
	t.Helper()
	p, root := newLocal(t)
	writeTree(t, root, map[string]string{
		"f0.zip":   "zero",
		"1/f1.zip": "one",
		"1/f2.zip": "two!",
	}, "2")
	return p, root
}

func selectedPaths(sel *Selection) []string {
	out := make([]string, 0, sel.Len())
	for _, it := range sel.Items {
		out = append(out, it.Entry.Path)
	}
	return out
}

func relPaths(sel *Selection) []string {
	out := make([]string, 0, sel.Len())
	for _, it := range sel.Items {
		out = append(out, it.RelPath())
	}
	return out
}

// listFiles returns every path below root, slash-separated, with a
// trailing "/" on directories.
func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			rel += "/"
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to walk %s: %v", root, err)
	}
	return out
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("failed to read %s: %v", p, err)
	}
	return string(data)
}

// faultySink wraps a provider and fails writes to chosen paths.
type faultySink struct {
	*local.Provider
	failPut   map[string]bool
	failMkdir map[string]bool

	mu    sync.Mutex
	order []string
}

var errInjected = errors.New("injected failure")

func (f *faultySink) Put(ctx context.Context, p string, r io.Reader, size int64, opts provider.PutOptions) (*model.Entry, error) {
	f.record("put " + p)
	if f.failPut[p] {
		return nil, errInjected
	}
	return f.Provider.Put(ctx, p, r, size, opts)
}

func (f *faultySink) MakeDir(ctx context.Context, p string) (*model.Entry, error) {
	f.record("mkdir " + p)
	if f.failMkdir[p] {
		return nil, errInjected
	}
	return f.Provider.MakeDir(ctx, p)
}

func (f *faultySink) record(op string) {
	f.mu.Lock()
	f.order = append(f.order, op)
	f.mu.Unlock()
}

func (f *faultySink) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// countingLister counts List calls per path.
type countingLister struct {
	provider.Lister
	mu    sync.Mutex
	lists map[string]int
}

func newCountingLister(inner provider.Lister) *countingLister {
	return &countingLister{Lister: inner, lists: make(map[string]int)}
}

func (c *countingLister) List(ctx context.Context, p string) ([]*model.Entry, error) {
	c.mu.Lock()
	c.lists[model.CleanPath(p)]++
	c.mu.Unlock()
	return c.Lister.List(ctx, p)
}

func (c *countingLister) count(p string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lists[p]
}
