package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wjurkowlaniec/gdrive/internal/provider"
)

func newTestProvider(t *testing.T) (*Provider, string) {
	t.Helper()
	root := t.TempDir()
	p, err := New(Config{RootPath: root})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	return p, root
}

func TestListSortedAndTyped(t *testing.T) {
	p, root := newTestProvider(t)
	os.WriteFile(filepath.Join(root, "f0.zip"), []byte("zip"), 0644)
	os.Mkdir(filepath.Join(root, "2"), 0755)
	os.Mkdir(filepath.Join(root, "1"), 0755)

	entries, err := p.List(context.Background(), "/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Name != "1" || !entries[0].IsDir() {
		t.Errorf("expected directory 1 first, got %+v", entries[0])
	}
	if entries[2].Name != "f0.zip" || entries[2].Size != 3 || entries[2].Path != "/f0.zip" {
		t.Errorf("unexpected file entry: %+v", entries[2])
	}
	if entries[0].Children.IsFetched() {
		t.Error("listed directories must be unfetched")
	}
}

func TestListSkipsLinkedDirectories(t *testing.T) {
	p, root := newTestProvider(t)
	d := filepath.Join(root, "d")
	if err := os.Mkdir(d, 0755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(d, "a"), []byte("abc"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.Symlink("..", filepath.Join(d, "up")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := os.Symlink("a", filepath.Join(d, "link")); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}
	if err := os.Symlink("gone", filepath.Join(d, "dangling")); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}

	entries, err := p.List(context.Background(), "/d")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected a and link only, got %+v", entries)
	}
	if entries[0].Name != "a" || entries[1].Name != "link" {
		t.Errorf("unexpected entries %s, %s", entries[0].Name, entries[1].Name)
	}
	if entries[1].IsDir() || entries[1].Size != 3 {
		t.Errorf("a link to a file must look like the file, got %+v", entries[1])
	}
}

func TestStatNotFound(t *testing.T) {
	p, _ := newTestProvider(t)
	_, err := p.Stat(context.Background(), "/missing")
	if !errors.Is(err, provider.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutAndGet(t *testing.T) {
	p, root := newTestProvider(t)
	ctx := context.Background()

	entry, err := p.Put(ctx, "/a.txt", strings.NewReader("hello"), 5, provider.PutOptions{})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if entry.Size != 5 || entry.Name != "a.txt" {
		t.Errorf("unexpected entry: %+v", entry)
	}

	rc, err := p.Get(ctx, "/a.txt")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}

	// No temp files left behind
	names, _ := os.ReadDir(root)
	if len(names) != 1 {
		t.Errorf("expected only a.txt in root, got %d entries", len(names))
	}
}

func TestPutMissingParent(t *testing.T) {
	p, _ := newTestProvider(t)
	_, err := p.Put(context.Background(), "/no/such/file", strings.NewReader("x"), 1, provider.PutOptions{})
	if !errors.Is(err, provider.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutOverDirectory(t *testing.T) {
	p, root := newTestProvider(t)
	os.Mkdir(filepath.Join(root, "d"), 0755)
	_, err := p.Put(context.Background(), "/d", strings.NewReader("x"), 1, provider.PutOptions{})
	if !errors.Is(err, provider.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMakeDir(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	if _, err := p.MakeDir(ctx, "/3"); err != nil {
		t.Fatalf("MakeDir failed: %v", err)
	}
	if _, err := p.MakeDir(ctx, "/3"); !errors.Is(err, provider.ErrConflict) {
		t.Errorf("expected ErrConflict for existing dir, got %v", err)
	}
	if _, err := p.MakeDir(ctx, "/x/y"); !errors.Is(err, provider.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing parent, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	p, root := newTestProvider(t)
	ctx := context.Background()
	os.MkdirAll(filepath.Join(root, "d", "sub"), 0755)
	os.WriteFile(filepath.Join(root, "d", "f"), []byte("x"), 0644)

	if err := p.Delete(ctx, "/d"); !errors.Is(err, provider.ErrNotEmpty) {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}
	if err := p.Delete(ctx, "/d/f"); err != nil {
		t.Fatalf("delete file failed: %v", err)
	}
	if err := p.Delete(ctx, "/d/sub"); err != nil {
		t.Fatalf("delete empty dir failed: %v", err)
	}
	if err := p.Delete(ctx, "/d"); err != nil {
		t.Fatalf("delete emptied dir failed: %v", err)
	}
	if err := p.Delete(ctx, "/d"); !errors.Is(err, provider.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
