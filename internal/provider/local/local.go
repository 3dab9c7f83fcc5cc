// Package local provides a filesystem-backed provider. It serves the local
// side of push and pull, and can also be configured as a remote (a mounted
// drive or a sync folder).
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/wjurkowlaniec/gdrive/internal/logging"
	"github.com/wjurkowlaniec/gdrive/internal/model"
	"github.com/wjurkowlaniec/gdrive/internal/provider"
)

// Config holds local filesystem backend settings.
type Config struct {
	ID          string `mapstructure:"-"`
	DisplayName string `mapstructure:"display_name"`
	RootPath    string `mapstructure:"root"`
	CreateRoot  bool   `mapstructure:"create_root"`
}

// Provider implements provider.Provider over a directory tree.
// Hierarchy paths are slash-separated and relative to RootPath.
type Provider struct {
	id          string
	displayName string
	rootPath    string
}

// New creates a new local filesystem provider.
func New(cfg Config) (*Provider, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}

	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateRoot {
			if mkErr := os.MkdirAll(root, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", root, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", root, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", root)
	}

	id := cfg.ID
	if id == "" {
		id = "local"
	}
	name := cfg.DisplayName
	if name == "" {
		name = root
	}

	return &Provider{
		id:          id,
		displayName: name,
		rootPath:    root,
	}, nil
}

// ID returns the unique identifier for this provider instance.
func (p *Provider) ID() string {
	return p.id
}

// Type returns the provider type.
func (p *Provider) Type() string {
	return "local"
}

// DisplayName returns the human-readable name.
func (p *Provider) DisplayName() string {
	return p.displayName
}

// Root returns the absolute filesystem directory backing "/".
func (p *Provider) Root() string {
	return p.rootPath
}

// Init checks that the root is still a readable directory.
func (p *Provider) Init(ctx context.Context) error {
	info, err := os.Stat(p.rootPath)
	if err != nil {
		return mapError("stat", "/", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root path %s is not a directory", p.rootPath)
	}
	return nil
}

func (p *Provider) fullPath(key string) string {
	return filepath.Join(p.rootPath, filepath.FromSlash(model.CleanPath(key)))
}

// Stat returns the entry at key.
func (p *Provider) Stat(_ context.Context, key string) (*model.Entry, error) {
	key = model.CleanPath(key)
	info, err := os.Stat(p.fullPath(key))
	if err != nil {
		return nil, mapError("stat", key, err)
	}
	return entryFromInfo(key, info), nil
}

// List returns the direct children of directory key.
func (p *Provider) List(_ context.Context, key string) ([]*model.Entry, error) {
	key = model.CleanPath(key)
	dir := p.fullPath(key)

	info, err := os.Stat(dir)
	if err != nil {
		return nil, mapError("list", key, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("list %s: %w: not a directory", key, provider.ErrConflict)
	}

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, mapError("list", key, err)
	}

	entries := make([]*model.Entry, 0, len(dirents))
	for _, d := range dirents {
		childKey := model.JoinPath(key, d.Name())
		info, err := childInfo(dir, d)
		if err != nil {
			logging.Debug("skipping unreadable entry", logging.String("path", childKey), logging.Err(err))
			continue
		}
		if info == nil {
			logging.Debug("skipping linked directory", logging.String("path", childKey))
			continue
		}
		entries = append(entries, entryFromInfo(childKey, info))
	}
	model.SortEntries(entries)
	return entries, nil
}

// Get opens the file at key for reading.
func (p *Provider) Get(_ context.Context, key string) (io.ReadCloser, error) {
	key = model.CleanPath(key)
	f, err := os.Open(p.fullPath(key))
	if err != nil {
		return nil, mapError("open", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapError("stat", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("open %s: %w: is a directory", key, provider.ErrConflict)
	}
	return f, nil
}

// Put writes content to key atomically.
func (p *Provider) Put(_ context.Context, key string, body io.Reader, size int64, _ provider.PutOptions) (*model.Entry, error) {
	key = model.CleanPath(key)
	target := p.fullPath(key)
	dir := filepath.Dir(target)

	parent, err := os.Stat(dir)
	if err != nil {
		return nil, mapError("put", key, err)
	}
	if !parent.IsDir() {
		return nil, fmt.Errorf("put %s: %w: parent is not a directory", key, provider.ErrConflict)
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return nil, fmt.Errorf("put %s: %w: a directory exists at this path", key, provider.ErrConflict)
	}

	// Write to temp file then rename for atomicity
	tmp, err := os.CreateTemp(dir, ".gdrive-*.tmp")
	if err != nil {
		return nil, mapError("put", key, err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("close temp for %s: %w", key, err)
	}
	if size >= 0 && written != size {
		os.Remove(tmpName)
		return nil, fmt.Errorf("write %s: short write (%d of %d bytes)", key, written, size)
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return nil, mapError("rename", key, err)
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, mapError("stat", key, err)
	}
	return entryFromInfo(key, info), nil
}

// MakeDir creates directory key. The parent must exist.
func (p *Provider) MakeDir(_ context.Context, key string) (*model.Entry, error) {
	key = model.CleanPath(key)
	target := p.fullPath(key)

	if err := os.Mkdir(target, 0755); err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("mkdir %s: %w: already exists", key, provider.ErrConflict)
		}
		return nil, mapError("mkdir", key, err)
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, mapError("stat", key, err)
	}
	return entryFromInfo(key, info), nil
}

// Delete removes a file or an empty directory.
func (p *Provider) Delete(_ context.Context, key string) error {
	key = model.CleanPath(key)
	if key == "/" {
		return fmt.Errorf("delete %s: %w: refusing to delete the root", key, provider.ErrConflict)
	}
	target := p.fullPath(key)

	info, err := os.Lstat(target)
	if err != nil {
		return mapError("delete", key, err)
	}
	if info.IsDir() {
		f, err := os.Open(target)
		if err != nil {
			return mapError("delete", key, err)
		}
		names, _ := f.Readdirnames(1)
		f.Close()
		if len(names) > 0 {
			return fmt.Errorf("delete %s: %w", key, provider.ErrNotEmpty)
		}
	}

	if err := os.Remove(target); err != nil {
		return mapError("delete", key, err)
	}
	return nil
}

// CheckHealth returns current health state.
func (p *Provider) CheckHealth(ctx context.Context) provider.HealthState {
	if err := p.Init(ctx); err != nil {
		return provider.HealthStateUnavailable
	}
	return provider.HealthStateHealthy
}

// childInfo describes a directory entry without descending through links.
// A link to a file reports the target file; a link to a directory yields
// nil so walks cannot loop back into an ancestor.
func childInfo(dir string, d fs.DirEntry) (fs.FileInfo, error) {
	if d.Type()&fs.ModeSymlink == 0 {
		return d.Info()
	}
	info, err := os.Stat(filepath.Join(dir, d.Name()))
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, nil
	}
	return info, nil
}

func entryFromInfo(key string, info fs.FileInfo) *model.Entry {
	if info.IsDir() {
		return model.NewDirectory(key, info.ModTime())
	}
	return model.NewFile(key, info.Size(), info.ModTime())
}

// mapError translates filesystem errors into the provider taxonomy.
func mapError(op, key string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return fmt.Errorf("%s %s: %w", op, key, provider.ErrNotFound)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s %s: %w: %v", op, key, provider.ErrPermissionDenied, err)
	case errors.Is(err, syscall.ENOTEMPTY):
		return fmt.Errorf("%s %s: %w", op, key, provider.ErrNotEmpty)
	default:
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
}
