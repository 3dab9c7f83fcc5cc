// Package rclone provides an rclone-based storage provider implementation.
// Every drive rclone supports (Google Drive included) becomes a remote.
package rclone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/wjurkowlaniec/gdrive/internal/logging"
	"github.com/wjurkowlaniec/gdrive/internal/model"
	"github.com/wjurkowlaniec/gdrive/internal/provider"
)

// rclone exit codes that mean the path is missing.
const (
	exitDirNotFound  = 3
	exitFileNotFound = 4
)

// Config holds the settings for one rclone remote.
type Config struct {
	ID          string `mapstructure:"-"`
	DisplayName string `mapstructure:"display_name"`
	Remote      string `mapstructure:"remote"` // rclone remote, e.g. "gdrive:" or "gdrive:backup"
	ConfigPath  string `mapstructure:"config"` // rclone.conf, empty for rclone's default
	Binary      string `mapstructure:"binary"`
}

// Provider implements the storage provider interface using rclone.
type Provider struct {
	id          string
	displayName string
	remoteName  string
	configPath  string
	binary      string
}

// NewProvider creates a new rclone-based provider.
func NewProvider(cfg Config) *Provider {
	binary := cfg.Binary
	if binary == "" {
		binary = "rclone"
	}
	name := cfg.DisplayName
	if name == "" {
		name = cfg.Remote
	}
	return &Provider{
		id:          cfg.ID,
		displayName: name,
		remoteName:  cfg.Remote,
		configPath:  cfg.ConfigPath,
		binary:      binary,
	}
}

// ID returns the unique identifier for this provider instance.
func (p *Provider) ID() string {
	return p.id
}

// Type returns the provider type.
func (p *Provider) Type() string {
	return "rclone"
}

// DisplayName returns the human-readable name.
func (p *Provider) DisplayName() string {
	return p.displayName
}

// Init verifies rclone is installed and the remote is configured.
func (p *Provider) Init(ctx context.Context) error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return fmt.Errorf("rclone not found in PATH: %w", err)
	}

	output, err := p.run(ctx, nil, "listremotes")
	if err != nil {
		return fmt.Errorf("failed to list rclone remotes: %w", err)
	}

	name := p.remoteName
	if i := strings.Index(name, ":"); i >= 0 {
		name = name[:i+1]
	}
	if !strings.Contains(string(output), name) {
		return fmt.Errorf("rclone remote '%s' not configured", p.remoteName)
	}

	return nil
}

// lsjsonItem is one object of `rclone lsjson` output.
type lsjsonItem struct {
	Path     string    `json:"Path"`
	Name     string    `json:"Name"`
	Size     int64     `json:"Size"`
	MimeType string    `json:"MimeType"`
	ModTime  time.Time `json:"ModTime"`
	IsDir    bool      `json:"IsDir"`
	ID       string    `json:"ID"`
}

func (it lsjsonItem) toEntry(p string) *model.Entry {
	var e *model.Entry
	if it.IsDir {
		e = model.NewDirectory(p, it.ModTime)
	} else {
		e = model.NewFile(p, it.Size, it.ModTime)
	}
	e.ID = it.ID
	e.MimeType = it.MimeType
	return e
}

// Stat returns the entry at key.
func (p *Provider) Stat(ctx context.Context, key string) (*model.Entry, error) {
	key = model.CleanPath(key)
	if key == "/" {
		return model.NewDirectory("/", time.Time{}), nil
	}

	output, err := p.run(ctx, nil, "lsjson", "--stat", p.remotePath(key))
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}

	var item lsjsonItem
	if err := json.Unmarshal(output, &item); err != nil {
		return nil, fmt.Errorf("stat %s: failed to parse rclone output: %w", key, err)
	}
	return item.toEntry(key), nil
}

// List returns the direct children of directory key.
func (p *Provider) List(ctx context.Context, key string) ([]*model.Entry, error) {
	key = model.CleanPath(key)

	output, err := p.run(ctx, nil, "lsjson", "--no-mimetype", p.remotePath(key))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}

	entries, err := parseListing(key, output)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}

	// lsjson on a file lists the file itself.
	if len(entries) == 1 && !entries[0].IsDir() && entries[0].Name == model.BaseName(key) {
		if st, err := p.Stat(ctx, key); err == nil && !st.IsDir() {
			return nil, fmt.Errorf("list %s: %w: not a directory", key, provider.ErrConflict)
		}
	}
	return entries, nil
}

// parseListing converts lsjson output for directory dir into entries.
func parseListing(dir string, output []byte) ([]*model.Entry, error) {
	var items []lsjsonItem
	if err := json.Unmarshal(output, &items); err != nil {
		return nil, fmt.Errorf("failed to parse rclone output: %w", err)
	}

	entries := make([]*model.Entry, 0, len(items))
	for _, it := range items {
		entries = append(entries, it.toEntry(model.JoinPath(dir, it.Name)))
	}
	model.SortEntries(entries)
	return entries, nil
}

// Get streams the file at key through `rclone cat`.
func (p *Provider) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	key = model.CleanPath(key)

	entry, err := p.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry.IsDir() {
		return nil, fmt.Errorf("open %s: %w: is a directory", key, provider.ErrConflict)
	}

	cmd := p.rcloneCmd(ctx, "cat", p.remotePath(key))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}

	return &cmdReader{ReadCloser: stdout, cmd: cmd, stderr: &stderr, key: key}, nil
}

// cmdReader reaps the rclone process when the stream is closed.
type cmdReader struct {
	io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	key    string
}

func (r *cmdReader) Close() error {
	r.ReadCloser.Close()
	if err := r.cmd.Wait(); err != nil {
		return fmt.Errorf("download %s: %w", r.key, classify(err, r.stderr.String()))
	}
	return nil
}

// Put uploads through `rclone rcat`.
func (p *Provider) Put(ctx context.Context, key string, body io.Reader, size int64, opts provider.PutOptions) (*model.Entry, error) {
	key = model.CleanPath(key)

	args := []string{"rcat"}
	if opts.MimeType != "" {
		args = append(args, "--header-upload", "Content-Type: "+opts.MimeType)
	}
	args = append(args, p.remotePath(key))

	if _, err := p.run(ctx, body, args...); err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}

	logging.Debug("rclone upload", logging.String("path", key), logging.Int64("size", size))
	return p.Stat(ctx, key)
}

// MakeDir creates directory key. The parent must exist.
func (p *Provider) MakeDir(ctx context.Context, key string) (*model.Entry, error) {
	key = model.CleanPath(key)

	parent, err := p.Stat(ctx, model.ParentPath(key))
	if err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", key, err)
	}
	if !parent.IsDir() {
		return nil, fmt.Errorf("mkdir %s: %w: parent is a file", key, provider.ErrConflict)
	}
	if _, err := p.Stat(ctx, key); err == nil {
		return nil, fmt.Errorf("mkdir %s: %w: already exists", key, provider.ErrConflict)
	}

	if _, err := p.run(ctx, nil, "mkdir", p.remotePath(key)); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", key, err)
	}
	return model.NewDirectory(key, time.Now()), nil
}

// Delete removes a file or an empty directory.
func (p *Provider) Delete(ctx context.Context, key string) error {
	key = model.CleanPath(key)
	if key == "/" {
		return fmt.Errorf("delete %s: %w: refusing to delete the root", key, provider.ErrConflict)
	}

	entry, err := p.Stat(ctx, key)
	if err != nil {
		return err
	}

	if entry.IsDir() {
		children, err := p.List(ctx, key)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return fmt.Errorf("delete %s: %w", key, provider.ErrNotEmpty)
		}
		if _, err := p.run(ctx, nil, "rmdir", p.remotePath(key)); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		return nil
	}

	if _, err := p.run(ctx, nil, "deletefile", p.remotePath(key)); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// GetUsage returns current usage statistics.
func (p *Provider) GetUsage(ctx context.Context) (*provider.Usage, error) {
	output, err := p.run(ctx, nil, "about", p.remoteName, "--json")
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	var about struct {
		Total int64 `json:"total"`
		Used  int64 `json:"used"`
		Free  int64 `json:"free"`
	}
	if err := json.Unmarshal(output, &about); err != nil {
		return nil, fmt.Errorf("failed to parse usage: %w", err)
	}

	return &provider.Usage{
		TotalBytes:     about.Total,
		UsedBytes:      about.Used,
		AvailableBytes: about.Free,
	}, nil
}

// CheckHealth returns current health state.
func (p *Provider) CheckHealth(ctx context.Context) provider.HealthState {
	if _, err := p.run(ctx, nil, "lsd", p.remoteName, "--max-depth", "1"); err != nil {
		return provider.HealthStateUnavailable
	}
	return provider.HealthStateHealthy
}

// remotePath maps a hierarchy path onto the rclone remote.
func (p *Provider) remotePath(key string) string {
	rel := strings.TrimPrefix(model.CleanPath(key), "/")
	if rel == "" {
		return p.remoteName
	}
	if strings.HasSuffix(p.remoteName, ":") || strings.HasSuffix(p.remoteName, "/") {
		return p.remoteName + rel
	}
	return p.remoteName + "/" + rel
}

// rcloneCmd creates an rclone command with common flags.
func (p *Provider) rcloneCmd(ctx context.Context, args ...string) *exec.Cmd {
	allArgs := args
	if p.configPath != "" {
		allArgs = append([]string{"--config", p.configPath}, args...)
	}
	return exec.CommandContext(ctx, p.binary, allArgs...)
}

// run executes rclone and returns stdout, mapping failures onto the
// provider error taxonomy.
func (p *Provider) run(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	cmd := p.rcloneCmd(ctx, args...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	logging.Debug("rclone",
		logging.String("args", strings.Join(args, " ")),
		logging.Duration("duration", time.Since(start)),
		logging.Err(err))
	if err != nil {
		return nil, classify(err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// classify maps an rclone failure onto the provider error taxonomy.
func classify(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case exitDirNotFound, exitFileNotFound:
			return provider.ErrNotFound
		}
	}

	switch {
	case strings.Contains(lower, "not found"), strings.Contains(lower, "doesn't exist"):
		return provider.ErrNotFound
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "403"), strings.Contains(lower, "insufficientpermissions"):
		return fmt.Errorf("%w: %s", provider.ErrPermissionDenied, lastLine(msg))
	case strings.Contains(lower, "directory not empty"):
		return provider.ErrNotEmpty
	}

	if msg != "" {
		return fmt.Errorf("%w: %s", err, lastLine(msg))
	}
	return err
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
