// Package provider defines the storage provider interface and types.
// A provider exposes one hierarchy (a remote drive or a local directory)
// through one-level listings and whole-file transfers.
package provider

import (
	"context"
	"errors"
	"io"

	"github.com/wjurkowlaniec/gdrive/internal/model"
)

// Error taxonomy shared by every backend. Match with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrNotEmpty         = errors.New("directory not empty")
	ErrPermissionDenied = errors.New("permission denied")
)

// Usage statistics from provider.
type Usage struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// HealthState represents provider availability.
type HealthState string

const (
	HealthStateHealthy     HealthState = "healthy"
	HealthStateDegraded    HealthState = "degraded"
	HealthStateUnavailable HealthState = "unavailable"
)

// PutOptions tunes an upload.
type PutOptions struct {
	// MimeType overrides content type detection where the backend supports it.
	MimeType string
}

// Lister is the read-only view of a hierarchy used by resolution and planning.
type Lister interface {
	// Stat returns the entry at p, or ErrNotFound.
	Stat(ctx context.Context, p string) (*model.Entry, error)

	// List returns the direct children of directory p. Children of the
	// returned entries are Unfetched.
	List(ctx context.Context, p string) ([]*model.Entry, error)
}

// Provider interface - all storage backends implement this.
type Provider interface {
	Lister

	// ID returns unique identifier for this provider instance.
	ID() string

	// Type returns provider type (rclone, s3, local).
	Type() string

	// DisplayName returns human-readable name.
	DisplayName() string

	// Init verifies the backend is reachable and configured.
	Init(ctx context.Context) error

	// Get opens the file at p for reading.
	Get(ctx context.Context, p string) (io.ReadCloser, error)

	// Put writes size bytes from r to the file at p, replacing it if present.
	// The parent directory must exist.
	Put(ctx context.Context, p string, r io.Reader, size int64, opts PutOptions) (*model.Entry, error)

	// MakeDir creates directory p. The parent must exist.
	MakeDir(ctx context.Context, p string) (*model.Entry, error)

	// Delete removes a file or an empty directory.
	// Non-empty directories fail with ErrNotEmpty.
	Delete(ctx context.Context, p string) error

	// CheckHealth returns current health state.
	CheckHealth(ctx context.Context) HealthState
}

// UsageReporter is implemented by providers that can report quota.
type UsageReporter interface {
	GetUsage(ctx context.Context) (*Usage, error)
}

// Registry manages provider instances.
type Registry interface {
	// Register adds a new provider.
	Register(p Provider) error

	// Get returns provider by ID.
	Get(id string) (Provider, bool)

	// All returns all registered providers.
	All() []Provider

	// Primary returns the default remote.
	Primary() Provider

	// SetPrimary sets the default remote.
	SetPrimary(id string) error
}
