package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return p
}

func TestLoadDefaultsWithoutRemotes(t *testing.T) {
	cfg, err := Load(viper.New(), writeConfig(t, "concurrency: 2\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Concurrency != 2 {
		t.Errorf("expected concurrency 2, got %d", cfg.Concurrency)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("expected default TTL, got %v", cfg.CacheTTL)
	}
	if cfg.Log.Level != "warn" || cfg.Log.Format != "console" {
		t.Errorf("unexpected log defaults %+v", cfg.Log)
	}
	if len(cfg.Remotes) != 1 || cfg.Remotes[0].Name != DefaultRemoteName || cfg.Remotes[0].Type != "rclone" {
		t.Errorf("expected the default rclone remote, got %+v", cfg.Remotes)
	}
	if cfg.IndexPath() != filepath.Join(cfg.Dir, IndexFile) {
		t.Errorf("unexpected index path %s", cfg.IndexPath())
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("GDRIVE_CONCURRENCY", "9")
	t.Setenv("GDRIVE_LOG_LEVEL", "debug")
	t.Setenv("GDRIVE_PASSPHRASE", "secret")

	cfg, err := Load(viper.New(), writeConfig(t, "concurrency: 2\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Concurrency != 9 || cfg.Log.Level != "debug" || cfg.Passphrase != "secret" {
		t.Errorf("environment must win over the file: %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	if _, err := Load(viper.New(), writeConfig(t, "concurrency: 0\n")); err == nil {
		t.Error("expected an error for zero concurrency")
	}
	if _, err := Load(viper.New(), writeConfig(t, "cache:\n  ttl: soon\n")); err == nil {
		t.Error("expected an error for an unparsable TTL")
	}
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("an explicit config file must exist")
	}
}

func TestBuildRegistry(t *testing.T) {
	root := t.TempDir()
	content := `
remote: archive
remotes:
  archive:
    type: local
    root: ` + root + `
  drive:
    remote: "mydrive:backup"
`
	cfg, err := Load(viper.New(), writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Remotes) != 2 || cfg.Remotes[0].Name != "archive" || cfg.Remotes[1].Type != "rclone" {
		t.Fatalf("unexpected remotes %+v", cfg.Remotes)
	}

	registry, err := cfg.BuildRegistry(context.Background())
	if err != nil {
		t.Fatalf("BuildRegistry failed: %v", err)
	}
	p, err := registry.Resolve("")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if p.ID() != "archive" || p.Type() != "local" {
		t.Errorf("expected the local archive remote as default, got %s (%s)", p.ID(), p.Type())
	}

	drive, err := registry.Resolve("drive")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if drive.Type() != "rclone" || drive.DisplayName() != "mydrive:backup" {
		t.Errorf("unexpected rclone remote %s (%s)", drive.DisplayName(), drive.Type())
	}
}

func TestBuildRegistryUnknownType(t *testing.T) {
	cfg, err := Load(viper.New(), writeConfig(t, "remotes:\n  x:\n    type: ftp\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := cfg.BuildRegistry(context.Background()); err == nil {
		t.Error("expected an error for an unknown remote type")
	}
}
