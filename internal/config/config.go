// Package config loads gdrive settings from the config file, the
// environment and command-line flags, and builds the configured remotes.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wjurkowlaniec/gdrive/internal/provider"
	"github.com/wjurkowlaniec/gdrive/internal/provider/local"
	"github.com/wjurkowlaniec/gdrive/internal/provider/rclone"
	"github.com/wjurkowlaniec/gdrive/internal/provider/s3"
)

const (
	// DirName is the per-user config directory under $HOME.
	DirName = ".gdrive"
	// EnvPrefix prefixes environment overrides, e.g. GDRIVE_CONCURRENCY.
	EnvPrefix = "GDRIVE"
	// DefaultRemoteName is used when no remotes are configured; it maps to
	// the rclone remote "gdrive:".
	DefaultRemoteName = "gdrive"
	// IndexFile holds the journal and the listing cache.
	IndexFile = "index.db"
)

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
	File   string
}

// Remote is one configured remote.
type Remote struct {
	Name string
	Type string
}

// Config is the resolved configuration of one invocation.
type Config struct {
	Dir         string
	File        string // config file used, empty if none was found
	Remote      string
	Concurrency int
	Log         LogConfig
	CacheTTL    time.Duration
	MetricsFile string
	Passphrase  string
	Remotes     []Remote

	v *viper.Viper
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("remote", "")
	v.SetDefault("concurrency", 4)
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("metrics.file", "")
}

// DefaultDir returns $HOME/.gdrive, or .gdrive when there is no home.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DirName
	}
	return filepath.Join(home, DirName)
}

// Load reads the configuration into v and resolves it. cfgFile selects an
// explicit config file; otherwise config.yaml is looked up in the default
// directory. A missing config file is not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)

	dir := DefaultDir()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		dir = filepath.Dir(cfgFile)
	} else {
		v.AddConfigPath(dir)
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	ttl := v.GetDuration("cache.ttl")
	if ttl <= 0 {
		return nil, fmt.Errorf("invalid cache.ttl %q", v.GetString("cache.ttl"))
	}

	cfg := &Config{
		Dir:         dir,
		File:        v.ConfigFileUsed(),
		Remote:      v.GetString("remote"),
		Concurrency: v.GetInt("concurrency"),
		CacheTTL:    ttl,
		MetricsFile: v.GetString("metrics.file"),
		Passphrase:  v.GetString("passphrase"),
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			File:   v.GetString("log.file"),
		},
		v: v,
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}

	for name := range v.GetStringMap("remotes") {
		typ := strings.ToLower(v.GetString("remotes." + name + ".type"))
		if typ == "" {
			typ = "rclone"
		}
		cfg.Remotes = append(cfg.Remotes, Remote{Name: name, Type: typ})
	}
	sort.Slice(cfg.Remotes, func(i, j int) bool { return cfg.Remotes[i].Name < cfg.Remotes[j].Name })

	if len(cfg.Remotes) == 0 {
		cfg.Remotes = []Remote{{Name: DefaultRemoteName, Type: "rclone"}}
	}
	return cfg, nil
}

// IndexPath returns the location of the index database.
func (c *Config) IndexPath() string {
	return filepath.Join(c.Dir, IndexFile)
}

// NewProvider builds the named remote from its settings.
func (c *Config) NewProvider(ctx context.Context, r Remote) (provider.Provider, error) {
	key := "remotes." + r.Name

	switch r.Type {
	case "rclone":
		var rc rclone.Config
		if err := c.unmarshal(key, &rc); err != nil {
			return nil, err
		}
		rc.ID = r.Name
		if rc.Remote == "" {
			rc.Remote = r.Name + ":"
		}
		return rclone.NewProvider(rc), nil

	case "s3":
		var sc s3.Config
		if err := c.unmarshal(key, &sc); err != nil {
			return nil, err
		}
		sc.ID = r.Name
		p, err := s3.New(ctx, sc)
		if err != nil {
			return nil, err
		}
		return p, nil

	case "local":
		var lc local.Config
		if err := c.unmarshal(key, &lc); err != nil {
			return nil, err
		}
		lc.ID = r.Name
		lc.RootPath = expandHome(lc.RootPath)
		p, err := local.New(lc)
		if err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, fmt.Errorf("remote '%s': unknown type '%s'", r.Name, r.Type)
	}
}

func (c *Config) unmarshal(key string, out any) error {
	if !c.v.IsSet(key) {
		return nil
	}
	if err := c.v.UnmarshalKey(key, out); err != nil {
		return fmt.Errorf("invalid settings for %s: %w", key, err)
	}
	return nil
}

// BuildRegistry builds every configured remote. The remote named by the
// "remote" setting, or else the first by name, becomes the default.
func (c *Config) BuildRegistry(ctx context.Context) (*provider.DefaultRegistry, error) {
	registry := provider.NewRegistry()
	for _, r := range c.Remotes {
		p, err := c.NewProvider(ctx, r)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	if c.Remote != "" {
		if err := registry.SetPrimary(c.Remote); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
