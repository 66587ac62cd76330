// Package config loads the cbtkit daemon configuration from a YAML file,
// CBTKIT_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/joshuapare/cbtkit/cbt/cbtmap"
	"github.com/joshuapare/cbtkit/cbt/descpool"
	"github.com/joshuapare/cbtkit/cbt/pagebuf"
	"github.com/joshuapare/cbtkit/cbt/redirect"
	"github.com/joshuapare/cbtkit/cbt/tracker"
	"github.com/joshuapare/cbtkit/cbt/tracking"
	"github.com/joshuapare/cbtkit/internal/logger"
)

// DefaultSocket is where the daemon listens unless configured otherwise.
const DefaultSocket = "/run/cbtkit.sock"

// Config is the daemon configuration.
type Config struct {
	Socket   string         `mapstructure:"socket"`
	Tracking TrackingConfig `mapstructure:"tracking"`
	Redirect RedirectConfig `mapstructure:"redirect"`
	Log      LogConfig      `mapstructure:"log"`
}

// TrackingConfig sizes the change-tracking maps.
type TrackingConfig struct {
	Degree   uint  `mapstructure:"degree"`    // log2 of the tracking block in bytes
	Mmap     bool  `mapstructure:"mmap"`      // back maps with anonymous mappings
	MaxPages int64 `mapstructure:"max_pages"` // 0 for no limit
}

// RedirectConfig sizes the copy-on-write buffering of captured volumes.
type RedirectConfig struct {
	BlockShift     uint  `mapstructure:"block_shift"`
	QueueSectors   int64 `mapstructure:"queue_sectors"`
	PreallocBlocks int   `mapstructure:"prealloc_blocks"`
	SlabPages      int   `mapstructure:"slab_pages"`
	MaxPages       int64 `mapstructure:"max_pages"` // 0 for no limit
}

// LogConfig selects where and how much the daemon logs.
type LogConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
	JSON  bool   `mapstructure:"json"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("socket", DefaultSocket)
	v.SetDefault("tracking.degree", tracking.DefaultDegree)
	v.SetDefault("tracking.mmap", false)
	v.SetDefault("tracking.max_pages", 0)
	v.SetDefault("redirect.block_shift", redirect.DefaultBlockShift)
	v.SetDefault("redirect.queue_sectors", redirect.DefaultQueueSectors)
	v.SetDefault("redirect.prealloc_blocks", redirect.DefaultPreallocBlocks)
	v.SetDefault("redirect.slab_pages", descpool.DefaultSlabPages)
	v.SetDefault("redirect.max_pages", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.json", false)
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"socket":    "socket",
	"degree":    "tracking.degree",
	"log-level": "log.level",
	"log-dir":   "log.dir",
	"log-json":  "log.json",
}

// Load reads the configuration. An explicit path must exist; otherwise
// cbtkit.yaml is looked up in ., $HOME/.cbtkit and /etc/cbtkit and may be
// absent. Flags in flagKeys that were set on the command line override
// everything else. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cbtkit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.cbtkit")
		v.AddConfigPath("/etc/cbtkit")
	}

	v.SetEnvPrefix("CBTKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("config: bind --%s: %w", name, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the ranges of the numeric settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Socket == "" {
		errs = append(errs, errors.New("socket path is empty"))
	}
	if c.Tracking.Degree < tracker.MinDegree || c.Tracking.Degree > tracker.MaxDegree {
		errs = append(errs, fmt.Errorf("tracking.degree %d outside %d..%d",
			c.Tracking.Degree, tracker.MinDegree, tracker.MaxDegree))
	}
	if c.Redirect.BlockShift == 0 || c.Redirect.BlockShift > 16 {
		errs = append(errs, fmt.Errorf("redirect.block_shift %d outside 1..16", c.Redirect.BlockShift))
	}
	if c.Redirect.QueueSectors <= 0 {
		errs = append(errs, errors.New("redirect.queue_sectors must be positive"))
	}
	if c.Redirect.PreallocBlocks <= 0 {
		errs = append(errs, errors.New("redirect.prealloc_blocks must be positive"))
	}
	if c.Redirect.SlabPages <= 0 {
		errs = append(errs, errors.New("redirect.slab_pages must be positive"))
	}
	if c.Tracking.MaxPages < 0 || c.Redirect.MaxPages < 0 {
		errs = append(errs, errors.New("max_pages must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// MapOptions returns the options for the change-tracking maps.
func (c *Config) MapOptions() cbtmap.Options {
	opts := cbtmap.Options{Mmap: c.Tracking.Mmap}
	if c.Tracking.MaxPages > 0 {
		opts.Budget = pagebuf.NewBudget(c.Tracking.MaxPages)
	}
	return opts
}

// RedirectOptions returns the options for redirection channels. All
// channels share one page budget.
func (c *Config) RedirectOptions() redirect.Options {
	opts := redirect.Options{
		BlockShift:     c.Redirect.BlockShift,
		QueueSectors:   c.Redirect.QueueSectors,
		PreallocBlocks: c.Redirect.PreallocBlocks,
		SlabPages:      c.Redirect.SlabPages,
	}
	if c.Redirect.MaxPages > 0 {
		opts.Budget = pagebuf.NewBudget(c.Redirect.MaxPages)
	}
	return opts
}

// LoggerOptions returns the logger setup. Without a directory records go
// to stderr.
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Enabled: true,
		LogDir:  c.Log.Dir,
		Output:  os.Stderr,
		Level:   logger.ParseLevel(c.Log.Level),
		JSON:    c.Log.JSON,
	}
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level { return logger.ParseLevel(c.Log.Level) }
