package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rennerdo30/bifrost-extension/internal/logging"
	"github.com/rennerdo30/bifrost-extension/internal/util"
)

// ExtensionConfig is the configuration of the extension process.
type ExtensionConfig struct {
	Paths               PathsConfig    `yaml:"paths" json:"paths"`
	Command             CommandConfig  `yaml:"command" json:"command"`
	ShutdownGrace       Duration       `yaml:"shutdown_grace" json:"shutdown_grace"`
	MemoryLimit         ByteSize       `yaml:"memory_limit" json:"memory_limit"`
	RecordStartedByUser bool           `yaml:"record_started_by_user" json:"record_started_by_user"`
	WatchProfiles       bool           `yaml:"watch_profiles" json:"watch_profiles"`
	Preferences         string         `yaml:"preferences" json:"preferences"`
	Profiles            string         `yaml:"profiles" json:"profiles"`
	Logging             logging.Config `yaml:"logging" json:"logging"`
}

// PathsConfig holds the directories the extension owns.
type PathsConfig struct {
	Base    string `yaml:"base" json:"base"`
	Working string `yaml:"working" json:"working"`
	Cache   string `yaml:"cache" json:"cache"`
}

// CommandConfig configures the command channel listener.
type CommandConfig struct {
	Listen string `yaml:"listen" json:"listen"` // unix:///path or host:port
	Token  string `yaml:"token" json:"token"`
}

const (
	// DefaultShutdownGrace bounds in-flight diagnostic writes on stop.
	DefaultShutdownGrace = 500 * time.Millisecond
	// DefaultMemoryLimit matches the budget hosts give network extensions.
	DefaultMemoryLimit = ByteSize(50 << 20)
	// ErrorFileName is the durable error record inside the working directory.
	ErrorFileName = "last_error.txt"
	// StderrFileName receives the redirected process stderr inside the cache directory.
	StderrFileName = "stderr.log"
)

// DefaultExtensionConfig returns the configuration used when no file overrides it.
func DefaultExtensionConfig() ExtensionConfig {
	cfg := ExtensionConfig{
		Command: CommandConfig{
			Listen: "127.0.0.1:7390",
		},
		ShutdownGrace:       Duration(DefaultShutdownGrace),
		MemoryLimit:         DefaultMemoryLimit,
		RecordStartedByUser: true,
		WatchProfiles:       true,
		Logging:             logging.DefaultConfig(),
	}
	cfg.WithBase(filepath.Join(".", "bifrost-extension"))
	return cfg
}

// WithBase moves every path the extension owns under base.
func (c *ExtensionConfig) WithBase(base string) {
	c.Paths = PathsConfig{
		Base:    base,
		Working: filepath.Join(base, "work"),
		Cache:   filepath.Join(base, "cache"),
	}
	c.Preferences = filepath.Join(base, "preferences.yaml")
	c.Profiles = filepath.Join(base, "profiles")
}

// Validate checks the configuration for required values.
func (c *ExtensionConfig) Validate() error {
	var errs []error
	if c.Paths.Base == "" {
		errs = append(errs, errors.New("paths.base is required"))
	}
	if c.Paths.Working == "" {
		errs = append(errs, errors.New("paths.working is required"))
	}
	if c.Paths.Cache == "" {
		errs = append(errs, errors.New("paths.cache is required"))
	}
	if _, _, err := util.ParseListen(c.Command.Listen); err != nil {
		errs = append(errs, fmt.Errorf("command.listen: %w", err))
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, errors.New("shutdown_grace must not be negative"))
	}
	if c.Preferences == "" {
		errs = append(errs, errors.New("preferences path is required"))
	}
	if c.Profiles == "" {
		errs = append(errs, errors.New("profiles path is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", util.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// ErrorFilePath returns the path of the durable error record.
func (c *ExtensionConfig) ErrorFilePath() string {
	return filepath.Join(c.Paths.Working, ErrorFileName)
}

// StderrFilePath returns the path stderr is redirected to.
func (c *ExtensionConfig) StderrFilePath() string {
	return filepath.Join(c.Paths.Cache, StderrFileName)
}
