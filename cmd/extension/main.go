// Package main provides the Bifrost extension entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rennerdo30/bifrost-extension/internal/cli/ctl"
	"github.com/rennerdo30/bifrost-extension/internal/cli/profiles"
	"github.com/rennerdo30/bifrost-extension/internal/config"
	"github.com/rennerdo30/bifrost-extension/internal/engine"
	"github.com/rennerdo30/bifrost-extension/internal/engine/wireguard"
	"github.com/rennerdo30/bifrost-extension/internal/host"
	"github.com/rennerdo30/bifrost-extension/internal/logging"
	"github.com/rennerdo30/bifrost-extension/internal/metrics"
	"github.com/rennerdo30/bifrost-extension/internal/preferences"
	"github.com/rennerdo30/bifrost-extension/internal/profile"
	"github.com/rennerdo30/bifrost-extension/internal/supervisor"
	"github.com/rennerdo30/bifrost-extension/internal/version"
)

const serviceName = "bifrost-extension"

// collectInterval is how often process metrics are refreshed.
const collectInterval = 15 * time.Second

var (
	configFile string
	onDemand   bool

	// Config init flags
	initOutput string
	initListen string
	initBase   string
	initForce  bool

	rootCmd = &cobra.Command{
		Use:   "bifrost-extension",
		Short: "Bifrost tunnel extension",
		Long: `Bifrost extension supervises a tunnel engine inside a platform-managed
process: it starts the tunnel from the selected profile, reloads it on demand
and keeps a diagnostic command channel open while it runs.`,
		RunE:         run,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "extension.yaml", "config file path")
	rootCmd.Flags().BoolVar(&onDemand, "on-demand", false, "mark the start as host initiated")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the extension (default)",
		RunE:  run,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and the selected profile",
		RunE:  runValidate,
	})

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a configuration file with defaults",
		RunE:  runConfigInit,
	}
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "extension.yaml", "output file path")
	initCmd.Flags().StringVar(&initListen, "listen", "", "command channel address (host:port or unix:///path)")
	initCmd.Flags().StringVar(&initBase, "base", "", "base directory for state, profiles and logs")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite existing file")
	configCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.AddCommand(newServiceCommand())
	rootCmd.AddCommand(profiles.NewCommands(&configFile, newRegistry()))
	rootCmd.AddCommand(ctl.NewCommands(&configFile))
}

func newServiceCommand() *cobra.Command {
	var name string

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the extension as a system service",
	}
	serviceCmd.PersistentFlags().StringVar(&name, "name", serviceName, "service name")

	installer := func() (*host.Installer, error) {
		bin, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		return host.NewInstaller(host.InstallConfig{
			Name:       name,
			BinaryPath: bin,
			ConfigPath: configFile,
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install the system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			i, err := installer()
			if err != nil {
				return err
			}
			hint, err := i.Install()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service installed: %s\nStart with: %s\n", i.Config().Name, hint)
			return nil
		},
	}, &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			i, err := installer()
			if err != nil {
				return err
			}
			if err := i.Uninstall(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service uninstalled: %s\n", i.Config().Name)
			return nil
		},
	}, &cobra.Command{
		Use:   "status",
		Short: "Show the system service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			i, err := installer()
			if err != nil {
				return err
			}
			status, err := i.Status()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", i.Config().Name, status)
			return nil
		},
	})
	return serviceCmd
}

func newRegistry() *engine.Registry {
	r := engine.NewRegistry()
	wireguard.Register(r)
	return r
}

// loadConfig reads path over the defaults. A missing file yields the
// defaults.
func loadConfig(path string) (config.ExtensionConfig, error) {
	cfg := config.DefaultExtensionConfig()
	if err := config.Load(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}
	if err := config.ValidateConfig(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration is valid")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	prefs := preferences.NewFileStore(cfg.Preferences)
	id, ok, err := preferences.SelectedProfileID(ctx, prefs)
	if err != nil {
		return fmt.Errorf("read preferences: %w", err)
	}
	if !ok {
		fmt.Fprintln(out, "No profile selected")
		return nil
	}
	p, err := profile.NewDirSource(cfg.Profiles).Profile(ctx, id)
	if err != nil {
		return fmt.Errorf("selected profile: %w", err)
	}
	text, err := p.ReadText(ctx)
	if err != nil {
		return fmt.Errorf("selected profile: %w", err)
	}
	if err := newRegistry().Validate(text); err != nil {
		return fmt.Errorf("profile %d (%s) invalid: %w", p.ID, p.Name, err)
	}
	fmt.Fprintf(out, "Profile %d (%s) is valid\n", p.ID, p.Name)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	cfg := config.DefaultExtensionConfig()
	if initBase != "" {
		cfg.WithBase(initBase)
	}
	if initListen != "" {
		cfg.Command.Listen = initListen
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := config.Save(initOutput, &cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Generated extension configuration: %s\n\n", initOutput)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintf(out, "  1. Add a profile: bifrost-extension -c %s profiles add 1 office ./office.json\n", initOutput)
	fmt.Fprintf(out, "  2. Select it:     bifrost-extension -c %s profiles select 1\n", initOutput)
	fmt.Fprintf(out, "  3. Start:         bifrost-extension -c %s\n", initOutput)
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logging.Setup(cfg.Logging); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logging.Close()

	logging.Info("starting", "version", version.Short(), "config", configFile)

	prefs := preferences.NewFileStore(cfg.Preferences)
	source := profile.NewDirSource(cfg.Profiles)
	proc := host.NewProcess(nil)
	m := metrics.New()

	sup, err := supervisor.New(supervisor.Options{
		Config:      cfg,
		Preferences: prefs,
		Profiles:    source,
		Runtime:     newRegistry(),
		Host:        proc,
		Metrics:     m,
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logging.ContextWith(ctx, "service", serviceName)

	opts := host.Options{
		Name:       serviceName,
		Supervisor: sup,
		Process:    proc,
		OnDemand:   onDemand,
		Collector:  metrics.NewCollector(m, collectInterval),
	}
	if cfg.WatchProfiles {
		opts.Watch = &host.WatchOptions{
			Dir:      source.Dir(),
			Target:   selectedProfilePath(prefs, source),
			Debounce: 500 * time.Millisecond,
		}
	}
	return host.Run(ctx, opts)
}

// selectedProfilePath returns a function resolving the file of the
// currently selected profile, or "" when none is selected.
func selectedProfilePath(prefs preferences.Store, source *profile.DirSource) func() string {
	return func() string {
		ctx := context.Background()
		id, ok, err := preferences.SelectedProfileID(ctx, prefs)
		if err != nil || !ok {
			return ""
		}
		p, err := source.Profile(ctx, id)
		if err != nil {
			return ""
		}
		return source.Resolve(p.Path)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
