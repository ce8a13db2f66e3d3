// Package profiles provides CLI commands that manage tunnel profiles and the
// selected profile preference.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rennerdo30/bifrost-extension/internal/config"
	"github.com/rennerdo30/bifrost-extension/internal/engine"
	"github.com/rennerdo30/bifrost-extension/internal/preferences"
	"github.com/rennerdo30/bifrost-extension/internal/profile"
)

// Manager works on the profile directory and preference file of one
// configuration.
type Manager struct {
	Source   *profile.DirSource
	Prefs    preferences.Store
	Registry *engine.Registry
	Out      io.Writer
}

// NewManager creates a Manager for cfg.
func NewManager(cfg config.ExtensionConfig, registry *engine.Registry, out io.Writer) *Manager {
	return &Manager{
		Source:   profile.NewDirSource(cfg.Profiles),
		Prefs:    preferences.NewFileStore(cfg.Preferences),
		Registry: registry,
		Out:      out,
	}
}

// NewCommands creates the profiles command tree.
func NewCommands(configPath *string, registry *engine.Registry) *cobra.Command {
	root := &cobra.Command{
		Use:   "profiles",
		Short: "Manage tunnel profiles",
	}

	manager := func(cmd *cobra.Command) (*Manager, error) {
		cfg := config.DefaultExtensionConfig()
		if configPath != nil && *configPath != "" {
			if err := config.Load(*configPath, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load config: %w", err)
			}
		}
		return NewManager(cfg, registry, cmd.OutOrStdout()), nil
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manager(cmd)
			if err != nil {
				return err
			}
			return m.List(cmd.Context())
		},
	}

	selectCmd := &cobra.Command{
		Use:   "select [id]",
		Short: "Select the profile the tunnel starts with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid profile id %q", args[0])
			}
			m, err := manager(cmd)
			if err != nil {
				return err
			}
			return m.Select(cmd.Context(), id)
		},
	}

	addCmd := &cobra.Command{
		Use:   "add [id] [name] [file]",
		Short: "Add a profile backed by a config file",
		Long: `Add a profile to the profile index. The file is validated against the
registered engine types before it is added.

Example:
  bifrost-extension profiles add 1 office ./office.json`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid profile id %q", args[0])
			}
			m, err := manager(cmd)
			if err != nil {
				return err
			}
			return m.Add(cmd.Context(), id, args[1], args[2])
		},
	}

	root.AddCommand(listCmd, selectCmd, addCmd)
	return root
}

// List prints every profile and marks the selected one.
func (m *Manager) List(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	list, err := m.Source.List(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(m.Out, "No profiles")
		return nil
	}

	selected, ok, err := preferences.SelectedProfileID(ctx, m.Prefs)
	if err != nil {
		return fmt.Errorf("read preferences: %w", err)
	}

	w := tabwriter.NewWriter(m.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPATH\tSELECTED")
	for _, p := range list {
		mark := ""
		if ok && p.ID == selected {
			mark = "*"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", p.ID, p.Name, p.Path, mark)
	}
	return w.Flush()
}

// Select stores id as the selected profile. The profile must exist.
func (m *Manager) Select(ctx context.Context, id int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := m.Source.Profile(ctx, id)
	if err != nil {
		return err
	}
	if err := m.Prefs.SetInt(ctx, preferences.KeySelectedProfileID, id); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	fmt.Fprintf(m.Out, "Selected profile %d (%s)\n", p.ID, p.Name)
	return nil
}

// Add validates file and adds it to the index under id. An existing id is
// replaced.
func (m *Manager) Add(ctx context.Context, id int64, name, file string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read profile: %w", err)
	}
	if m.Registry != nil {
		if err := m.Registry.Validate(string(data)); err != nil {
			return fmt.Errorf("profile invalid: %w", err)
		}
	}

	path := file
	if abs, err := filepath.Abs(file); err == nil {
		path = abs
	}
	if rel, err := filepath.Rel(m.Source.Dir(), path); err == nil && filepath.IsLocal(rel) {
		path = rel
	}

	list, err := m.Source.List(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range list {
		if list[i].ID == id {
			list[i].Name = name
			list[i].Path = path
			replaced = true
		}
	}
	if !replaced {
		list = append(list, profile.Profile{ID: id, Name: name, Path: path})
	}
	if err := profile.SaveIndex(m.Source.Dir(), list); err != nil {
		return err
	}
	fmt.Fprintf(m.Out, "Profile %d (%s) added\n", id, name)
	return nil
}
