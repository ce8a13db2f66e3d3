package host

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
)

// InstallConfig describes the system service that runs the extension.
type InstallConfig struct {
	// Name is the service name, e.g. "bifrost-extension".
	Name        string
	Description string
	// BinaryPath and ConfigPath are made absolute by NewInstaller.
	BinaryPath string
	ConfigPath string
	WorkingDir string
	// UnitDir overrides the directory the unit or plist is written to.
	UnitDir string
}

// Installer registers the extension with the platform service manager.
type Installer struct {
	cfg  InstallConfig
	goos string
	exec func(name string, args ...string) ([]byte, error)
}

// NewInstaller resolves cfg and applies defaults.
func NewInstaller(cfg InstallConfig) (*Installer, error) {
	for _, p := range []*string{&cfg.BinaryPath, &cfg.ConfigPath} {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolve path: %w", err)
		}
		*p = abs
	}
	if cfg.BinaryPath == "" {
		return nil, fmt.Errorf("binary path is required")
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = filepath.Dir(cfg.BinaryPath)
	}
	if cfg.Name == "" {
		cfg.Name = "bifrost-extension"
	}
	if cfg.Description == "" {
		cfg.Description = "Bifrost tunnel extension"
	}
	return &Installer{
		cfg:  cfg,
		goos: runtime.GOOS,
		exec: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).CombinedOutput()
		},
	}, nil
}

// Config returns the resolved configuration.
func (i *Installer) Config() InstallConfig {
	return i.cfg
}

// A fatal error exits with status 1 and is not restarted; only abnormal
// exits are.
const systemdTemplate = `[Unit]
Description={{.Description}}
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} -c {{.ConfigPath}} run
ExecReload=/bin/kill -HUP $MAINPID
WorkingDirectory={{.WorkingDir}}
Restart=on-abnormal
RestartSec=5
KillSignal=SIGTERM
StandardOutput=journal
StandardError=journal
SyslogIdentifier={{.Name}}

[Install]
WantedBy=multi-user.target
`

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Name}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.BinaryPath}}</string>
        <string>-c</string>
        <string>{{.ConfigPath}}</string>
        <string>run</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>Crashed</key>
        <true/>
    </dict>
    <key>WorkingDirectory</key>
    <string>{{.WorkingDir}}</string>
</dict>
</plist>
`

// Unit renders the service definition for the current platform.
func (i *Installer) Unit() (string, error) {
	var text string
	switch i.goos {
	case "linux":
		text = systemdTemplate
	case "darwin":
		text = launchdTemplate
	default:
		return "", fmt.Errorf("no unit file on %s", i.goos)
	}
	tmpl, err := template.New(i.goos).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, i.cfg); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

// UnitPath returns where the unit or plist is written.
func (i *Installer) UnitPath() string {
	switch i.goos {
	case "linux":
		dir := i.cfg.UnitDir
		if dir == "" {
			dir = "/etc/systemd/system"
		}
		return filepath.Join(dir, i.cfg.Name+".service")
	case "darwin":
		dir := i.cfg.UnitDir
		if dir == "" {
			dir = "/Library/LaunchDaemons"
		}
		return filepath.Join(dir, i.cfg.Name+".plist")
	}
	return ""
}

// Install writes the service definition and registers it. It returns a
// hint for starting the service.
func (i *Installer) Install() (string, error) {
	if _, err := os.Stat(i.cfg.BinaryPath); err != nil {
		return "", fmt.Errorf("binary not found: %s", i.cfg.BinaryPath)
	}
	if _, err := os.Stat(i.cfg.ConfigPath); err != nil {
		return "", fmt.Errorf("config not found: %s", i.cfg.ConfigPath)
	}

	if i.goos == "windows" {
		binPath := fmt.Sprintf(`"%s" -c "%s" run`, i.cfg.BinaryPath, i.cfg.ConfigPath)
		if out, err := i.exec("sc", "create", i.cfg.Name, "binPath=", binPath, "DisplayName=", i.cfg.Description, "start=", "auto"); err != nil {
			return "", fmt.Errorf("create service: %w\n%s", err, out)
		}
		i.exec("sc", "description", i.cfg.Name, i.cfg.Description) //nolint:errcheck
		return "sc start " + i.cfg.Name, nil
	}

	unit, err := i.Unit()
	if err != nil {
		return "", err
	}
	path := i.UnitPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(unit), 0644); err != nil { //nolint:gosec // G306: service definitions are world readable
		return "", fmt.Errorf("write %s: %w (try running with sudo)", path, err)
	}

	if i.goos == "darwin" {
		if out, err := i.exec("launchctl", "load", path); err != nil {
			return "", fmt.Errorf("load service: %w\n%s", err, out)
		}
		return "launchctl start " + i.cfg.Name, nil
	}

	if out, err := i.exec("systemctl", "daemon-reload"); err != nil {
		return "", fmt.Errorf("reload systemd: %w\n%s", err, out)
	}
	if out, err := i.exec("systemctl", "enable", i.cfg.Name); err != nil {
		return "", fmt.Errorf("enable service: %w\n%s", err, out)
	}
	return "sudo systemctl start " + i.cfg.Name, nil
}

// Uninstall stops and removes the service.
func (i *Installer) Uninstall() error {
	switch i.goos {
	case "windows":
		i.exec("sc", "stop", i.cfg.Name) //nolint:errcheck
		if out, err := i.exec("sc", "delete", i.cfg.Name); err != nil {
			return fmt.Errorf("delete service: %w\n%s", err, out)
		}
		return nil
	case "darwin":
		i.exec("launchctl", "unload", i.UnitPath()) //nolint:errcheck
	case "linux":
		i.exec("systemctl", "stop", i.cfg.Name)    //nolint:errcheck
		i.exec("systemctl", "disable", i.cfg.Name) //nolint:errcheck
	default:
		return fmt.Errorf("unsupported platform: %s", i.goos)
	}

	if err := os.Remove(i.UnitPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", i.UnitPath(), err)
	}
	if i.goos == "linux" {
		i.exec("systemctl", "daemon-reload") //nolint:errcheck
	}
	return nil
}

// Status describes the installation state of the service.
func (i *Installer) Status() (string, error) {
	switch i.goos {
	case "windows":
		out, err := i.exec("sc", "query", i.cfg.Name)
		if err != nil {
			return "not installed", nil
		}
		switch {
		case strings.Contains(string(out), "RUNNING"):
			return "installed (running)", nil
		case strings.Contains(string(out), "STOPPED"):
			return "installed (stopped)", nil
		}
		return "installed", nil
	case "linux", "darwin":
	default:
		return "", fmt.Errorf("unsupported platform: %s", i.goos)
	}

	if _, err := os.Stat(i.UnitPath()); os.IsNotExist(err) {
		return "not installed", nil
	}
	if i.goos == "darwin" {
		if _, err := i.exec("launchctl", "list", i.cfg.Name); err != nil {
			return "installed (not running)", nil
		}
		return "installed (running)", nil
	}
	out, err := i.exec("systemctl", "is-active", i.cfg.Name)
	if err != nil {
		return "installed (inactive)", nil
	}
	return fmt.Sprintf("installed (%s)", strings.TrimSpace(string(out))), nil
}
