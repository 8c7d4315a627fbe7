// Package autostart installs the loop as a per-user service started at login
package autostart

import (
	"errors"
	"fmt"
	"html"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	serviceName = "nightscout-aps"
	displayName = "Nightscout APS loop"

	osLinux   = "linux"
	osWindows = "windows"
	osDarwin  = "darwin"

	runKey = `HKCU\Software\Microsoft\Windows\CurrentVersion\Run`
)

// Launch is the command the service starts
type Launch struct {
	Executable string
	Args       []string
}

func (l Launch) argv() []string {
	return append([]string{l.Executable}, l.Args...)
}

// commandLine quotes arguments containing spaces
func (l Launch) commandLine() string {
	parts := l.argv()
	for i, p := range parts {
		if strings.ContainsAny(p, " \t") {
			parts[i] = `"` + p + `"`
		}
	}
	return strings.Join(parts, " ")
}

// Installer manages the login service of the current user
type Installer struct {
	goos      string
	homeDir   string
	configDir string
	run       func(name string, args ...string) error
}

// New returns an installer for the running platform
func New() (*Installer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		configDir = filepath.Join(home, ".config")
	}
	return &Installer{
		goos:      runtime.GOOS,
		homeDir:   home,
		configDir: configDir,
		run:       runCommand,
	}, nil
}

func runCommand(name string, args ...string) error {
	//nolint:gosec // G204: arguments are built by this package
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Path returns the service definition file. Windows keeps the entry in the
// registry and returns an empty path.
func (i *Installer) Path() (string, error) {
	switch i.goos {
	case osLinux:
		return filepath.Join(i.configDir, "systemd", "user", serviceName+".service"), nil
	case osDarwin:
		return filepath.Join(i.homeDir, "Library", "LaunchAgents", "com."+serviceName+".plist"), nil
	case osWindows:
		return "", nil
	default:
		return "", fmt.Errorf("unsupported platform: %s", i.goos)
	}
}

// IsEnabled reports whether the service is installed
func (i *Installer) IsEnabled() (bool, error) {
	if i.goos == osWindows {
		return i.run("reg", "query", runKey, "/v", serviceName) == nil, nil
	}
	path, err := i.Path()
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Enable installs the service and registers it with the platform
func (i *Installer) Enable(l Launch) error {
	switch i.goos {
	case osWindows:
		return i.run("reg", "add", runKey, "/v", serviceName, "/t", "REG_SZ", "/d", l.commandLine(), "/f")
	case osLinux:
		if err := i.write(systemdUnit(l)); err != nil {
			return err
		}
		if err := i.run("systemctl", "--user", "daemon-reload"); err != nil {
			return err
		}
		return i.run("systemctl", "--user", "enable", serviceName+".service")
	case osDarwin:
		return i.write(launchAgent(l))
	default:
		return fmt.Errorf("unsupported platform: %s", i.goos)
	}
}

// Disable removes the service. Removing a missing service is not an error.
func (i *Installer) Disable() error {
	switch i.goos {
	case osWindows:
		err := i.run("reg", "delete", runKey, "/v", serviceName, "/f")
		if err != nil && strings.Contains(err.Error(), "not exist") {
			return nil
		}
		return err
	case osLinux:
		// the unit may never have been enabled
		_ = i.run("systemctl", "--user", "disable", serviceName+".service")
	case osDarwin:
		if path, err := i.Path(); err == nil {
			_ = i.run("launchctl", "unload", path)
		}
	}
	path, err := i.Path()
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (i *Installer) write(content string) error {
	path, err := i.Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

func systemdUnit(l Launch) string {
	return fmt.Sprintf(`[Unit]
Description=%s
After=network-online.target

[Service]
ExecStart=%s
Restart=on-failure
RestartSec=30

[Install]
WantedBy=default.target
`, displayName, l.commandLine())
}

func launchAgent(l Launch) string {
	var args strings.Builder
	for _, a := range l.argv() {
		fmt.Fprintf(&args, "        <string>%s</string>\n", html.EscapeString(a))
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>com.%s</string>
    <key>ProgramArguments</key>
    <array>
%s    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
</dict>
</plist>
`, serviceName, args.String())
}
