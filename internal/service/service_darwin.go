//go:build darwin

package service

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// The relay is a LaunchDaemon. The host is a LaunchAgent so it starts in
// each Aqua login session, where screen capture is allowed.
const (
	launchDaemonDir = "/Library/LaunchDaemons"
	launchAgentDir  = "/Library/LaunchAgents"
)

func label(role string) string {
	return "com.postalsys." + Name(role)
}

func plistPath(role string) string {
	dir := launchDaemonDir
	if role == RoleHost {
		dir = launchAgentDir
	}
	return filepath.Join(dir, label(role)+".plist")
}

// plistWriter emits the small subset of the property list format that a
// launchd job needs.
type plistWriter struct {
	b bytes.Buffer
}

func (w *plistWriter) key(k string) {
	w.b.WriteString("    <key>")
	xml.EscapeText(&w.b, []byte(k))
	w.b.WriteString("</key>\n")
}

func (w *plistWriter) str(k, v string) {
	w.key(k)
	w.b.WriteString("    <string>")
	xml.EscapeText(&w.b, []byte(v))
	w.b.WriteString("</string>\n")
}

func (w *plistWriter) boolean(k string, v bool) {
	w.key(k)
	fmt.Fprintf(&w.b, "    <%t/>\n", v)
}

func (w *plistWriter) integer(k string, v int) {
	w.key(k)
	fmt.Fprintf(&w.b, "    <integer>%d</integer>\n", v)
}

func (w *plistWriter) array(k string, vs []string) {
	w.key(k)
	w.b.WriteString("    <array>\n")
	for _, v := range vs {
		w.b.WriteString("        <string>")
		xml.EscapeText(&w.b, []byte(v))
		w.b.WriteString("</string>\n")
	}
	w.b.WriteString("    </array>\n")
}

// launchdPlist returns the job definition for cfg.
func launchdPlist(cfg Config, execPath string) string {
	w := &plistWriter{}
	w.b.WriteString(xml.Header)
	w.b.WriteString(`<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">` + "\n")
	w.b.WriteString("<plist version=\"1.0\">\n<dict>\n")

	w.str("Label", label(cfg.Role))
	w.array("ProgramArguments", cfg.Args(execPath))
	w.str("WorkingDirectory", cfg.WorkingDir)
	w.boolean("RunAtLoad", true)
	if cfg.Role == RoleHost {
		w.str("LimitLoadToSessionType", "Aqua")
		w.str("ProcessType", "Interactive")
	} else {
		if cfg.User != "" {
			w.str("UserName", cfg.User)
		}
		if cfg.Group != "" {
			w.str("GroupName", cfg.Group)
		}
	}
	w.key("KeepAlive")
	w.b.WriteString("    <dict>\n        <key>SuccessfulExit</key>\n        <false/>\n    </dict>\n")
	w.integer("ThrottleInterval", 5)
	if cfg.OpenFiles > 0 {
		w.key("SoftResourceLimits")
		fmt.Fprintf(&w.b, "    <dict>\n        <key>NumberOfFiles</key>\n        <integer>%d</integer>\n    </dict>\n", cfg.OpenFiles)
	}
	w.str("StandardOutPath", filepath.Join(cfg.DataDir, cfg.Name+".log"))
	w.str("StandardErrorPath", filepath.Join(cfg.DataDir, cfg.Name+".err.log"))

	w.b.WriteString("</dict>\n</plist>\n")
	return w.b.String()
}

func installImpl(cfg Config, execPath string) error {
	path := plistPath(cfg.Role)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("service %s is already installed at %s", cfg.Name, path)
	}

	if err := os.WriteFile(path, []byte(launchdPlist(cfg, execPath)), 0644); err != nil {
		return fmt.Errorf("failed to write launchd plist: %w", err)
	}
	fmt.Printf("Created launchd plist: %s\n", path)

	// Agents load at the next login; daemons start now.
	if cfg.Role == RoleHost {
		fmt.Println("The host starts at the next desktop login")
		return nil
	}
	if output, err := runCommand("launchctl", "load", "-w", path); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to load service: %s: %w", output, err)
	}
	fmt.Printf("Loaded service: %s\n", label(cfg.Role))
	return nil
}

func uninstallImpl(role string) error {
	path := plistPath(role)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("service %s is not installed", Name(role))
	}

	if role == RoleRelay {
		if output, err := runCommand("launchctl", "unload", "-w", path); err != nil &&
			!strings.Contains(output, "Could not find specified service") {
			fmt.Printf("Note: could not unload service: %s\n", strings.TrimSpace(output))
		}
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove launchd plist: %w", err)
	}
	fmt.Printf("Removed launchd plist: %s\n", path)
	return nil
}

func statusImpl(role string) (string, error) {
	if !isInstalledImpl(role) {
		return "not installed", nil
	}
	output, err := runCommand("launchctl", "list", label(role))
	if err != nil {
		return "stopped", nil
	}
	// launchctl list <label> prints "PID" = n; only while the job runs.
	if strings.Contains(output, `"PID" =`) {
		return "running", nil
	}
	return "stopped", nil
}

func isInstalledImpl(role string) bool {
	_, err := os.Stat(plistPath(role))
	return err == nil
}
