// Package policy implements the security checks evaluated before any skill
// execution: a path guard for protected system directories, a destination
// allow-list for network-bound skills, and a denylist of dangerous
// operations. Checks fail closed and run in that order; the first violation
// wins.
//
// Built-in rules are always present and cannot be weakened; a rules file
// only extends them.
package policy

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Violation reasons. The strings are part of the audit contract: callers
// match on them to distinguish policy blocks from execution failures.
const (
	ReasonProtectedPath    = "blocked by security policy"
	ReasonDestination      = "not in allowed destinations"
	ReasonDangerousCommand = "dangerous system operation"
)

// Violation is a typed policy-block result. It is never retried.
type Violation struct {
	Reason string // one of the Reason constants
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Reason, v.Detail)
}

// IsViolation reports whether err is a policy violation.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// Rules is the user-extendable part of the policy, loaded from YAML.
type Rules struct {
	// ProtectedPaths extends the built-in protected directory roots.
	ProtectedPaths []string `yaml:"protected_paths"`
	// AllowedDestinations are host suffixes or URL prefixes network skills
	// may reach. When empty the destination check is disabled.
	AllowedDestinations []string `yaml:"allowed_destinations"`
	// DeniedCommands extends the built-in dangerous-operation denylist.
	DeniedCommands []string `yaml:"denied_commands"`
}

// LoadRules reads a YAML rules file.
func LoadRules(path string) (Rules, error) {
	var r Rules
	data, err := os.ReadFile(path)
	if err != nil {
		return r, fmt.Errorf("read policy rules: %w", err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parse policy rules: %w", err)
	}
	return r, nil
}

// Engine evaluates the security policy.
type Engine struct {
	protectedPaths []string
	allowedDests   []string
	deniedCommands []string
}

// builtinProtectedPaths are OS roots no action may target.
func builtinProtectedPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{
			`C:\Windows`,
			`C:\Program Files`,
			`C:\Program Files (x86)`,
		}
	}
	return []string{
		"/etc", "/boot", "/bin", "/sbin", "/usr", "/lib", "/lib64",
		"/sys", "/proc", "/dev",
	}
}

// builtinDeniedCommands block clearly destructive operations regardless of
// any other setting.
var builtinDeniedCommands = []string{
	"format",
	"mkfs",
	"diskpart",
	"dd if=",
	"rm -rf /",
	"del /f /s /q",
	"shutdown",
	"reboot",
	"poweroff",
}

// NewEngine builds an engine from built-ins extended by user rules.
func NewEngine(rules Rules) *Engine {
	return &Engine{
		protectedPaths: append(builtinProtectedPaths(), rules.ProtectedPaths...),
		allowedDests:   rules.AllowedDestinations,
		deniedCommands: append(append([]string(nil), builtinDeniedCommands...), rules.DeniedCommands...),
	}
}

// pathParamKeys are parameter names treated as filesystem targets.
var pathParamKeys = []string{"path", "Path", "target", "target_path", "directory", "file"}

// destParamKeys are parameter names treated as network destinations.
var destParamKeys = []string{"url", "Url", "URL", "host", "Host", "destination"}

// Evaluate runs all checks against an action's command and parameters in
// policy order: path guard, destination allow-list, command denylist.
func (e *Engine) Evaluate(skill, command string, params map[string]any) error {
	for _, key := range pathParamKeys {
		if p, ok := params[key].(string); ok && p != "" {
			if err := e.CheckPath(p); err != nil {
				return err
			}
		}
	}
	for _, key := range destParamKeys {
		if d, ok := params[key].(string); ok && d != "" {
			if err := e.CheckDestination(d); err != nil {
				return err
			}
		}
	}
	return e.CheckCommand(skill, command, params)
}

// CheckPath blocks operations whose target resolves under a protected root.
func (e *Engine) CheckPath(target string) error {
	cleaned := filepath.Clean(target)
	abs, err := filepath.Abs(cleaned)
	if err != nil {
		abs = cleaned
	}
	for _, root := range e.protectedPaths {
		if underRoot(abs, root) || underRoot(cleaned, root) {
			return &Violation{Reason: ReasonProtectedPath, Detail: fmt.Sprintf("path %q is under protected root %q", target, root)}
		}
	}
	return nil
}

// CheckDestination validates a host or URL against the allow-list.
// The check only applies when an allow-list is configured.
func (e *Engine) CheckDestination(dest string) error {
	if len(e.allowedDests) == 0 {
		return nil
	}
	host := dest
	if u, err := url.Parse(dest); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	for _, allowed := range e.allowedDests {
		if strings.HasPrefix(dest, allowed) {
			return nil
		}
		a := allowed
		if u, err := url.Parse(allowed); err == nil && u.Host != "" {
			a = u.Hostname()
		}
		if host == a || strings.HasSuffix(host, "."+strings.TrimPrefix(a, ".")) {
			return nil
		}
	}
	return &Violation{Reason: ReasonDestination, Detail: fmt.Sprintf("destination %q", dest)}
}

// CheckCommand blocks explicitly dangerous operations.
func (e *Engine) CheckCommand(skill, command string, params map[string]any) error {
	line := strings.ToLower(strings.TrimSpace(command))
	if raw, ok := params["command"].(string); ok && raw != "" {
		line = line + " " + strings.ToLower(strings.TrimSpace(raw))
	}
	for _, denied := range e.deniedCommands {
		if strings.Contains(line, strings.ToLower(denied)) {
			return &Violation{Reason: ReasonDangerousCommand, Detail: fmt.Sprintf("%s.%s matches denied operation %q", skill, command, denied)}
		}
	}
	return nil
}

// HasDestinationCheck reports whether a destination allow-list is configured.
func (e *Engine) HasDestinationCheck() bool {
	return len(e.allowedDests) > 0
}

func underRoot(path, root string) bool {
	p := strings.ToLower(filepath.ToSlash(path))
	r := strings.ToLower(filepath.ToSlash(filepath.Clean(root)))
	return p == r || strings.HasPrefix(p, r+"/")
}
