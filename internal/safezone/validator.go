package safezone

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// AllowAllCommands is the allow-list sentinel that disables command filtering.
const AllowAllCommands = "all"

// Config holds the validator's allow/deny lists. It mirrors the "security"
// section of the daemon configuration.
type Config struct {
	// SafeZones are root directories in which operations are permitted.
	// Entries may contain glob metacharacters and a leading ~.
	SafeZones []string
	// AutoExpand adds real first-level subdirectories of each zone and common
	// developer directories under the user's home.
	AutoExpand bool
	// RestrictedPatterns always deny, overriding safe-zone membership.
	// Typed patterns (exact:/prefix:/glob:/re:), untagged entries are globs.
	RestrictedPatterns []string
	// AllowedCommands is the command allow-list, or ["all"] to disable.
	AllowedCommands []string
	// UnsafeArgumentPatterns are regexes that block dangerous argument shapes.
	// Empty means the built-in defaults.
	UnsafeArgumentPatterns []string
}

// defaultUnsafeArgPatterns block shell substitution, execution-style flags and
// bare URLs smuggled into arguments.
var defaultUnsafeArgPatterns = []string{
	`\$\(`,
	"`",
	`^-?-exec(dir)?$`,
	`^--?command=`,
	`^https?://`,
}

// shellMetaChars are stripped by SanitizeInput.
const shellMetaChars = "`$|&;<>(){}\n\r"

// Verdict is the result of a dry-run path check, for diagnostics.
type Verdict struct {
	Path      string `json:"path"`
	Canonical string `json:"canonical"`
	Allowed   bool   `json:"allowed"`
	Rule      string `json:"rule"` // matched restricted pattern or containing zone
}

// Validator authorizes paths and commands against the configured zones. The
// validation methods are pure functions of (input, current config); mutation
// happens only through Reload.
type Validator struct {
	mu         sync.RWMutex
	cfg        Config
	zones      []zone
	restricted []Pattern
	unsafeArgs []*regexp.Regexp
	logger     *slog.Logger
}

// New builds a Validator, expanding zones on disk.
func New(cfg Config, logger *slog.Logger) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{logger: logger.With("component", "safezone")}
	if err := v.Reload(cfg); err != nil {
		return nil, err
	}
	return v, nil
}

// Reload re-derives the expanded zone set from a new configuration.
func (v *Validator) Reload(cfg Config) error {
	restricted, err := ParsePatterns(cfg.RestrictedPatterns)
	if err != nil {
		return err
	}

	specs := cfg.UnsafeArgumentPatterns
	if len(specs) == 0 {
		specs = defaultUnsafeArgPatterns
	}
	unsafeArgs := make([]*regexp.Regexp, 0, len(specs))
	for _, s := range specs {
		re, err := regexp.Compile(s)
		if err != nil {
			return fmt.Errorf("safezone: bad unsafe-argument pattern %q: %w", s, err)
		}
		unsafeArgs = append(unsafeArgs, re)
	}

	zones := expandZones(cfg.SafeZones, cfg.AutoExpand)

	v.mu.Lock()
	v.cfg = cfg
	v.zones = zones
	v.restricted = restricted
	v.unsafeArgs = unsafeArgs
	v.mu.Unlock()

	v.logger.Info("safe zones loaded",
		"zones", len(zones),
		"restricted", len(restricted),
		"autoExpand", cfg.AutoExpand,
	)
	return nil
}

// ValidatePath resolves path to a canonical absolute form and authorizes it.
// On success the canonical path is returned so callers never re-derive it.
func (v *Validator) ValidatePath(path string) (string, error) {
	canonical, verdict := v.check(path)
	if !verdict.Allowed {
		return "", fmt.Errorf("%w: %s (%s)", ErrPathRestricted, path, verdict.Rule)
	}
	return canonical, nil
}

// IsPathInSafeZone is the non-throwing probe for diagnostics and callers that
// only need a boolean.
func (v *Validator) IsPathInSafeZone(path string) bool {
	_, verdict := v.check(path)
	return verdict.Allowed
}

// Explain dry-runs a path and reports the matched rule. Diagnostics only; the
// hot path uses ValidatePath.
func (v *Validator) Explain(path string) Verdict {
	_, verdict := v.check(path)
	return verdict
}

func (v *Validator) check(path string) (string, Verdict) {
	verdict := Verdict{Path: path}

	// Null bytes terminate C strings; never let them reach a syscall.
	if strings.ContainsRune(path, 0) {
		verdict.Rule = "null byte in path"
		return "", verdict
	}

	absPath, err := filepath.Abs(expandHome(path))
	if err != nil {
		verdict.Rule = "unresolvable path"
		return "", verdict
	}
	canonical, err := resolveSymlinks(absPath)
	if err != nil {
		verdict.Rule = "unresolvable symlink"
		return "", verdict
	}
	verdict.Canonical = canonical

	v.mu.RLock()
	defer v.mu.RUnlock()

	// Restricted zones always win over safe-zone membership.
	for _, p := range v.restricted {
		if p.MatchPath(canonical) {
			verdict.Rule = "restricted: " + p.String()
			return canonical, verdict
		}
	}

	for _, z := range v.zones {
		if z.contains(canonical) {
			verdict.Allowed = true
			verdict.Rule = "zone: " + z.root
			return canonical, verdict
		}
	}

	verdict.Rule = "outside all safe zones"
	return canonical, verdict
}

// ValidateCommand authorizes a command and its arguments. It never spawns
// anything; the supervisor calls it before every spawn.
func (v *Validator) ValidateCommand(command string, args []string) error {
	if command == "" {
		return fmt.Errorf("%w: empty command", ErrCommandBlocked)
	}

	v.mu.RLock()
	allowed := v.cfg.AllowedCommands
	unsafeArgs := v.unsafeArgs
	v.mu.RUnlock()

	binary := extractBinary(command)
	if !commandAllowed(binary, allowed) {
		return fmt.Errorf("%w: %q is not in the allowed list", ErrCommandBlocked, binary)
	}

	for _, arg := range args {
		for _, re := range unsafeArgs {
			if re.MatchString(arg) {
				return fmt.Errorf("%w: argument %q matches unsafe pattern %q", ErrCommandBlocked, arg, re.String())
			}
		}
	}
	return nil
}

func commandAllowed(binary string, allowed []string) bool {
	if len(allowed) == 0 {
		return false
	}
	for _, a := range allowed {
		if a == AllowAllCommands || a == binary {
			return true
		}
	}
	return false
}

// extractBinary returns the base binary name from a command string.
func extractBinary(cmd string) string {
	parts := strings.Fields(strings.TrimSpace(cmd))
	if len(parts) == 0 {
		return ""
	}
	binary := parts[0]
	if idx := strings.LastIndex(binary, "/"); idx >= 0 {
		binary = binary[idx+1:]
	}
	return binary
}

// SanitizeInput strips shell metacharacters from a value that is later
// interpolated. Defense in depth only; validation remains the real gate.
func SanitizeInput(text string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(shellMetaChars, r) {
			return -1
		}
		return r
	}, text)
}

// Zones returns the expanded zone roots, for operational tooling.
func (v *Validator) Zones() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, len(v.zones))
	for i, z := range v.zones {
		out[i] = z.root
	}
	return out
}
