// Package config loads and validates the warden daemon configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wardenlabs/warden/internal/consent"
	"github.com/wardenlabs/warden/internal/safezone"
	"github.com/wardenlabs/warden/internal/supervisor"
)

// Config holds all warden configuration.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Security   SecurityConfig   `json:"security"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Consent    ConsentConfig    `json:"consent"`
	Approval   ApprovalConfig   `json:"approval"`
	Audit      AuditConfig      `json:"audit"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
}

// SecurityConfig is the safe-zone validator's section.
type SecurityConfig struct {
	AllowedCommands        []string `json:"allowedCommands"` // or ["all"]
	Safezones              []string `json:"safezones"`
	AutoExpandSafezones    bool     `json:"autoExpandSafezones"`
	RestrictedPaths        []string `json:"restrictedPaths"`
	UnsafeArgumentPatterns []string `json:"unsafeArgumentPatterns,omitempty"`
	MaxExecutionTimeMs     int      `json:"maxExecutionTime"`
}

// SupervisorConfig is the process supervisor's section, all durations in ms.
type SupervisorConfig struct {
	MaxConcurrentProcesses  int     `json:"maxConcurrentProcesses"`
	MaxProcessMemoryMB      int     `json:"maxProcessMemoryMB"`
	MaxProcessCPUPercent    float64 `json:"maxProcessCpuPercent"`
	DefaultTimeoutMs        int     `json:"defaultTimeoutMs"`
	MaxTimeoutMs            int     `json:"maxTimeoutMs"`
	CleanupIntervalMs       int     `json:"cleanupIntervalMs"`
	ResourceCheckIntervalMs int     `json:"resourceCheckIntervalMs"`
	KillGracePeriodMs       int     `json:"processKillGracePeriodMs"`
	EnableMonitoring        bool    `json:"enableProcessMonitoring"`
}

// ConsentConfig is the consent engine's section.
type ConsentConfig struct {
	Policy               *PolicyConfig `json:"policy,omitempty"`
	PolicyFile           string        `json:"policyFile,omitempty"` // YAML, overrides Policy
	RulePackDir          string        `json:"rulePackDir,omitempty"`
	AutoApproveThreshold int           `json:"autoApproveThreshold"`
	AutoRejectThreshold  int           `json:"autoRejectThreshold"`
	SessionTimeoutMs     int           `json:"sessionTimeout"`
	MaxPendingRequests   int           `json:"maxPendingRequests"`
	AuditRetentionDays   int           `json:"auditRetentionDays"`
}

// PolicyConfig mirrors consent.Policy with a ms timeout for JSON/YAML.
type PolicyConfig struct {
	AlwaysAllow      []string `json:"alwaysAllow" yaml:"alwaysAllow"`
	AlwaysDeny       []string `json:"alwaysDeny" yaml:"alwaysDeny"`
	RequireConsent   []string `json:"requireConsent" yaml:"requireConsent"`
	DefaultTimeoutMs int      `json:"defaultTimeout" yaml:"defaultTimeout"`
}

// ApprovalConfig selects approval channels.
type ApprovalConfig struct {
	Websocket bool        `json:"websocket"`
	MQTT      *MQTTConfig `json:"mqtt,omitempty"`
}

type MQTTConfig struct {
	BrokerURL string `json:"brokerUrl"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
}

// AuditConfig selects the audit sink. Backend "memory" keeps the trail
// in-process; "sqlite" persists it under dataDir (or at Path).
type AuditConfig struct {
	Backend string `json:"backend"`
	Path    string `json:"path,omitempty"`
}

// DefaultConfig returns a workable local setup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     7433,
			DataDir:  defaultDataDir(),
			LogLevel: "info",
		},
		Security: SecurityConfig{
			AllowedCommands: []string{
				"git", "go", "npm", "cargo", "make", "ls", "cat", "grep", "find", "head", "tail", "wc",
			},
			Safezones:           []string{"."},
			AutoExpandSafezones: true,
			RestrictedPaths: []string{
				"prefix:/etc", "prefix:/root", "glob:*/.ssh/*", "glob:*/.gnupg/*", "glob:*/.aws/*",
			},
			MaxExecutionTimeMs: 300_000,
		},
		Supervisor: SupervisorConfig{
			MaxConcurrentProcesses:  5,
			MaxProcessMemoryMB:      512,
			MaxProcessCPUPercent:    80,
			DefaultTimeoutMs:        30_000,
			MaxTimeoutMs:            300_000,
			CleanupIntervalMs:       60_000,
			ResourceCheckIntervalMs: 2_000,
			KillGracePeriodMs:       5_000,
			EnableMonitoring:        true,
		},
		Consent: ConsentConfig{
			Policy: &PolicyConfig{
				AlwaysDeny:       []string{"re:rm\\s+-[rf]+\\s+/(\\s|$|\\*)", "glob:*/etc/shadow*"},
				RequireConsent:   []string{"recursive_delete:*", "database_write:*"},
				DefaultTimeoutMs: 30_000,
			},
			AutoApproveThreshold: 30,
			AutoRejectThreshold:  80,
			SessionTimeoutMs:     1_800_000,
			MaxPendingRequests:   10,
			AuditRetentionDays:   30,
		},
		Approval: ApprovalConfig{Websocket: true},
		Audit:    AuditConfig{Backend: "sqlite"},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// Load reads a config file, returning os.ErrNotExist wrapped when missing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate enforces cross-field constraints.
func (c *Config) Validate() error {
	if err := c.SupervisorLimits().Validate(); err != nil {
		return err
	}
	if err := c.ConsentSettings().Validate(); err != nil {
		return err
	}
	if len(c.Security.Safezones) == 0 {
		return fmt.Errorf("config: at least one safezone is required")
	}
	switch c.Audit.Backend {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("config: unknown audit backend %q", c.Audit.Backend)
	}
	return nil
}

// SafezoneConfig converts the security section for the validator.
func (c *Config) SafezoneConfig() safezone.Config {
	return safezone.Config{
		SafeZones:              c.Security.Safezones,
		AutoExpand:             c.Security.AutoExpandSafezones,
		RestrictedPatterns:     c.Security.RestrictedPaths,
		AllowedCommands:        c.Security.AllowedCommands,
		UnsafeArgumentPatterns: c.Security.UnsafeArgumentPatterns,
	}
}

// SupervisorLimits converts the supervisor section.
func (c *Config) SupervisorLimits() supervisor.Limits {
	s := c.Supervisor
	l := supervisor.Limits{
		MaxConcurrent:         s.MaxConcurrentProcesses,
		MaxProcessMemoryMB:    s.MaxProcessMemoryMB,
		MaxProcessCPUPercent:  s.MaxProcessCPUPercent,
		DefaultTimeout:        time.Duration(s.DefaultTimeoutMs) * time.Millisecond,
		MaxTimeout:            time.Duration(s.MaxTimeoutMs) * time.Millisecond,
		CleanupInterval:       time.Duration(s.CleanupIntervalMs) * time.Millisecond,
		ResourceCheckInterval: time.Duration(s.ResourceCheckIntervalMs) * time.Millisecond,
		KillGracePeriod:       time.Duration(s.KillGracePeriodMs) * time.Millisecond,
	}
	// security.maxExecutionTime caps everything the supervisor may grant.
	if c.Security.MaxExecutionTimeMs > 0 {
		cap := time.Duration(c.Security.MaxExecutionTimeMs) * time.Millisecond
		if l.MaxTimeout > cap || l.MaxTimeout == 0 {
			l.MaxTimeout = cap
		}
	}
	return l
}

// ConsentSettings converts the consent section.
func (c *Config) ConsentSettings() consent.Settings {
	s := c.Consent
	return consent.Settings{
		AutoApproveThreshold: s.AutoApproveThreshold,
		AutoRejectThreshold:  s.AutoRejectThreshold,
		SessionTimeout:       time.Duration(s.SessionTimeoutMs) * time.Millisecond,
		MaxPendingRequests:   s.MaxPendingRequests,
	}
}

// ConsentPolicy resolves the policy, preferring the YAML policy file when set.
func (c *Config) ConsentPolicy() (consent.Policy, error) {
	pc := c.Consent.Policy
	if c.Consent.PolicyFile != "" {
		loaded, err := LoadPolicyFile(c.Consent.PolicyFile)
		if err != nil {
			return consent.Policy{}, err
		}
		pc = loaded
	}
	if pc == nil {
		pc = &PolicyConfig{DefaultTimeoutMs: 30_000}
	}
	return consent.Policy{
		AlwaysAllow:    pc.AlwaysAllow,
		AlwaysDeny:     pc.AlwaysDeny,
		RequireConsent: pc.RequireConsent,
		DefaultTimeout: time.Duration(pc.DefaultTimeoutMs) * time.Millisecond,
	}, nil
}

// LoadPolicyFile reads a standalone YAML consent policy.
func LoadPolicyFile(path string) (*PolicyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read policy file: %w", err)
	}
	var pc PolicyConfig
	if err := yaml.Unmarshal(data, &pc); err != nil {
		return nil, fmt.Errorf("config: parse policy file %s: %w", path, err)
	}
	return &pc, nil
}

// AuditDBPath resolves where the sqlite audit store lives.
func (c *Config) AuditDBPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.Server.DataDir, "audit.db")
}
