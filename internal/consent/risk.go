package consent

import (
	"fmt"
	"regexp"
	"strings"
)

// severityScores are the base contribution of the caller's own estimate.
var severityScores = map[Severity]int{
	SeverityLow:      10,
	SeverityMedium:   30,
	SeverityHigh:     55,
	SeverityCritical: 80,
}

// operationScores weight the operation kind itself.
var operationScores = map[Operation]int{
	OpFileWrite:           5,
	OpFileDelete:          15,
	OpCommandExecute:      20,
	OpRecursiveDelete:     35,
	OpSensitivePathAccess: 25,
	OpDatabaseWrite:       15,
}

// dangerousCommand matches command shapes that can cause irreversible damage.
type dangerousCommand struct {
	re     *regexp.Regexp
	score  int
	reason string
}

var dangerousCommands = []dangerousCommand{
	{regexp.MustCompile(`(?i)rm\s+(-[a-z]*[rf][a-z]*\s+)+`), 30, "recursive or forced delete"},
	{regexp.MustCompile(`(?i)rm\s+(-\S+\s+)*(/|~|\$HOME)(/\*)?(\s|$)`), 50, "delete targeting root or home"},
	{regexp.MustCompile(`dd\s+.*of=/dev/`), 50, "direct device write"},
	{regexp.MustCompile(`mkfs\.?\w*\s`), 50, "filesystem format"},
	{regexp.MustCompile(`(?i)(shutdown|reboot|halt|poweroff)\b`), 40, "host power control"},
	{regexp.MustCompile(`chmod\s+(-\S+\s+)*(777|000)\s`), 30, "broad permission change"},
	{regexp.MustCompile(`(curl|wget)\s+.*\|\s*(ba|z)?sh`), 45, "piping remote script to shell"},
	{regexp.MustCompile(`\bsudo\b`), 25, "privilege escalation"},
	{regexp.MustCompile(`(pkill|killall)\s`), 20, "bulk process kill"},
	{regexp.MustCompile(`>\s*/etc/(passwd|shadow)`), 50, "overwriting authentication files"},
}

// sensitivePathFragments flag paths whose exposure is damaging regardless of
// zone membership.
var sensitivePathFragments = []string{
	"/.ssh", "/.gnupg", "/.aws", "/etc/passwd", "/etc/shadow", "/.env", "id_rsa",
}

// assessRisk combines the built-in heuristics with the registered plugin
// scores. Aggregation is deterministic: the highest contributing score wins,
// so one confident evaluator can always force escalation.
func (e *Engine) assessRisk(req Request, ctx SecurityContext) RiskAssessment {
	var factors []RiskFactor
	add := func(name string, score int, reason string) {
		if score != 0 {
			factors = append(factors, RiskFactor{Name: name, Score: score, Reason: reason})
		}
	}

	builtin := 0
	if s, ok := severityScores[req.Severity]; ok {
		builtin += s
		add("severity", s, string(req.Severity)+" severity")
	}
	if s, ok := operationScores[req.Operation]; ok {
		builtin += s
		add("operation", s, string(req.Operation))
	}

	if path := req.Details.Path; path != "" {
		if e.prober != nil && !e.prober.IsPathInSafeZone(path) {
			builtin += 25
			add("path", 25, "path outside safe zones")
		}
		lower := strings.ToLower(path)
		for _, frag := range sensitivePathFragments {
			if strings.Contains(lower, frag) {
				builtin += 30
				add("sensitive_path", 30, "touches "+frag)
				break
			}
		}
	}

	if cmdline := commandLine(req.Details); cmdline != "" {
		for _, d := range dangerousCommands {
			if d.re.MatchString(cmdline) {
				builtin += d.score
				add("command", d.score, d.reason)
			}
		}
	}

	switch n := req.Details.AffectedFiles; {
	case n > 100:
		builtin += 20
		add("affected_files", 20, fmt.Sprintf("%d files affected", n))
	case n > 10:
		builtin += 10
		add("affected_files", 10, fmt.Sprintf("%d files affected", n))
	}

	// Trust shifts the score: an untrusted session escalates more readily.
	if adj := (50 - ctx.TrustLevel) / 5; adj != 0 {
		builtin += adj
		add("trust", adj, fmt.Sprintf("trust level %d", ctx.TrustLevel))
	}
	if ctx.RecentDenials >= 3 {
		builtin += 10
		add("denial_rate", 10, fmt.Sprintf("%d recent denials", ctx.RecentDenials))
	}

	score := clampScore(builtin)
	for name, eval := range e.plugins {
		ps, reason := eval.Evaluate(req)
		ps = clampScore(ps)
		add("plugin:"+name, ps, reason)
		if ps > score {
			score = ps
		}
	}

	rec := RecommendEscalate
	switch {
	case score <= e.settings.AutoApproveThreshold:
		rec = RecommendAllow
	case score >= e.settings.AutoRejectThreshold:
		rec = RecommendDeny
	}

	return RiskAssessment{Score: score, Factors: factors, Recommendation: rec}
}

func commandLine(d Details) string {
	if d.Command == "" {
		return ""
	}
	if len(d.Args) == 0 {
		return d.Command
	}
	return d.Command + " " + strings.Join(d.Args, " ")
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
