package consent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// RulePack is a declarative risk evaluator loaded from a TOML file. Each rule
// matches a regex against the request's command line or path and contributes
// its score; the pack reports the highest matching rule.
type RulePack struct {
	Name  string         `toml:"name"`
	Rules []RulePackRule `toml:"rule"`

	compiled []*regexp.Regexp
}

// RulePackRule is one pattern in a pack.
type RulePackRule struct {
	Pattern string `toml:"pattern"`
	Score   int    `toml:"score"`
	Reason  string `toml:"reason"`
}

// Evaluate implements Evaluator.
func (rp *RulePack) Evaluate(req Request) (int, string) {
	subject := commandLine(req.Details)
	if subject == "" {
		subject = req.Details.Path
	}
	best, reason := 0, ""
	for i, rule := range rp.Rules {
		if rp.compiled[i].MatchString(subject) && rule.Score > best {
			best, reason = rule.Score, rule.Reason
		}
	}
	return best, reason
}

// LoadRulePacks reads every *.toml file in dir into a named evaluator. A
// missing directory is not an error; packs are optional.
func LoadRulePacks(dir string, logger *slog.Logger) (map[string]*RulePack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("consent: read rule pack dir: %w", err)
	}

	packs := make(map[string]*RulePack)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		pack, err := loadRulePack(path)
		if err != nil {
			logger.Warn("skipping bad rule pack", "path", path, "error", err)
			continue
		}
		packs[pack.Name] = pack
		logger.Info("rule pack loaded", "name", pack.Name, "rules", len(pack.Rules))
	}
	return packs, nil
}

func loadRulePack(path string) (*RulePack, error) {
	var pack RulePack
	if _, err := toml.DecodeFile(path, &pack); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if pack.Name == "" {
		pack.Name = strings.TrimSuffix(filepath.Base(path), ".toml")
	}
	pack.compiled = make([]*regexp.Regexp, len(pack.Rules))
	for i, rule := range pack.Rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d pattern %q: %w", i, rule.Pattern, err)
		}
		pack.compiled[i] = re
	}
	return &pack, nil
}
