package policy

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	v1 "github.com/braidlab/braid/internal/api/v1"
	"gopkg.in/yaml.v3"
)

// Verdict values a rule may escalate to.
const (
	VerdictBlock = "BLOCK"
	VerdictWarn  = "WARN"
)

// Rule escalates the verdict for one finding category. Rules are loaded at
// startup from YAML files and fingerprinted for staleness detection; there
// is no dynamic evaluation; a rule matches on category and a severity floor
// only.
type Rule struct {
	Name          string      `yaml:"name"`
	Category      string      `yaml:"category"`
	MinSeverity   v1.Severity `yaml:"min_severity"`
	Verdict       string      `yaml:"verdict"`
	ConfirmedOnly bool        `yaml:"confirmed_only"`

	// Fingerprint is the SHA-256 of the raw YAML file, computed at load time.
	Fingerprint string
}

// Matches reports whether f triggers this rule.
func (r Rule) Matches(f v1.Finding) bool {
	if !strings.EqualFold(f.Category, r.Category) {
		return false
	}
	if !f.Severity.AtLeast(r.MinSeverity) {
		return false
	}
	if r.ConfirmedOnly && !f.Confirmed {
		return false
	}
	return true
}

// rawRule is the on-disk YAML shape.
type rawRule struct {
	Name          string `yaml:"name"`
	Category      string `yaml:"category"`
	MinSeverity   string `yaml:"min_severity"`
	Verdict       string `yaml:"verdict"`
	ConfirmedOnly bool   `yaml:"confirmed_only"`
}

// FileSystemRuleRepository loads verdict rules from *.yaml files in a
// directory. Each file contains exactly one rule at the top level. Rules are
// loaded once at startup and cached in memory, no hot reload.
type FileSystemRuleRepository struct {
	dir   string
	rules map[string]Rule // keyed by Name
}

// NewFileSystemRuleRepository eagerly loads all rules from dir. A missing
// directory yields an empty repository (the compiled-in defaults apply);
// a malformed rule file is an error.
func NewFileSystemRuleRepository(dir string) (*FileSystemRuleRepository, error) {
	repo := &FileSystemRuleRepository{
		dir:   dir,
		rules: make(map[string]Rule),
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *FileSystemRuleRepository) load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read policy dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy rule %s: %w", path, err)
		}

		var raw rawRule
		if err := yaml.Unmarshal(content, &raw); err != nil {
			return fmt.Errorf("parse policy rule %s: %w", path, err)
		}
		rule, err := compileRule(raw)
		if err != nil {
			return fmt.Errorf("invalid policy rule %s: %w", path, err)
		}
		rule.Fingerprint = fmt.Sprintf("%x", sha256.Sum256(content))

		if _, dup := r.rules[rule.Name]; dup {
			return fmt.Errorf("duplicate policy rule name %q in %s", rule.Name, path)
		}
		r.rules[rule.Name] = rule
	}
	return nil
}

func compileRule(raw rawRule) (Rule, error) {
	if raw.Name == "" {
		return Rule{}, fmt.Errorf("name is required")
	}
	if raw.Category == "" {
		return Rule{}, fmt.Errorf("category is required")
	}
	switch raw.Verdict {
	case VerdictBlock, VerdictWarn:
	default:
		return Rule{}, fmt.Errorf("verdict must be %s or %s, got %q", VerdictBlock, VerdictWarn, raw.Verdict)
	}
	sev := v1.ParseSeverity(raw.MinSeverity)
	if raw.MinSeverity != "" && string(sev) != strings.ToUpper(strings.TrimSpace(raw.MinSeverity)) {
		return Rule{}, fmt.Errorf("unknown min_severity %q", raw.MinSeverity)
	}
	return Rule{
		Name:          raw.Name,
		Category:      raw.Category,
		MinSeverity:   sev,
		Verdict:       raw.Verdict,
		ConfirmedOnly: raw.ConfirmedOnly,
	}, nil
}

// Get returns the rule with the given name.
func (r *FileSystemRuleRepository) Get(name string) (Rule, bool) {
	rule, ok := r.rules[name]
	return rule, ok
}

// Rules returns all loaded rules.
func (r *FileSystemRuleRepository) Rules() []Rule {
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	return out
}
