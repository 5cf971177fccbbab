// Package secrets redacts credentials from document text before it is
// embedded and stored.
//
// Two detection engines are available. The builtin engine runs a compact
// regex rule set where each rule may require a keyword to appear in the
// text before its pattern is tried. The gitleaks engine runs the full
// gitleaks default rule set. Allow-list patterns and extra rules apply to
// both.
package secrets

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
)

// DefaultRedaction replaces every detected secret.
const DefaultRedaction = "[REDACTED]"

// Detection engines.
const (
	EngineBuiltin  = "builtin"
	EngineGitleaks = "gitleaks"
)

// Config configures the scrubber.
type Config struct {
	// Enabled turns scrubbing on (default true).
	Enabled bool `koanf:"enabled"`

	// Engine selects builtin or gitleaks detection.
	Engine string `koanf:"engine"`

	// Redaction is the replacement text.
	Redaction string `koanf:"redaction"`

	// AllowList holds patterns for matches that must be kept.
	AllowList []string `koanf:"allow_list"`

	// ExtraRules are appended to the built-in rules.
	ExtraRules []Rule `koanf:"extra_rules"`
}

// DefaultConfig returns scrubbing enabled with the built-in rules.
func DefaultConfig() Config {
	return Config{Enabled: true, Engine: EngineBuiltin, Redaction: DefaultRedaction}
}

// Rule is one detection pattern.
type Rule struct {
	ID       string   `koanf:"id"`
	Pattern  string   `koanf:"pattern"`
	Keywords []string `koanf:"keywords"`
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []string
}

// Finding locates one redacted secret. The matched value is never kept.
type Finding struct {
	RuleID string `json:"rule_id"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

// Result is the outcome of scrubbing one text.
type Result struct {
	Text     string
	Findings []Finding
}

// Scrubber redacts secrets. It is immutable after New and safe for
// concurrent use.
type Scrubber struct {
	enabled   bool
	redaction string
	rules     []compiledRule
	allow     []*regexp.Regexp

	// gitleaks holds the parsed default gitleaks config when that engine is
	// selected. A detector is built per call since detectors keep state.
	gitleaks *gitleaksconfig.Config
}

// New compiles the selected engine's rules plus cfg.ExtraRules.
func New(cfg Config) (*Scrubber, error) {
	s := &Scrubber{enabled: cfg.Enabled, redaction: cfg.Redaction}
	if s.redaction == "" {
		s.redaction = DefaultRedaction
	}

	rules := cfg.ExtraRules
	switch cfg.Engine {
	case "", EngineBuiltin:
		rules = append(DefaultRules(), cfg.ExtraRules...)
	case EngineGitleaks:
		if cfg.Enabled {
			d, err := detect.NewDetectorDefaultConfig()
			if err != nil {
				return nil, fmt.Errorf("loading gitleaks rules: %w", err)
			}
			s.gitleaks = &d.Config
		}
	default:
		return nil, fmt.Errorf("unknown engine %q (want %s or %s)", cfg.Engine, EngineBuiltin, EngineGitleaks)
	}

	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil || r.Pattern == "" {
			return nil, fmt.Errorf("rule %s: invalid pattern: %v", r.ID, err)
		}
		kws := make([]string, len(r.Keywords))
		for j, kw := range r.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		s.rules = append(s.rules, compiledRule{id: r.ID, pattern: re, keywords: kws})
	}

	for i, p := range cfg.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		s.allow = append(s.allow, re)
	}
	return s, nil
}

// Enabled reports whether Scrub changes anything.
func (s *Scrubber) Enabled() bool { return s != nil && s.enabled }

// Scrub redacts every secret found in text.
func (s *Scrubber) Scrub(text string) Result {
	if !s.Enabled() || text == "" {
		return Result{Text: text}
	}

	findings := s.detectRules(text)
	if s.gitleaks != nil {
		findings = append(findings, s.detectGitleaks(text)...)
	}
	if len(findings) == 0 {
		return Result{Text: text}
	}

	slices.SortFunc(findings, func(a, b Finding) int { return a.Start - b.Start })

	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, span := range merge(findings) {
		b.WriteString(text[pos:span.Start])
		b.WriteString(s.redaction)
		pos = span.End
	}
	b.WriteString(text[pos:])
	return Result{Text: b.String(), Findings: findings}
}

// ScrubAll scrubs each text in place and returns the total finding count.
func (s *Scrubber) ScrubAll(texts []string) int {
	total := 0
	for i, t := range texts {
		res := s.Scrub(t)
		texts[i] = res.Text
		total += len(res.Findings)
	}
	return total
}

func (s *Scrubber) detectRules(text string) []Finding {
	lower := strings.ToLower(text)
	var findings []Finding
	for _, r := range s.rules {
		if len(r.keywords) > 0 && !containsAny(lower, r.keywords) {
			continue
		}
		for _, loc := range r.pattern.FindAllStringIndex(text, -1) {
			if s.allowed(text[loc[0]:loc[1]]) {
				continue
			}
			findings = append(findings, Finding{RuleID: r.id, Start: loc[0], End: loc[1]})
		}
	}
	return findings
}

// detectGitleaks locates every occurrence of each reported secret. Gitleaks
// reports line and column positions; searching for the value gives byte
// offsets and also catches repeats of the same secret.
func (s *Scrubber) detectGitleaks(text string) []Finding {
	var findings []Finding
	seen := make(map[string]bool)
	for _, f := range detect.NewDetector(*s.gitleaks).DetectString(text) {
		if f.Secret == "" || seen[f.Secret] || s.allowed(f.Secret) {
			continue
		}
		seen[f.Secret] = true
		for from := 0; ; {
			i := strings.Index(text[from:], f.Secret)
			if i < 0 {
				break
			}
			start := from + i
			findings = append(findings, Finding{RuleID: f.RuleID, Start: start, End: start + len(f.Secret)})
			from = start + len(f.Secret)
		}
	}
	return findings
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// merge joins overlapping or touching spans; findings must be sorted by Start.
func merge(findings []Finding) []Finding {
	merged := []Finding{findings[0]}
	for _, f := range findings[1:] {
		last := &merged[len(merged)-1]
		if f.Start <= last.End {
			last.End = max(last.End, f.End)
			continue
		}
		merged = append(merged, f)
	}
	return merged
}
