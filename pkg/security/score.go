package security

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/vault"
)

// DefaultStaleAfter is the age after which an unchanged credential is
// reported for rotation.
const DefaultStaleAfter = 90 * 24 * time.Hour

// Report is the health assessment of one project.
type Report struct {
	Project string `json:"project"`
	// Overall is the total score (0-100).
	Overall     int              `json:"overall"`
	Components  ScoreComponents  `json:"components"`
	Issues      []Issue          `json:"issues"`
	Duplicates  []DuplicateGroup `json:"duplicates,omitempty"`
	Suggestions []string         `json:"suggestions"`
	Scored      int              `json:"scored"`
}

// ScoreComponents breaks down the score. Strength is worth up to 40 points,
// Uniqueness and Freshness up to 30 each.
type ScoreComponents struct {
	Strength   int `json:"strength"`
	Uniqueness int `json:"uniqueness"`
	Freshness  int `json:"freshness"`
}

// IssueType identifies the type of security issue.
type IssueType string

const (
	IssueWeak      IssueType = "weak"
	IssueDuplicate IssueType = "duplicate"
	IssueStale     IssueType = "stale"
)

// Severity indicates the urgency of a security issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Issue is one finding. It names keys, never values.
type Issue struct {
	Type        IssueType `json:"type"`
	Severity    Severity  `json:"severity"`
	Keys        []string  `json:"keys"`
	Description string    `json:"description"`
}

// Analyzer scores project details.
type Analyzer struct {
	now        func() time.Time
	staleAfter time.Duration
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithClock overrides the time source used for staleness.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithStaleAfter sets the rotation age; zero disables staleness checks.
func WithStaleAfter(d time.Duration) Option {
	return func(a *Analyzer) { a.staleAfter = d }
}

// NewAnalyzer returns an Analyzer with a 90-day rotation age.
func NewAnalyzer(opts ...Option) *Analyzer {
	a := &Analyzer{now: time.Now, staleAfter: DefaultStaleAfter}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze scores the decrypted values of project. infos supplies the
// timestamps for the staleness check and may be nil.
func (a *Analyzer) Analyze(project string, values map[string]string, infos []vault.DetailInfo) (*Report, error) {
	hmacKey, err := crypto.RandomKey()
	if err != nil {
		return nil, fmt.Errorf("security: %w", err)
	}
	defer crypto.SecureWipe(hmacKey)

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	report := &Report{Project: project, Issues: []Issue{}, Suggestions: []string{}}

	var scored []string
	strengthPoints := 0
	for _, key := range keys {
		kind := Classify(key)
		if kind == KindOther || values[key] == "" {
			continue
		}
		scored = append(scored, key)
		s := ValueStrength(values[key], kind)
		strengthPoints += s.Points()
		if s == StrengthWeak {
			report.Issues = append(report.Issues, Issue{
				Type:        IssueWeak,
				Severity:    SeverityWarning,
				Keys:        []string{key},
				Description: fmt.Sprintf("%s has insufficient strength (%s)", kind, formatLength(len(values[key]))),
			})
		}
	}
	report.Scored = len(scored)

	report.Components.Strength = 40
	report.Components.Uniqueness = 30
	if len(scored) > 0 {
		report.Components.Strength = strengthPoints * 40 / (25 * len(scored))

		report.Duplicates = findDuplicates(values, hmacKey)
		redundant := 0
		for _, g := range report.Duplicates {
			redundant += g.Count - 1
			report.Issues = append(report.Issues, Issue{
				Type:        IssueDuplicate,
				Severity:    SeverityWarning,
				Keys:        g.Keys,
				Description: fmt.Sprintf("%d details share the same value", g.Count),
			})
		}
		report.Components.Uniqueness = (len(scored) - redundant) * 30 / len(scored)
	}

	report.Components.Freshness = a.freshness(infos, report)

	report.Overall = report.Components.Strength + report.Components.Uniqueness + report.Components.Freshness
	report.Suggestions = suggestions(report.Issues)
	return report, nil
}

func (a *Analyzer) freshness(infos []vault.DetailInfo, report *Report) int {
	if a.staleAfter <= 0 || len(infos) == 0 {
		return 30
	}
	now := a.now()
	fresh := 0
	for _, info := range infos {
		age := now.Sub(info.UpdatedAt)
		if age < a.staleAfter {
			fresh++
			continue
		}
		severity := SeverityInfo
		if age >= 2*a.staleAfter {
			severity = SeverityCritical
		}
		report.Issues = append(report.Issues, Issue{
			Type:        IssueStale,
			Severity:    severity,
			Keys:        []string{info.Key},
			Description: "not changed for " + formatDays(int(age.Hours()/24)),
		})
	}
	return fresh * 30 / len(infos)
}

// suggestions creates actionable recommendations based on issues.
func suggestions(issues []Issue) []string {
	seen := make(map[IssueType]bool)
	for _, issue := range issues {
		seen[issue.Type] = true
	}

	out := []string{}
	if seen[IssueWeak] {
		out = append(out, "Replace weak values (14+ characters for passwords, 32+ for tokens)")
	}
	if seen[IssueDuplicate] {
		out = append(out, "Use a distinct value for every credential")
	}
	if seen[IssueStale] {
		out = append(out, "Rotate credentials that have not changed recently")
	}
	return out
}

func formatLength(n int) string {
	if n == 1 {
		return "1 character"
	}
	return strconv.Itoa(n) + " characters"
}

func formatDays(days int) string {
	if days == 1 {
		return "1 day"
	}
	return strconv.Itoa(days) + " days"
}
