package detection

import (
	"github.com/haasonsaas/leakguard/pkg/policy"
)

// Severity tiers derived from an aggregate score.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Finding is one detector's contribution to a report.
type Finding struct {
	Detector string   `json:"detector"`
	Score    int      `json:"score"`
	Detail   string   `json:"detail"`
	Tags     []string `json:"tags,omitempty"`
	RuleID   *uint    `json:"rule_id,omitempty"`
}

// Report aggregates the findings for one event.
type Report struct {
	Findings []Finding `json:"findings"`
	Score    int       `json:"score"`
	Severity string    `json:"severity"`
}

// Add appends f and recomputes the aggregate. Negative scores count as zero,
// so adding a finding never lowers the score or tier.
func (r *Report) Add(f Finding) {
	if f.Score < 0 {
		f.Score = 0
	}
	r.Findings = append(r.Findings, f)
	r.Score += f.Score
	r.Severity = Tier(r.Score)
}

// Tier maps an aggregate score to a severity label.
func Tier(score int) string {
	switch {
	case score >= 80:
		return SeverityCritical
	case score >= 50:
		return SeverityHigh
	case score >= 20:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Detector inspects an event (and optionally the tenant's rules) and emits findings.
type Detector interface {
	Name() string
	Detect(event policy.Event, rules []policy.Rule) []Finding
}

// Pipeline runs detectors in order. It never looks at the policy decision.
type Pipeline struct {
	detectors []Detector
}

// NewPipeline builds a pipeline; with no detectors it uses Default().
func NewPipeline(detectors ...Detector) *Pipeline {
	if len(detectors) == 0 {
		detectors = Default()
	}
	return &Pipeline{detectors: detectors}
}

// Default returns the standard detector set.
func Default() []Detector {
	return []Detector{
		EntropyDetector{Threshold: DefaultEntropyThreshold, MinLength: DefaultEntropyMinLength},
		FileTypeDetector{Extensions: HighRiskExtensions},
		ArchiveDetector{},
		RuleDetector{},
	}
}

// Run evaluates every detector against event.
func (p *Pipeline) Run(event policy.Event, rules []policy.Rule) Report {
	report := Report{Severity: SeverityLow}
	for _, d := range p.detectors {
		for _, f := range d.Detect(event, rules) {
			report.Add(f)
		}
	}
	return report
}
