package detection

import (
	"fmt"
	"math"
	"strconv"

	"github.com/haasonsaas/leakguard/pkg/policy"
)

const (
	// Bits per byte; content shorter than DefaultEntropyMinLength is not scored.
	DefaultEntropyThreshold = 2.5
	DefaultEntropyMinLength = 64

	entropyScore  = 25
	fileTypeScore = 20
	archiveScore  = 5

	defaultRegexScore   = 20
	defaultKeywordScore = 15
	defaultHashScore    = 40
)

// HighRiskExtensions are executables and archives commonly used to move data out.
var HighRiskExtensions = map[string]bool{
	".exe": true, ".dll": true, ".msi": true, ".bat": true, ".ps1": true, ".scr": true,
	".zip": true, ".rar": true, ".7z": true, ".tar": true, ".gz": true, ".iso": true,
}

// ShannonEntropy returns the entropy of s in bits per byte.
func ShannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	n := float64(len(s))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// EntropyDetector flags packed or encrypted-looking content.
// Without content it falls back to an agent-reported metadata.entropy_score.
type EntropyDetector struct {
	Threshold float64
	MinLength int
}

func (EntropyDetector) Name() string { return "entropy" }

func (d EntropyDetector) Detect(event policy.Event, _ []policy.Rule) []Finding {
	content := event.Content()
	if content != "" {
		if len(content) < d.MinLength {
			return nil
		}
		h := ShannonEntropy(content)
		if h < d.Threshold {
			return nil
		}
		return []Finding{{
			Detector: d.Name(),
			Score:    entropyScore,
			Detail:   fmt.Sprintf("content entropy %.2f bits/byte", h),
			Tags:     []string{"obfuscation"},
		}}
	}

	reported, ok := number(event.Metadata["entropy_score"])
	if !ok || reported < d.Threshold {
		return nil
	}
	return []Finding{{
		Detector: d.Name(),
		Score:    entropyScore,
		Detail:   fmt.Sprintf("agent reported entropy %.2f", reported),
		Tags:     []string{"obfuscation"},
	}}
}

// FileTypeDetector flags high-risk file extensions.
type FileTypeDetector struct {
	Extensions map[string]bool
}

func (FileTypeDetector) Name() string { return "file_type" }

func (d FileTypeDetector) Detect(event policy.Event, _ []policy.Rule) []Finding {
	ext := event.Extension()
	if ext == "" || !d.Extensions[ext] {
		return nil
	}
	return []Finding{{
		Detector: d.Name(),
		Score:    fileTypeScore,
		Detail:   "high-risk file type " + ext,
		Tags:     []string{"file_type"},
	}}
}

// ArchiveDetector notes agent-side archive inspection results.
type ArchiveDetector struct{}

func (ArchiveDetector) Name() string { return "archive" }

func (d ArchiveDetector) Detect(event policy.Event, _ []policy.Rule) []Finding {
	if event.Metadata == nil || event.Metadata["archive_scan"] == nil {
		return nil
	}
	return []Finding{{
		Detector: d.Name(),
		Score:    archiveScore,
		Detail:   "archive scan metadata provided",
		Tags:     []string{"archive"},
	}}
}

// RuleDetector scores every content and hash rule that matches, whitelist rules included.
type RuleDetector struct{}

func (RuleDetector) Name() string { return "rules" }

func (RuleDetector) Detect(event policy.Event, rules []policy.Rule) []Finding {
	var findings []Finding
	for _, rule := range rules {
		var name string
		var fallback int
		switch {
		case rule.Type == policy.RuleRegex:
			name, fallback = "regex", defaultRegexScore
		case rule.IsKeyword():
			name, fallback = "keyword", defaultKeywordScore
		case rule.Type == policy.RuleHash:
			name, fallback = "hash", defaultHashScore
		default:
			continue
		}
		if !policy.Matches(rule, event) {
			continue
		}
		score := rule.SeverityScore
		if score <= 0 {
			score = fallback
		}
		id := rule.ID
		findings = append(findings, Finding{
			Detector: name,
			Score:    score,
			Detail:   fmt.Sprintf("matched %s", rule),
			Tags:     rule.Tags,
			RuleID:   &id,
		})
	}
	return findings
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}
