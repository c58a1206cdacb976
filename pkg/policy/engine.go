package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Decision reasons for the two non-matching-rule outcomes.
const (
	ReasonWhitelist = "whitelist"
	ReasonNoMatch   = "no match"
)

// Decision is the single outcome of evaluating an event against a rule list.
type Decision struct {
	Action      Action `json:"action"`
	RuleID      *uint  `json:"rule_id,omitempty"`
	Severity    string `json:"severity"`
	Score       int    `json:"score"`
	Reason      string `json:"reason"`
	Whitelisted bool   `json:"whitelisted"`
}

// Raises reports whether the decision must produce an alert.
func (d Decision) Raises() bool {
	return d.Action == ActionAlert || d.Action == ActionBlock
}

// Evaluate walks priority-ascending rules once; the first matching rule decides.
// Whitelist rules take no separate pass: a lower-priority-number blocking rule wins first.
func Evaluate(rules []Rule, event Event) Decision {
	for i := range rules {
		rule := &rules[i]
		if !Matches(*rule, event) {
			continue
		}
		id := rule.ID
		if rule.IsWhitelist {
			return Decision{
				Action:      ActionAllow,
				RuleID:      &id,
				Severity:    "low",
				Reason:      ReasonWhitelist,
				Whitelisted: true,
			}
		}
		return Decision{
			Action:   rule.Action,
			RuleID:   &id,
			Severity: rule.Severity,
			Score:    rule.SeverityScore,
			Reason:   fmt.Sprintf("matched %s rule", rule.Type),
		}
	}
	return Decision{Action: ActionAllow, Severity: "low", Reason: ReasonNoMatch}
}

// Matches applies the rule's predicate to the event. Unknown types never match.
func Matches(rule Rule, event Event) bool {
	if rule.USBOnly && !event.USBCopy() {
		return false
	}

	switch {
	case rule.IsKeyword():
		return matchKeywords(rule, event.Content())
	case rule.Type == RuleRegex:
		if rule.Pattern == "" {
			return false
		}
		re, err := compilePattern(rule.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(event.Content())
	case rule.Type == RuleHash:
		if event.FileHash == "" {
			return false
		}
		for _, h := range rule.Hashes {
			if strings.EqualFold(h, event.FileHash) {
				return true
			}
		}
		return false
	case rule.Type == RuleExtension:
		if rule.FileExtension == "" {
			return false
		}
		return strings.HasSuffix(strings.ToLower(event.FilePath), strings.ToLower(rule.FileExtension))
	case rule.Type == RuleSize:
		var size int64
		if event.FileSize != nil {
			size = *event.FileSize
		}
		if rule.MinSize != nil && size < *rule.MinSize {
			return false
		}
		if rule.MaxSize != nil && size > *rule.MaxSize {
			return false
		}
		return true
	default:
		return false
	}
}

func matchKeywords(rule Rule, content string) bool {
	if content == "" {
		return false
	}
	lowered := strings.ToLower(content)
	if rule.Pattern != "" && strings.Contains(lowered, strings.ToLower(rule.Pattern)) {
		return true
	}
	for _, kw := range rule.Keywords {
		if kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

var patternCache sync.Map

type compiled struct {
	re  *regexp.Regexp
	err error
}

// compilePattern memoizes regex compilation, including failures.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if v, ok := patternCache.Load(pattern); ok {
		c := v.(compiled)
		return c.re, c.err
	}
	re, err := regexp.Compile(pattern)
	patternCache.Store(pattern, compiled{re: re, err: err})
	return re, err
}

// ValidatePattern reports whether a regex rule pattern compiles.
func ValidatePattern(pattern string) error {
	_, err := compilePattern(pattern)
	return err
}
