package policy

import (
	"fmt"
	"sort"
	"strings"
)

// RuleType selects the match predicate a rule applies.
type RuleType string

const (
	RuleKeyword   RuleType = "keyword"
	RuleKeywords  RuleType = "keywords"
	RuleRegex     RuleType = "regex"
	RuleHash      RuleType = "hash"
	RuleExtension RuleType = "extension"
	RuleSize      RuleType = "size"
)

// Action is the outcome a matching rule imposes.
type Action string

const (
	ActionAllow Action = "allow"
	ActionAlert Action = "alert"
	ActionBlock Action = "block"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionAlert, ActionBlock:
		return true
	}
	return false
}

// Rule is the authoritative policy rule representation shared by agent and server.
type Rule struct {
	ID            uint     `json:"id" yaml:"id"`
	Type          RuleType `json:"type" yaml:"type"`
	Pattern       string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Keywords      []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Hashes        []string `json:"hashes,omitempty" yaml:"hashes,omitempty"`
	FileExtension string   `json:"file_extension,omitempty" yaml:"file_extension,omitempty"`
	MinSize       *int64   `json:"min_size,omitempty" yaml:"min_size,omitempty"`
	MaxSize       *int64   `json:"max_size,omitempty" yaml:"max_size,omitempty"`
	USBOnly       bool     `json:"usb_only" yaml:"usb_only"`
	Action        Action   `json:"action" yaml:"action"`
	Severity      string   `json:"severity" yaml:"severity"`
	SeverityScore int      `json:"severity_score" yaml:"severity_score"`
	Priority      int      `json:"priority" yaml:"priority"`
	IsWhitelist   bool     `json:"is_whitelist" yaml:"is_whitelist"`
	Tags          []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// IsKeyword reports whether the rule uses the keyword predicate (either spelling).
func (r Rule) IsKeyword() bool {
	return r.Type == RuleKeyword || r.Type == RuleKeywords
}

func (r Rule) String() string {
	return fmt.Sprintf("rule %d (%s, priority %d)", r.ID, r.Type, r.Priority)
}

// SortByPriority returns a copy of rules ordered ascending by priority.
// Equal priorities keep their input order.
func SortByPriority(rules []Rule) []Rule {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return sorted
}

// Event is the view of a telemetry event that rules and detectors read.
type Event struct {
	EventType string
	FilePath  string
	FileHash  string
	FileSize  *int64
	Metadata  map[string]any
}

// Content returns metadata.content when it is a string.
func (e Event) Content() string {
	if e.Metadata == nil {
		return ""
	}
	if s, ok := e.Metadata["content"].(string); ok {
		return s
	}
	return ""
}

// USBCopy reports whether the event carries a truthy usb_copy marker.
func (e Event) USBCopy() bool {
	if e.Metadata == nil {
		return false
	}
	return truthy(e.Metadata["usb_copy"])
}

// Extension returns the lowercase file extension including the dot.
func (e Event) Extension() string {
	idx := strings.LastIndexByte(e.FilePath, '.')
	if idx < 0 || strings.ContainsAny(e.FilePath[idx:], `/\`) {
		return ""
	}
	return strings.ToLower(e.FilePath[idx:])
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false") && t != "0"
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return true
	}
}
