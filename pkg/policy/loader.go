package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const defaultPriority = 100

const ruleSetSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["rules"],
  "properties": {
    "tenant": {"type": "string", "minLength": 1},
    "rules": {"type": "array", "items": {"$ref": "#/$defs/rule"}}
  },
  "$defs": {
    "rule": {
      "type": "object",
      "anyOf": [{"required": ["type"]}, {"required": ["rule_type"]}],
      "properties": {
        "id": {"type": "integer", "minimum": 0},
        "type": {"$ref": "#/$defs/ruleType"},
        "rule_type": {"$ref": "#/$defs/ruleType"},
        "pattern": {"type": "string"},
        "keywords": {"type": "array", "items": {"type": "string"}},
        "hashes": {"type": "array", "items": {"type": "string"}},
        "file_extension": {"type": "string"},
        "min_size": {"type": "integer", "minimum": 0},
        "max_size": {"type": "integer", "minimum": 0},
        "usb_only": {"type": "boolean"},
        "action": {"enum": ["allow", "alert", "block"]},
        "severity": {"type": ["string", "integer"]},
        "severity_label": {"type": "string"},
        "severity_score": {"type": "integer", "minimum": 0},
        "priority": {"type": "integer"},
        "whitelist": {"type": "boolean"},
        "is_whitelist": {"type": "boolean"},
        "tags": {"type": "array", "items": {"type": "string"}}
      }
    },
    "ruleType": {"enum": ["keyword", "keywords", "regex", "hash", "extension", "size", "allow"]}
  }
}`

var compiledRuleSetSchema = jsonschema.MustCompileString("leakguard-ruleset.schema.json", ruleSetSchema)

// Document is one rule-set file: a tenant and its rules.
type Document struct {
	Tenant string `json:"tenant"`
	Rules  []Rule `json:"rules"`
}

type rawRule struct {
	ID            uint            `json:"id"`
	Type          RuleType        `json:"type"`
	RuleType      RuleType        `json:"rule_type"`
	Pattern       string          `json:"pattern"`
	Keywords      []string        `json:"keywords"`
	Hashes        []string        `json:"hashes"`
	FileExtension string          `json:"file_extension"`
	MinSize       *int64          `json:"min_size"`
	MaxSize       *int64          `json:"max_size"`
	USBOnly       bool            `json:"usb_only"`
	Action        Action          `json:"action"`
	Severity      json.RawMessage `json:"severity"`
	SeverityLabel string          `json:"severity_label"`
	SeverityScore *int            `json:"severity_score"`
	Priority      *int            `json:"priority"`
	Whitelist     bool            `json:"whitelist"`
	IsWhitelist   bool            `json:"is_whitelist"`
	Tags          []string        `json:"tags"`
}

// LoadFile reads and parses a YAML or JSON rule-set file.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Parse validates data against the rule-set schema and normalizes its rules.
func Parse(data []byte) (*Document, error) {
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse rule set: %w", err)
	}
	canonical, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("parse rule set: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(canonical))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return nil, fmt.Errorf("parse rule set: %w", err)
	}
	if err := compiledRuleSetSchema.Validate(instance); err != nil {
		return nil, fmt.Errorf("rule set schema: %w", err)
	}

	var raw struct {
		Tenant string    `json:"tenant"`
		Rules  []rawRule `json:"rules"`
	}
	if err := json.Unmarshal(canonical, &raw); err != nil {
		return nil, fmt.Errorf("decode rule set: %w", err)
	}

	doc := &Document{Tenant: raw.Tenant, Rules: make([]Rule, 0, len(raw.Rules))}
	var problems []string
	for i, rr := range raw.Rules {
		rule, err := normalize(rr)
		if err != nil {
			problems = append(problems, fmt.Sprintf("rule %d: %v", i, err))
			continue
		}
		if rule.ID == 0 {
			rule.ID = uint(i + 1)
		}
		doc.Rules = append(doc.Rules, rule)
	}
	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	return doc, nil
}

// ruleAllow is accepted in documents as shorthand for a whitelist rule.
const ruleAllow RuleType = "allow"

func normalize(rr rawRule) (Rule, error) {
	typ := rr.Type
	if typ == "" {
		typ = rr.RuleType
	}
	rule := Rule{
		ID:            rr.ID,
		Type:          typ,
		Pattern:       rr.Pattern,
		Keywords:      rr.Keywords,
		Hashes:        rr.Hashes,
		FileExtension: rr.FileExtension,
		MinSize:       rr.MinSize,
		MaxSize:       rr.MaxSize,
		USBOnly:       rr.USBOnly,
		Action:        rr.Action,
		IsWhitelist:   rr.Whitelist || rr.IsWhitelist,
		Tags:          rr.Tags,
		Priority:      defaultPriority,
	}
	if rr.Priority != nil {
		rule.Priority = *rr.Priority
	}
	if rule.Action == "" {
		rule.Action = ActionAlert
	}
	if typ == ruleAllow {
		rule.IsWhitelist = true
		rule.Type = inferType(rule)
	}
	if rule.IsWhitelist {
		rule.Action = ActionAllow
	}

	label, score, err := parseSeverity(rr.Severity)
	if err != nil {
		return Rule{}, err
	}
	if rr.SeverityScore != nil {
		score = *rr.SeverityScore
	}
	if rr.SeverityLabel != "" {
		label = strings.ToLower(rr.SeverityLabel)
	}
	if label == "" {
		label = labelForScore(score)
	}
	rule.Severity = label
	rule.SeverityScore = score

	switch {
	case rule.IsKeyword():
		if rule.Pattern == "" && len(rule.Keywords) == 0 {
			return Rule{}, errors.New("keyword rule needs pattern or keywords")
		}
	case rule.Type == RuleRegex:
		if rule.Pattern == "" {
			return Rule{}, errors.New("regex rule needs pattern")
		}
		if err := ValidatePattern(rule.Pattern); err != nil {
			return Rule{}, fmt.Errorf("invalid regex: %w", err)
		}
	case rule.Type == RuleHash:
		if len(rule.Hashes) == 0 {
			return Rule{}, errors.New("hash rule needs hashes")
		}
	case rule.Type == RuleExtension:
		if rule.FileExtension == "" {
			return Rule{}, errors.New("extension rule needs file_extension")
		}
	case rule.Type == RuleSize:
		if rule.MinSize != nil && rule.MaxSize != nil && *rule.MinSize > *rule.MaxSize {
			return Rule{}, errors.New("min_size exceeds max_size")
		}
	}
	return rule, nil
}

// inferType picks the predicate an "allow" rule carries.
func inferType(r Rule) RuleType {
	switch {
	case len(r.Hashes) > 0:
		return RuleHash
	case r.FileExtension != "":
		return RuleExtension
	case len(r.Keywords) > 0:
		return RuleKeywords
	case r.MinSize != nil || r.MaxSize != nil:
		return RuleSize
	default:
		return RuleKeyword
	}
}

// parseSeverity accepts either a label ("high") or a 0-10 numeric score.
func parseSeverity(raw json.RawMessage) (string, int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", 0, nil
	}
	var label string
	if err := json.Unmarshal(raw, &label); err == nil {
		return strings.ToLower(label), 0, nil
	}
	var score int
	if err := json.Unmarshal(raw, &score); err != nil {
		return "", 0, fmt.Errorf("severity must be a label or integer: %w", err)
	}
	return "", score, nil
}

func labelForScore(score int) string {
	switch {
	case score >= 8:
		return "high"
	case score >= 5:
		return "medium"
	default:
		return "low"
	}
}
