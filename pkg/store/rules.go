package store

import (
	"context"
	"fmt"

	"github.com/haasonsaas/leakguard/pkg/policy"
)

// ActiveRules implements policy.RuleStore. Rules come back in insertion order;
// the cache applies the priority sort.
func (s *Store) ActiveRules(ctx context.Context, tenantID string) ([]policy.Rule, error) {
	var rows []PolicyRule
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND active = ?", tenantID, true).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	rules := make([]policy.Rule, 0, len(rows))
	for _, r := range rows {
		rules = append(rules, r.toRule())
	}
	return rules, nil
}

// ReplaceRules atomically swaps a tenant's rule set. Callers must invalidate the policy cache.
func (s *Store) ReplaceRules(ctx context.Context, tenantID string, rules []policy.Rule) error {
	return s.Transaction(ctx, func(tx *Store) error {
		if err := tx.db.Where("tenant_id = ?", tenantID).Delete(&PolicyRule{}).Error; err != nil {
			return fmt.Errorf("clear rules: %w", err)
		}
		if len(rules) == 0 {
			return nil
		}
		rows := make([]PolicyRule, 0, len(rules))
		for _, r := range rules {
			rows = append(rows, fromRule(tenantID, r))
		}
		if err := tx.db.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert rules: %w", err)
		}
		return nil
	})
}

func (r PolicyRule) toRule() policy.Rule {
	return policy.Rule{
		ID:            r.ID,
		Type:          policy.RuleType(r.RuleType),
		Pattern:       r.Pattern,
		Keywords:      r.Keywords,
		Hashes:        r.Hashes,
		FileExtension: r.FileExtension,
		MinSize:       r.MinSize,
		MaxSize:       r.MaxSize,
		USBOnly:       r.USBOnly,
		Action:        policy.Action(r.Action),
		Severity:      r.Severity,
		SeverityScore: r.SeverityScore,
		Priority:      r.Priority,
		IsWhitelist:   r.IsWhitelist,
		Tags:          r.Tags,
	}
}

// fromRule drops the document-local id; the database assigns one.
func fromRule(tenantID string, r policy.Rule) PolicyRule {
	return PolicyRule{
		TenantID:      tenantID,
		RuleType:      string(r.Type),
		Pattern:       r.Pattern,
		Keywords:      r.Keywords,
		Hashes:        r.Hashes,
		FileExtension: r.FileExtension,
		MinSize:       r.MinSize,
		MaxSize:       r.MaxSize,
		USBOnly:       r.USBOnly,
		Action:        string(r.Action),
		Severity:      r.Severity,
		SeverityScore: r.SeverityScore,
		Priority:      r.Priority,
		IsWhitelist:   r.IsWhitelist,
		Tags:          r.Tags,
		Active:        true,
	}
}
