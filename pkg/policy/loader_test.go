package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const sampleRules = `
tenant: acme
rules:
  - type: regex
    pattern: '\b\d{3}-\d{2}-\d{4}\b'
    action: block
    severity: critical
    severity_score: 90
    priority: 10
    tags: [pii, ssn]
  - type: extension
    file_extension: .exe
    whitelist: true
    priority: 5
  - type: keywords
    keywords: [confidential, "internal only"]
    severity: 6
  - type: size
    min_size: 1048576
`

func TestParseNormalizesRules(t *testing.T) {
	doc, err := Parse([]byte(sampleRules))
	require.NoError(t, err)
	require.Equal(t, "acme", doc.Tenant)
	require.Len(t, doc.Rules, 4)

	ssn := doc.Rules[0]
	require.Equal(t, uint(1), ssn.ID)
	require.Equal(t, ActionBlock, ssn.Action)
	require.Equal(t, "critical", ssn.Severity)
	require.Equal(t, 90, ssn.SeverityScore)

	wl := doc.Rules[1]
	require.True(t, wl.IsWhitelist)
	require.Equal(t, ActionAllow, wl.Action)

	kw := doc.Rules[2]
	require.Equal(t, "medium", kw.Severity)
	require.Equal(t, 6, kw.SeverityScore)
	require.Equal(t, defaultPriority, kw.Priority)
	require.Equal(t, ActionAlert, kw.Action)

	sz := doc.Rules[3]
	require.NotNil(t, sz.MinSize)
	require.Nil(t, sz.MaxSize)
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "unknown type", doc: "rules: [{type: ml}]"},
		{name: "bad action", doc: "rules: [{type: hash, hashes: [aa], action: quarantine}]"},
		{name: "missing rules", doc: "tenant: acme"},
		{name: "bad regex", doc: "rules: [{type: regex, pattern: '('}]"},
		{name: "empty keyword rule", doc: "rules: [{type: keyword}]"},
		{name: "inverted size", doc: "rules: [{type: size, min_size: 10, max_size: 1}]"},
		{name: "negative size", doc: "rules: [{type: size, min_size: -1}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
		})
	}
}

func TestParseAcceptsJSON(t *testing.T) {
	doc, err := Parse([]byte(`{"tenant":"acme","rules":[{"type":"hash","hashes":["AB"],"action":"block","priority":1}]}`))
	require.NoError(t, err)
	require.Equal(t, RuleHash, doc.Rules[0].Type)
}

func TestFileRuleStoreWatchInvalidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acme.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenant: acme\nrules: [{type: hash, hashes: [aa]}]\n"), 0o600))

	store, err := NewFileRuleStore(dir, zerolog.Nop())
	require.NoError(t, err)
	rules, err := store.ActiveRules(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, rules, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 4)
	go func() {
		_ = store.Watch(ctx, func() { changed <- struct{}{} })
	}()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("tenant: acme\nrules: [{type: hash, hashes: [aa]}, {type: hash, hashes: [bb]}]\n"), 0o600))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("expected reload after write")
	}
	rules, err = store.ActiveRules(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, rules, 2)
}

func TestFileRuleStoreKeepsRulesOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tenant":"acme","rules":[{"type":"hash","hashes":["aa"]}]}`), 0o600))
	store, err := NewFileRuleStore(path, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"tenant":"acme","rules":[{"type":"bogus"}]}`), 0o600))
	require.Error(t, store.Reload())

	rules, err := store.ActiveRules(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, rules, 1)
}

func TestParseAllowShorthandAndLegacyFields(t *testing.T) {
	doc, err := Parse([]byte(`{"rules":[
		{"rule_type":"allow","hashes":["ff"],"priority":1},
		{"type":"regex","pattern":"x","severity":9,"severity_label":"Critical"}
	]}`))
	require.NoError(t, err)

	allow := doc.Rules[0]
	require.True(t, allow.IsWhitelist)
	require.Equal(t, RuleHash, allow.Type)
	require.Equal(t, ActionAllow, allow.Action)

	require.Equal(t, "critical", doc.Rules[1].Severity)
	require.Equal(t, 9, doc.Rules[1].SeverityScore)
}
