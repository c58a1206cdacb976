package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func size(v int64) *int64 { return &v }

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		rules      []Rule
		event      Event
		wantAction Action
		wantRule   uint
		wantReason string
	}{
		{
			name:       "regex block on ssn",
			rules:      []Rule{{ID: 1, Type: RuleRegex, Pattern: "ssn", Action: ActionBlock, Severity: "critical", SeverityScore: 90, Priority: 10}},
			event:      Event{Metadata: map[string]any{"content": "my ssn is 123-45-6789"}},
			wantAction: ActionBlock,
			wantRule:   1,
			wantReason: "matched regex rule",
		},
		{
			name:       "keyword is case-insensitive",
			rules:      []Rule{{ID: 2, Type: RuleKeyword, Pattern: "CONFIDENTIAL", Action: ActionAlert, Severity: "high", Priority: 1}},
			event:      Event{Metadata: map[string]any{"content": "this is confidential"}},
			wantAction: ActionAlert,
			wantRule:   2,
			wantReason: "matched keyword rule",
		},
		{
			name:       "keywords list",
			rules:      []Rule{{ID: 3, Type: RuleKeywords, Keywords: []string{"alpha", "Secret"}, Action: ActionAlert, Priority: 1}},
			event:      Event{Metadata: map[string]any{"content": "top SECRET"}},
			wantAction: ActionAlert,
			wantRule:   3,
			wantReason: "matched keywords rule",
		},
		{
			name:       "hash match ignores case",
			rules:      []Rule{{ID: 4, Type: RuleHash, Hashes: []string{"ABCDEF"}, Action: ActionBlock, Priority: 1}},
			event:      Event{FileHash: "abcdef"},
			wantAction: ActionBlock,
			wantRule:   4,
			wantReason: "matched hash rule",
		},
		{
			name:       "extension suffix",
			rules:      []Rule{{ID: 5, Type: RuleExtension, FileExtension: ".PST", Action: ActionAlert, Priority: 1}},
			event:      Event{FilePath: `C:\Users\bob\mail.pst`},
			wantAction: ActionAlert,
			wantRule:   5,
			wantReason: "matched extension rule",
		},
		{
			name:       "size within inclusive bounds",
			rules:      []Rule{{ID: 6, Type: RuleSize, MinSize: size(100), MaxSize: size(200), Action: ActionAlert, Priority: 1}},
			event:      Event{FileSize: size(200)},
			wantAction: ActionAlert,
			wantRule:   6,
			wantReason: "matched size rule",
		},
		{
			name:       "size above max",
			rules:      []Rule{{ID: 6, Type: RuleSize, MaxSize: size(200), Action: ActionAlert, Priority: 1}},
			event:      Event{FileSize: size(201)},
			wantAction: ActionAllow,
			wantReason: ReasonNoMatch,
		},
		{
			name:       "size with only minimum",
			rules:      []Rule{{ID: 7, Type: RuleSize, MinSize: size(10), Action: ActionBlock, Priority: 1}},
			event:      Event{FileSize: size(1 << 30)},
			wantAction: ActionBlock,
			wantRule:   7,
			wantReason: "matched size rule",
		},
		{
			name:       "usb only without marker",
			rules:      []Rule{{ID: 8, Type: RuleExtension, FileExtension: ".docx", USBOnly: true, Action: ActionBlock, Priority: 1}},
			event:      Event{FilePath: "/home/a/report.docx"},
			wantAction: ActionAllow,
			wantReason: ReasonNoMatch,
		},
		{
			name:       "usb only with marker",
			rules:      []Rule{{ID: 8, Type: RuleExtension, FileExtension: ".docx", USBOnly: true, Action: ActionBlock, Priority: 1}},
			event:      Event{FilePath: "/media/usb/report.docx", Metadata: map[string]any{"usb_copy": true}},
			wantAction: ActionBlock,
			wantRule:   8,
			wantReason: "matched extension rule",
		},
		{
			name:       "unknown type never matches",
			rules:      []Rule{{ID: 9, Type: "ml_classifier", Action: ActionBlock, Priority: 1}},
			event:      Event{Metadata: map[string]any{"content": "anything"}},
			wantAction: ActionAllow,
			wantReason: ReasonNoMatch,
		},
		{
			name:       "invalid regex never matches",
			rules:      []Rule{{ID: 10, Type: RuleRegex, Pattern: "(", Action: ActionBlock, Priority: 1}},
			event:      Event{Metadata: map[string]any{"content": "("}},
			wantAction: ActionAllow,
			wantReason: ReasonNoMatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(SortByPriority(tt.rules), tt.event)
			require.Equal(t, tt.wantAction, d.Action)
			require.Equal(t, tt.wantReason, d.Reason)
			if tt.wantRule == 0 {
				require.Nil(t, d.RuleID)
			} else {
				require.NotNil(t, d.RuleID)
				require.Equal(t, tt.wantRule, *d.RuleID)
			}
		})
	}
}

func TestEvaluateSSNScenario(t *testing.T) {
	rules := []Rule{{ID: 1, Type: RuleRegex, Pattern: "ssn", Action: ActionBlock, Severity: "critical", Priority: 10}}
	d := Evaluate(rules, Event{Metadata: map[string]any{"content": "my ssn is 123-45-6789"}})
	require.Equal(t, ActionBlock, d.Action)
	require.Equal(t, "critical", d.Severity)
	require.True(t, d.Raises())
}

func TestWhitelistPrecedenceFollowsPriority(t *testing.T) {
	event := Event{FilePath: "/tmp/build.exe"}
	whitelist := Rule{ID: 1, Type: RuleExtension, FileExtension: ".exe", IsWhitelist: true, Action: ActionAllow}
	block := Rule{ID: 2, Type: RuleExtension, FileExtension: ".exe", Action: ActionBlock, Severity: "high"}

	for _, tc := range []struct {
		whitelistPriority int
		blockPriority     int
		wantWhitelisted   bool
	}{
		{whitelistPriority: 1, blockPriority: 5, wantWhitelisted: true},
		{whitelistPriority: 5, blockPriority: 5, wantWhitelisted: true},
		{whitelistPriority: 6, blockPriority: 5, wantWhitelisted: false},
	} {
		w, b := whitelist, block
		w.Priority, b.Priority = tc.whitelistPriority, tc.blockPriority
		d := Evaluate(SortByPriority([]Rule{w, b}), event)
		require.Equal(t, tc.wantWhitelisted, d.Whitelisted, "whitelist=%d block=%d", tc.whitelistPriority, tc.blockPriority)
		if d.Whitelisted {
			require.Equal(t, ActionAllow, d.Action)
			require.Equal(t, "low", d.Severity)
			require.Equal(t, ReasonWhitelist, d.Reason)
		} else {
			require.Equal(t, ActionBlock, d.Action)
		}
	}
}

func TestSortByPriorityIsStable(t *testing.T) {
	rules := []Rule{
		{ID: 1, Priority: 50},
		{ID: 2, Priority: 10},
		{ID: 3, Priority: 50},
		{ID: 4, Priority: 10},
		{ID: 5, Priority: 50},
	}
	for i := 0; i < 20; i++ {
		sorted := SortByPriority(rules)
		ids := make([]uint, len(sorted))
		for j, r := range sorted {
			ids[j] = r.ID
		}
		require.Equal(t, []uint{2, 4, 1, 3, 5}, ids)
	}
	require.Equal(t, uint(1), rules[0].ID, "input must not be reordered")
}

func TestEqualPriorityFirstInInputWins(t *testing.T) {
	rules := SortByPriority([]Rule{
		{ID: 1, Type: RuleKeyword, Pattern: "x", Action: ActionAlert, Priority: 5},
		{ID: 2, Type: RuleKeyword, Pattern: "x", Action: ActionBlock, Priority: 5},
	})
	for i := 0; i < 10; i++ {
		d := Evaluate(rules, Event{Metadata: map[string]any{"content": "x"}})
		require.Equal(t, uint(1), *d.RuleID)
	}
}

func TestEventExtension(t *testing.T) {
	require.Equal(t, ".exe", Event{FilePath: "C:/x/Setup.EXE"}.Extension())
	require.Equal(t, "", Event{FilePath: "/etc.d/hosts"}.Extension())
	require.Equal(t, "", Event{}.Extension())
}
