package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LEAKGUARD_ADMIN_TOKEN", "")
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSignKnownVector(t *testing.T) {
	out, err := execute(t, "sign",
		"--secret", "s",
		"--method", "POST",
		"--path", "/agent/events",
		"--timestamp", "1700000000",
		"--nonce", "abc",
		"--body", `{"x":1}`,
	)
	require.NoError(t, err)
	require.Contains(t, out, "ee5493c7251aedb1760f2cae9f113318b51fc5dd4c9aa02bda3c9fcf3c129ace")
}

func TestPackage(t *testing.T) {
	out, err := execute(t, "package", "--secret", "tenant-secret", "--tenant", "acme", "--agent-uuid", "7f1c0c1e-8f4e-4d0a-9d43-6b1f5b7f9a11")
	require.NoError(t, err)
	require.Contains(t, out, "7f1c0c1e-8f4e-4d0a-9d43-6b1f5b7f9a11")
	require.Contains(t, out, "enrollment_signature:")

	_, err = execute(t, "package", "--secret", "x")
	require.Error(t, err)
}

func TestRulesValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(good, []byte("tenant: acme\nrules:\n  - type: extension\n    file_extension: .pem\n    action: block\n"), 0o600))
	require.NoError(t, os.WriteFile(bad, []byte("tenant: acme\nrules:\n  - action: block\n"), 0o600))

	out, err := execute(t, "rules", "validate", good)
	require.NoError(t, err)
	require.Contains(t, out, "acme")
	require.Contains(t, out, "ok")

	out, err = execute(t, "rules", "validate", good, bad)
	require.EqualError(t, err, "1 of 2 rule files invalid")
	require.Contains(t, out, bad)
}

func TestTokensIssue(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/admin/enrollment-tokens", r.URL.Path)
		require.Equal(t, "Bearer secret-admin", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7,"token":"tok-abc","tenant":"acme","expires_at":"2030-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "--admin-token", "secret-admin", "tokens", "issue", "--tenant", "acme", "--label", "laptop")
	require.NoError(t, err)
	require.Contains(t, out, "tok-abc")
	require.Equal(t, "acme", got["tenant"])
	require.Equal(t, "laptop", got["label"])
}

func TestAdminErrors(t *testing.T) {
	_, err := execute(t, "agents", "revoke", "some-agent")
	require.ErrorIs(t, err, errNoAdminToken)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"agent not found","code":"unknown_agent","request_id":"r1"}`))
	}))
	defer srv.Close()

	_, err = execute(t, "--server", srv.URL, "--admin-token", "x", "agents", "revoke", "some-agent")
	require.ErrorContains(t, err, "agent not found")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.Equal(t, "leakguard version dev\n", out)
}

func TestEventsSend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/agent/events", r.URL.Path)
		require.Equal(t, "Bearer agent-jwt", r.Header.Get("Authorization"))
		require.NotEmpty(t, r.Header.Get("X-Signature"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"status":"accepted","event_id":"e-1","decision":{"action":"block","reason":"matched"}}`))
	}))
	defer srv.Close()

	creds := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, os.WriteFile(creds, []byte(`{"agent_id":1,"agent_uuid":"u-1","jwt":"agent-jwt","shared_secret":"s"}`), 0o600))

	out, err := execute(t, "--server", srv.URL, "events", "send", "--credentials", creds, "--content", "secret plans", "--usb")
	require.NoError(t, err)
	require.Contains(t, out, "accepted")
	require.Contains(t, out, "block")
	require.Equal(t, "u-1", got["agent_uuid"])
	metadata := got["metadata"].(map[string]any)
	require.Equal(t, "secret plans", metadata["content"])
	require.Equal(t, true, metadata["usb_copy"])
}
