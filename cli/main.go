package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/leakguard/pkg/agentclient"
	"github.com/haasonsaas/leakguard/pkg/auth"
	"github.com/haasonsaas/leakguard/pkg/ingest"
	"github.com/haasonsaas/leakguard/pkg/policy"
)

var (
	serverURL  string
	adminToken string
	Version    = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "leakguard",
		Short:         "LeakGuard - data loss prevention control plane",
		Long:          "Administer tenants, enrollment and policy on a LeakGuard server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("LEAKGUARD_SERVER", "http://localhost:8080"), "LeakGuard server URL")
	root.PersistentFlags().StringVar(&adminToken, "admin-token", os.Getenv("LEAKGUARD_ADMIN_TOKEN"), "Admin API token")

	root.AddCommand(
		signCmd(),
		packageCmd(),
		rulesCmd(),
		tokensCmd(),
		agentsCmd(),
		auditCmd(),
		eventsCmd(),
		versionCmd(),
	)
	return root
}

func signCmd() *cobra.Command {
	var secret, method, path, timestamp, nonce, body string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Compute a request signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			if timestamp == "" {
				timestamp = strconv.FormatInt(time.Now().Unix(), 10)
			}
			if nonce == "" {
				var err error
				if nonce, err = auth.GenerateNonce(); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", auth.HeaderTimestamp, timestamp)
			fmt.Fprintf(out, "%s: %s\n", auth.HeaderNonce, nonce)
			fmt.Fprintf(out, "%s: %s\n", auth.HeaderSignature, auth.Sign(secret, method, path, timestamp, nonce, []byte(body)))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Agent shared secret")
	cmd.Flags().StringVar(&method, "method", http.MethodPost, "HTTP method")
	cmd.Flags().StringVar(&path, "path", "/api/v1/agent/events", "Request path")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "Unix timestamp (default now)")
	cmd.Flags().StringVar(&nonce, "nonce", "", "Nonce (default random)")
	cmd.Flags().StringVar(&body, "body", "", "Exact request body")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func packageCmd() *cobra.Command {
	var secret, tenant, agentUUID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Create a signed enrollment package for one agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentUUID == "" {
				agentUUID = agentclient.NewAgentUUID()
			}
			pkg, sig, err := auth.SignEnrollmentPackage([]byte(secret), auth.PackagePayload{
				AgentUUID: agentUUID,
				Tenant:    tenant,
				ExpiresAt: time.Now().UTC().Add(ttl).Format(time.RFC3339),
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "agent_uuid:           %s\n", agentUUID)
			fmt.Fprintf(out, "enrollment_package:   %s\n", pkg)
			fmt.Fprintf(out, "enrollment_signature: %s\n", sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Tenant enrollment secret")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant ID")
	cmd.Flags().StringVar(&agentUUID, "agent-uuid", "", "Agent UUID (default random)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Package lifetime")
	_ = cmd.MarkFlagRequired("secret")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func rulesCmd() *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Work with rule-set files",
	}
	rules.AddCommand(&cobra.Command{
		Use:   "validate [file...]",
		Short: "Validate rule-set files against the schema",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FILE\tTENANT\tRULES\tSTATUS")
			var failed int
			for _, path := range args {
				doc, err := policy.LoadFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(w, "%s\t-\t-\t%v\n", path, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\tok\n", path, doc.Tenant, len(doc.Rules))
			}
			w.Flush()
			if failed > 0 {
				return fmt.Errorf("%d of %d rule files invalid", failed, len(args))
			}
			return nil
		},
	})
	rules.AddCommand(&cobra.Command{
		Use:   "push [file]",
		Short: "Replace a tenant's rules on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := policy.LoadFile(args[0]); err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var out struct {
				Tenant string `json:"tenant"`
				Rules  int    `json:"rules"`
			}
			if err := adminRequest(http.MethodPut, "/rules", data, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Replaced %d rules for %s\n", out.Rules, out.Tenant)
			return nil
		},
	})
	return rules
}

func tokensCmd() *cobra.Command {
	tokens := &cobra.Command{
		Use:   "tokens",
		Short: "Manage enrollment tokens",
	}
	var tenant, label, agentUUID string
	var expiresIn time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a single-use enrollment token",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]any{
				"tenant":             tenant,
				"label":              label,
				"agent_uuid":         agentUUID,
				"expires_in_seconds": int64(expiresIn / time.Second),
			})
			if err != nil {
				return err
			}
			var out struct {
				ID        uint      `json:"id"`
				Token     string    `json:"token"`
				Tenant    string    `json:"tenant"`
				ExpiresAt time.Time `json:"expires_at"`
			}
			if err := adminRequest(http.MethodPost, "/enrollment-tokens", body, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Token:    %s\n", out.Token)
			fmt.Fprintf(w, "Tenant:   %s\n", out.Tenant)
			fmt.Fprintf(w, "Expires:  %s\n", out.ExpiresAt.Format(time.RFC3339))
			fmt.Fprintln(w, "The token is shown once and cannot be recovered.")
			return nil
		},
	}
	issue.Flags().StringVar(&tenant, "tenant", "", "Tenant ID")
	issue.Flags().StringVar(&label, "label", "", "Free-form label")
	issue.Flags().StringVar(&agentUUID, "agent-uuid", "", "Bind the token to one agent")
	issue.Flags().DurationVar(&expiresIn, "expires-in", 0, "Lifetime (default server setting)")
	_ = issue.MarkFlagRequired("tenant")
	tokens.AddCommand(issue)
	return tokens
}

func agentsCmd() *cobra.Command {
	agents := &cobra.Command{
		Use:   "agents",
		Short: "Manage enrolled agents",
	}
	agents.AddCommand(&cobra.Command{
		Use:   "revoke [agent-uuid]",
		Short: "Revoke an agent's credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := adminRequest(http.MethodPost, "/agents/"+args[0]+"/revoke", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
			return nil
		},
	})
	return agents
}

type auditEntry struct {
	Action    string         `json:"Action"`
	Details   map[string]any `json:"Details"`
	CreatedAt time.Time      `json:"CreatedAt"`
}

func auditCmd() *cobra.Command {
	var tenant string
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit log entries for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []auditEntry
			path := fmt.Sprintf("/audit?tenant=%s&limit=%d", url.QueryEscape(tenant), limit)
			if err := adminRequest(http.MethodGet, path, nil, &entries); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACTION\tDETAILS")
			fmt.Fprintln(w, "----\t------\t-------")
			for _, e := range entries {
				details, _ := json.Marshal(e.Details)
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Action, details)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant ID")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func eventsCmd() *cobra.Command {
	events := &cobra.Command{
		Use:   "events",
		Short: "Submit test events as an enrolled agent",
	}
	var credsPath, eventType, filePath, content string
	var usb bool
	send := &cobra.Command{
		Use:   "send",
		Short: "Sign and submit one event with an agent's credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(credsPath)
			if err != nil {
				return err
			}
			var creds agentclient.Credentials
			if err := json.Unmarshal(data, &creds); err != nil {
				return fmt.Errorf("parse credentials %s: %w", credsPath, err)
			}
			client := agentclient.New(agentclient.Config{BaseURL: serverURL, MaxRetries: 1}, zerolog.Nop())
			client.SetCredentials(&creds)

			metadata := map[string]any{}
			if content != "" {
				metadata["content"] = content
			}
			if usb {
				metadata["usb_copy"] = true
			}
			resp, err := client.SendEvent(cmd.Context(), ingest.Submission{
				EventType: eventType,
				FilePath:  filePath,
				Metadata:  metadata,
			})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Event:     %s\n", resp.EventID)
			fmt.Fprintf(w, "Status:    %s\n", resp.Status)
			if resp.Decision != nil {
				fmt.Fprintf(w, "Decision:  %s (%s)\n", resp.Decision.Action, resp.Decision.Reason)
			}
			return nil
		},
	}
	send.Flags().StringVar(&credsPath, "credentials", "/etc/leakguard/agent.json", "Agent credentials file")
	send.Flags().StringVar(&eventType, "type", "file_write", "Event type")
	send.Flags().StringVar(&filePath, "file", "", "File path")
	send.Flags().StringVar(&content, "content", "", "Content sample")
	send.Flags().BoolVar(&usb, "usb", false, "Mark the event as a USB copy")
	events.AddCommand(send)
	return events
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "leakguard version %s\n", Version)
		},
	}
}

var errNoAdminToken = errors.New("admin token required (--admin-token or LEAKGUARD_ADMIN_TOKEN)")

func adminRequest(method, path string, body []byte, out any) error {
	if adminToken == "" {
		return errNoAdminToken
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, serverURL+"/api/v1/admin"+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(auth.HeaderAuthorization, "Bearer "+adminToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &agentclient.APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
