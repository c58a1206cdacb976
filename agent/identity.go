package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/leakguard/pkg/agentclient"
)

func (a *Agent) loadOrEnroll(ctx context.Context) error {
	path := a.cfg.Identity.CredentialsPath
	creds, err := loadCredentials(path)
	if err == nil {
		a.client.SetCredentials(creds)
		a.logger.Info().Str("agent_uuid", creds.AgentUUID).Msg("loaded existing credentials")
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if a.cfg.Server.EnrollToken == "" && a.cfg.Server.EnrollPackage == "" {
		return fmt.Errorf("no stored credentials and no enrollment proof configured")
	}
	a.logger.Info().Str("tenant", a.cfg.Server.Tenant).Msg("enrolling agent")
	creds, err = a.client.Register(ctx, a.registration())
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return persistCredentials(path, creds)
}

func loadCredentials(path string) (*agentclient.Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var creds agentclient.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	if creds.AgentUUID == "" || creds.JWT == "" || creds.SharedSecret == "" {
		return nil, fmt.Errorf("credentials %s are incomplete", path)
	}
	return &creds, nil
}

// persistCredentials replaces the credentials file, restoring the previous one if the write fails.
func persistCredentials(path string, creds *agentclient.Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	backup := path + ".bak"
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, backup); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		if _, restoreErr := os.Stat(backup); restoreErr == nil {
			_ = os.Rename(backup, path)
		}
		return err
	}

	if err := os.Remove(backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
