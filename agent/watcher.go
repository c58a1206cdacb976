package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haasonsaas/leakguard/pkg/agentclient"
	"github.com/haasonsaas/leakguard/pkg/config"
	"github.com/haasonsaas/leakguard/pkg/ingest"
)

type eventSender interface {
	SendEvent(ctx context.Context, sub ingest.Submission) (*agentclient.EventResponse, error)
}

// watcher reports file writes under the configured paths as events.
type watcher struct {
	sender eventSender
	cfg    config.WatchConfig
	logger zerolog.Logger
}

func newWatcher(sender eventSender, cfg config.WatchConfig, logger zerolog.Logger) *watcher {
	return &watcher{sender: sender, cfg: cfg, logger: logger.With().Str("component", "file_watcher").Logger()}
}

func (w *watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	for _, p := range w.cfg.Paths {
		if err := fw.Add(p); err != nil {
			w.logger.Warn().Err(err).Str("path", p).Msg("cannot watch path")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.report(ctx, ev.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *watcher) report(ctx context.Context, path string) {
	sub, err := buildSubmission(path, w.cfg)
	if err != nil {
		w.logger.Debug().Err(err).Str("path", path).Msg("skipping file")
		return
	}
	resp, err := w.sender.SendEvent(ctx, sub)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", path).Msg("event submission failed")
		return
	}
	ev := w.logger.Info().Str("event_id", resp.EventID).Str("status", string(resp.Status)).Str("path", path)
	if resp.Decision != nil {
		ev = ev.Str("action", string(resp.Decision.Action))
	}
	ev.Msg("event reported")
}

// buildSubmission hashes the file and attaches a content sample when it is valid UTF-8.
func buildSubmission(path string, cfg config.WatchConfig) (ingest.Submission, error) {
	f, err := os.Open(path)
	if err != nil {
		return ingest.Submission{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ingest.Submission{}, err
	}
	if info.IsDir() {
		return ingest.Submission{}, os.ErrInvalid
	}

	h := sha256.New()
	var sample strings.Builder
	limit := int64(cfg.MaxContentBytes)
	if _, err := io.Copy(h, io.TeeReader(io.LimitReader(f, limit), &sample)); err != nil {
		return ingest.Submission{}, err
	}
	if _, err := io.Copy(h, f); err != nil {
		return ingest.Submission{}, err
	}

	size := info.Size()
	metadata := map[string]any{}
	if content := sample.String(); content != "" && utf8.ValidString(content) {
		metadata["content"] = content
	}
	if removable(path, cfg.RemovablePrefixes) {
		metadata["usb_copy"] = true
	}
	return ingest.Submission{
		EventID:   uuid.NewString(),
		EventType: "file_write",
		FilePath:  path,
		FileHash:  hex.EncodeToString(h.Sum(nil)),
		FileSize:  &size,
		Metadata:  metadata,
	}, nil
}

func removable(path string, prefixes []string) bool {
	clean := filepath.Clean(path)
	for _, p := range prefixes {
		p = filepath.Clean(p)
		if clean == p || strings.HasPrefix(clean, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
