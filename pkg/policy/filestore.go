package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileRuleStore serves rule sets read from YAML/JSON documents on disk.
type FileRuleStore struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	tenants map[string][]Rule
}

// NewFileRuleStore loads path, which may be a single document or a directory of them.
func NewFileRuleStore(path string, logger zerolog.Logger) (*FileRuleStore, error) {
	s := &FileRuleStore{
		path:   path,
		logger: logger.With().Str("component", "rule_files").Logger(),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// ActiveRules returns a copy of the tenant's rules in file order.
func (s *FileRuleStore) ActiveRules(_ context.Context, tenantID string) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := s.tenants[tenantID]
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out, nil
}

// Documents returns every loaded rule set keyed by tenant.
func (s *FileRuleStore) Documents() map[string][]Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Rule, len(s.tenants))
	for k, v := range s.tenants {
		out[k] = append([]Rule(nil), v...)
	}
	return out
}

// Reload re-reads every document. On error the previous rule sets stay active.
func (s *FileRuleStore) Reload() error {
	files, err := ruleFiles(s.path)
	if err != nil {
		return err
	}
	tenants := make(map[string][]Rule)
	for _, f := range files {
		doc, err := LoadFile(f)
		if err != nil {
			return err
		}
		if doc.Tenant == "" {
			return fmt.Errorf("%s: tenant is required", f)
		}
		tenants[doc.Tenant] = append(tenants[doc.Tenant], doc.Rules...)
	}

	s.mu.Lock()
	s.tenants = tenants
	s.mu.Unlock()
	s.logger.Info().Int("files", len(files)).Int("tenants", len(tenants)).Msg("rule files loaded")
	return nil
}

// Watch reloads on file changes and calls onChange after each successful reload.
// It blocks until ctx is done.
func (s *FileRuleStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := s.path
	if info, err := os.Stat(s.path); err == nil && !info.IsDir() {
		// Watch the parent so editors that replace the file via rename are still seen.
		target = filepath.Dir(s.path)
	}
	if err := watcher.Add(target); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !s.relevant(ev) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Error().Err(err).Str("file", ev.Name).Msg("rule reload failed; keeping previous rules")
				continue
			}
			if onChange != nil {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("rule watcher error")
		}
	}
}

func (s *FileRuleStore) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return false
	}
	if info, err := os.Stat(s.path); err == nil && !info.IsDir() {
		return filepath.Clean(ev.Name) == filepath.Clean(s.path)
	}
	return isRuleFile(ev.Name)
}

func ruleFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isRuleFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	return files, nil
}

func isRuleFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
