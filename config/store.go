package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"forumwatch/pkg/notifier"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store serves the configuration file and reloads it when it changes on disk.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	cfg     *Config
	modTime time.Time
	size    int64
}

// Open loads and validates the file at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return err
	}
	s.cfg = cfg
	s.modTime = info.ModTime()
	s.size = info.Size()
	return nil
}

// current returns the configuration, reloading it first if the file changed.
// An invalid edit is logged and the previous configuration kept.
// Callers must hold s.mu.
func (s *Store) current() *Config {
	info, err := os.Stat(s.path)
	if err != nil {
		s.logger.Warn("Failed to stat config, keeping previous", "path", s.path, "error", err)
		return s.cfg
	}
	if info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return s.cfg
	}
	if err := s.load(); err != nil {
		s.logger.Error("Failed to reload config, keeping previous", "path", s.path, "error", err)
		s.modTime = info.ModTime()
		s.size = info.Size()
		return s.cfg
	}
	s.logger.Info("Config reloaded", "path", s.path, "forums", len(s.cfg.Forums))
	return s.cfg
}

// Config returns the current configuration.
func (s *Store) Config() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current()
}

// Forums returns every configured forum, enabled or not.
func (s *Store) Forums() []*notifier.Forum {
	cfg := s.Config()
	forums := make([]*notifier.Forum, 0, len(cfg.Forums))
	for _, fc := range cfg.Forums {
		forums = append(forums, fc.Forum())
	}
	return forums
}

// Forum returns the forum with id.
func (s *Store) Forum(id string) (*notifier.Forum, bool) {
	cfg := s.Config()
	for _, fc := range cfg.Forums {
		if fc.ForumID == id {
			return fc.Forum(), true
		}
	}
	return nil, false
}

// SetDegraded writes the forum's degraded flag back to the file. Only that one key changes;
// every other key, including ones this package does not know, is preserved. The file is
// replaced atomically.
func (s *Store) SetDegraded(forumID string, degraded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	if err := setDegraded(raw, forumID, degraded); err != nil {
		return err
	}

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := writeAtomic(s.path, append(out, '\n')); err != nil {
		return err
	}

	s.logger.Info("Config degraded flag written", "forum", forumID, "degraded", degraded)
	if err := s.load(); err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	return nil
}

func setDegraded(raw map[string]any, forumID string, degraded bool) error {
	forums, _ := raw["forums"].([]any)
	if len(forums) == 0 {
		if _, legacy := raw["bot_token"]; legacy && forumID == legacyForumID {
			raw["degraded"] = degraded
			return nil
		}
		return fmt.Errorf("forum %q not found in config", forumID)
	}
	for _, entry := range forums {
		fc, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := fc["forum_id"].(string); id == forumID {
			fc["degraded"] = degraded
			return nil
		}
	}
	return fmt.Errorf("forum %q not found in config", forumID)
}

func writeAtomic(path string, data []byte) error {
	mode := os.FileMode(0o600)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
