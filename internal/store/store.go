// Package store persists the three state shards (users, messages,
// settings) as JSON files per replica id, mirroring the layout
// database/users_<id>.json, messages_<id>.json, settings_<id>.json.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adred-codev/replichat/internal/types"
	"github.com/rs/zerolog"
)

// Store reads and writes one replica's shards under a base directory.
type Store struct {
	dir    string
	id     string
	logger zerolog.Logger
}

// New creates a store rooted at dir for the given replica id. The
// directory is created on first use.
func New(dir, id string, logger zerolog.Logger) *Store {
	return &Store{
		dir:    dir,
		id:     id,
		logger: logger.With().Str("component", "store").Str("replica_id", id).Logger(),
	}
}

func (s *Store) usersPath() string {
	return filepath.Join(s.dir, fmt.Sprintf("users_%s.json", s.id))
}

func (s *Store) messagesPath() string {
	return filepath.Join(s.dir, fmt.Sprintf("messages_%s.json", s.id))
}

func (s *Store) settingsPath() string {
	return filepath.Join(s.dir, fmt.Sprintf("settings_%s.json", s.id))
}

// Load reads all three shards. A shard that is absent or malformed is
// replaced by its typed empty default and rewritten on disk. Sessions do
// not survive restart: every loaded user is forced logged-out.
func (s *Store) Load() (map[string]types.User, types.MessageStore, types.Settings, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, types.MessageStore{}, types.Settings{}, fmt.Errorf("create database dir: %w", err)
	}

	users := map[string]types.User{}
	if err := s.loadShard(s.usersPath(), &users, map[string]types.User{}); err != nil {
		return nil, types.MessageStore{}, types.Settings{}, err
	}
	for name, u := range users {
		if u.LoggedIn {
			u.LoggedIn = false
			u.Addr = nil
			users[name] = u
		}
	}

	messages := types.MessageStore{Undelivered: []types.Message{}, Delivered: []types.Message{}}
	if err := s.loadShard(s.messagesPath(), &messages, types.MessageStore{
		Undelivered: []types.Message{},
		Delivered:   []types.Message{},
	}); err != nil {
		return nil, types.MessageStore{}, types.Settings{}, err
	}

	settings := types.Settings{}
	if err := s.loadShard(s.settingsPath(), &settings, types.Settings{}); err != nil {
		return nil, types.MessageStore{}, types.Settings{}, err
	}

	return users, messages, settings, nil
}

// loadShard decodes one shard file into out. On a missing or unreadable
// file the default value is written back and decoded instead.
func (s *Store) loadShard(path string, out any, def any) error {
	raw, err := os.ReadFile(path)
	if err == nil {
		if jsonErr := json.Unmarshal(raw, out); jsonErr == nil {
			return nil
		}
		s.logger.Warn().Str("path", path).Msg("Shard file malformed, resetting to default")
	}

	defRaw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal default shard: %w", err)
	}
	if err := writeAtomic(path, defRaw); err != nil {
		return fmt.Errorf("rewrite shard %s: %w", path, err)
	}
	return json.Unmarshal(defRaw, out)
}

// Save writes all three shards. Each shard is written to a temp file and
// renamed into place so a crash never leaves a half-written file. Shards
// are not atomic with respect to each other.
func (s *Store) Save(users map[string]types.User, messages types.MessageStore, settings types.Settings) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	if err := saveShard(s.usersPath(), users); err != nil {
		return err
	}
	if err := saveShard(s.messagesPath(), messages); err != nil {
		return err
	}
	return saveShard(s.settingsPath(), settings)
}

func saveShard(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal shard %s: %w", path, err)
	}
	if err := writeAtomic(path, raw); err != nil {
		return fmt.Errorf("write shard %s: %w", path, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
