// Package store persists session snapshots to a single local file so
// sessions survive restarts. Writes are serialized and atomic (temp file +
// fsync + rename).
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawdeck/internal/worktree"
)

// PersistedSession is one session's durable record.
type PersistedSession struct {
	PlatformID                  string         `json:"platformId"`
	ThreadID                    string         `json:"threadId"`
	SessionID                   string         `json:"sessionId"`
	ChildSessionID              string         `json:"claudeSessionId,omitempty"`
	WorkingDir                  string         `json:"workingDir"`
	Worktree                    *worktree.Info `json:"worktreeInfo,omitempty"`
	StartedBy                   string         `json:"startedBy"`
	AllowedUsers                []string       `json:"allowedUsers"`
	StartedAt                   time.Time      `json:"startedAt"`
	LastActivityAt              time.Time      `json:"lastActivityAt"`
	PlanApproved                bool           `json:"planApproved"`
	ForceInteractivePermissions bool           `json:"forceInteractivePermissions"`
	MessageCount                int            `json:"messageCount"`
	SessionStartPostID          string         `json:"sessionStartPostId,omitempty"`
	SessionTitle                string         `json:"sessionTitle,omitempty"`
	LifecycleState              string         `json:"lifecycleState"`
}

// Snapshot is the full persisted state.
type Snapshot struct {
	Sessions        []PersistedSession `json:"sessions"`
	PlatformEnabled map[string]bool    `json:"platformEnabled"`
	SavedAt         time.Time          `json:"savedAt"`
}

// Store writes snapshots to one file under dir.
type Store struct {
	mu   sync.Mutex
	path string
}

const fileName = "sessions.json"

// New creates the storage directory and returns a Store.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Store{path: filepath.Join(dir, fileName)}, nil
}

// Save writes the snapshot atomically. Concurrent callers are serialized.
func (s *Store) Save(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.SavedAt = time.Now()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	cleanup = false
	return nil
}

// Load reads the latest snapshot. A missing file yields an empty snapshot.
func (s *Store) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{PlatformEnabled: map[string]bool{}}, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if snap.PlatformEnabled == nil {
		snap.PlatformEnabled = map[string]bool{}
	}
	return &snap, nil
}
