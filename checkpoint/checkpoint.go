// Package checkpoint persists per-watcher state used to enforce
// at-most-once intake creation: the last seen upstream id, a bounded
// ring of processed ids, health, and the blocked-episode marker.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RingSize bounds the processed-id ring.
const RingSize = 500

// Health is a watcher's reported condition.
type Health string

// Health values.
const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
	Offline  Health = "offline"
)

// Checkpoint is one watcher's persistent record. Updates are written
// after the intake file is durably on disk, so a crash may re-create an
// intake; the (source, id) uniqueness check then discards the duplicate.
type Checkpoint struct {
	LastSeenID   string     `json:"last_seen_id,omitempty"`
	LastRunAt    time.Time  `json:"last_run_at"`
	ProcessedIDs []string   `json:"processed_ids,omitempty"`
	Health       Health     `json:"health"`
	BlockedSince *time.Time `json:"blocked_since,omitempty"`
}

// Seen reports whether id is in the processed ring.
func (c *Checkpoint) Seen(id string) bool {
	for _, p := range c.ProcessedIDs {
		if p == id {
			return true
		}
	}
	return false
}

// MarkProcessed appends id to the ring, evicting the oldest entries
// beyond RingSize.
func (c *Checkpoint) MarkProcessed(id string) {
	if c.Seen(id) {
		return
	}
	c.ProcessedIDs = append(c.ProcessedIDs, id)
	if over := len(c.ProcessedIDs) - RingSize; over > 0 {
		c.ProcessedIDs = c.ProcessedIDs[over:]
	}
}

// Block records the start of a blocked episode. It returns true the
// first time within an episode, which is when the single remediation
// intake must be created.
func (c *Checkpoint) Block(now time.Time) bool {
	c.Health = Degraded
	if c.BlockedSince != nil {
		return false
	}
	t := now.UTC()
	c.BlockedSince = &t
	return true
}

// Unblock clears the blocked episode and restores health.
func (c *Checkpoint) Unblock() {
	c.BlockedSince = nil
	c.Health = Healthy
}

// Store persists checkpoints as JSON files in a state directory.
type Store struct {
	dir string
}

// NewStore creates a checkpoint store rooted at dir, creating it if
// needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".checkpoint.json")
}

// Load reads the named checkpoint. A missing file yields a fresh
// healthy checkpoint.
func (s *Store) Load(name string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return &Checkpoint{Health: Healthy}, nil
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", name, err)
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", name, err)
	}
	if c.Health == "" {
		c.Health = Healthy
	}
	return &c, nil
}

// Save writes the named checkpoint atomically.
func (s *Store) Save(name string, c *Checkpoint) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", name, err)
	}
	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", name, err)
	}
	if err := os.Rename(tmp, s.path(name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace checkpoint %s: %w", name, err)
	}
	return nil
}
