// Package sprint turns tracker state into the daemon's local sprint
// plan: the durable state file, the issue prioritizer, and the planner
// that refreshes local state from the tracker while preserving the
// fields only the daemon knows about.
package sprint

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sprintbot/sprintbot/internal/logging"
	"github.com/sprintbot/sprintbot/internal/types"
	"github.com/sprintbot/sprintbot/internal/utils"
)

// Store owns the sprint state file. The daemon is the only writer; the
// mutex serializes the loop and IPC handlers within the process, and the
// atomic rename is the serialization point for outside readers.
type Store struct {
	path string
	mu   sync.Mutex
	log  zerolog.Logger
	now  func() time.Time
}

func NewStore(path string) *Store {
	return &Store{
		path: path,
		log:  logging.Component("state"),
		now:  time.Now,
	}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the state file. A missing file yields an empty default
// state; a legacy botEnabled field is migrated in memory and rewritten
// on the next persist.
func (s *Store) Load() (*types.SprintState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &types.SprintState{Issues: []types.SprintIssue{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sprint state: %w", err)
	}

	var st types.SprintState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse sprint state: %w", err)
	}
	s.migrateLegacy(data, &st)
	if st.Issues == nil {
		st.Issues = []types.SprintIssue{}
	}
	return &st, nil
}

// Save stamps lastUpdated and writes the document atomically. On failure
// the previous file contents remain intact.
func (s *Store) Save(st *types.SprintState) error {
	st.LastUpdated = s.now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sprint state: %w", err)
	}
	if err := utils.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write sprint state: %w", err)
	}
	return nil
}

// Update runs one load-mutate-save cycle under the store lock. The
// mutation never touches disk state unless it succeeds.
func (s *Store) Update(fn func(*types.SprintState) error) (*types.SprintState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.Load()
	if err != nil {
		return nil, err
	}
	if err := fn(st); err != nil {
		return nil, err
	}
	if err := s.Save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// migrateLegacy derives the new mode fields from botEnabled when the new
// fields are absent from the document.
func (s *Store) migrateLegacy(data []byte, st *types.SprintState) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	legacy, ok := raw["botEnabled"]
	if !ok {
		return
	}
	if _, hasNew := raw["automaticMode"]; hasNew {
		return
	}
	var enabled bool
	if err := json.Unmarshal(legacy, &enabled); err != nil {
		return
	}
	st.AutomaticMode = enabled
	st.ManuallyStarted = false
	s.log.Info().Bool("botEnabled", enabled).Msg("migrated legacy botEnabled field")
}
