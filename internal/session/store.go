// Package session persists workflow state as one JSON document per session
// under a sessions root, plus the per-session directory layout.
package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	ferrors "github.com/calderhq/forge/internal/errors"
	"github.com/calderhq/forge/internal/util"
	"github.com/calderhq/forge/internal/workflow"
)

// DefaultRoot is the default sessions root relative to the project.
const DefaultRoot = ".forge/sessions"

// Store reads and writes session state under a sessions root. The store
// itself does not lock; callers ensure one command per session at a time
// (see Guard).
type Store struct {
	root string
}

// NewStore creates a store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the sessions root directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory for a session.
func (s *Store) Dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// statePath returns the state.json path for a session.
func (s *Store) statePath(sessionID string) string {
	return filepath.Join(s.Dir(sessionID), workflow.StateFileName)
}

// Exists reports whether a session exists.
func (s *Store) Exists(sessionID string) bool {
	_, err := os.Stat(s.statePath(sessionID))
	return err == nil
}

// Save writes state atomically to sessions/<id>/state.json.
func (s *Store) Save(state *workflow.State) error {
	state.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return ferrors.Storage("marshal state", err)
	}
	data = append(data, '\n')

	if err := util.AtomicWriteFile(s.statePath(state.SessionID), data, 0o644); err != nil {
		return ferrors.Storage(fmt.Sprintf("write state for %s", state.SessionID), err)
	}
	return nil
}

// Load reads and validates a session's state. Unknown fields in state.json
// are rejected loudly: schema drift is an error, not a warning.
func (s *Store) Load(sessionID string) (*workflow.State, error) {
	data, err := os.ReadFile(s.statePath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferrors.SessionNotFound(sessionID)
		}
		return nil, ferrors.Storage(fmt.Sprintf("read state for %s", sessionID), err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var state workflow.State
	if err := dec.Decode(&state); err != nil {
		return nil, ferrors.Storage(fmt.Sprintf("parse state for %s", sessionID), err)
	}
	if err := state.Validate(); err != nil {
		return nil, ferrors.Storage(fmt.Sprintf("invalid state for %s", sessionID), err)
	}
	return &state, nil
}

// List returns the IDs of all sessions under the root, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ferrors.Storage("read sessions root", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if s.Exists(entry.Name()) {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
