// Package engram persists session checkpoints as an append-only tree of
// JSON files, one file per engram, indexed in the graph store for
// replay.
package engram

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"membria/internal/logging"
	"membria/internal/store"
	"membria/internal/types"
)

// Writer appends engrams under <dir>/<branch>/<id>.json.
type Writer struct {
	store  *store.GraphStore
	ns     types.Namespace
	dir    string
	branch string
}

// New builds a writer rooted at dir. An empty branch defaults to main.
func New(s *store.GraphStore, ns types.Namespace, dir, branch string) *Writer {
	if branch == "" {
		branch = "main"
	}
	return &Writer{store: s, ns: ns, dir: dir, branch: branch}
}

// Append writes one engram file and indexes it. Files are never
// rewritten; a colliding id is an error.
func (w *Writer) Append(e *types.Engram) (string, error) {
	if e.SessionID == "" {
		return "", fmt.Errorf("%w: engram session id is required", types.ErrInvalidArgument)
	}
	if e.ID == "" {
		e.ID = types.NewEngramID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Branch == "" {
		e.Branch = w.branch
	}
	e.Namespace = w.ns

	branchDir := filepath.Join(w.dir, e.Branch)
	if err := os.MkdirAll(branchDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create engram dir: %w", err)
	}
	path := filepath.Join(branchDir, e.ID+".json")

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal engram: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("%w: engram %s already written", types.ErrConflict, e.ID)
		}
		return "", fmt.Errorf("failed to create engram file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("failed to write engram file: %w", err)
	}

	ref := &store.EngramRef{
		ID: e.ID, Namespace: w.ns, SessionID: e.SessionID,
		Branch: e.Branch, Path: path, CreatedAt: e.Timestamp,
	}
	if err := w.store.AddEngramRef(ref); err != nil {
		return "", err
	}
	logging.Get(logging.CategoryMemory).Debug("engram %s appended for session %s", e.ID, e.SessionID)
	return path, nil
}

// Load reads one engram back by id.
func (w *Writer) Load(id string) (*types.Engram, error) {
	path := filepath.Join(w.dir, w.branch, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: engram %s", types.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read engram %s: %w", id, err)
	}
	var e types.Engram
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse engram %s: %w", id, err)
	}
	return &e, nil
}

// Replay loads a session's engrams in write order.
func (w *Writer) Replay(sessionID string) ([]*types.Engram, error) {
	refs, err := w.store.ListEngramRefs(w.ns, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Engram, 0, len(refs))
	for _, ref := range refs {
		data, err := os.ReadFile(ref.Path)
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn("engram file %s unreadable: %v", ref.Path, err)
			continue
		}
		var e types.Engram
		if err := json.Unmarshal(data, &e); err != nil {
			logging.Get(logging.CategoryMemory).Warn("engram file %s corrupt: %v", ref.Path, err)
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}
