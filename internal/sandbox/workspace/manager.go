package workspace

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const removeAttempts = 3

// Manager creates and destroys workspaces under a single root and keeps the
// set of directories it currently owns.
type Manager struct {
	root  string
	owned mapset.Set[string]
	// retryDelay is the base backoff between RemoveAll attempts.
	retryDelay time.Duration
}

// NewManager prepares the root directory.
func NewManager(root string) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, appErr.ValidationError("work_root", "required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "resolve work root failed")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "create work root failed")
	}
	return &Manager{
		root:       abs,
		owned:      mapset.NewSet[string](),
		retryDelay: 50 * time.Millisecond,
	}, nil
}

// Root returns the absolute root directory.
func (m *Manager) Root() string { return m.root }

// Create allocates a uniquely named directory owned by sessionID.
func (m *Manager) Create(sessionID string) (*Workspace, error) {
	id := uuid.NewString()
	name := id
	if sessionID != "" {
		name = sanitize(sessionID) + "-" + id
	}
	dir := filepath.Join(m.root, name)
	// Registered before it exists so a concurrent sweep never sees an unowned dir.
	m.owned.Add(dir)
	if err := os.Mkdir(dir, 0o755); err != nil {
		m.owned.Remove(dir)
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "create workspace failed")
	}
	return &Workspace{ID: id, SessionID: sessionID, Dir: dir}, nil
}

// Destroy removes the workspace directory. Safe to call more than once.
func (m *Manager) Destroy(ctx context.Context, ws *Workspace) error {
	if ws == nil {
		return nil
	}
	err := m.remove(ws.Dir)
	if err != nil {
		logger.Warn(ctx, "remove workspace failed", zap.String("dir", ws.Dir), zap.Error(err))
		// Dropped from the owned set so the next sweep retries the removal.
		m.owned.Remove(ws.Dir)
		return appErr.Wrapf(err, appErr.WorkspaceError, "remove workspace failed")
	}
	m.owned.Remove(ws.Dir)
	return nil
}

// Owned reports whether dir is a live workspace.
func (m *Manager) Owned(dir string) bool {
	return m.owned.Contains(dir)
}

// Count returns the number of live workspaces.
func (m *Manager) Count() int {
	return m.owned.Cardinality()
}

// Sweep removes directories under the root that no live workspace owns.
// It returns the number of directories removed.
func (m *Manager) Sweep(ctx context.Context) int {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn(ctx, "scan work root failed", zap.String("root", m.root), zap.Error(err))
		}
		return 0
	}
	removed := 0
	for _, entry := range entries {
		dir := filepath.Join(m.root, entry.Name())
		if m.Owned(dir) {
			continue
		}
		if err := m.remove(dir); err != nil {
			logger.Warn(ctx, "remove orphaned workspace failed", zap.String("dir", dir), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info(ctx, "orphaned workspaces purged", zap.Int("count", removed))
	}
	return removed
}

// DestroyAll drops ownership of every workspace and empties the root.
func (m *Manager) DestroyAll(ctx context.Context) int {
	m.owned.Clear()
	return m.Sweep(ctx)
}

func (m *Manager) remove(dir string) error {
	clean := filepath.Clean(dir)
	if clean == m.root || !strings.HasPrefix(clean, m.root+string(filepath.Separator)) {
		return appErr.Newf(appErr.WorkspaceError, "refusing to remove %s outside work root", dir)
	}
	var err error
	for attempt := 1; attempt <= removeAttempts; attempt++ {
		err = os.RemoveAll(clean)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		// Read-only trees (e.g. Go module caches) need write permission first.
		_ = filepath.WalkDir(clean, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr == nil && d.IsDir() {
				_ = os.Chmod(path, 0o755)
			}
			return nil
		})
		time.Sleep(time.Duration(attempt) * m.retryDelay)
	}
	return err
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
