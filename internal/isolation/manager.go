package isolation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/api"
)

const (
	// Prefix is the reserved naming prefix for every workspace this manager
	// creates. PruneOrphaned identifies leftovers from crashed runs by it.
	Prefix = "loom-ws-"

	// maxNameLen keeps workspace paths inside conservative platform limits.
	maxNameLen = 80
)

// Manager provisions and destroys ephemeral isolated workspaces: one git
// worktree plus branch per parallel branch. It exclusively owns workspace
// lifecycle; nothing else creates or removes sandboxes.
type Manager struct {
	// RepoRoot is the repository the worktrees are carved from.
	RepoRoot string

	// BaseDir is where workspace directories are created. Defaults to a
	// "loom-worktrees" directory next to the repository.
	BaseDir string

	// Logger receives cleanup warnings. Cleanup failures are logged and
	// never returned; they must not block workflow completion.
	Logger *slog.Logger

	// Git runs git commands; swapped out in tests.
	Git Runner

	// suffix generates the collision-resistant name suffix; overridable in
	// tests to force collisions.
	suffix func() string
}

// Runner executes a git command in dir and returns its combined output.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// NewManager creates a Manager for the repository at repoRoot.
func NewManager(repoRoot string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		RepoRoot: repoRoot,
		BaseDir:  filepath.Join(filepath.Dir(repoRoot), "loom-worktrees"),
		Logger:   logger,
		Git:      execRunner{},
		suffix:   func() string { return uuid.NewString()[:6] },
	}
}

// Create provisions a workspace for one step of a run. The name is derived
// from the run and step identifiers plus a short random suffix, truncated
// to respect path-length limits. A naming collision triggers exactly one
// regeneration attempt before the step fails outright.
func (m *Manager) Create(ctx context.Context, runID, stepID string) (*api.Workspace, error) {
	if err := os.MkdirAll(m.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace base dir: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		name := m.workspaceName(runID, stepID)
		path := filepath.Join(m.BaseDir, name)

		if _, err := os.Stat(path); err == nil {
			lastErr = fmt.Errorf("workspace name collision: %s", name)
			continue
		}

		if _, err := m.Git.Run(ctx, m.RepoRoot, "worktree", "add", "-b", name, path, "HEAD"); err != nil {
			lastErr = fmt.Errorf("provision workspace %s: %w", name, err)
			continue
		}

		return &api.Workspace{Path: path, Branch: name}, nil
	}
	return nil, lastErr
}

// Destroy removes the sandbox and, unless keepBranch is set, its branch.
// Failures are logged at warning level and never raised.
func (m *Manager) Destroy(ctx context.Context, ws *api.Workspace, keepBranch bool) {
	if ws == nil {
		return
	}

	if _, err := m.Git.Run(ctx, m.RepoRoot, "worktree", "remove", "--force", ws.Path); err != nil {
		m.Logger.WarnContext(ctx, "workspace cleanup failed",
			slog.String("path", ws.Path),
			slog.Any("error", err),
		)
	}
	// The directory must be gone regardless of what the runner managed.
	_ = os.RemoveAll(ws.Path)

	if !keepBranch {
		if _, err := m.Git.Run(ctx, m.RepoRoot, "branch", "-D", ws.Branch); err != nil {
			m.Logger.WarnContext(ctx, "workspace branch cleanup failed",
				slog.String("branch", ws.Branch),
				slog.Any("error", err),
			)
		}
	}
}

// PruneOrphaned removes sandboxes left behind by a prior crashed process,
// identified by the reserved prefix. Sandboxes whose embedded run prefix
// matches one of the live run IDs are left alone: a paused run may be
// deliberately preserving a conflicted workspace for manual resolution.
// It is idempotent: a second consecutive call with the same live set
// removes nothing. Returns the number of sandboxes removed.
func (m *Manager) PruneOrphaned(ctx context.Context, live []string, keepBranches bool) int {
	liveRuns := make(map[string]bool, len(live))
	for _, id := range live {
		liveRuns[shorten(id, 8)] = true
	}

	entries, err := os.ReadDir(m.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.Logger.WarnContext(ctx, "prune scan failed", slog.Any("error", err))
		}
		return 0
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), Prefix) {
			continue
		}
		if liveRuns[runSegment(e.Name())] {
			continue
		}
		ws := &api.Workspace{
			Path:   filepath.Join(m.BaseDir, e.Name()),
			Branch: e.Name(),
		}
		m.Destroy(ctx, ws, keepBranches)
		removed++
	}

	// Let git forget any worktree records whose directories are gone.
	if _, err := m.Git.Run(ctx, m.RepoRoot, "worktree", "prune"); err != nil {
		m.Logger.WarnContext(ctx, "worktree prune failed", slog.Any("error", err))
	}

	return removed
}

// Merge folds a workspace branch into the current branch of the base
// repository. It returns conflict=true for a non-clean merge, with the
// merge aborted so the base stays clean for a resolution task.
func (m *Manager) Merge(ctx context.Context, ws *api.Workspace) (conflict bool, err error) {
	out, err := m.Git.Run(ctx, m.RepoRoot, "merge", "--no-ff", "--no-edit", ws.Branch)
	if err == nil {
		return false, nil
	}
	if strings.Contains(strings.ToLower(out), "conflict") {
		_, _ = m.Git.Run(ctx, m.RepoRoot, "merge", "--abort")
		return true, nil
	}
	return false, fmt.Errorf("merge branch %s: %w", ws.Branch, err)
}

func (m *Manager) workspaceName(runID, stepID string) string {
	name := Prefix + shorten(runID, 8) + "-" + sanitize(stepID) + "-" + m.suffix()
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	return name
}

// runSegment extracts the run-ID prefix embedded in a workspace name by
// workspaceName. Run IDs are hex-prefixed UUIDs, so the first dash after
// the reserved prefix always terminates the run segment.
func runSegment(name string) string {
	rest := strings.TrimPrefix(name, Prefix)
	if i := strings.IndexByte(rest, '-'); i >= 0 {
		return rest[:i]
	}
	return rest
}

func shorten(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// sanitize maps a step identifier onto characters safe for both branch
// names and directory names.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
