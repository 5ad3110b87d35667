package sitemap

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
	"go.uber.org/zap"
)

// DefaultClipboardLimit bounds each clipboard list when no limit is configured.
const DefaultClipboardLimit = 10

// ClipboardKind selects a clipboard partition.
type ClipboardKind string

const (
	ClipboardModified ClipboardKind = "modified"
	ClipboardDeleted  ClipboardKind = "deleted"
)

// ClipboardEntry is a remembered node identity with the display fields last seen for it.
type ClipboardEntry struct {
	ID             string `json:"id"`
	LastKnownName  string `json:"lastKnownName"`
	LastKnownPath  string `json:"lastKnownPath"`
	LastKnownTitle string `json:"lastKnownTitle,omitempty"`
}

// ClipboardState is the per-editor record of recent modifications and deletions, newest first.
// It is owned by the caller, which loads and persists it around each request.
type ClipboardState struct {
	Modified []ClipboardEntry `json:"modified"`
	Deleted  []ClipboardEntry `json:"deleted"`
}

// ClipboardTracker maintains ClipboardState values against the node repository.
type ClipboardTracker struct {
	repository NodeRepository
	maxEntries int
	logger     *zap.Logger
}

// NewClipboardTracker constructs a tracker keeping at most maxEntries per partition.
func NewClipboardTracker(repository NodeRepository, maxEntries int, logger *zap.Logger) *ClipboardTracker {
	if maxEntries <= 0 {
		maxEntries = DefaultClipboardLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClipboardTracker{repository: repository, maxEntries: maxEntries, logger: logger}
}

// Record adds ids to the kind partition of state. Ids already present move to the front. Ids
// that cannot be resolved are skipped.
func (t *ClipboardTracker) Record(ctx context.Context, state *ClipboardState, ids []string, kind ClipboardKind) {
	if state == nil {
		return
	}
	target := &state.Modified
	other := &state.Deleted
	if kind == ClipboardDeleted {
		target, other = other, target
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		node, err := t.repository.ReadByID(ctx, id, store.ReadOptions{IncludeDeleted: true})
		if err != nil {
			t.logger.Debug("clipboard entry skipped", zap.String("node_id", id), zap.Error(err))
			continue
		}
		*other = removeEntry(*other, id)
		*target = append([]ClipboardEntry{entryFor(node)}, removeEntry(*target, id)...)
	}
	if len(*target) > t.maxEntries {
		*target = (*target)[:t.maxEntries]
	}
}

// CurrentState reconciles state with the repository: modified entries whose node vanished are
// dropped, deleted entries whose node is gone or restored are dropped, and surviving entries get
// fresh display fields. Lookup failures other than absence keep the entry unchanged.
func (t *ClipboardTracker) CurrentState(ctx context.Context, state ClipboardState) ClipboardState {
	current := ClipboardState{
		Modified: make([]ClipboardEntry, 0, len(state.Modified)),
		Deleted:  make([]ClipboardEntry, 0, len(state.Deleted)),
	}
	for _, entry := range state.Modified {
		node, err := t.repository.ReadByID(ctx, entry.ID, store.ReadOptions{})
		switch {
		case errors.Is(err, store.ErrNotFound):
			continue
		case err != nil:
			t.logStale(entry, err)
			current.Modified = append(current.Modified, entry)
		default:
			current.Modified = append(current.Modified, entryFor(node))
		}
	}
	for _, entry := range state.Deleted {
		node, err := t.repository.ReadByID(ctx, entry.ID, store.ReadOptions{IncludeDeleted: true})
		switch {
		case errors.Is(err, store.ErrNotFound):
			continue
		case err != nil:
			t.logStale(entry, err)
			current.Deleted = append(current.Deleted, entry)
		case !node.Deleted():
			continue
		default:
			current.Deleted = append(current.Deleted, entryFor(node))
		}
	}
	return current
}

// Relocate rewrites entry ids through mapping, used after split and merge recreate nodes.
func (t *ClipboardTracker) Relocate(state *ClipboardState, mapping map[string]string) {
	if state == nil || len(mapping) == 0 {
		return
	}
	relocate := func(entries []ClipboardEntry) []ClipboardEntry {
		for index := range entries {
			if replacement, ok := mapping[entries[index].ID]; ok {
				entries[index].ID = replacement
			}
		}
		return dedupeEntries(entries)
	}
	state.Modified = relocate(state.Modified)
	state.Deleted = relocate(state.Deleted)
}

func (t *ClipboardTracker) logStale(entry ClipboardEntry, err error) {
	t.logger.Warn("clipboard entry not refreshed",
		zap.String("operation", opClipboard),
		zap.String("node_id", entry.ID),
		zap.Error(err))
}

func entryFor(node store.Node) ClipboardEntry {
	return ClipboardEntry{
		ID:             node.ID,
		LastKnownName:  node.Name,
		LastKnownPath:  node.Path,
		LastKnownTitle: node.Title,
	}
}

func removeEntry(entries []ClipboardEntry, id string) []ClipboardEntry {
	filtered := make([]ClipboardEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.ID != id {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

func dedupeEntries(entries []ClipboardEntry) []ClipboardEntry {
	seen := make(map[string]bool, len(entries))
	filtered := make([]ClipboardEntry, 0, len(entries))
	for _, entry := range entries {
		if seen[entry.ID] {
			continue
		}
		seen[entry.ID] = true
		filtered = append(filtered, entry)
	}
	return filtered
}
