package sitemap

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SplitResult identifies the subtree created by a split.
type SplitResult struct {
	SubtreeRootID string
	SubtreePath   string
	Timestamp     time.Time
	// Relocated maps the ids of the moved descendants to their recreated ids.
	Relocated map[string]string
}

// SubtreeSplitter promotes the descendants of a folder into an independently addressable subtree
// and turns the folder into a boundary node.
type SubtreeSplitter struct {
	copier      subtreeCopier
	subtreeRoot string
	clock       func() time.Time
	logger      *zap.Logger
}

// Split recreates the descendants of entryID below <subtree root>/<name>, removes them from the
// original tree and marks the entry as a boundary. The steps are separate writes: a failure
// after the first write is reported as a partial application, and calling Split again with the
// same arguments resumes it.
func (s *SubtreeSplitter) Split(ctx context.Context, owner, entryID, name string) (result SplitResult, err error) {
	ctx, span := startSpan(ctx, "sitemap.split", attribute.String("entry.id", entryID))
	defer func() {
		subtreeOperationsTotal.WithLabelValues("split", resultLabel(err)).Inc()
		endSpan(span, err)
	}()

	if err := store.ValidateName(name); err != nil {
		return SplitResult{}, classify(opSplit, err)
	}
	repository := s.copier.repository
	entry, err := repository.ReadByID(ctx, entryID, store.ReadOptions{})
	if err != nil {
		return SplitResult{}, classify(opSplit, err).forID(entryID)
	}
	switch entry.Kind {
	case store.KindFolder:
	case store.KindBoundary:
		return SplitResult{}, newServiceError(opSplit, "already_boundary", ErrInvalidTransition, nil).forNode(entry)
	default:
		return SplitResult{}, newServiceError(opSplit, "not_folder", ErrInvalidTransition, nil).forNode(entry)
	}
	descendants, err := collectPreOrder(ctx, repository, entry)
	if err != nil {
		return SplitResult{}, classify(opSplit, err).forNode(entry)
	}

	subtreePath := store.JoinPath(s.subtreeRoot, name)
	subtreeRoot, found, err := s.findSubtreeRoot(ctx, entry, subtreePath)
	if err != nil {
		return SplitResult{}, err
	}
	if len(descendants) == 0 && !found {
		return SplitResult{}, newServiceError(opSplit, "no_children", ErrInvalidTransition, nil).forNode(entry)
	}

	work := &progress{operation: opSplit}
	if !found {
		subtreeRoot, err = s.createSubtreeRoot(ctx, owner, entry, name, work)
		if err != nil {
			return SplitResult{}, err
		}
	}

	copied, err := s.copier.copyDescendants(ctx, owner, descendants, entry, subtreeRoot, false, work)
	if err != nil {
		return SplitResult{}, err
	}
	if err := s.copier.retarget(ctx, copied, work); err != nil {
		return SplitResult{}, err
	}
	if err := s.copier.removeChildren(ctx, owner, entry, descendants, work); err != nil {
		return SplitResult{}, err
	}
	if err := s.copier.markBoundary(ctx, owner, entry, subtreeRoot.ID, work); err != nil {
		return SplitResult{}, err
	}
	s.logger.Info("subtree split",
		zap.String("entry_id", entry.ID),
		zap.String("entry_path", entry.Path),
		zap.String("subtree_path", subtreeRoot.Path),
		zap.Int("descendants", len(copied)),
		zap.Int("writes", work.completed))
	return SplitResult{
		SubtreeRootID: subtreeRoot.ID,
		SubtreePath:   subtreeRoot.Path,
		Timestamp:     s.clock().UTC(),
		Relocated:     relocations(copied),
	}, nil
}

// findSubtreeRoot looks for a subtree root left by an earlier split of the same entry.
func (s *SubtreeSplitter) findSubtreeRoot(ctx context.Context, entry store.Node, subtreePath string) (store.Node, bool, error) {
	existing, err := s.copier.repository.ReadByPath(ctx, subtreePath, store.ReadOptions{IncludeDeleted: true})
	if errors.Is(err, store.ErrNotFound) {
		return store.Node{}, false, nil
	}
	if err != nil {
		return store.Node{}, false, classify(opSplit, err)
	}
	if existing.OwnProperties[store.PropertySubtreeSource] != entry.ID || existing.Deleted() {
		return store.Node{}, false, newServiceError(opSplit, "subtree_name_taken", ErrInvalidTransition, nil).forNode(existing)
	}
	return existing, true, nil
}

func (s *SubtreeSplitter) createSubtreeRoot(ctx context.Context, owner string, entry store.Node, name string, work *progress) (store.Node, error) {
	repository := s.copier.repository
	container, err := repository.ReadByPath(ctx, s.subtreeRoot, store.ReadOptions{})
	if errors.Is(err, store.ErrNotFound) {
		container, err = repository.Create(ctx, store.CreateRequest{
			ParentPath: store.ParentPath(s.subtreeRoot),
			Name:       store.BaseName(s.subtreeRoot),
			Kind:       store.KindFolder,
		})
		if err == nil {
			work.completed++
		}
	}
	if err != nil {
		return store.Node{}, work.fail("create_subtree_root", err)
	}

	created, err := s.copier.applier.Apply(ctx, owner, CreateChange{
		ParentID:           container.ID,
		Name:               name,
		EntryKind:          store.KindFolder,
		CopySourceID:       entry.ID,
		OmitFromNavigation: true,
	})
	if err != nil {
		return store.Node{}, work.fail("create_subtree_root", err)
	}
	work.completed++

	err = withLocks(ctx, opSplit, repository, owner, s.logger, func(locks *lockSet) error {
		if err := locks.acquire(ctx, created.Node.ID); err != nil {
			return err
		}
		source := entry.ID
		return repository.WriteProperties(ctx, created.Node.ID, store.PropertyDelta{store.PropertySubtreeSource: &source})
	})
	if err != nil {
		return store.Node{}, work.fail("create_subtree_root", err)
	}
	work.completed++

	root, err := repository.ReadByID(ctx, created.Node.ID, store.ReadOptions{})
	if err != nil {
		return store.Node{}, work.fail("create_subtree_root", err)
	}
	return root, nil
}
