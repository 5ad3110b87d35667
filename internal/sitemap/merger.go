package sitemap

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// MergeResult describes a subtree folded back into its boundary node.
type MergeResult struct {
	// MergedChildren are the direct children of the former boundary node after the merge.
	MergedChildren []NodeView
	Timestamp      time.Time
	// Relocated maps the ids of the subtree descendants to their recreated ids.
	Relocated map[string]string
}

// SubtreeMerger folds a promoted subtree back below its boundary node.
type SubtreeMerger struct {
	copier subtreeCopier
	clock  func() time.Time
	logger *zap.Logger
}

// Merge recreates the subtree's descendants below the boundary node in the same pre-order,
// removes the subtree root physically and then clears the boundary marker. A boundary whose
// subtree root no longer exists only has its marker cleared, which is also how a merge that
// failed after removing the subtree root is resumed.
func (m *SubtreeMerger) Merge(ctx context.Context, owner, boundaryID string) (result MergeResult, err error) {
	ctx, span := startSpan(ctx, "sitemap.merge", attribute.String("boundary.id", boundaryID))
	defer func() {
		subtreeOperationsTotal.WithLabelValues("merge", resultLabel(err)).Inc()
		endSpan(span, err)
	}()

	repository := m.copier.repository
	boundary, err := repository.ReadByID(ctx, boundaryID, store.ReadOptions{})
	if err != nil {
		return MergeResult{}, classify(opMerge, err).forID(boundaryID)
	}
	if boundary.Kind != store.KindBoundary {
		return MergeResult{}, newServiceError(opMerge, "not_boundary", ErrInvalidTransition, nil).forNode(boundary)
	}

	work := &progress{operation: opMerge}
	var copied []copiedNode
	var descendants []store.Node
	subtreeRoot, err := repository.ReadByID(ctx, boundary.SubtreeRef, store.ReadOptions{})
	switch {
	case errors.Is(err, store.ErrNotFound):
		m.logger.Warn("subtree root missing, clearing boundary marker",
			zap.String("boundary_id", boundary.ID),
			zap.String("subtree_ref", boundary.SubtreeRef))
	case err != nil:
		return MergeResult{}, classify(opMerge, err).forNode(boundary)
	default:
		descendants, err = collectPreOrder(ctx, repository, subtreeRoot)
		if err != nil {
			return MergeResult{}, classify(opMerge, err).forNode(subtreeRoot)
		}
		copied, err = m.copier.copyDescendants(ctx, owner, descendants, subtreeRoot, boundary, true, work)
		if err != nil {
			return MergeResult{}, err
		}
		if err := m.copier.retarget(ctx, copied, work); err != nil {
			return MergeResult{}, err
		}
	}

	if subtreeRoot.ID != "" {
		if err := m.removeSubtreeRoot(ctx, owner, subtreeRoot, boundary, descendants, work); err != nil {
			return MergeResult{}, err
		}
	}
	if err := m.clearBoundary(ctx, owner, boundary, work); err != nil {
		return MergeResult{}, err
	}

	children, err := repository.ReadChildren(ctx, boundary.Path, store.ReadOptions{})
	if err != nil {
		return MergeResult{}, work.fail("read_children", err)
	}
	merged := make([]NodeView, 0, len(children))
	for _, child := range children {
		merged = append(merged, newNodeView(child))
	}
	m.logger.Info("subtree merged",
		zap.String("boundary_id", boundary.ID),
		zap.String("boundary_path", boundary.Path),
		zap.Int("descendants", len(copied)),
		zap.Int("writes", work.completed))
	return MergeResult{
		MergedChildren: merged,
		Timestamp:      m.clock().UTC(),
		Relocated:      relocations(copied),
	}, nil
}

func (m *SubtreeMerger) clearBoundary(ctx context.Context, owner string, boundary store.Node, work *progress) error {
	repository := m.copier.repository
	return withLocks(ctx, opMerge, repository, owner, m.logger, func(locks *lockSet) error {
		if err := locks.acquire(ctx, boundary.ID); err != nil {
			return work.fail("clear_boundary", err)
		}
		if err := repository.WriteProperties(ctx, boundary.ID, store.PropertyDelta{store.PropertySubtreeRef: nil}); err != nil {
			return work.fail("clear_boundary", err)
		}
		work.completed++
		if err := repository.RemoveReference(ctx, boundary.ID, boundary.SubtreeRef); err != nil {
			return work.fail("clear_boundary", err)
		}
		work.completed++
		if boundary.State == store.StateUnchanged {
			if err := repository.WriteState(ctx, boundary.ID, store.StateModified); err != nil {
				return work.fail("clear_boundary", err)
			}
			work.completed++
		}
		return nil
	})
}

// removeSubtreeRoot drops the boundary's configuration link, hands remaining references to the
// subtree root over to the boundary node and deletes the subtree root with everything below it.
func (m *SubtreeMerger) removeSubtreeRoot(ctx context.Context, owner string, subtreeRoot, boundary store.Node, descendants []store.Node, work *progress) error {
	repository := m.copier.repository
	return withLocks(ctx, opMerge, repository, owner, m.logger, func(locks *lockSet) error {
		if err := locks.acquire(ctx, boundary.ID); err != nil {
			return work.fail("remove_subtree_root", err)
		}
		if err := locks.acquire(ctx, subtreeRoot.ID); err != nil {
			return work.fail("remove_subtree_root", err)
		}
		for _, descendant := range descendants {
			if err := locks.acquire(ctx, descendant.ID); err != nil {
				return work.fail("remove_subtree_root", err)
			}
		}
		if err := repository.RemoveReference(ctx, boundary.ID, subtreeRoot.ID); err != nil {
			return work.fail("remove_subtree_root", err)
		}
		if err := repository.RetargetReferences(ctx, subtreeRoot.ID, boundary.ID); err != nil {
			return work.fail("remove_subtree_root", err)
		}
		if err := repository.Delete(ctx, subtreeRoot.ID, store.DeleteHard); err != nil {
			return work.fail("remove_subtree_root", err)
		}
		work.completed++
		return nil
	})
}
