package sitemap

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
	"go.uber.org/zap"
)

// DefaultSubtreeRoot is the folder below which promoted subtrees are created.
const DefaultSubtreeRoot = "/subtrees"

// progress counts persisted writes of a multi-step operation.
type progress struct {
	operation string
	completed int
}

func (p *progress) fail(step string, err error) error {
	return partial(p.operation, step, p.completed, err)
}

// copiedNode pairs an original node with its recreation.
type copiedNode struct {
	original store.Node
	copy     store.Node
}

// subtreeCopier recreates pre-ordered descendants below another node through the change
// applier. Targets that already exist are reused, so an interrupted copy can be resumed.
type subtreeCopier struct {
	repository NodeRepository
	applier    *ChangeApplier
	properties PropertyReconciler
	logger     *zap.Logger
}

func (c subtreeCopier) copyDescendants(ctx context.Context, owner string, descendants []store.Node, fromRoot, toRoot store.Node, allowBoundaryParent bool, work *progress) ([]copiedNode, error) {
	parentFor := map[string]string{fromRoot.Path: toRoot.ID}
	copied := make([]copiedNode, 0, len(descendants))
	for _, original := range descendants {
		parentID, ok := parentFor[original.ParentPath]
		if !ok {
			continue
		}
		targetPath := store.Rebase(original.Path, fromRoot.Path, toRoot.Path)
		existing, err := c.repository.ReadByPath(ctx, targetPath, store.ReadOptions{IncludeDeleted: true})
		switch {
		case err == nil:
			c.logger.Debug("subtree copy target reused", zap.String("path", targetPath))
		case errors.Is(err, store.ErrNotFound):
			kind := original.Kind
			if kind == store.KindBoundary {
				kind = store.KindFolder
			}
			result, err := c.applier.Apply(ctx, owner, CreateChange{
				ParentID:            parentID,
				Name:                original.Name,
				EntryKind:           kind,
				Properties:          c.properties.Snapshot(original),
				TargetIndex:         AppendIndex,
				OmitFromNavigation:  !original.InNavigation(),
				allowBoundaryParent: allowBoundaryParent,
			})
			if err != nil {
				return copied, work.fail("create_descendant", err)
			}
			work.completed++
			existing, err = c.repository.ReadByID(ctx, result.Node.ID, store.ReadOptions{})
			if err != nil {
				return copied, work.fail("create_descendant", err)
			}
		default:
			return copied, work.fail("create_descendant", err)
		}

		if original.Kind == store.KindBoundary && existing.SubtreeRef != original.SubtreeRef {
			if err := c.markBoundary(ctx, owner, existing, original.SubtreeRef, work); err != nil {
				return copied, err
			}
		}
		parentFor[original.Path] = existing.ID
		copied = append(copied, copiedNode{original: original, copy: existing})
	}
	return copied, nil
}

// markBoundary turns node into a boundary pointing at subtreeRootID and records the
// configuration reference that links the two. A subtree root still naming an earlier boundary
// as its source is pointed at node.
func (c subtreeCopier) markBoundary(ctx context.Context, owner string, node store.Node, subtreeRootID string, work *progress) error {
	return withLocks(ctx, work.operation, c.repository, owner, c.logger, func(locks *lockSet) error {
		if err := locks.acquire(ctx, node.ID); err != nil {
			return work.fail("mark_boundary", err)
		}
		subtreeRoot, err := c.repository.ReadByID(ctx, subtreeRootID, store.ReadOptions{})
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.logger.Warn("boundary subtree root missing",
				zap.String("boundary_id", node.ID),
				zap.String("subtree_ref", subtreeRootID))
		case err != nil:
			return work.fail("mark_boundary", err)
		case subtreeRoot.OwnProperties[store.PropertySubtreeSource] != node.ID:
			if err := locks.acquire(ctx, subtreeRoot.ID); err != nil {
				return work.fail("mark_boundary", err)
			}
			source := node.ID
			if err := c.repository.WriteProperties(ctx, subtreeRoot.ID, store.PropertyDelta{store.PropertySubtreeSource: &source}); err != nil {
				return work.fail("mark_boundary", err)
			}
			work.completed++
		}
		ref := subtreeRootID
		if err := c.repository.WriteProperties(ctx, node.ID, store.PropertyDelta{store.PropertySubtreeRef: &ref}); err != nil {
			return work.fail("mark_boundary", err)
		}
		work.completed++
		reference := store.Reference{
			Source: store.Resource{
				ID:    node.ID,
				Path:  node.Path,
				Title: node.Title,
				Role:  store.RoleConfiguration,
			},
			TargetID: subtreeRootID,
		}
		if err := c.repository.AddReference(ctx, reference); err != nil {
			return work.fail("mark_boundary", err)
		}
		work.completed++
		if node.State == store.StateUnchanged {
			if err := c.repository.WriteState(ctx, node.ID, store.StateModified); err != nil {
				return work.fail("mark_boundary", err)
			}
			work.completed++
		}
		return nil
	})
}

// retarget hands the references of the originals over to their copies, both the links aimed at
// them and the links they hold, default documents included.
func (c subtreeCopier) retarget(ctx context.Context, copied []copiedNode, work *progress) error {
	for _, pair := range copied {
		moves := [][2]string{{pair.original.ID, pair.copy.ID}}
		if pair.original.HasDefaultContent() && pair.copy.HasDefaultContent() {
			moves = append(moves, [2]string{pair.original.DefaultContentID, pair.copy.DefaultContentID})
		}
		for _, move := range moves {
			if err := c.repository.RetargetReferences(ctx, move[0], move[1]); err != nil {
				return work.fail("retarget_references", err)
			}
			if err := c.repository.RetargetSources(ctx, move[0], move[1]); err != nil {
				return work.fail("retarget_references", err)
			}
		}
		work.completed++
	}
	return nil
}

// removeChildren locks every node below parent, soft-deleted ones included, and removes the
// direct children physically.
func (c subtreeCopier) removeChildren(ctx context.Context, owner string, parent store.Node, descendants []store.Node, work *progress) error {
	children, err := c.repository.ReadChildren(ctx, parent.Path, store.ReadOptions{IncludeDeleted: true})
	if err != nil {
		return work.fail("remove_descendants", err)
	}
	return withLocks(ctx, work.operation, c.repository, owner, c.logger, func(locks *lockSet) error {
		for _, child := range children {
			if err := locks.acquire(ctx, child.ID); err != nil {
				return work.fail("remove_descendants", err)
			}
		}
		for _, descendant := range descendants {
			if err := locks.acquire(ctx, descendant.ID); err != nil {
				return work.fail("remove_descendants", err)
			}
		}
		for _, child := range children {
			if err := c.repository.Delete(ctx, child.ID, store.DeleteHard); err != nil {
				return work.fail("remove_descendants", err)
			}
			work.completed++
		}
		return nil
	})
}

func relocations(copied []copiedNode) map[string]string {
	mapping := make(map[string]string, len(copied))
	for _, pair := range copied {
		if pair.original.ID != pair.copy.ID {
			mapping[pair.original.ID] = pair.copy.ID
		}
	}
	return mapping
}
