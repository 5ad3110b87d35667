package sitemap

import (
	"context"

	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
)

// NodeRepository is the path-addressed node store the engine drives.
type NodeRepository interface {
	ReadByID(ctx context.Context, id string, opts store.ReadOptions) (store.Node, error)
	ReadByPath(ctx context.Context, nodePath string, opts store.ReadOptions) (store.Node, error)
	ReadChildren(ctx context.Context, parentPath string, opts store.ReadOptions) ([]store.Node, error)
	Create(ctx context.Context, request store.CreateRequest) (store.Node, error)
	Move(ctx context.Context, id string, newPath string) (store.Node, error)
	WriteProperties(ctx context.Context, id string, delta store.PropertyDelta) error
	WritePosition(ctx context.Context, id string, position *float64) error
	WriteState(ctx context.Context, id string, state store.State) error
	Delete(ctx context.Context, id string, mode store.DeleteMode) error
	Undelete(ctx context.Context, id string) error
	Lock(ctx context.Context, id string, owner string) (*store.LockGuard, error)
	ReadIncomingReferences(ctx context.Context, id string) ([]store.Resource, error)
	AddReference(ctx context.Context, reference store.Reference) error
	RemoveReference(ctx context.Context, sourceID, targetID string) error
	RetargetReferences(ctx context.Context, fromID, toID string) error
	RetargetSources(ctx context.Context, fromID, toID string) error
}

// collectPreOrder lists the live descendants of root, parents before children and siblings in
// position order. Boundary nodes are listed but not entered.
func collectPreOrder(ctx context.Context, repository NodeRepository, root store.Node) ([]store.Node, error) {
	var ordered []store.Node
	var walk func(parent store.Node) error
	walk = func(parent store.Node) error {
		if parent.Kind == store.KindBoundary {
			return nil
		}
		children, err := repository.ReadChildren(ctx, parent.Path, store.ReadOptions{})
		if err != nil {
			return err
		}
		for _, child := range children {
			ordered = append(ordered, child)
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return ordered, nil
}

// collectSubtree lists every node below root, soft-deleted ones included, parents before
// children.
func collectSubtree(ctx context.Context, repository NodeRepository, root store.Node) ([]store.Node, error) {
	var ordered []store.Node
	pending := []store.Node{root}
	for len(pending) > 0 {
		parent := pending[0]
		pending = pending[1:]
		children, err := repository.ReadChildren(ctx, parent.Path, store.ReadOptions{IncludeDeleted: true})
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, children...)
		pending = append(pending, children...)
	}
	return ordered, nil
}

func navigationSiblings(ctx context.Context, repository NodeRepository, parentPath string) ([]Sibling, error) {
	children, err := repository.ReadChildren(ctx, parentPath, store.ReadOptions{})
	if err != nil {
		return nil, err
	}
	siblings := make([]Sibling, 0, len(children))
	for _, child := range children {
		if !child.InNavigation() {
			continue
		}
		siblings = append(siblings, Sibling{ID: child.ID, Position: *child.Position})
	}
	return siblings, nil
}
