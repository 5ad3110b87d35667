package sitemap

import (
	"context"

	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
)

// ExpandAll is the depth that expands every level.
const ExpandAll = -1

// LoadOptions bounds a tree load. Depth counts levels below the root; ExpandAll expands fully.
// Every ancestor of TargetPath is expanded regardless of Depth.
type LoadOptions struct {
	Depth      int
	TargetPath string
}

// TreeNode is one materialized node. ChildrenLoaded distinguishes an empty folder from one whose
// children were not fetched.
type TreeNode struct {
	Node           NodeView
	Children       []*TreeNode
	ChildrenLoaded bool
}

// TreeView is a bounded, derived view of the tree below a root.
type TreeView struct {
	Root *TreeNode
}

// Walk visits the view in pre-order.
func (v TreeView) Walk(visit func(node *TreeNode)) {
	var walk func(node *TreeNode)
	walk = func(node *TreeNode) {
		if node == nil {
			return
		}
		visit(node)
		for _, child := range node.Children {
			walk(child)
		}
	}
	walk(v.Root)
}

// TreeLoader materializes TreeViews breadth-first. Boundary nodes are never expanded; their
// subtree is loaded by addressing the subtree root directly.
type TreeLoader struct {
	repository NodeRepository
}

// NewTreeLoader constructs a TreeLoader.
func NewTreeLoader(repository NodeRepository) *TreeLoader {
	return &TreeLoader{repository: repository}
}

type pendingNode struct {
	node  *TreeNode
	level int
}

// Load reads the tree below rootPath.
func (l *TreeLoader) Load(ctx context.Context, rootPath string, opts LoadOptions) (TreeView, error) {
	root, err := l.repository.ReadByPath(ctx, rootPath, store.ReadOptions{})
	if err != nil {
		return TreeView{}, classify(opLoadTree, err)
	}

	alongPath := make(map[string]bool)
	if opts.TargetPath != "" {
		target, err := store.CleanPath(opts.TargetPath)
		if err != nil {
			return TreeView{}, classify(opLoadTree, err)
		}
		for _, ancestor := range store.Ancestors(target) {
			if store.IsWithin(ancestor, root.Path) {
				alongPath[ancestor] = true
			}
		}
	}

	view := TreeView{Root: &TreeNode{Node: newNodeView(root)}}
	queue := []pendingNode{{node: view.Root, level: 0}}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		switch current.node.Node.Kind {
		case store.KindBoundary:
			continue
		case store.KindLeaf, store.KindRedirect:
			current.node.ChildrenLoaded = true
			continue
		}
		withinDepth := opts.Depth < 0 || current.level < opts.Depth
		if !withinDepth && !alongPath[current.node.Node.Path] {
			continue
		}

		children, err := l.repository.ReadChildren(ctx, current.node.Node.Path, store.ReadOptions{})
		if err != nil {
			return TreeView{}, classify(opLoadTree, err).forID(current.node.Node.ID)
		}
		current.node.ChildrenLoaded = true
		for _, child := range children {
			if !child.InNavigation() {
				continue
			}
			childNode := &TreeNode{Node: newNodeView(child)}
			current.node.Children = append(current.node.Children, childNode)
			queue = append(queue, pendingNode{node: childNode, level: current.level + 1})
		}
	}
	return view, nil
}
