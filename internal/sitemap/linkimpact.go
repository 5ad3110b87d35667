package sitemap

import (
	"context"

	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ResourceSummary identifies a node or referring resource for display.
type ResourceSummary struct {
	ID    string
	Path  string
	Title string
}

// BrokenLinkEntry groups the external referrers of one node proposed for removal.
type BrokenLinkEntry struct {
	Target    ResourceSummary
	Referrers []ResourceSummary
}

// BrokenLinkReport is informational; callers confirm with the editor before removing anything.
type BrokenLinkReport struct {
	Entries []BrokenLinkEntry
	// Snapshots holds one full subtree per closed id, for display of what would disappear.
	Snapshots []TreeView
}

// Empty reports whether no external reference would break.
func (r BrokenLinkReport) Empty() bool {
	return len(r.Entries) == 0
}

// LinkImpactAnalyzer computes the external references a removal would break.
type LinkImpactAnalyzer struct {
	repository NodeRepository
	logger     *zap.Logger
}

// NewLinkImpactAnalyzer constructs a LinkImpactAnalyzer.
func NewLinkImpactAnalyzer(repository NodeRepository, logger *zap.Logger) *LinkImpactAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinkImpactAnalyzer{repository: repository, logger: logger}
}

// Impact treats openIDs as candidates and closedIDs as candidates together with all their
// descendants. Referrers holding the configuration role, and referrers that are themselves
// candidates, are not reported.
func (a *LinkImpactAnalyzer) Impact(ctx context.Context, openIDs, closedIDs []string) (report BrokenLinkReport, err error) {
	ctx, span := startSpan(ctx, "sitemap.broken_links",
		attribute.Int("open.count", len(openIDs)),
		attribute.Int("closed.count", len(closedIDs)))
	defer func() { endSpan(span, err) }()

	var candidates []store.Node
	seen := make(map[string]bool)
	internal := make(map[string]bool)
	addCandidate := func(node store.Node) {
		if seen[node.ID] {
			return
		}
		seen[node.ID] = true
		internal[node.ID] = true
		if node.HasDefaultContent() {
			internal[node.DefaultContentID] = true
		}
		candidates = append(candidates, node)
	}

	for _, id := range openIDs {
		node, err := a.repository.ReadByID(ctx, id, store.ReadOptions{IncludeDeleted: true})
		if err != nil {
			return BrokenLinkReport{}, classify(opBrokenLinks, err).forID(id)
		}
		addCandidate(node)
	}
	for _, id := range closedIDs {
		node, err := a.repository.ReadByID(ctx, id, store.ReadOptions{IncludeDeleted: true})
		if err != nil {
			return BrokenLinkReport{}, classify(opBrokenLinks, err).forID(id)
		}
		descendants, err := collectPreOrder(ctx, a.repository, node)
		if err != nil {
			return BrokenLinkReport{}, classify(opBrokenLinks, err).forNode(node)
		}
		addCandidate(node)
		for _, descendant := range descendants {
			addCandidate(descendant)
		}
		report.Snapshots = append(report.Snapshots, snapshot(node, descendants))
	}

	referrerCount := 0
	for _, candidate := range candidates {
		targets := []string{candidate.ID}
		if candidate.HasDefaultContent() {
			targets = append(targets, candidate.DefaultContentID)
		}
		var referrers []ResourceSummary
		reported := make(map[string]bool)
		for _, target := range targets {
			resources, err := a.repository.ReadIncomingReferences(ctx, target)
			if err != nil {
				return BrokenLinkReport{}, classify(opBrokenLinks, err).forNode(candidate)
			}
			for _, resource := range resources {
				if resource.Role == store.RoleConfiguration || internal[resource.ID] || reported[resource.ID] {
					continue
				}
				reported[resource.ID] = true
				referrers = append(referrers, ResourceSummary{ID: resource.ID, Path: resource.Path, Title: resource.Title})
			}
		}
		if len(referrers) == 0 {
			continue
		}
		referrerCount += len(referrers)
		report.Entries = append(report.Entries, BrokenLinkEntry{
			Target:    ResourceSummary{ID: candidate.ID, Path: candidate.Path, Title: candidate.Title},
			Referrers: referrers,
		})
	}
	brokenLinkReferrers.Observe(float64(referrerCount))
	a.logger.Debug("broken link analysis",
		zap.Int("candidates", len(candidates)),
		zap.Int("referrers", referrerCount))
	return report, nil
}

// snapshot builds the view of root and its pre-ordered descendants.
func snapshot(root store.Node, descendants []store.Node) TreeView {
	view := TreeView{Root: &TreeNode{Node: newNodeView(root), ChildrenLoaded: true}}
	byPath := map[string]*TreeNode{root.Path: view.Root}
	for _, descendant := range descendants {
		parent, ok := byPath[descendant.ParentPath]
		if !ok {
			continue
		}
		node := &TreeNode{Node: newNodeView(descendant)}
		node.ChildrenLoaded = descendant.Kind != store.KindBoundary
		parent.Children = append(parent.Children, node)
		byPath[descendant.Path] = node
	}
	if root.Kind == store.KindBoundary {
		view.Root.ChildrenLoaded = false
	}
	return view
}
