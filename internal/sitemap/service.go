package sitemap

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sitemap/internal/catalog"
	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
	"go.uber.org/zap"
)

// DefaultPrefetchDepth is the tree depth returned by Prefetch when none is configured.
const DefaultPrefetchDepth = 2

var noOpLogger = zap.NewNop()

// Catalog supplies property scopes, definitions and templates.
type Catalog interface {
	ScopeResolver
	Definitions() []catalog.Definition
	Templates() []catalog.Template
}

// ServiceConfig describes the dependencies of the sitemap Service.
type ServiceConfig struct {
	Repository          NodeRepository
	Catalog             Catalog
	SubtreeRoot         string
	DefaultDocumentName string
	PrefetchDepth       int
	ClipboardLimit      int
	Clock               func() time.Time
	Logger              *zap.Logger
}

// RequestContext carries the per-request editor identity and clipboard. The caller loads the
// clipboard before the call and persists it afterwards.
type RequestContext struct {
	EditorID  string
	Clipboard *ClipboardState
}

// Service is the transport-agnostic sitemap editing surface.
type Service struct {
	repository    NodeRepository
	catalog       Catalog
	subtreeRoot   string
	prefetchDepth int
	clock         func() time.Time
	logger        *zap.Logger

	applier   *ChangeApplier
	clipboard *ClipboardTracker
	loader    *TreeLoader
	analyzer  *LinkImpactAnalyzer
	splitter  *SubtreeSplitter
	merger    *SubtreeMerger
}

// PrefetchResult bootstraps an editor session.
type PrefetchResult struct {
	Tree        TreeView
	Templates   []catalog.Template
	Definitions []catalog.Definition
	Clipboard   ClipboardState
	SubtreeRoot string
	// ParentEntryPoint is the path of the boundary node when the root is a subtree root.
	ParentEntryPoint string
}

// NewService validates the configuration and wires the engine components.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, newServiceError(opServiceNew, "missing_repository", ErrInvalidRequest, errMissingRepository)
	}
	subtreeRoot := cfg.SubtreeRoot
	if strings.TrimSpace(subtreeRoot) == "" {
		subtreeRoot = DefaultSubtreeRoot
	}
	subtreeRoot, err := store.CleanPath(subtreeRoot)
	if err != nil || subtreeRoot == "/" {
		return nil, newServiceError(opServiceNew, "invalid_subtree_root", ErrInvalidRequest, err)
	}
	prefetchDepth := cfg.PrefetchDepth
	if prefetchDepth == 0 {
		prefetchDepth = DefaultPrefetchDepth
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	var scopes ScopeResolver
	if cfg.Catalog != nil {
		scopes = cfg.Catalog
	}
	properties := NewPropertyReconciler(scopes)
	applier, err := NewChangeApplier(ApplierConfig{
		Repository:          cfg.Repository,
		Positions:           NewPositionAllocator(),
		Properties:          properties,
		DefaultDocumentName: cfg.DefaultDocumentName,
		Logger:              logger,
	})
	if err != nil {
		return nil, newServiceError(opServiceNew, "invalid_applier", ErrInvalidRequest, err)
	}
	copier := subtreeCopier{
		repository: cfg.Repository,
		applier:    applier,
		properties: properties,
		logger:     logger,
	}

	return &Service{
		repository:    cfg.Repository,
		catalog:       cfg.Catalog,
		subtreeRoot:   subtreeRoot,
		prefetchDepth: prefetchDepth,
		clock:         clock,
		logger:        logger,
		applier:       applier,
		clipboard:     NewClipboardTracker(cfg.Repository, cfg.ClipboardLimit, logger),
		loader:        NewTreeLoader(cfg.Repository),
		analyzer:      NewLinkImpactAnalyzer(cfg.Repository, logger),
		splitter:      &SubtreeSplitter{copier: copier, subtreeRoot: subtreeRoot, clock: clock, logger: logger},
		merger:        &SubtreeMerger{copier: copier, clock: clock, logger: logger},
	}, nil
}

// SubtreeRoot returns the folder below which promoted subtrees live.
func (s *Service) SubtreeRoot() string {
	return s.subtreeRoot
}

// GetChildren loads the tree below rootPath, which must lie within entryPoint.
func (s *Service) GetChildren(ctx context.Context, entryPoint, rootPath string, opts LoadOptions) (TreeView, error) {
	if err := s.ensureWithin(opLoadTree, entryPoint, rootPath); err != nil {
		return TreeView{}, err
	}
	view, err := s.loader.Load(ctx, rootPath, opts)
	if err != nil {
		s.logFailure(opLoadTree, err, zap.String("root_path", rootPath))
		return TreeView{}, err
	}
	return view, nil
}

// GetEntry reads one node below entryPoint.
func (s *Service) GetEntry(ctx context.Context, entryPoint, nodePath string) (NodeView, error) {
	if err := s.ensureWithin(opGetEntry, entryPoint, nodePath); err != nil {
		return NodeView{}, err
	}
	node, err := s.repository.ReadByPath(ctx, nodePath, store.ReadOptions{})
	if err != nil {
		failure := classify(opGetEntry, err)
		failure.path = nodePath
		s.logFailure(opGetEntry, failure, zap.String("path", nodePath))
		return NodeView{}, failure
	}
	return newNodeView(node), nil
}

// Save applies one change on behalf of the editor and records the touched nodes on the
// editor's clipboard.
func (s *Service) Save(ctx context.Context, request RequestContext, entryPoint string, change Change) (ApplyResult, error) {
	if err := s.checkEditor(opSave, request); err != nil {
		return ApplyResult{}, err
	}
	if change == nil {
		return ApplyResult{}, newServiceError(opSave, "missing_change", ErrInvalidRequest, nil)
	}
	if err := s.ensureChangeWithin(ctx, entryPoint, change); err != nil {
		s.logFailure(opSave, err, zap.String("editor_id", request.EditorID))
		return ApplyResult{}, err
	}
	result, err := s.applier.Apply(ctx, request.EditorID, change)
	if err != nil {
		s.logFailure(opSave, err,
			zap.String("editor_id", request.EditorID),
			zap.String("change_kind", string(change.Kind())))
		return ApplyResult{}, err
	}
	s.clipboard.Record(ctx, request.Clipboard, result.Modified, ClipboardModified)
	s.clipboard.Record(ctx, request.Clipboard, result.Deleted, ClipboardDeleted)
	return result, nil
}

// CreateSubtree promotes the descendants of the folder at nodePath into a subtree named after
// the folder.
func (s *Service) CreateSubtree(ctx context.Context, request RequestContext, entryPoint, nodePath string) (SplitResult, error) {
	if err := s.checkEditor(opSplit, request); err != nil {
		return SplitResult{}, err
	}
	node, err := s.nodeWithin(ctx, opSplit, entryPoint, nodePath)
	if err != nil {
		return SplitResult{}, err
	}
	result, err := s.splitter.Split(ctx, request.EditorID, node.ID, node.Name)
	if err != nil {
		s.logFailure(opSplit, err, zap.String("editor_id", request.EditorID), zap.String("path", node.Path))
		return SplitResult{}, err
	}
	s.clipboard.Relocate(request.Clipboard, result.Relocated)
	s.clipboard.Record(ctx, request.Clipboard, []string{node.ID}, ClipboardModified)
	return result, nil
}

// MergeSubtree folds the subtree of the boundary node at nodePath back into the tree.
func (s *Service) MergeSubtree(ctx context.Context, request RequestContext, entryPoint, nodePath string) (MergeResult, error) {
	if err := s.checkEditor(opMerge, request); err != nil {
		return MergeResult{}, err
	}
	node, err := s.nodeWithin(ctx, opMerge, entryPoint, nodePath)
	if err != nil {
		return MergeResult{}, err
	}
	result, err := s.merger.Merge(ctx, request.EditorID, node.ID)
	if err != nil {
		s.logFailure(opMerge, err, zap.String("editor_id", request.EditorID), zap.String("path", node.Path))
		return MergeResult{}, err
	}
	s.clipboard.Relocate(request.Clipboard, result.Relocated)
	s.clipboard.Record(ctx, request.Clipboard, []string{node.ID}, ClipboardModified)
	return result, nil
}

// GetBrokenLinks reports the external references that removing closingID would break. The
// closing node counts as closed, so its whole subtree is considered.
func (s *Service) GetBrokenLinks(ctx context.Context, closingID string, openIDs, closedIDs []string) (BrokenLinkReport, error) {
	closed := append([]string(nil), closedIDs...)
	if closingID != "" && !slices.Contains(openIDs, closingID) && !slices.Contains(closedIDs, closingID) {
		closed = append([]string{closingID}, closed...)
	}
	report, err := s.analyzer.Impact(ctx, openIDs, closed)
	if err != nil {
		s.logFailure(opBrokenLinks, err, zap.String("closing_id", closingID))
		return BrokenLinkReport{}, err
	}
	return report, nil
}

// Prefetch assembles the bootstrap aggregate of an editor session and refreshes the editor's
// clipboard in place.
func (s *Service) Prefetch(ctx context.Context, request RequestContext, rootPath string) (PrefetchResult, error) {
	tree, err := s.loader.Load(ctx, rootPath, LoadOptions{Depth: s.prefetchDepth})
	if err != nil {
		s.logFailure(opPrefetch, err, zap.String("root_path", rootPath))
		return PrefetchResult{}, err
	}
	result := PrefetchResult{Tree: tree, SubtreeRoot: s.subtreeRoot}
	if s.catalog != nil {
		result.Templates = s.catalog.Templates()
		result.Definitions = s.catalog.Definitions()
	}
	if request.Clipboard != nil {
		*request.Clipboard = s.clipboard.CurrentState(ctx, *request.Clipboard)
		result.Clipboard = *request.Clipboard
	}

	if source := tree.Root.Node.OwnProperties[store.PropertySubtreeSource]; source != "" {
		boundary, err := s.repository.ReadByID(ctx, source, store.ReadOptions{})
		switch {
		case err == nil:
			result.ParentEntryPoint = boundary.Path
		case errors.Is(err, store.ErrNotFound):
			s.logger.Warn("subtree source missing",
				zap.String("root_path", rootPath),
				zap.String("source_id", source))
		default:
			failure := classify(opPrefetch, err).forID(source)
			s.logFailure(opPrefetch, failure)
			return PrefetchResult{}, failure
		}
	}
	return result, nil
}

// Clipboard returns the reconciled clipboard of the request and stores it back.
func (s *Service) Clipboard(ctx context.Context, request RequestContext) ClipboardState {
	if request.Clipboard == nil {
		return ClipboardState{}
	}
	*request.Clipboard = s.clipboard.CurrentState(ctx, *request.Clipboard)
	return *request.Clipboard
}

func (s *Service) checkEditor(operation string, request RequestContext) error {
	if strings.TrimSpace(request.EditorID) == "" {
		return newServiceError(operation, "missing_editor", ErrInvalidRequest, nil)
	}
	return nil
}

func (s *Service) ensureWithin(operation, entryPoint, nodePath string) error {
	root, err := store.CleanPath(entryPoint)
	if err != nil {
		return classify(operation, err)
	}
	target, err := store.CleanPath(nodePath)
	if err != nil {
		return classify(operation, err)
	}
	if !store.IsWithin(target, root) {
		failure := newServiceError(operation, "outside_entry_point", ErrInvalidRequest, nil)
		failure.path = target
		return failure
	}
	return nil
}

func (s *Service) nodeWithin(ctx context.Context, operation, entryPoint, nodePath string) (store.Node, error) {
	if err := s.ensureWithin(operation, entryPoint, nodePath); err != nil {
		return store.Node{}, err
	}
	node, err := s.repository.ReadByPath(ctx, nodePath, store.ReadOptions{})
	if err != nil {
		failure := classify(operation, err)
		failure.path = nodePath
		s.logFailure(operation, failure)
		return store.Node{}, failure
	}
	return node, nil
}

// ensureChangeWithin rejects changes addressing nodes outside entryPoint.
func (s *Service) ensureChangeWithin(ctx context.Context, entryPoint string, change Change) error {
	var ids []string
	switch typed := change.(type) {
	case CreateChange:
		ids = []string{typed.ParentID}
	case EditChange:
		ids = []string{typed.ID, typed.NewParentID}
	case DeleteChange:
		ids = []string{typed.ID}
	case UndeleteChange:
		ids = []string{typed.ID}
	case RemoveFromNavigationChange:
		ids = []string{typed.ID}
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		node, err := s.repository.ReadByID(ctx, id, store.ReadOptions{IncludeDeleted: true})
		if err != nil {
			return classify(opSave, err).forID(id)
		}
		if err := s.ensureWithin(opSave, entryPoint, node.Path); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) logFailure(operation string, err error, fields ...zap.Field) {
	reason := "unknown"
	var failure *ServiceError
	if errors.As(err, &failure) {
		reason = strings.TrimPrefix(failure.Code(), operation+".")
		fields = append(fields, zap.String("node_id", failure.NodeID()))
		if failure.Step() != "" {
			fields = append(fields,
				zap.String("step", failure.Step()),
				zap.Int("completed_writes", failure.CompletedWrites()))
		}
	}
	s.logError(operation, reason, err, fields...)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("sitemap service error", attrs...)
}
