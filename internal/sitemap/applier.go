package sitemap

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DefaultDocumentName names the default document created with every folder.
const DefaultDocumentName = "index.html"

var errMissingRepository = errors.New("sitemap: node repository is required")

// ApplierConfig describes the dependencies of a ChangeApplier.
type ApplierConfig struct {
	Repository          NodeRepository
	Positions           PositionAllocator
	Properties          PropertyReconciler
	DefaultDocumentName string
	Logger              *zap.Logger
}

// ChangeApplier interprets change descriptors against the node repository.
type ChangeApplier struct {
	repository      NodeRepository
	positions       PositionAllocator
	properties      PropertyReconciler
	defaultDocument string
	logger          *zap.Logger
}

// ApplyResult describes the outcome of one applied change.
type ApplyResult struct {
	// Node is the updated view, nil for clipboard-only changes.
	Node *NodeView
	// Modified and Deleted list the ids the change should add to the editor's clipboard.
	Modified []string
	Deleted  []string
}

// NewChangeApplier validates the configuration and constructs a ChangeApplier.
func NewChangeApplier(cfg ApplierConfig) (*ChangeApplier, error) {
	if cfg.Repository == nil {
		return nil, errMissingRepository
	}
	positions := cfg.Positions
	if positions.Step <= 0 {
		positions = NewPositionAllocator()
	}
	defaultDocument := cfg.DefaultDocumentName
	if defaultDocument == "" {
		defaultDocument = DefaultDocumentName
	}
	if err := store.ValidateName(defaultDocument); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeApplier{
		repository:      cfg.Repository,
		positions:       positions,
		properties:      cfg.Properties,
		defaultDocument: defaultDocument,
		logger:          logger,
	}, nil
}

// Apply validates, locks and persists one change on behalf of owner.
func (a *ChangeApplier) Apply(ctx context.Context, owner string, change Change) (result ApplyResult, err error) {
	if change == nil {
		return ApplyResult{}, newServiceError(opSave, "missing_change", ErrInvalidRequest, nil)
	}
	kind := change.Kind()
	ctx, span := startSpan(ctx, "sitemap.apply", attribute.String("change.kind", string(kind)))
	defer func() {
		changesTotal.WithLabelValues(string(kind), resultLabel(err)).Inc()
		endSpan(span, err)
	}()

	switch typed := change.(type) {
	case CreateChange:
		return a.applyCreate(ctx, owner, typed)
	case EditChange:
		return a.applyEdit(ctx, owner, typed)
	case DeleteChange:
		return a.applyDelete(ctx, owner, typed)
	case UndeleteChange:
		return a.applyUndelete(ctx, owner, typed)
	case RemoveFromNavigationChange:
		return a.applyRemoveFromNavigation(ctx, owner, typed)
	case ClipboardOnlyChange:
		return ApplyResult{
			Modified: append([]string(nil), typed.Modified...),
			Deleted:  append([]string(nil), typed.Deleted...),
		}, nil
	default:
		return ApplyResult{}, newServiceError(opSave, "unsupported_change", ErrInvalidRequest, nil)
	}
}

func (a *ChangeApplier) applyCreate(ctx context.Context, owner string, change CreateChange) (ApplyResult, error) {
	name, err := store.CleanName(change.Name)
	if err != nil {
		return ApplyResult{}, classify(opSave, err)
	}
	kind := change.EntryKind
	if kind == "" {
		kind = store.KindFolder
	}
	switch kind {
	case store.KindFolder, store.KindLeaf, store.KindRedirect:
	default:
		return ApplyResult{}, newServiceError(opSave, "invalid_kind", ErrInvalidRequest, nil)
	}

	parent, err := a.repository.ReadByID(ctx, change.ParentID, store.ReadOptions{})
	if err != nil {
		return ApplyResult{}, classify(opSave, err).forID(change.ParentID)
	}
	if err := a.checkParent(parent, change.allowBoundaryParent); err != nil {
		return ApplyResult{}, err
	}

	var source *store.Node
	if change.CopySourceID != "" {
		copied, err := a.repository.ReadByID(ctx, change.CopySourceID, store.ReadOptions{})
		if err != nil {
			return ApplyResult{}, classify(opSave, err).forID(change.CopySourceID)
		}
		source = &copied
	}
	hasDefaultContent := kind == store.KindFolder
	own, content, err := a.properties.Seed(source, change.Properties, hasDefaultContent)
	if err != nil {
		return ApplyResult{}, err
	}

	request := store.CreateRequest{
		ParentPath: parent.Path,
		Name:       name,
		Kind:       kind,
		Properties: own,
	}
	if hasDefaultContent {
		request.DefaultContent = &store.DefaultContent{Name: a.defaultDocument, Properties: content}
	}

	var created store.Node
	err = withLocks(ctx, opSave, a.repository, owner, a.logger, func(locks *lockSet) error {
		completed := 0
		if !change.OmitFromNavigation {
			siblings, err := navigationSiblings(ctx, a.repository, parent.Path)
			if err != nil {
				return classify(opSave, err).forNode(parent)
			}
			targetIndex := change.TargetIndex
			if targetIndex < 0 {
				targetIndex = len(siblings)
			}
			plan := a.positions.Plan(siblings, "", targetIndex)
			completed, err = a.rebalance(ctx, locks, plan, completed)
			if err != nil {
				return err
			}
			position := plan.Position
			request.Position = &position
		}
		node, err := a.repository.Create(ctx, request)
		if err != nil {
			return partial(opSave, "create", completed, err).forID(change.ParentID)
		}
		created = node
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}

	a.logger.Debug("node created",
		zap.String("node_id", created.ID),
		zap.String("path", created.Path),
		zap.String("owner", owner))
	view := newNodeView(created)
	view.PositionUnset = true
	return ApplyResult{Node: &view, Modified: []string{created.ID}}, nil
}

func (a *ChangeApplier) applyEdit(ctx context.Context, owner string, change EditChange) (ApplyResult, error) {
	node, err := a.repository.ReadByID(ctx, change.ID, store.ReadOptions{})
	if err != nil {
		return ApplyResult{}, classify(opSave, err).forID(change.ID)
	}
	own, content, err := a.properties.Split(change.Properties, node.HasDefaultContent())
	if err != nil {
		return ApplyResult{}, err
	}

	destinationParent := node.ParentPath
	if change.NewParentID != "" {
		parent, err := a.repository.ReadByID(ctx, change.NewParentID, store.ReadOptions{})
		if err != nil {
			return ApplyResult{}, classify(opSave, err).forID(change.NewParentID)
		}
		if err := a.checkParent(parent, false); err != nil {
			return ApplyResult{}, err
		}
		destinationParent = parent.Path
	}
	destinationName := node.Name
	if change.NewName != "" {
		name, err := store.CleanName(change.NewName)
		if err != nil {
			return ApplyResult{}, classify(opSave, err).forNode(node)
		}
		destinationName = name
	}
	destination := store.JoinPath(destinationParent, destinationName)
	moving := destination != node.Path
	if moving && store.IsWithin(destinationParent, node.Path) {
		return ApplyResult{}, newServiceError(opSave, "move_below_itself", ErrInvalidTransition, nil).forNode(node)
	}
	parentChanged := destinationParent != node.ParentPath
	var moved []store.Node
	if moving {
		if moved, err = collectSubtree(ctx, a.repository, node); err != nil {
			return ApplyResult{}, classify(opSave, err).forNode(node)
		}
	}

	err = withLocks(ctx, opSave, a.repository, owner, a.logger, func(locks *lockSet) error {
		if err := locks.acquire(ctx, node.ID); err != nil {
			return err
		}
		if !content.Empty() || moving {
			if err := locks.acquire(ctx, node.DefaultContentID); err != nil {
				return err
			}
		}
		// a move rewrites the path of every row below the node
		for _, descendant := range moved {
			if err := locks.acquire(ctx, descendant.ID); err != nil {
				return err
			}
			if err := locks.acquire(ctx, descendant.DefaultContentID); err != nil {
				return err
			}
		}

		completed := 0
		if !own.Empty() {
			if err := a.repository.WriteProperties(ctx, node.ID, own); err != nil {
				return partial(opSave, "write_properties", completed, err).forNode(node)
			}
			completed++
		}
		if !content.Empty() {
			if err := a.repository.WriteProperties(ctx, node.DefaultContentID, content); err != nil {
				return partial(opSave, "write_default_content", completed, err).forNode(node)
			}
			completed++
		}
		if moving {
			if _, err := a.repository.Move(ctx, node.ID, destination); err != nil {
				return partial(opSave, "move", completed, err).forNode(node)
			}
			completed++
		}

		if change.TargetIndex != nil || (parentChanged && node.InNavigation()) {
			siblings, err := navigationSiblings(ctx, a.repository, destinationParent)
			if err != nil {
				return partial(opSave, "position", completed, err).forNode(node)
			}
			movingID := node.ID
			if parentChanged {
				siblings = withoutSibling(siblings, node.ID)
				movingID = ""
			}
			targetIndex := len(siblings)
			if change.TargetIndex != nil && *change.TargetIndex >= 0 {
				targetIndex = *change.TargetIndex
			}
			plan := a.positions.Plan(siblings, movingID, targetIndex)
			completed, err = a.rebalance(ctx, locks, plan, completed)
			if err != nil {
				return err
			}
			if plan.Changed {
				position := plan.Position
				if err := a.repository.WritePosition(ctx, node.ID, &position); err != nil {
					return partial(opSave, "position", completed, err).forNode(node)
				}
				completed++
			}
		}

		if node.State == store.StateUnchanged {
			if err := a.repository.WriteState(ctx, node.ID, store.StateModified); err != nil {
				return partial(opSave, "state", completed, err).forNode(node)
			}
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return a.result(ctx, node.ID, []string{node.ID}, nil)
}

func (a *ChangeApplier) applyDelete(ctx context.Context, owner string, change DeleteChange) (ApplyResult, error) {
	node, err := a.repository.ReadByID(ctx, change.ID, store.ReadOptions{IncludeDeleted: true})
	if err != nil {
		return ApplyResult{}, classify(opSave, err).forID(change.ID)
	}
	if node.Deleted() {
		return ApplyResult{}, newServiceError(opSave, "already_deleted", ErrInvalidTransition, nil).forNode(node)
	}
	err = withLocks(ctx, opSave, a.repository, owner, a.logger, func(locks *lockSet) error {
		if err := locks.acquire(ctx, node.ID); err != nil {
			return err
		}
		if err := a.repository.Delete(ctx, node.ID, store.DeleteSoft); err != nil {
			return classify(opSave, err).forNode(node)
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return a.result(ctx, node.ID, nil, []string{node.ID})
}

func (a *ChangeApplier) applyUndelete(ctx context.Context, owner string, change UndeleteChange) (ApplyResult, error) {
	node, err := a.repository.ReadByID(ctx, change.ID, store.ReadOptions{IncludeDeleted: true})
	if err != nil {
		return ApplyResult{}, classify(opSave, err).forID(change.ID)
	}
	if !node.Deleted() {
		return ApplyResult{}, newServiceError(opSave, "not_deleted", ErrInvalidTransition, nil).forNode(node)
	}
	err = withLocks(ctx, opSave, a.repository, owner, a.logger, func(locks *lockSet) error {
		if err := locks.acquire(ctx, node.ID); err != nil {
			return err
		}
		if err := a.repository.Undelete(ctx, node.ID); err != nil {
			return classify(opSave, err).forNode(node)
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return a.result(ctx, node.ID, []string{node.ID}, nil)
}

func (a *ChangeApplier) applyRemoveFromNavigation(ctx context.Context, owner string, change RemoveFromNavigationChange) (ApplyResult, error) {
	node, err := a.repository.ReadByID(ctx, change.ID, store.ReadOptions{})
	if err != nil {
		return ApplyResult{}, classify(opSave, err).forID(change.ID)
	}
	err = withLocks(ctx, opSave, a.repository, owner, a.logger, func(locks *lockSet) error {
		if err := locks.acquire(ctx, node.ID); err != nil {
			return err
		}
		completed := 0
		if _, titled := node.OwnProperties[store.PropertyTitle]; titled {
			if err := a.repository.WriteProperties(ctx, node.ID, store.PropertyDelta{store.PropertyTitle: nil}); err != nil {
				return classify(opSave, err).forNode(node)
			}
			completed++
		}
		if node.InNavigation() {
			if err := a.repository.WritePosition(ctx, node.ID, nil); err != nil {
				return partial(opSave, "position", completed, err).forNode(node)
			}
			completed++
		}
		if node.State == store.StateUnchanged {
			if err := a.repository.WriteState(ctx, node.ID, store.StateModified); err != nil {
				return partial(opSave, "state", completed, err).forNode(node)
			}
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return a.result(ctx, node.ID, []string{node.ID}, nil)
}

func (a *ChangeApplier) checkParent(parent store.Node, allowBoundary bool) error {
	switch parent.Kind {
	case store.KindFolder:
		return nil
	case store.KindBoundary:
		if allowBoundary {
			return nil
		}
		return newServiceError(opSave, "boundary_parent", ErrInvalidTransition, nil).forNode(parent)
	default:
		return newServiceError(opSave, "parent_not_folder", ErrInvalidTransition, nil).forNode(parent)
	}
}

// rebalance locks and rewrites the siblings a plan renumbers. completed counts the writes that
// preceded it and is returned advanced by the writes made here.
func (a *ChangeApplier) rebalance(ctx context.Context, locks *lockSet, plan PositionPlan, completed int) (int, error) {
	if len(plan.Rebalanced) == 0 {
		return completed, nil
	}
	positionRebalancesTotal.Inc()
	a.logger.Info("sibling positions rebalanced", zap.Int("siblings", len(plan.Rebalanced)))
	for _, sibling := range plan.Rebalanced {
		if err := locks.acquire(ctx, sibling.ID); err != nil {
			return completed, partial(opSave, "rebalance", completed, err)
		}
		position := sibling.Position
		if err := a.repository.WritePosition(ctx, sibling.ID, &position); err != nil {
			return completed, partial(opSave, "rebalance", completed, err).forID(sibling.ID)
		}
		completed++
	}
	return completed, nil
}

func (a *ChangeApplier) result(ctx context.Context, nodeID string, modified, deleted []string) (ApplyResult, error) {
	node, err := a.repository.ReadByID(ctx, nodeID, store.ReadOptions{IncludeDeleted: true})
	if err != nil {
		return ApplyResult{}, classify(opSave, err).forID(nodeID)
	}
	view := newNodeView(node)
	return ApplyResult{Node: &view, Modified: modified, Deleted: deleted}, nil
}

func withoutSibling(siblings []Sibling, id string) []Sibling {
	filtered := make([]Sibling, 0, len(siblings))
	for _, sibling := range siblings {
		if sibling.ID != id {
			filtered = append(filtered, sibling)
		}
	}
	return filtered
}
