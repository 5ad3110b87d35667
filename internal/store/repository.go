package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotDeleted indicates an undelete of a node that is not soft-deleted.
	ErrNotDeleted = errors.New("store: node is not deleted")

	errMissingDatabase   = errors.New("store: database handle is required")
	errMissingIDProvider = errors.New("store: id provider is required")
)

const (
	queryNodeID         = "id = ? AND default_content_of = ''"
	queryNodePath       = "path = ? AND default_content_of = ''"
	queryChildren       = "parent_path = ? AND default_content_of = ''"
	querySubtreeRows    = "path = ? OR path LIKE ?"
	queryDefaultContent = "default_content_of IN ?"
)

// RepositoryConfig describes the dependencies of the gorm node repository.
type RepositoryConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Repository is the path-addressed node store backed by gorm.
type Repository struct {
	db     *gorm.DB
	clock  func() time.Time
	ids    IDProvider
	logger *zap.Logger
}

// NewRepository validates the configuration and constructs a Repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		db:     cfg.Database,
		clock:  clock,
		ids:    cfg.IDProvider,
		logger: logger,
	}, nil
}

// Models lists the gorm models owned by the repository, for schema migration.
func Models() []any {
	return []any{&NodeRecord{}, &LockRecord{}, &ReferenceRecord{}}
}

// ReadByID loads a navigation node by identifier.
func (r *Repository) ReadByID(ctx context.Context, id string, opts ReadOptions) (Node, error) {
	var record NodeRecord
	err := r.db.WithContext(ctx).Where(queryNodeID, id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Node{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	if err != nil {
		return Node{}, err
	}
	if State(record.State) == StateDeleted && !opts.IncludeDeleted {
		return Node{}, fmt.Errorf("%w: id %s is deleted", ErrNotFound, id)
	}
	nodes, err := r.hydrate(ctx, r.db.WithContext(ctx), []NodeRecord{record})
	if err != nil {
		return Node{}, err
	}
	return nodes[0], nil
}

// ReadByPath loads a navigation node by path.
func (r *Repository) ReadByPath(ctx context.Context, nodePath string, opts ReadOptions) (Node, error) {
	cleaned, err := CleanPath(nodePath)
	if err != nil {
		return Node{}, err
	}
	var record NodeRecord
	err = r.db.WithContext(ctx).Where(queryNodePath, cleaned).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Node{}, fmt.Errorf("%w: path %s", ErrNotFound, cleaned)
	}
	if err != nil {
		return Node{}, err
	}
	if State(record.State) == StateDeleted && !opts.IncludeDeleted {
		return Node{}, fmt.Errorf("%w: path %s is deleted", ErrNotFound, cleaned)
	}
	nodes, err := r.hydrate(ctx, r.db.WithContext(ctx), []NodeRecord{record})
	if err != nil {
		return Node{}, err
	}
	return nodes[0], nil
}

// ReadChildren lists the navigation children of parentPath ordered by position. Children without
// a position sort last by name.
func (r *Repository) ReadChildren(ctx context.Context, parentPath string, opts ReadOptions) ([]Node, error) {
	cleaned, err := CleanPath(parentPath)
	if err != nil {
		return nil, err
	}
	var records []NodeRecord
	if err := r.db.WithContext(ctx).Where(queryChildren, cleaned).Find(&records).Error; err != nil {
		return nil, err
	}
	filtered := records[:0]
	for _, record := range records {
		if State(record.State) == StateDeleted && !opts.IncludeDeleted {
			continue
		}
		filtered = append(filtered, record)
	}
	nodes, err := r.hydrate(ctx, r.db.WithContext(ctx), filtered)
	if err != nil {
		return nil, err
	}
	SortByPosition(nodes)
	return nodes, nil
}

// SortByPosition orders nodes by position; unpositioned nodes follow, ordered by name.
func SortByPosition(nodes []Node) {
	sort.SliceStable(nodes, func(left, right int) bool {
		a, b := nodes[left], nodes[right]
		switch {
		case a.Position != nil && b.Position != nil:
			if *a.Position != *b.Position {
				return *a.Position < *b.Position
			}
			return a.Name < b.Name
		case a.Position != nil:
			return true
		case b.Position != nil:
			return false
		default:
			return a.Name < b.Name
		}
	})
}

// Create inserts a navigation node, and its default document when requested, in one transaction.
func (r *Repository) Create(ctx context.Context, request CreateRequest) (Node, error) {
	parentPath, err := CleanPath(request.ParentPath)
	if err != nil {
		return Node{}, err
	}
	name, err := CleanName(request.Name)
	if err != nil {
		return Node{}, err
	}
	var contentName string
	if request.DefaultContent != nil {
		if contentName, err = CleanName(request.DefaultContent.Name); err != nil {
			return Node{}, err
		}
	}
	kind := request.Kind
	if kind == KindBoundary || kind == "" {
		kind = KindFolder
	}
	nodePath := JoinPath(parentPath, name)
	now := r.clock().UTC().Unix()

	var created NodeRecord
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if parentPath != "/" {
			var parent NodeRecord
			err := tx.Where(queryNodePath, parentPath).Take(&parent).Error
			if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && State(parent.State) == StateDeleted) {
				return fmt.Errorf("%w: %s", ErrParentMissing, parentPath)
			}
			if err != nil {
				return err
			}
		}
		if err := ensurePathFree(tx, nodePath); err != nil {
			return err
		}

		nodeID, err := r.ids.NewID()
		if err != nil {
			return err
		}
		created = NodeRecord{
			ID:               nodeID,
			Path:             nodePath,
			ParentPath:       parentPath,
			Name:             name,
			Kind:             string(kind),
			Position:         copyPosition(request.Position),
			State:            string(StateNew),
			Properties:       request.Properties.Clone(),
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if err := tx.Create(&created).Error; err != nil {
			return err
		}

		if request.DefaultContent == nil {
			return nil
		}
		contentID, err := r.ids.NewID()
		if err != nil {
			return err
		}
		content := NodeRecord{
			ID:               contentID,
			Path:             JoinPath(nodePath, contentName),
			ParentPath:       nodePath,
			Name:             contentName,
			Kind:             kindDefaultContent,
			DefaultContentOf: nodeID,
			State:            string(StateNew),
			Properties:       request.DefaultContent.Properties.Clone(),
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		return tx.Create(&content).Error
	})
	if txErr != nil {
		return Node{}, txErr
	}
	return r.ReadByID(ctx, created.ID, ReadOptions{})
}

// Move relocates a node, its default document and every descendant to newPath.
func (r *Repository) Move(ctx context.Context, id string, newPath string) (Node, error) {
	destination, err := CleanPath(newPath)
	if err != nil {
		return Node{}, err
	}
	name, err := CleanName(BaseName(destination))
	if err != nil {
		return Node{}, err
	}
	destination = JoinPath(ParentPath(destination), name)
	now := r.clock().UTC().Unix()

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record NodeRecord
		err := tx.Where(queryNodeID, id).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: id %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		source := record.Path
		if source == destination {
			return nil
		}
		if IsWithin(destination, source) {
			return fmt.Errorf("%w: cannot move %s below itself", ErrInvalidPath, source)
		}
		destinationParent := ParentPath(destination)
		if destinationParent != "/" {
			var parent NodeRecord
			err := tx.Where(queryNodePath, destinationParent).Take(&parent).Error
			if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && State(parent.State) == StateDeleted) {
				return fmt.Errorf("%w: %s", ErrParentMissing, destinationParent)
			}
			if err != nil {
				return err
			}
		}
		if err := ensurePathFree(tx, destination); err != nil {
			return err
		}

		rows, err := subtreeRows(tx, source)
		if err != nil {
			return err
		}
		for _, row := range rows {
			updates := map[string]any{
				"path":         Rebase(row.Path, source, destination),
				"parent_path":  Rebase(row.ParentPath, source, destination),
				"updated_at_s": now,
			}
			if row.ID == record.ID {
				updates["parent_path"] = destinationParent
				updates["name"] = BaseName(destination)
			}
			if err := tx.Model(&NodeRecord{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return Node{}, txErr
	}
	return r.ReadByID(ctx, id, ReadOptions{IncludeDeleted: true})
}

// WriteProperties merges delta into the property set of a node or default document.
func (r *Repository) WriteProperties(ctx context.Context, id string, delta PropertyDelta) error {
	if delta.Empty() {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record NodeRecord
		err := tx.Where("id = ?", id).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: id %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		merged := delta.ApplyTo(record.Properties)
		return tx.Model(&NodeRecord{}).Where("id = ?", id).Updates(map[string]any{
			"properties_json": merged,
			"updated_at_s":    r.clock().UTC().Unix(),
		}).Error
	})
}

// WritePosition sets the sibling order value of a node; nil removes it from navigation.
func (r *Repository) WritePosition(ctx context.Context, id string, position *float64) error {
	var value any = gorm.Expr("NULL")
	if position != nil {
		value = *position
	}
	result := r.db.WithContext(ctx).Model(&NodeRecord{}).Where(queryNodeID, id).Updates(map[string]any{
		"position":     value,
		"updated_at_s": r.clock().UTC().Unix(),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	return nil
}

// WriteState sets the editing state of a node.
func (r *Repository) WriteState(ctx context.Context, id string, state State) error {
	result := r.db.WithContext(ctx).Model(&NodeRecord{}).Where(queryNodeID, id).Updates(map[string]any{
		"state":        string(state),
		"updated_at_s": r.clock().UTC().Unix(),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	return nil
}

// Delete soft-deletes a node or physically removes it together with everything below its path.
func (r *Repository) Delete(ctx context.Context, id string, mode DeleteMode) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record NodeRecord
		err := tx.Where(queryNodeID, id).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: id %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}

		if mode == DeleteSoft {
			if State(record.State) == StateDeleted {
				return nil
			}
			return tx.Model(&NodeRecord{}).Where("id = ?", id).Updates(map[string]any{
				"state":               string(StateDeleted),
				"state_before_delete": record.State,
				"updated_at_s":        r.clock().UTC().Unix(),
			}).Error
		}

		rows, err := subtreeRows(tx, record.Path)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		if err := tx.Where("node_id IN ?", ids).Delete(&LockRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("target_id IN ? OR source_id IN ?", ids, ids).Delete(&ReferenceRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", ids).Delete(&NodeRecord{}).Error; err != nil {
			return err
		}
		r.logger.Debug("node subtree removed", zap.String("path", record.Path), zap.Int("rows", len(ids)))
		return nil
	})
}

// Undelete restores a soft-deleted node to the state it had before deletion.
func (r *Repository) Undelete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record NodeRecord
		err := tx.Where(queryNodeID, id).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: id %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if State(record.State) != StateDeleted {
			return fmt.Errorf("%w: id %s", ErrNotDeleted, id)
		}
		restored := record.StateBeforeDelete
		if restored == "" {
			restored = string(StateModified)
		}
		return tx.Model(&NodeRecord{}).Where("id = ?", id).Updates(map[string]any{
			"state":               restored,
			"state_before_delete": "",
			"updated_at_s":        r.clock().UTC().Unix(),
		}).Error
	})
}

// LockGuard releases an exclusive node lock.
type LockGuard struct {
	repository *Repository
	nodeID     string
	owner      string
	released   bool
}

// NodeID returns the locked node identifier.
func (g *LockGuard) NodeID() string {
	return g.nodeID
}

// Release gives up this guard's hold; the lock is dropped once the owner holds it no more.
// Releasing twice is a no-op.
func (g *LockGuard) Release(ctx context.Context) error {
	if g == nil || g.released {
		return nil
	}
	g.released = true
	return g.repository.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing LockRecord
		err := tx.Where("node_id = ? AND owner = ?", g.nodeID, g.owner).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if existing.Holds > 1 {
			return tx.Model(&LockRecord{}).
				Where("node_id = ? AND owner = ?", g.nodeID, g.owner).
				Update("holds", gorm.Expr("holds - 1")).Error
		}
		return tx.Where("node_id = ? AND owner = ?", g.nodeID, g.owner).Delete(&LockRecord{}).Error
	})
}

// Lock acquires the exclusive lock on a node without waiting. Locking a node the owner already
// holds adds a hold, and each guard releases only its own.
func (r *Repository) Lock(ctx context.Context, id string, owner string) (*LockGuard, error) {
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&NodeRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: id %s", ErrNotFound, id)
		}
		var existing LockRecord
		err := tx.Where("node_id = ?", id).Take(&existing).Error
		if err == nil {
			if existing.Owner != owner {
				return fmt.Errorf("%w: %s held by %s", ErrLocked, id, existing.Owner)
			}
			return tx.Model(&LockRecord{}).
				Where("node_id = ? AND owner = ?", id, owner).
				Update("holds", gorm.Expr("holds + 1")).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(&LockRecord{
			NodeID:            id,
			Owner:             owner,
			Holds:             1,
			AcquiredAtSeconds: r.clock().UTC().Unix(),
		}).Error
	})
	if txErr != nil {
		return nil, txErr
	}
	return &LockGuard{repository: r, nodeID: id, owner: owner}, nil
}

// ReadIncomingReferences lists the resources referencing the node.
func (r *Repository) ReadIncomingReferences(ctx context.Context, id string) ([]Resource, error) {
	var records []ReferenceRecord
	if err := r.db.WithContext(ctx).
		Where("target_id = ?", id).
		Order("source_path ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	resources := make([]Resource, 0, len(records))
	for _, record := range records {
		resources = append(resources, Resource{
			ID:    record.SourceID,
			Path:  record.SourcePath,
			Title: record.SourceTitle,
			Role:  ReferenceRole(record.SourceRole),
		})
	}
	return resources, nil
}

// AddReference records an inbound link. Recording the same edge twice is a no-op.
func (r *Repository) AddReference(ctx context.Context, reference Reference) error {
	role := reference.Source.Role
	if role == "" {
		role = RoleContent
	}
	record := ReferenceRecord{
		SourceID:    reference.Source.ID,
		SourcePath:  reference.Source.Path,
		SourceTitle: reference.Source.Title,
		SourceRole:  string(role),
		TargetID:    reference.TargetID,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

// RemoveReference drops the edge from sourceID to targetID.
func (r *Repository) RemoveReference(ctx context.Context, sourceID, targetID string) error {
	return r.db.WithContext(ctx).
		Where("source_id = ? AND target_id = ?", sourceID, targetID).
		Delete(&ReferenceRecord{}).Error
}

// RetargetReferences points every reference aimed at fromID to toID instead.
func (r *Repository) RetargetReferences(ctx context.Context, fromID, toID string) error {
	if fromID == toID {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var records []ReferenceRecord
		if err := tx.Where("target_id = ?", fromID).Find(&records).Error; err != nil {
			return err
		}
		for _, record := range records {
			moved := record
			moved.ReferenceID = 0
			moved.TargetID = toID
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&moved).Error; err != nil {
				return err
			}
			if err := tx.Delete(&ReferenceRecord{}, record.ReferenceID).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// RetargetSources hands the references held by fromID over to toID. The source path becomes the
// current path of toID; titles and roles are kept.
func (r *Repository) RetargetSources(ctx context.Context, fromID, toID string) error {
	if fromID == toID {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var holder NodeRecord
		err := tx.Where("id = ?", toID).Take(&holder).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: id %s", ErrNotFound, toID)
		}
		if err != nil {
			return err
		}
		var records []ReferenceRecord
		if err := tx.Where("source_id = ?", fromID).Find(&records).Error; err != nil {
			return err
		}
		for _, record := range records {
			moved := record
			moved.ReferenceID = 0
			moved.SourceID = toID
			moved.SourcePath = holder.Path
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&moved).Error; err != nil {
				return err
			}
			if err := tx.Delete(&ReferenceRecord{}, record.ReferenceID).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) hydrate(ctx context.Context, tx *gorm.DB, records []NodeRecord) ([]Node, error) {
	nodes := make([]Node, 0, len(records))
	if len(records) == 0 {
		return nodes, nil
	}
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}

	var contents []NodeRecord
	if err := tx.WithContext(ctx).Where(queryDefaultContent, ids).Find(&contents).Error; err != nil {
		return nil, err
	}
	contentByOwner := make(map[string]NodeRecord, len(contents))
	for _, content := range contents {
		contentByOwner[content.DefaultContentOf] = content
	}

	var locks []LockRecord
	if err := tx.WithContext(ctx).Where("node_id IN ?", ids).Find(&locks).Error; err != nil {
		return nil, err
	}
	ownerByNode := make(map[string]string, len(locks))
	for _, lock := range locks {
		ownerByNode[lock.NodeID] = lock.Owner
	}

	for _, record := range records {
		node := nodeFromRecord(record)
		if content, ok := contentByOwner[record.ID]; ok {
			node.DefaultContentID = content.ID
			node.DefaultContentProperties = content.Properties.Clone()
		}
		node.LockOwner = ownerByNode[record.ID]
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func ensurePathFree(tx *gorm.DB, nodePath string) error {
	var count int64
	if err := tx.Model(&NodeRecord{}).Where("path = ?", nodePath).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrPathExists, nodePath)
	}
	return nil
}

func subtreeRows(tx *gorm.DB, rootPath string) ([]NodeRecord, error) {
	var candidates []NodeRecord
	if err := tx.Where(querySubtreeRows, rootPath, rootPath+"/%").Find(&candidates).Error; err != nil {
		return nil, err
	}
	rows := candidates[:0]
	for _, candidate := range candidates {
		if IsWithin(candidate.Path, rootPath) {
			rows = append(rows, candidate)
		}
	}
	return rows, nil
}

func copyPosition(position *float64) *float64 {
	if position == nil {
		return nil
	}
	value := *position
	return &value
}
