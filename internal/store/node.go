package store

import "errors"

// EntryKind enumerates the navigation entry variants.
type EntryKind string

const (
	// KindFolder is a navigation folder backed by a default document.
	KindFolder EntryKind = "folder"
	// KindLeaf is a single content resource.
	KindLeaf EntryKind = "leaf"
	// KindRedirect is a single resource forwarding to another location.
	KindRedirect EntryKind = "redirect"
	// KindBoundary is a folder whose descendants live in a separately addressable subtree.
	KindBoundary EntryKind = "boundary"

	kindDefaultContent = "content"
)

// State is the editing state of a node.
type State string

const (
	StateUnchanged State = "unchanged"
	StateNew       State = "new"
	StateModified  State = "modified"
	StateDeleted   State = "deleted"
)

// ReferenceRole classifies the resource that holds a reference.
type ReferenceRole string

const (
	// RoleContent marks an ordinary content resource.
	RoleContent ReferenceRole = "content"
	// RoleConfiguration marks tree configuration and boundary bookkeeping.
	RoleConfiguration ReferenceRole = "configuration"
)

// Property names with a meaning to the store.
const (
	PropertyTitle         = "title"
	PropertySubtreeRef    = "sitemap.subtree"
	PropertySubtreeSource = "sitemap.subtree.source"
)

var (
	// ErrNotFound indicates that no node matches the address.
	ErrNotFound = errors.New("store: node not found")
	// ErrLocked indicates that the node is exclusively locked by another owner.
	ErrLocked = errors.New("store: node locked by another owner")
	// ErrPathExists indicates that the destination path is already occupied.
	ErrPathExists = errors.New("store: path already exists")
	// ErrParentMissing indicates that the parent path of a new node does not exist.
	ErrParentMissing = errors.New("store: parent path does not exist")
)

// Node is the read projection of a navigation node.
type Node struct {
	ID                       string
	Path                     string
	ParentPath               string
	Name                     string
	Title                    string
	Position                 *float64
	Kind                     EntryKind
	SubtreeRef               string
	OwnProperties            Properties
	DefaultContentID         string
	DefaultContentProperties Properties
	State                    State
	LockOwner                string
	CreatedAtSeconds         int64
	UpdatedAtSeconds         int64
}

// HasDefaultContent reports whether the node carries a default document.
func (n Node) HasDefaultContent() bool {
	return n.DefaultContentID != ""
}

// InNavigation reports whether the node takes part in the ordered sibling listing.
func (n Node) InNavigation() bool {
	return n.Position != nil
}

// Deleted reports whether the node is soft-deleted.
func (n Node) Deleted() bool {
	return n.State == StateDeleted
}

// Resource describes a resource holding a reference to a node.
type Resource struct {
	ID    string
	Path  string
	Title string
	Role  ReferenceRole
}

// Reference is an edge from a source resource to a target node.
type Reference struct {
	Source   Resource
	TargetID string
}

// ReadOptions filters node reads.
type ReadOptions struct {
	IncludeDeleted bool
}

// DefaultContent describes the default document created alongside a folder.
type DefaultContent struct {
	Name       string
	Properties Properties
}

// CreateRequest describes a node to create.
type CreateRequest struct {
	ParentPath     string
	Name           string
	Kind           EntryKind
	Position       *float64
	Properties     Properties
	DefaultContent *DefaultContent
}

// DeleteMode selects between reversible and physical deletion.
type DeleteMode int

const (
	// DeleteSoft marks the node deleted.
	DeleteSoft DeleteMode = iota
	// DeleteHard removes the node, its default document and all descendants.
	DeleteHard
)

func nodeFromRecord(record NodeRecord) Node {
	properties := record.Properties.Clone()
	node := Node{
		ID:               record.ID,
		Path:             record.Path,
		ParentPath:       record.ParentPath,
		Name:             record.Name,
		Title:            properties[PropertyTitle],
		Kind:             EntryKind(record.Kind),
		OwnProperties:    properties,
		State:            State(record.State),
		CreatedAtSeconds: record.CreatedAtSeconds,
		UpdatedAtSeconds: record.UpdatedAtSeconds,
	}
	if record.Position != nil {
		position := *record.Position
		node.Position = &position
	}
	if ref := properties[PropertySubtreeRef]; ref != "" {
		node.Kind = KindBoundary
		node.SubtreeRef = ref
	}
	return node
}
