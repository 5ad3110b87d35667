package sitemap

import "github.com/MarcoPoloResearchLab/sitemap/internal/store"

// ChangeKind names a change descriptor variant.
type ChangeKind string

const (
	ChangeCreate               ChangeKind = "create"
	ChangeEdit                 ChangeKind = "edit"
	ChangeDelete               ChangeKind = "delete"
	ChangeUndelete             ChangeKind = "undelete"
	ChangeRemoveFromNavigation ChangeKind = "remove_from_navigation"
	ChangeClipboardOnly        ChangeKind = "clipboard_only"
)

// Change is a single editor action. The variant set is closed: only the types in this file
// implement it.
type Change interface {
	Kind() ChangeKind
	sealed()
}

// AppendIndex places a node after its last navigation sibling.
const AppendIndex = -1

// CreateChange adds a node below ParentID at TargetIndex among the navigation siblings.
type CreateChange struct {
	ParentID     string
	Name         string
	EntryKind    store.EntryKind
	CopySourceID string
	Properties   []PropertyChange
	// TargetIndex counts navigation siblings only; AppendIndex appends.
	TargetIndex int
	// OmitFromNavigation creates the node without a position.
	OmitFromNavigation bool

	allowBoundaryParent bool
}

// EditChange updates properties and optionally renames, moves or reorders a node.
type EditChange struct {
	ID          string
	Properties  []PropertyChange
	NewParentID string
	NewName     string
	TargetIndex *int
}

// DeleteChange soft-deletes a node.
type DeleteChange struct {
	ID string
}

// UndeleteChange reverts a soft delete.
type UndeleteChange struct {
	ID string
}

// RemoveFromNavigationChange hides a node from the ordered listing without deleting it.
type RemoveFromNavigationChange struct {
	ID string
}

// ClipboardOnlyChange records clipboard entries without touching the tree.
type ClipboardOnlyChange struct {
	Modified []string
	Deleted  []string
}

func (CreateChange) Kind() ChangeKind               { return ChangeCreate }
func (EditChange) Kind() ChangeKind                 { return ChangeEdit }
func (DeleteChange) Kind() ChangeKind               { return ChangeDelete }
func (UndeleteChange) Kind() ChangeKind             { return ChangeUndelete }
func (RemoveFromNavigationChange) Kind() ChangeKind { return ChangeRemoveFromNavigation }
func (ClipboardOnlyChange) Kind() ChangeKind        { return ChangeClipboardOnly }

func (CreateChange) sealed()               {}
func (EditChange) sealed()                 {}
func (DeleteChange) sealed()               {}
func (UndeleteChange) sealed()             {}
func (RemoveFromNavigationChange) sealed() {}
func (ClipboardOnlyChange) sealed()        {}
