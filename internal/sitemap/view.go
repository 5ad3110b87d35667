package sitemap

import "github.com/MarcoPoloResearchLab/sitemap/internal/store"

// NodeView is the client projection of a node.
type NodeView struct {
	ID                       string
	Path                     string
	Name                     string
	Title                    string
	Position                 *float64
	PositionUnset            bool
	Kind                     store.EntryKind
	SubtreeRef               string
	State                    store.State
	LockOwner                string
	HasDefaultContent        bool
	OwnProperties            map[string]string
	DefaultContentProperties map[string]string
}

// InNavigation reports whether the node appears in the ordered listing.
func (v NodeView) InNavigation() bool {
	return v.Position != nil
}

func newNodeView(node store.Node) NodeView {
	view := NodeView{
		ID:                node.ID,
		Path:              node.Path,
		Name:              node.Name,
		Title:             node.Title,
		Kind:              node.Kind,
		SubtreeRef:        node.SubtreeRef,
		State:             node.State,
		LockOwner:         node.LockOwner,
		HasDefaultContent: node.HasDefaultContent(),
		OwnProperties:     node.OwnProperties.Clone(),
	}
	if node.HasDefaultContent() {
		view.DefaultContentProperties = node.DefaultContentProperties.Clone()
	}
	if node.Position != nil {
		position := *node.Position
		view.Position = &position
	}
	return view
}
