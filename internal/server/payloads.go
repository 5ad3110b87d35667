package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sitemap/internal/catalog"
	"github.com/MarcoPoloResearchLab/sitemap/internal/sitemap"
	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
	"github.com/go-playground/validator/v10"
)

const defaultChildrenDepth = 1

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("nodepath", validateNodePath)
}

// validateNodePath accepts only absolute paths already in canonical form.
func validateNodePath(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	cleaned, err := store.CleanPath(value)
	return err == nil && cleaned == value
}

type childrenQuery struct {
	EntryPoint string `form:"entry_point" validate:"required,nodepath"`
	Root       string `form:"root" validate:"required,nodepath"`
	Depth      *int   `form:"depth" validate:"omitempty,min=-1,max=64"`
	Target     string `form:"target" validate:"omitempty,nodepath"`
}

func (q childrenQuery) Validate() error {
	return validate.Struct(q)
}

func (q childrenQuery) options() sitemap.LoadOptions {
	depth := defaultChildrenDepth
	if q.Depth != nil {
		depth = *q.Depth
	}
	return sitemap.LoadOptions{Depth: depth, TargetPath: q.Target}
}

type entryQuery struct {
	EntryPoint string `form:"entry_point" validate:"required,nodepath"`
	Path       string `form:"path" validate:"required,nodepath"`
}

func (q entryQuery) Validate() error {
	return validate.Struct(q)
}

type prefetchQuery struct {
	Root string `form:"root" validate:"required,nodepath"`
}

func (q prefetchQuery) Validate() error {
	return validate.Struct(q)
}

type eventsQuery struct {
	EntryPoint string `form:"entry_point" validate:"required,nodepath"`
}

func (q eventsQuery) Validate() error {
	return validate.Struct(q)
}

type propertyPayload struct {
	Name  string  `json:"name" validate:"required,max=128"`
	Value *string `json:"value"`
	Scope string  `json:"scope" validate:"omitempty,oneof=node content"`
}

type changePayload struct {
	Type               string            `json:"type" validate:"required,oneof=create edit delete undelete remove_from_navigation clipboard_only"`
	ID                 string            `json:"id"`
	ParentID           string            `json:"parent_id" validate:"required_if=Type create"`
	Name               string            `json:"name" validate:"required_if=Type create,max=255"`
	EntryKind          string            `json:"entry_kind" validate:"omitempty,oneof=folder leaf redirect"`
	CopySourceID       string            `json:"copy_source_id"`
	Properties         []propertyPayload `json:"properties" validate:"dive"`
	TargetIndex        *int              `json:"target_index" validate:"omitempty,min=-1"`
	OmitFromNavigation bool              `json:"omit_from_navigation"`
	NewParentID        string            `json:"new_parent_id"`
	NewName            string            `json:"new_name" validate:"max=255"`
	Modified           []string          `json:"modified" validate:"dive,required"`
	Deleted            []string          `json:"deleted" validate:"dive,required"`
}

type saveRequestPayload struct {
	EntryPoint string         `json:"entry_point" validate:"required,nodepath"`
	Change     *changePayload `json:"change" validate:"required"`
}

func (p saveRequestPayload) Validate() error {
	return validate.Struct(p)
}

type subtreeRequestPayload struct {
	EntryPoint string `json:"entry_point" validate:"required,nodepath"`
	Path       string `json:"path" validate:"required,nodepath"`
}

func (p subtreeRequestPayload) Validate() error {
	return validate.Struct(p)
}

type brokenLinksRequestPayload struct {
	ClosingID string   `json:"closing_id" validate:"required"`
	OpenIDs   []string `json:"open_ids" validate:"dive,required"`
	ClosedIDs []string `json:"closed_ids" validate:"dive,required"`
}

func (p brokenLinksRequestPayload) Validate() error {
	return validate.Struct(p)
}

// toChange converts the validated payload into an engine change descriptor.
func (p changePayload) toChange() (sitemap.Change, error) {
	properties := make([]sitemap.PropertyChange, 0, len(p.Properties))
	for _, property := range p.Properties {
		properties = append(properties, sitemap.PropertyChange{
			Name:  strings.TrimSpace(property.Name),
			Value: property.Value,
			Scope: catalog.Scope(property.Scope),
		})
	}

	kind := sitemap.ChangeKind(p.Type)
	if kind != sitemap.ChangeCreate && kind != sitemap.ChangeClipboardOnly && strings.TrimSpace(p.ID) == "" {
		return nil, fmt.Errorf("change of type %s requires id", p.Type)
	}

	switch kind {
	case sitemap.ChangeCreate:
		targetIndex := sitemap.AppendIndex
		if p.TargetIndex != nil {
			targetIndex = *p.TargetIndex
		}
		entryKind := store.EntryKind(p.EntryKind)
		if entryKind == "" {
			entryKind = store.KindLeaf
		}
		return sitemap.CreateChange{
			ParentID:           p.ParentID,
			Name:               p.Name,
			EntryKind:          entryKind,
			CopySourceID:       p.CopySourceID,
			Properties:         properties,
			TargetIndex:        targetIndex,
			OmitFromNavigation: p.OmitFromNavigation,
		}, nil
	case sitemap.ChangeEdit:
		return sitemap.EditChange{
			ID:          p.ID,
			Properties:  properties,
			NewParentID: p.NewParentID,
			NewName:     p.NewName,
			TargetIndex: p.TargetIndex,
		}, nil
	case sitemap.ChangeDelete:
		return sitemap.DeleteChange{ID: p.ID}, nil
	case sitemap.ChangeUndelete:
		return sitemap.UndeleteChange{ID: p.ID}, nil
	case sitemap.ChangeRemoveFromNavigation:
		return sitemap.RemoveFromNavigationChange{ID: p.ID}, nil
	case sitemap.ChangeClipboardOnly:
		return sitemap.ClipboardOnlyChange{Modified: p.Modified, Deleted: p.Deleted}, nil
	default:
		return nil, fmt.Errorf("unknown change type %q", p.Type)
	}
}

type nodePayload struct {
	ID                       string            `json:"id"`
	Path                     string            `json:"path"`
	Name                     string            `json:"name"`
	Title                    string            `json:"title,omitempty"`
	Position                 *float64          `json:"position,omitempty"`
	InNavigation             bool              `json:"in_navigation"`
	Kind                     string            `json:"kind"`
	SubtreeRef               string            `json:"subtree_ref,omitempty"`
	State                    string            `json:"state"`
	LockOwner                string            `json:"lock_owner,omitempty"`
	HasDefaultContent        bool              `json:"has_default_content"`
	OwnProperties            map[string]string `json:"own_properties"`
	DefaultContentProperties map[string]string `json:"default_content_properties,omitempty"`
}

func newNodePayload(view sitemap.NodeView) nodePayload {
	ownProperties := view.OwnProperties
	if ownProperties == nil {
		ownProperties = map[string]string{}
	}
	return nodePayload{
		ID:                       view.ID,
		Path:                     view.Path,
		Name:                     view.Name,
		Title:                    view.Title,
		Position:                 view.Position,
		InNavigation:             view.InNavigation(),
		Kind:                     string(view.Kind),
		SubtreeRef:               view.SubtreeRef,
		State:                    string(view.State),
		LockOwner:                view.LockOwner,
		HasDefaultContent:        view.HasDefaultContent,
		OwnProperties:            ownProperties,
		DefaultContentProperties: view.DefaultContentProperties,
	}
}

type treeNodePayload struct {
	Node           nodePayload       `json:"node"`
	ChildrenLoaded bool              `json:"children_loaded"`
	Children       []treeNodePayload `json:"children,omitempty"`
}

func newTreePayload(view sitemap.TreeView) *treeNodePayload {
	if view.Root == nil {
		return nil
	}
	payload := newTreeNodePayload(view.Root)
	return &payload
}

func newTreeNodePayload(node *sitemap.TreeNode) treeNodePayload {
	payload := treeNodePayload{
		Node:           newNodePayload(node.Node),
		ChildrenLoaded: node.ChildrenLoaded,
	}
	for _, child := range node.Children {
		payload.Children = append(payload.Children, newTreeNodePayload(child))
	}
	return payload
}

type clipboardEntryPayload struct {
	ID             string `json:"id"`
	LastKnownName  string `json:"last_known_name"`
	LastKnownPath  string `json:"last_known_path"`
	LastKnownTitle string `json:"last_known_title,omitempty"`
}

type clipboardPayload struct {
	Modified []clipboardEntryPayload `json:"modified"`
	Deleted  []clipboardEntryPayload `json:"deleted"`
}

func newClipboardPayload(state sitemap.ClipboardState) clipboardPayload {
	return clipboardPayload{
		Modified: clipboardEntries(state.Modified),
		Deleted:  clipboardEntries(state.Deleted),
	}
}

func clipboardEntries(entries []sitemap.ClipboardEntry) []clipboardEntryPayload {
	payload := make([]clipboardEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, clipboardEntryPayload{
			ID:             entry.ID,
			LastKnownName:  entry.LastKnownName,
			LastKnownPath:  entry.LastKnownPath,
			LastKnownTitle: entry.LastKnownTitle,
		})
	}
	return payload
}

type saveResponsePayload struct {
	Node      *nodePayload     `json:"node,omitempty"`
	Modified  []string         `json:"modified"`
	Deleted   []string         `json:"deleted"`
	Clipboard clipboardPayload `json:"clipboard"`
}

type splitResponsePayload struct {
	SubtreeRootID string           `json:"subtree_root_id"`
	SubtreePath   string           `json:"subtree_path"`
	TimestampMs   int64            `json:"timestamp_ms"`
	Clipboard     clipboardPayload `json:"clipboard"`
}

type mergeResponsePayload struct {
	MergedChildren []nodePayload    `json:"merged_children"`
	TimestampMs    int64            `json:"timestamp_ms"`
	Clipboard      clipboardPayload `json:"clipboard"`
}

type resourcePayload struct {
	ID    string `json:"id"`
	Path  string `json:"path"`
	Title string `json:"title,omitempty"`
}

type brokenLinkPayload struct {
	Target    resourcePayload   `json:"target"`
	Referrers []resourcePayload `json:"referrers"`
}

type brokenLinksResponsePayload struct {
	Entries   []brokenLinkPayload `json:"entries"`
	Snapshots []*treeNodePayload  `json:"snapshots"`
}

func newBrokenLinksPayload(report sitemap.BrokenLinkReport) brokenLinksResponsePayload {
	payload := brokenLinksResponsePayload{
		Entries:   make([]brokenLinkPayload, 0, len(report.Entries)),
		Snapshots: make([]*treeNodePayload, 0, len(report.Snapshots)),
	}
	for _, entry := range report.Entries {
		referrers := make([]resourcePayload, 0, len(entry.Referrers))
		for _, referrer := range entry.Referrers {
			referrers = append(referrers, newResourcePayload(referrer))
		}
		payload.Entries = append(payload.Entries, brokenLinkPayload{
			Target:    newResourcePayload(entry.Target),
			Referrers: referrers,
		})
	}
	for _, snapshot := range report.Snapshots {
		payload.Snapshots = append(payload.Snapshots, newTreePayload(snapshot))
	}
	return payload
}

func newResourcePayload(summary sitemap.ResourceSummary) resourcePayload {
	return resourcePayload{ID: summary.ID, Path: summary.Path, Title: summary.Title}
}

type prefetchResponsePayload struct {
	Tree             *treeNodePayload     `json:"tree"`
	Templates        []catalog.Template   `json:"templates"`
	Definitions      []catalog.Definition `json:"definitions"`
	Clipboard        clipboardPayload     `json:"clipboard"`
	SubtreeRoot      string               `json:"subtree_root"`
	ParentEntryPoint string               `json:"parent_entry_point,omitempty"`
}

func newPrefetchPayload(result sitemap.PrefetchResult) prefetchResponsePayload {
	templates := result.Templates
	if templates == nil {
		templates = []catalog.Template{}
	}
	definitions := result.Definitions
	if definitions == nil {
		definitions = []catalog.Definition{}
	}
	return prefetchResponsePayload{
		Tree:             newTreePayload(result.Tree),
		Templates:        templates,
		Definitions:      definitions,
		Clipboard:        newClipboardPayload(result.Clipboard),
		SubtreeRoot:      result.SubtreeRoot,
		ParentEntryPoint: result.ParentEntryPoint,
	}
}

type realtimeEventPayload struct {
	EntryPoint    string   `json:"entryPoint"`
	NodeIDs       []string `json:"nodeIds"`
	EditorID      string   `json:"editorId,omitempty"`
	TimestampMs   int64    `json:"timestampMs"`
	Source        string   `json:"source"`
	HeartbeatOnly bool     `json:"heartbeat,omitempty"`
}

func timestampMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UnixMilli()
}
