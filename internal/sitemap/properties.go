package sitemap

import (
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/sitemap/internal/catalog"
	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
)

// PropertyChange sets (Value != nil) or removes (Value == nil) one property. An empty Scope is
// resolved through the property definitions.
type PropertyChange struct {
	Name  string
	Value *string
	Scope catalog.Scope
}

// ScopeResolver maps a property name to the resource it is stored on.
type ScopeResolver interface {
	ScopeOf(name string) catalog.Scope
}

var reservedProperties = map[string]bool{
	store.PropertySubtreeRef:    true,
	store.PropertySubtreeSource: true,
}

// PropertyReconciler routes property edits between a navigation node and its default document.
type PropertyReconciler struct {
	scopes ScopeResolver
}

// NewPropertyReconciler constructs a reconciler; a nil resolver stores everything on the node.
func NewPropertyReconciler(scopes ScopeResolver) PropertyReconciler {
	return PropertyReconciler{scopes: scopes}
}

// Split divides changes into the node delta and the default-document delta. Without a default
// document every change lands on the node.
func (r PropertyReconciler) Split(changes []PropertyChange, hasDefaultContent bool) (store.PropertyDelta, store.PropertyDelta, error) {
	own := store.PropertyDelta{}
	content := store.PropertyDelta{}
	for _, change := range changes {
		name := strings.TrimSpace(change.Name)
		if name == "" {
			return nil, nil, newServiceError(opSave, "empty_property_name", ErrInvalidRequest, nil)
		}
		if reservedProperties[name] {
			return nil, nil, newServiceError(opSave, "reserved_property", ErrInvalidRequest, nil)
		}
		target := own
		if hasDefaultContent && r.scopeOf(change) == catalog.ScopeContent {
			target = content
		}
		target[name] = change.Value
	}
	return own, content, nil
}

// Seed builds the initial property sets of a new node: the copy source's properties, without
// boundary bookkeeping, overlaid with changes.
func (r PropertyReconciler) Seed(source *store.Node, changes []PropertyChange, hasDefaultContent bool) (store.Properties, store.Properties, error) {
	own := store.Properties{}
	content := store.Properties{}
	if source != nil {
		own = withoutReserved(source.OwnProperties)
		if hasDefaultContent {
			content = withoutReserved(source.DefaultContentProperties)
		} else {
			for name, value := range withoutReserved(source.DefaultContentProperties) {
				if _, exists := own[name]; !exists {
					own[name] = value
				}
			}
		}
	}
	ownDelta, contentDelta, err := r.Split(changes, hasDefaultContent)
	if err != nil {
		return nil, nil, err
	}
	return r.Merge(own, ownDelta), r.Merge(content, contentDelta), nil
}

// Snapshot expresses the node's current properties as explicit changes, ordered by name.
func (r PropertyReconciler) Snapshot(node store.Node) []PropertyChange {
	changes := make([]PropertyChange, 0, len(node.OwnProperties)+len(node.DefaultContentProperties))
	changes = appendScoped(changes, withoutReserved(node.OwnProperties), catalog.ScopeNode)
	changes = appendScoped(changes, withoutReserved(node.DefaultContentProperties), catalog.ScopeContent)
	return changes
}

// Merge applies delta to base in the store representation.
func (r PropertyReconciler) Merge(base store.Properties, delta store.PropertyDelta) store.Properties {
	return delta.ApplyTo(base)
}

func (r PropertyReconciler) scopeOf(change PropertyChange) catalog.Scope {
	if change.Scope != "" {
		return change.Scope
	}
	if r.scopes == nil {
		return catalog.ScopeNode
	}
	return r.scopes.ScopeOf(strings.TrimSpace(change.Name))
}

func appendScoped(changes []PropertyChange, properties store.Properties, scope catalog.Scope) []PropertyChange {
	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := properties[name]
		changes = append(changes, PropertyChange{Name: name, Value: &value, Scope: scope})
	}
	return changes
}

func withoutReserved(properties store.Properties) store.Properties {
	filtered := make(store.Properties, len(properties))
	for name, value := range properties {
		if reservedProperties[name] {
			continue
		}
		filtered[name] = value
	}
	return filtered
}
