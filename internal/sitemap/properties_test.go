package sitemap

import (
	"testing"

	"github.com/MarcoPoloResearchLab/sitemap/internal/catalog"
	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T) PropertyReconciler {
	t.Helper()
	definitions, err := catalog.Load("")
	require.NoError(t, err)
	return NewPropertyReconciler(definitions)
}

func TestSplitRoutesPropertiesByScope(t *testing.T) {
	reconciler := newTestReconciler(t)
	changes := []PropertyChange{
		{Name: "title", Value: stringPointer("Home")},
		{Name: "description", Value: stringPointer("Landing page")},
		{Name: "keywords", Value: nil},
		{Name: "custom", Value: stringPointer("x"), Scope: catalog.ScopeContent},
	}

	own, content, err := reconciler.Split(changes, true)
	require.NoError(t, err)
	assert.Equal(t, store.PropertyDelta{"title": stringPointer("Home")}, own)
	assert.Len(t, content, 3)
	assert.Equal(t, "Landing page", *content["description"])
	assert.Nil(t, content["keywords"])
	assert.Contains(t, content, "keywords")
	assert.Equal(t, "x", *content["custom"])

	own, content, err = reconciler.Split(changes, false)
	require.NoError(t, err)
	assert.Len(t, own, 4)
	assert.Empty(t, content)
}

func TestSplitRejectsReservedAndEmptyNames(t *testing.T) {
	reconciler := newTestReconciler(t)
	testCases := []struct {
		name   string
		change PropertyChange
		code   string
	}{
		{name: "boundary marker", change: PropertyChange{Name: store.PropertySubtreeRef, Value: stringPointer("x")}, code: "sitemap.save.reserved_property"},
		{name: "subtree source", change: PropertyChange{Name: store.PropertySubtreeSource}, code: "sitemap.save.reserved_property"},
		{name: "blank name", change: PropertyChange{Name: "  ", Value: stringPointer("x")}, code: "sitemap.save.empty_property_name"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, _, err := reconciler.Split([]PropertyChange{testCase.change}, true)
			require.ErrorIs(t, err, ErrInvalidRequest)
			var failure *ServiceError
			require.ErrorAs(t, err, &failure)
			assert.Equal(t, testCase.code, failure.Code())
		})
	}
}

func TestSeedCopiesSourceWithoutBoundaryBookkeeping(t *testing.T) {
	reconciler := newTestReconciler(t)
	source := store.Node{
		OwnProperties: store.Properties{
			"title":                     "Source",
			"template":                  "default",
			store.PropertySubtreeRef:    "subtree-1",
			store.PropertySubtreeSource: "boundary-1",
		},
		DefaultContentID:         "content-1",
		DefaultContentProperties: store.Properties{"description": "copied"},
	}

	own, content, err := reconciler.Seed(&source, titled("Copy"), true)
	require.NoError(t, err)
	assert.Equal(t, store.Properties{"title": "Copy", "template": "default"}, own)
	assert.Equal(t, store.Properties{"description": "copied"}, content)

	own, content, err = reconciler.Seed(&source, nil, false)
	require.NoError(t, err)
	assert.Equal(t, store.Properties{"title": "Source", "template": "default", "description": "copied"}, own)
	assert.Empty(t, content)
}

func TestSnapshotReproducesPropertiesThroughSeed(t *testing.T) {
	reconciler := newTestReconciler(t)
	node := store.Node{
		OwnProperties:            store.Properties{"title": "Docs", store.PropertySubtreeRef: "subtree-1"},
		DefaultContentID:         "content-1",
		DefaultContentProperties: store.Properties{"description": "About", "keywords": "a,b"},
	}

	own, content, err := reconciler.Seed(nil, reconciler.Snapshot(node), true)
	require.NoError(t, err)
	assert.Equal(t, store.Properties{"title": "Docs"}, own)
	assert.Equal(t, store.Properties{"description": "About", "keywords": "a,b"}, content)
}

func TestReconcilerWithoutCatalogKeepsEverythingOnNode(t *testing.T) {
	reconciler := NewPropertyReconciler(nil)

	own, content, err := reconciler.Split([]PropertyChange{{Name: "description", Value: stringPointer("x")}}, true)
	require.NoError(t, err)
	assert.Contains(t, own, "description")
	assert.Empty(t, content)
}
