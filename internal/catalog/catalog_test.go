package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBuiltInCatalog(t *testing.T) {
	catalog, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, catalog.Path())
	assert.Equal(t, ScopeNode, catalog.ScopeOf("title"))
	assert.Equal(t, ScopeContent, catalog.ScopeOf("description"))
	assert.Equal(t, ScopeNode, catalog.ScopeOf("unknown"))

	templates := catalog.Templates()
	require.NotEmpty(t, templates)
	templates[0].Properties["template"] = "mutated"
	assert.Equal(t, "default", catalog.Templates()[0].Properties["template"])
}

func TestParseValidatesDocument(t *testing.T) {
	testCases := []struct {
		name     string
		document string
	}{
		{name: "malformed yaml", document: "properties: ["},
		{name: "missing property name", document: "properties:\n  - label: Title\n"},
		{name: "duplicate property", document: "properties:\n  - name: title\n  - name: title\n"},
		{name: "unknown scope", document: "properties:\n  - name: title\n    scope: page\n"},
		{name: "unnamed template", document: "templates:\n  - kind: leaf\n"},
		{name: "unknown template kind", document: "templates:\n  - name: x\n    kind: boundary\n"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := Parse([]byte(testCase.document))
			require.ErrorIs(t, err, ErrInvalidCatalog)
		})
	}
}

func TestParseDefaultsScopeToNode(t *testing.T) {
	catalog, err := Parse([]byte("properties:\n  - name: ' summary '\n"))
	require.NoError(t, err)
	definitions := catalog.Definitions()
	require.Len(t, definitions, 1)
	assert.Equal(t, "summary", definitions[0].Name)
	assert.Equal(t, ScopeNode, definitions[0].Scope)
}

func TestReloadKeepsCatalogOnInvalidDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("properties:\n  - name: summary\n    scope: content\n"), 0o600))
	catalog, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ScopeContent, catalog.ScopeOf("summary"))

	require.NoError(t, os.WriteFile(path, []byte("properties:\n  - name: summary\n    scope: nowhere\n"), 0o600))
	require.ErrorIs(t, catalog.Reload(), ErrInvalidCatalog)
	assert.Equal(t, ScopeContent, catalog.ScopeOf("summary"))

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("properties:\n  - name: summary\n"), 0o600))
	catalog, err := Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, catalog.Watch(ctx, nil))

	require.NoError(t, os.WriteFile(path, []byte("properties:\n  - name: summary\n    scope: content\n"), 0o600))
	assert.Eventually(t, func() bool {
		return catalog.ScopeOf("summary") == ScopeContent
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchBuiltInCatalogIsNoOp(t *testing.T) {
	catalog, err := Load("")
	require.NoError(t, err)
	require.NoError(t, catalog.Watch(context.Background(), nil))
}
