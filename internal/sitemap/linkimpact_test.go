package sitemap

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addReference(t *testing.T, repository *store.Repository, sourceID string, role store.ReferenceRole, targetID string) {
	t.Helper()
	require.NoError(t, repository.AddReference(context.Background(), store.Reference{
		Source:   store.Resource{ID: sourceID, Path: "/resources/" + sourceID, Title: "Resource " + sourceID, Role: role},
		TargetID: targetID,
	}))
}

func TestImpactExcludesConfigurationReferrers(t *testing.T) {
	repository := newTestRepository(t)
	site := seedSite(t, repository)
	service := newTestService(t, repository)
	page := mustCreate(t, service, site.ID, "page", store.KindLeaf, titled("Page"))
	addReference(t, repository, "tree-config", store.RoleConfiguration, page.ID)
	addReference(t, repository, "article", store.RoleContent, page.ID)

	report, err := service.GetBrokenLinks(context.Background(), "", []string{page.ID}, nil)
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	entry := report.Entries[0]
	assert.Equal(t, page.ID, entry.Target.ID)
	assert.Equal(t, "/site/page", entry.Target.Path)
	assert.Equal(t, "Page", entry.Target.Title)
	require.Len(t, entry.Referrers, 1)
	assert.Equal(t, "article", entry.Referrers[0].ID)
	assert.Equal(t, "/resources/article", entry.Referrers[0].Path)
	assert.Empty(t, report.Snapshots)
}

func TestImpactExpandsClosedNodesAndSnapshotsThem(t *testing.T) {
	repository := newTestRepository(t)
	site := seedSite(t, repository)
	service := newTestService(t, repository)
	folder := mustCreate(t, service, site.ID, "folder", store.KindFolder, titled("Folder"))
	child := mustCreate(t, service, folder.ID, "child", store.KindFolder, nil)
	grandchild := mustCreate(t, service, child.ID, "grandchild", store.KindLeaf, nil)
	addReference(t, repository, "article", store.RoleContent, grandchild.ID)

	report, err := service.GetBrokenLinks(context.Background(), folder.ID, nil, nil)
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, grandchild.ID, report.Entries[0].Target.ID)

	require.Len(t, report.Snapshots, 1)
	var paths []string
	report.Snapshots[0].Walk(func(node *TreeNode) {
		paths = append(paths, node.Node.Path)
	})
	assert.Equal(t, []string{"/site/folder", "/site/folder/child", "/site/folder/child/grandchild"}, paths)
}

func TestImpactReportsDefaultDocumentReferencesOnTheirNode(t *testing.T) {
	repository := newTestRepository(t)
	site := seedSite(t, repository)
	service := newTestService(t, repository)
	folder := mustCreate(t, service, site.ID, "folder", store.KindFolder, nil)
	node := mustRead(t, repository, folder.ID)
	addReference(t, repository, "article", store.RoleContent, node.DefaultContentID)

	report, err := service.GetBrokenLinks(context.Background(), "", []string{folder.ID}, nil)
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, folder.ID, report.Entries[0].Target.ID)
}

func TestImpactIgnoresReferrersInsideTheCandidateSet(t *testing.T) {
	repository := newTestRepository(t)
	site := seedSite(t, repository)
	service := newTestService(t, repository)
	folder := mustCreate(t, service, site.ID, "folder", store.KindFolder, nil)
	first := mustCreate(t, service, folder.ID, "first", store.KindLeaf, nil)
	second := mustCreate(t, service, folder.ID, "second", store.KindLeaf, nil)
	addReference(t, repository, second.ID, store.RoleContent, first.ID)

	report, err := service.GetBrokenLinks(context.Background(), "", nil, []string{folder.ID})
	require.NoError(t, err)
	assert.True(t, report.Empty())

	report, err = service.GetBrokenLinks(context.Background(), "", []string{first.ID}, nil)
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, second.ID, report.Entries[0].Referrers[0].ID)
}

func TestImpactIgnoresBoundaryBookkeeping(t *testing.T) {
	fixture := newDocsFixture(t)
	ctx := context.Background()
	split, err := fixture.service.CreateSubtree(ctx, newRequest(), testEntryPoint, "/site/docs")
	require.NoError(t, err)

	report, err := fixture.service.GetBrokenLinks(ctx, "", []string{split.SubtreeRootID}, nil)
	require.NoError(t, err)
	assert.True(t, report.Empty())
}

func TestImpactUnknownNodeIsNotFound(t *testing.T) {
	repository := newTestRepository(t)
	service := newTestService(t, repository)

	_, err := service.GetBrokenLinks(context.Background(), "missing", nil, nil)
	require.ErrorIs(t, err, ErrNotFound)
}
