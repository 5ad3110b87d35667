package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
)

func TestSaveCreatesNodeAndPersistsClipboard(t *testing.T) {
	env := newTestEnvironment(t)

	node := env.createNode(t, env.site.ID, "about", "leaf")
	if node.Path != "/site/about" {
		t.Fatalf("expected /site/about, got %s", node.Path)
	}
	if !node.InNavigation || node.Position == nil {
		t.Fatalf("expected appended node to be positioned, got %+v", node)
	}
	if node.Title != "Title of about" {
		t.Fatalf("unexpected title %q", node.Title)
	}

	recorder := env.do(t, http.MethodGet, "/sitemap/clipboard", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected clipboard status %d", recorder.Code)
	}
	clipboard := decodeBody[clipboardPayload](t, recorder)
	found := false
	for _, entry := range clipboard.Modified {
		if entry.ID == node.ID {
			found = entry.LastKnownPath == "/site/about"
		}
	}
	if !found {
		t.Fatalf("expected created node on the stored clipboard, got %+v", clipboard)
	}
}

func TestSaveMapsServiceErrorsToStatus(t *testing.T) {
	env := newTestEnvironment(t)
	page := env.createNode(t, env.site.ID, "page", "leaf")
	locked := env.createNode(t, env.site.ID, "locked", "leaf")
	guard, err := env.repository.Lock(context.Background(), locked.ID, "another-editor")
	if err != nil {
		t.Fatalf("failed to lock node: %v", err)
	}
	t.Cleanup(func() {
		_ = guard.Release(context.Background())
	})

	testCases := []struct {
		name           string
		change         map[string]any
		expectedStatus int
	}{
		{
			name:           "unknown node",
			change:         map[string]any{"type": "delete", "id": "missing-node"},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "undelete live node",
			change:         map[string]any{"type": "undelete", "id": page.ID},
			expectedStatus: http.StatusUnprocessableEntity,
		},
		{
			name:           "locked by another editor",
			change:         map[string]any{"type": "delete", "id": locked.ID},
			expectedStatus: http.StatusConflict,
		},
		{
			name:           "invalid name",
			change:         map[string]any{"type": "create", "parent_id": env.site.ID, "name": "a/b"},
			expectedStatus: http.StatusBadRequest,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := env.save(t, testCase.change)
			if recorder.Code != testCase.expectedStatus {
				t.Fatalf("expected status %d, got %d (%s)", testCase.expectedStatus, recorder.Code, recorder.Body.String())
			}
			payload := decodeBody[errorPayload](t, recorder)
			if !strings.HasPrefix(payload.Error, "sitemap.") {
				t.Fatalf("expected engine error code, got %q", payload.Error)
			}
			if payload.Partial {
				t.Fatalf("did not expect a partial failure")
			}
		})
	}
}

func TestSaveRejectsInvalidPayloads(t *testing.T) {
	env := newTestEnvironment(t)

	testCases := []struct {
		name string
		body any
	}{
		{name: "malformed json", body: `{"entry_point":`},
		{name: "missing change", body: map[string]any{"entry_point": "/site"}},
		{name: "missing entry point", body: map[string]any{"change": map[string]any{"type": "delete", "id": "x"}}},
		{name: "non canonical entry point", body: map[string]any{"entry_point": "/site/", "change": map[string]any{"type": "delete", "id": "x"}}},
		{name: "unknown type", body: map[string]any{"entry_point": "/site", "change": map[string]any{"type": "rename", "id": "x"}}},
		{name: "create without name", body: map[string]any{"entry_point": "/site", "change": map[string]any{"type": "create", "parent_id": "x"}}},
		{name: "delete without id", body: map[string]any{"entry_point": "/site", "change": map[string]any{"type": "delete"}}},
		{name: "unknown scope", body: map[string]any{"entry_point": "/site", "change": map[string]any{
			"type":       "edit",
			"id":         "x",
			"properties": []map[string]any{{"name": "title", "value": "T", "scope": "page"}},
		}}},
		{name: "unknown entry kind", body: map[string]any{"entry_point": "/site", "change": map[string]any{
			"type": "create", "parent_id": "x", "name": "n", "entry_kind": "boundary",
		}}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := env.do(t, http.MethodPost, "/sitemap/save", testCase.body)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected status %d, got %d (%s)", http.StatusBadRequest, recorder.Code, recorder.Body.String())
			}
			if payload := decodeBody[errorPayload](t, recorder); payload.Error != errorCodeInvalidRequest {
				t.Fatalf("unexpected error code %q", payload.Error)
			}
		})
	}
}

func TestGetChildrenReturnsOrderedTree(t *testing.T) {
	env := newTestEnvironment(t)
	env.createNode(t, env.site.ID, "first", "leaf")
	env.createNode(t, env.site.ID, "second", "leaf")

	query := url.Values{"entry_point": {"/site"}, "root": {"/site"}, "depth": {"1"}}
	recorder := env.do(t, http.MethodGet, "/sitemap/children?"+query.Encode(), nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d (%s)", recorder.Code, recorder.Body.String())
	}
	response := decodeBody[struct {
		Tree *treeNodePayload `json:"tree"`
	}](t, recorder)
	if response.Tree == nil || response.Tree.Node.Path != "/site" {
		t.Fatalf("unexpected tree root %+v", response.Tree)
	}
	if !response.Tree.ChildrenLoaded || len(response.Tree.Children) != 2 {
		t.Fatalf("expected two loaded children, got %+v", response.Tree)
	}
	if response.Tree.Children[0].Node.Name != "first" || response.Tree.Children[1].Node.Name != "second" {
		t.Fatalf("unexpected child order %s, %s", response.Tree.Children[0].Node.Name, response.Tree.Children[1].Node.Name)
	}
}

func TestGetEntryOutsideEntryPointIsRejected(t *testing.T) {
	env := newTestEnvironment(t)
	env.createNode(t, env.site.ID, "page", "leaf")

	query := url.Values{"entry_point": {"/site/page"}, "path": {"/site"}}
	recorder := env.do(t, http.MethodGet, "/sitemap/entry?"+query.Encode(), nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusBadRequest, recorder.Code, recorder.Body.String())
	}

	query = url.Values{"entry_point": {"/site"}, "path": {"/site/missing"}}
	recorder = env.do(t, http.MethodGet, "/sitemap/entry?"+query.Encode(), nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, recorder.Code)
	}
	if payload := decodeBody[errorPayload](t, recorder); payload.Path != "/site/missing" {
		t.Fatalf("expected failing path in the error, got %+v", payload)
	}
}

func TestSubtreeSplitAndMergeRoundTrip(t *testing.T) {
	env := newTestEnvironment(t)
	docs := env.createNode(t, env.site.ID, "docs", "folder")
	env.createNode(t, docs.ID, "intro", "leaf")

	recorder := env.do(t, http.MethodPost, "/sitemap/subtrees", map[string]any{"entry_point": "/site", "path": "/site/docs"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("split failed: status %d (%s)", recorder.Code, recorder.Body.String())
	}
	split := decodeBody[splitResponsePayload](t, recorder)
	if split.SubtreePath != "/subtrees/docs" || split.SubtreeRootID == "" || split.TimestampMs == 0 {
		t.Fatalf("unexpected split response %+v", split)
	}

	query := url.Values{"entry_point": {"/site"}, "path": {"/site/docs"}}
	entry := decodeBody[struct {
		Node nodePayload `json:"node"`
	}](t, env.do(t, http.MethodGet, "/sitemap/entry?"+query.Encode(), nil))
	if entry.Node.Kind != string(store.KindBoundary) || entry.Node.SubtreeRef != split.SubtreeRootID {
		t.Fatalf("expected boundary node referencing the subtree, got %+v", entry.Node)
	}

	recorder = env.do(t, http.MethodPost, "/sitemap/subtrees/merge", map[string]any{"entry_point": "/site", "path": "/site/docs"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("merge failed: status %d (%s)", recorder.Code, recorder.Body.String())
	}
	merged := decodeBody[mergeResponsePayload](t, recorder)
	if len(merged.MergedChildren) != 1 || merged.MergedChildren[0].Path != "/site/docs/intro" {
		t.Fatalf("unexpected merged children %+v", merged.MergedChildren)
	}
}

func TestSplitOfChildlessFolderIsInvalidTransition(t *testing.T) {
	env := newTestEnvironment(t)
	env.createNode(t, env.site.ID, "empty", "folder")

	recorder := env.do(t, http.MethodPost, "/sitemap/subtrees", map[string]any{"entry_point": "/site", "path": "/site/empty"})
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusUnprocessableEntity, recorder.Code, recorder.Body.String())
	}
}

func TestBrokenLinksReportsContentReferrers(t *testing.T) {
	env := newTestEnvironment(t)
	page := env.createNode(t, env.site.ID, "page", "leaf")
	err := env.repository.AddReference(context.Background(), store.Reference{
		Source:   store.Resource{ID: "article", Path: "/resources/article", Title: "Article", Role: store.RoleContent},
		TargetID: page.ID,
	})
	if err != nil {
		t.Fatalf("failed to add reference: %v", err)
	}

	recorder := env.do(t, http.MethodPost, "/sitemap/broken-links", map[string]any{"closing_id": page.ID})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d (%s)", recorder.Code, recorder.Body.String())
	}
	report := decodeBody[brokenLinksResponsePayload](t, recorder)
	if len(report.Entries) != 1 || report.Entries[0].Target.ID != page.ID {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Entries[0].Referrers) != 1 || report.Entries[0].Referrers[0].ID != "article" {
		t.Fatalf("unexpected referrers %+v", report.Entries[0].Referrers)
	}

	recorder = env.do(t, http.MethodPost, "/sitemap/broken-links", map[string]any{})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected closing_id to be required, got %d", recorder.Code)
	}
}

func TestPrefetchReturnsCatalogAndClipboard(t *testing.T) {
	env := newTestEnvironment(t)
	node := env.createNode(t, env.site.ID, "about", "leaf")

	recorder := env.do(t, http.MethodGet, "/sitemap/prefetch?root=/site", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d (%s)", recorder.Code, recorder.Body.String())
	}
	response := decodeBody[prefetchResponsePayload](t, recorder)
	if response.Tree == nil || response.Tree.Node.Path != "/site" {
		t.Fatalf("unexpected prefetch tree %+v", response.Tree)
	}
	if response.SubtreeRoot != "/subtrees" || response.ParentEntryPoint != "" {
		t.Fatalf("unexpected subtree fields %+v", response)
	}
	if len(response.Definitions) == 0 {
		t.Fatalf("expected catalog definitions")
	}
	if len(response.Clipboard.Modified) == 0 || response.Clipboard.Modified[0].ID != node.ID {
		t.Fatalf("expected the created node first on the clipboard, got %+v", response.Clipboard)
	}
}

func TestClearClipboardForgetsEntries(t *testing.T) {
	env := newTestEnvironment(t)
	env.createNode(t, env.site.ID, "about", "leaf")

	recorder := env.do(t, http.MethodDelete, "/sitemap/clipboard", nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	clipboard := decodeBody[clipboardPayload](t, env.do(t, http.MethodGet, "/sitemap/clipboard", nil))
	if len(clipboard.Modified) != 0 || len(clipboard.Deleted) != 0 {
		t.Fatalf("expected empty clipboard, got %+v", clipboard)
	}
}

func TestSitemapRoutesRequireSession(t *testing.T) {
	env := newTestEnvironment(t)
	env.cookie = nil

	recorder := env.do(t, http.MethodGet, "/sitemap/clipboard", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, recorder.Code)
	}

	recorder = env.do(t, http.MethodGet, "/healthz", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected health check to bypass auth, got %d", recorder.Code)
	}
}
