package sitemap

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sitemap/internal/catalog"
	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	testEditor     = "editor-1"
	testEntryPoint = "/site"
)

var databaseCounter atomic.Int64

func newTestRepository(t *testing.T) *store.Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:sitemap_engine_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), databaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	require.NoError(t, db.AutoMigrate(store.Models()...))

	repository, err := store.NewRepository(store.RepositoryConfig{
		Database:   db,
		IDProvider: store.NewUUIDProvider(),
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	require.NoError(t, err)
	return repository
}

func newTestService(t *testing.T, repository NodeRepository) *Service {
	t.Helper()
	definitions, err := catalog.Load("")
	require.NoError(t, err)
	service, err := NewService(ServiceConfig{
		Repository: repository,
		Catalog:    definitions,
		Clock: func() time.Time {
			return time.Unix(1700000500, 0)
		},
	})
	require.NoError(t, err)
	return service
}

// seedSite creates the /site entry point folder directly in the repository.
func seedSite(t *testing.T, repository *store.Repository) store.Node {
	t.Helper()
	site, err := repository.Create(context.Background(), store.CreateRequest{
		ParentPath:     "/",
		Name:           "site",
		Kind:           store.KindFolder,
		Properties:     store.Properties{store.PropertyTitle: "Site"},
		DefaultContent: &store.DefaultContent{Name: DefaultDocumentName},
	})
	require.NoError(t, err)
	return site
}

func newRequest() RequestContext {
	return RequestContext{EditorID: testEditor, Clipboard: &ClipboardState{}}
}

func stringPointer(value string) *string {
	return &value
}

func intPointer(value int) *int {
	return &value
}

func titled(title string) []PropertyChange {
	return []PropertyChange{{Name: store.PropertyTitle, Value: stringPointer(title)}}
}

func mustCreate(t *testing.T, service *Service, parentID, name string, kind store.EntryKind, properties []PropertyChange) NodeView {
	t.Helper()
	result, err := service.Save(context.Background(), newRequest(), testEntryPoint, CreateChange{
		ParentID:    parentID,
		Name:        name,
		EntryKind:   kind,
		Properties:  properties,
		TargetIndex: AppendIndex,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Node)
	return *result.Node
}

func childNames(t *testing.T, repository NodeRepository, parentPath string) []string {
	t.Helper()
	children, err := repository.ReadChildren(context.Background(), parentPath, store.ReadOptions{})
	require.NoError(t, err)
	names := make([]string, 0, len(children))
	for _, child := range children {
		names = append(names, child.Name)
	}
	return names
}

func mustRead(t *testing.T, repository NodeRepository, id string) store.Node {
	t.Helper()
	node, err := repository.ReadByID(context.Background(), id, store.ReadOptions{IncludeDeleted: true})
	require.NoError(t, err)
	return node
}

// faultyRepository fails selected repository calls and delegates the rest.
type faultyRepository struct {
	NodeRepository
	moveErr   error
	deleteErr error
}

func (r *faultyRepository) Move(ctx context.Context, id string, newPath string) (store.Node, error) {
	if r.moveErr != nil {
		return store.Node{}, r.moveErr
	}
	return r.NodeRepository.Move(ctx, id, newPath)
}

func (r *faultyRepository) Delete(ctx context.Context, id string, mode store.DeleteMode) error {
	if r.deleteErr != nil && mode == store.DeleteHard {
		return r.deleteErr
	}
	return r.NodeRepository.Delete(ctx, id, mode)
}
