package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sitemap/internal/auth"
	"github.com/MarcoPoloResearchLab/sitemap/internal/catalog"
	"github.com/MarcoPoloResearchLab/sitemap/internal/database"
	"github.com/MarcoPoloResearchLab/sitemap/internal/editors"
	"github.com/MarcoPoloResearchLab/sitemap/internal/sessionstore"
	"github.com/MarcoPoloResearchLab/sitemap/internal/sitemap"
	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
	testUserID        = "google:editor-42"
)

var environmentCounter atomic.Int64

type testEnvironment struct {
	handler    http.Handler
	repository *store.Repository
	clipboards *sessionstore.Store
	dispatcher *RealtimeDispatcher
	site       store.Node
	cookie     *http.Cookie
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), environmentCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	repository, err := store.NewRepository(store.RepositoryConfig{
		Database:   db,
		IDProvider: store.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}
	site, err := repository.Create(context.Background(), store.CreateRequest{
		ParentPath:     "/",
		Name:           "site",
		Kind:           store.KindFolder,
		Properties:     store.Properties{store.PropertyTitle: "Site"},
		DefaultContent: &store.DefaultContent{Name: sitemap.DefaultDocumentName},
	})
	if err != nil {
		t.Fatalf("failed to seed site: %v", err)
	}

	definitions, err := catalog.Load("")
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	service, err := sitemap.NewService(sitemap.ServiceConfig{
		Repository: repository,
		Catalog:    definitions,
	})
	if err != nil {
		t.Fatalf("failed to construct sitemap service: %v", err)
	}
	editorService, err := editors.NewService(editors.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct editor service: %v", err)
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}
	clipboards, err := sessionstore.Open(sessionstore.Config{})
	if err != nil {
		t.Fatalf("failed to open clipboard store: %v", err)
	}
	t.Cleanup(func() {
		_ = clipboards.Close()
	})

	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:   sessions,
		Editors:    editorService,
		Sitemap:    service,
		Clipboards: clipboards,
		Realtime:   dispatcher,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &testEnvironment{
		handler:    handler,
		repository: repository,
		clipboards: clipboards,
		dispatcher: dispatcher,
		site:       site,
		cookie:     issueSessionCookie(t, testUserID, time.Now().Add(time.Hour)),
	}
}

func issueSessionCookie(t *testing.T, userID string, expiresAt time.Time) *http.Cookie {
	t.Helper()
	claims := auth.SessionClaims{
		UserID:    userID,
		UserEmail: "editor@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tauth",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(expiresAt.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign session token: %v", err)
	}
	return &http.Cookie{Name: testCookieName, Value: token}
}

// do sends an authenticated request; a nil body sends no payload, a string body is sent verbatim.
func (env *testEnvironment) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(typed))
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, target, reader)
	request.Header.Set("Content-Type", "application/json")
	if env.cookie != nil {
		request.AddCookie(env.cookie)
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func (env *testEnvironment) save(t *testing.T, change map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(t, http.MethodPost, "/sitemap/save", map[string]any{
		"entry_point": "/site",
		"change":      change,
	})
}

// createNode saves a create change below parentID and returns the created node.
func (env *testEnvironment) createNode(t *testing.T, parentID, name, kind string) nodePayload {
	t.Helper()
	recorder := env.save(t, map[string]any{
		"type":       "create",
		"parent_id":  parentID,
		"name":       name,
		"entry_kind": kind,
		"properties": []map[string]any{{"name": store.PropertyTitle, "value": "Title of " + name}},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("create %s failed: status %d body %s", name, recorder.Code, recorder.Body.String())
	}
	response := decodeBody[saveResponsePayload](t, recorder)
	if response.Node == nil {
		t.Fatalf("create %s returned no node", name)
	}
	return *response.Node
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}
