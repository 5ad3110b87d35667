package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sitemap/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// runAuthorize drives the session middleware against stubs and returns the response with the
// captured logs.
func runAuthorize(sessions SessionValidator, editors EditorResolver) (*gin.Context, *httptest.ResponseRecorder, *observer.ObservedLogs) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/sitemap/clipboard", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{sessions: sessions, editors: editors, logger: zap.New(core)}
	handler.authorizeRequest(ctx)
	return ctx, recorder, logs
}

func TestAuthorizeRequestLogLevelFollowsTokenFailure(t *testing.T) {
	testCases := []struct {
		name          string
		err           error
		expectedLevel zapcore.Level
	}{
		{name: "expired token", err: auth.ErrExpiredSessionToken, expectedLevel: zapcore.InfoLevel},
		{name: "missing token", err: auth.ErrMissingSessionToken, expectedLevel: zapcore.InfoLevel},
		{name: "wrapped expiry", err: fmt.Errorf("cookie: %w", auth.ErrExpiredSessionToken), expectedLevel: zapcore.InfoLevel},
		{name: "bad signature", err: errors.New("signature mismatch"), expectedLevel: zapcore.WarnLevel},
		{name: "missing role", err: auth.ErrMissingEditorRole, expectedLevel: zapcore.WarnLevel},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			ctx, recorder, logs := runAuthorize(stubSessionValidator{err: testCase.err}, stubEditorResolver{})

			if recorder.Code != http.StatusUnauthorized || !ctx.IsAborted() {
				t.Fatalf("expected aborted 401, got %d", recorder.Code)
			}
			entries := logs.FilterMessage("token validation failed").All()
			if len(entries) != 1 {
				t.Fatalf("expected one token failure entry, got %v", logs.All())
			}
			if entries[0].Level != testCase.expectedLevel {
				t.Fatalf("expected level %s, got %s", testCase.expectedLevel, entries[0].Level)
			}
			logged, ok := entries[0].ContextMap()["error"].(string)
			if !ok || logged != testCase.err.Error() {
				t.Fatalf("expected error field %q, got %v", testCase.err, entries[0].ContextMap())
			}
		})
	}
}

func TestAuthorizeRequestStoresEditorID(t *testing.T) {
	ctx, recorder, _ := runAuthorize(
		stubSessionValidator{claims: auth.SessionClaims{UserID: "google:42"}},
		stubEditorResolver{editorID: "editor-42"},
	)

	if ctx.IsAborted() {
		t.Fatalf("expected request to proceed, got status %d", recorder.Code)
	}
	if editorID := ctx.GetString(editorIDContextKey); editorID != "editor-42" {
		t.Fatalf("expected editor id in context, got %q", editorID)
	}
}

func TestAuthorizeRequestFailsWhenEditorCannotBeResolved(t *testing.T) {
	_, recorder, logs := runAuthorize(
		stubSessionValidator{claims: auth.SessionClaims{UserID: "google:42"}},
		stubEditorResolver{err: errors.New("database unavailable")},
	)

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusInternalServerError)
	}
	if logs.FilterMessage("editor resolution failed").Len() != 1 {
		t.Fatalf("expected editor resolution failure to be logged, got %v", logs.All())
	}
}

func TestExpiredSessionCookieIsRejected(t *testing.T) {
	env := newTestEnvironment(t)
	env.cookie = issueSessionCookie(t, testUserID, time.Now().Add(-time.Minute))

	recorder := env.do(t, http.MethodGet, "/sitemap/clipboard", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, recorder.Code)
	}
}

type stubSessionValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type stubEditorResolver struct {
	editorID string
	err      error
}

func (s stubEditorResolver) ResolveEditorID(context.Context, auth.SessionClaims) (string, error) {
	return s.editorID, s.err
}
