package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/internal/execution"
	"github.com/crew-dev/crewd/internal/session"
)

func newTestRouter(t *testing.T) (*gin.Engine, *session.Store, *execution.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := session.NewStore(t.TempDir(), logger.Default())
	require.NoError(t, err)
	registry := execution.NewRegistry(execution.RegistryConfig{
		MaxActive:     4,
		TTL:           time.Minute,
		SweepInterval: time.Minute,
		RingSize:      16,
		QueueDepth:    16,
	}, logger.Default())

	router := gin.New()
	NewHandlers(store, registry, logger.Default()).RegisterRoutes(router)
	return router, store, registry
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateAndGetSession(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/sessions", `{"name":"alpha","provider":"codex"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var created session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "alpha", created.Name)

	w = doJSON(router, http.MethodGet, "/api/v1/sessions/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCreateSessionRejectsBadProvider(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w := doJSON(router, http.MethodPost, "/api/v1/sessions", `{"provider":"gpt-7"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "provider")
}

func TestGetMissingSessionIs404(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w := doJSON(router, http.MethodGet, "/api/v1/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestListSessionsPaging(t *testing.T) {
	router, store, _ := newTestRouter(t)
	for i := 0; i < 3; i++ {
		_, err := store.Create(session.CreateOptions{})
		require.NoError(t, err)
	}

	w := doJSON(router, http.MethodGet, "/api/v1/sessions?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Sessions []session.Meta `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Sessions, 2)

	w = doJSON(router, http.MethodGet, "/api/v1/sessions?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateAndDeleteSession(t *testing.T) {
	router, store, _ := newTestRouter(t)
	sess, err := store.Create(session.CreateOptions{Name: "before"})
	require.NoError(t, err)

	w := doJSON(router, http.MethodPatch, "/api/v1/sessions/"+sess.ID, `{"name":"after"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"after"`)

	w = doJSON(router, http.MethodDelete, "/api/v1/sessions/"+sess.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(router, http.MethodDelete, "/api/v1/sessions/"+sess.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportImportRoundTrip(t *testing.T) {
	router, store, _ := newTestRouter(t)
	sess, err := store.Create(session.CreateOptions{Name: "exported"})
	require.NoError(t, err)

	w := doJSON(router, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/export", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Disposition"), "attachment"))

	w2 := doJSON(router, http.MethodPost, "/api/v1/sessions/import", w.Body.String())
	require.Equal(t, http.StatusCreated, w2.Code)

	var imported session.Session
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &imported))
	assert.Equal(t, "exported", imported.Name)
	assert.NotEqual(t, sess.ID, imported.ID)
}

func TestExecutionIntrospection(t *testing.T) {
	router, _, registry := newTestRouter(t)
	exec, err := registry.Open("s1")
	require.NoError(t, err)

	w := doJSON(router, http.MethodGet, "/api/v1/executions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), exec.ID)

	w = doJSON(router, http.MethodGet, "/api/v1/executions/"+exec.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		Status    string `json:"status"`
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "pending", view.Status)
	assert.Equal(t, "s1", view.SessionID)

	w = doJSON(router, http.MethodGet, "/api/v1/executions/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
