package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubecast/internal/db"
	"tubecast/internal/model"
)

func newTestServer(t *testing.T) (*Server, db.Storage) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	storage, err := db.NewBadger(&db.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	srv := New(Config{Port: 8080}, nil, storage, nil)
	return srv, storage
}

func TestHealthCheckHealthy(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var status healthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Zero(t, status.FailedEpisodes)
}

func TestHealthCheckRecentFailure(t *testing.T) {
	srv, storage := newTestServer(t)

	err := storage.AddFeed(t.Context(), "F1", &model.Feed{
		ID: "F1",
		Episodes: []*model.Episode{
			{ID: "bad", Status: model.EpisodeError, PubDate: time.Now().Add(-time.Hour)},
			{ID: "old", Status: model.EpisodeError, PubDate: time.Now().Add(-48 * time.Hour)},
		},
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var status healthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, 1, status.FailedEpisodes)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/health", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
