package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/GamblerIX/RCloneGUI/internal/rclone"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRemoteLister struct {
	remotes  []string
	listErr  error
	checkErr map[string]error
}

func (m *mockRemoteLister) ListRemotes(ctx context.Context) ([]string, error) {
	return m.remotes, m.listErr
}

func (m *mockRemoteLister) CheckRemote(ctx context.Context, remote string) error {
	if err := rclone.ValidateRemoteName(remote); err != nil {
		return err
	}
	return m.checkErr[remote]
}

func setupRemotesTestRouter(lister RemoteLister) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewRemotesHandler(lister, zerolog.Nop()).RegisterRoutes(r.Group("/api/v1"))
	return r
}

func TestRemotesList(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		r := setupRemotesTestRouter(&mockRemoteLister{remotes: []string{"gdrive", "s3"}})

		w := doRequest(r, "GET", "/api/v1/remotes")
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Remotes []string `json:"remotes"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, []string{"gdrive", "s3"}, resp.Remotes)
	})

	t.Run("empty list is an array", func(t *testing.T) {
		r := setupRemotesTestRouter(&mockRemoteLister{})

		w := doRequest(r, "GET", "/api/v1/remotes")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"remotes":[]}`, w.Body.String())
	})

	t.Run("rclone failure", func(t *testing.T) {
		r := setupRemotesTestRouter(&mockRemoteLister{listErr: errors.New("exec: rclone not found")})

		w := doRequest(r, "GET", "/api/v1/remotes")
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestRemotesCheck(t *testing.T) {
	lister := &mockRemoteLister{
		checkErr: map[string]error{
			"broken": fmt.Errorf("check remote broken: token=abc123 expired"),
		},
	}
	r := setupRemotesTestRouter(lister)

	t.Run("reachable", func(t *testing.T) {
		w := doRequest(r, "POST", "/api/v1/remotes/gdrive/check")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"remote":"gdrive","reachable":true}`, w.Body.String())
	})

	t.Run("unreachable is redacted", func(t *testing.T) {
		w := doRequest(r, "POST", "/api/v1/remotes/broken/check")
		require.Equal(t, http.StatusBadGateway, w.Code)
		assert.NotContains(t, w.Body.String(), "abc123")
		assert.Contains(t, w.Body.String(), `"reachable":false`)
	})

	t.Run("invalid name", func(t *testing.T) {
		w := doRequest(r, "POST", "/api/v1/remotes/-bad/check")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
