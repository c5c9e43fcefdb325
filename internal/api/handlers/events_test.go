package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/events"
	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/GamblerIX/RCloneGUI/internal/mount"
	"github.com/GamblerIX/RCloneGUI/internal/scheduler"
	"github.com/GamblerIX/RCloneGUI/internal/syncer"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBuses struct {
	mounts    *events.Bus[mount.Event]
	runs      *events.Bus[syncer.Event]
	schedules *events.Bus[scheduler.Event]
}

func newEventsServer(t *testing.T, cfg EventsConfig) (*httptest.Server, *testBuses) {
	t.Helper()
	buses := &testBuses{
		mounts:    events.NewBus[mount.Event](0),
		runs:      events.NewBus[syncer.Event](0),
		schedules: events.NewBus[scheduler.Event](0),
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewEventsHandler(buses.mounts, buses.runs, buses.schedules, cfg, zerolog.Nop()).RegisterRoutes(r.Group("/api/v1"))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, buses
}

func dialEvents(t *testing.T, srv *httptest.Server, query string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitSubscribed(t *testing.T, count func() int, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return count() == want }, 5*time.Second, 10*time.Millisecond)
}

func TestEventsStream(t *testing.T) {
	srv, buses := newEventsServer(t, EventsConfig{})
	conn := dialEvents(t, srv, "", nil)

	waitSubscribed(t, buses.mounts.Subscribers, 1)
	waitSubscribed(t, buses.runs.Subscribers, 1)
	waitSubscribed(t, buses.schedules.Subscribers, 1)

	buses.mounts.Publish(mount.Event{
		State:    models.MountRuntimeState{Name: "gdrive", Status: models.MountStatusMounted},
		Previous: models.MountStatusMounting,
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Type string      `json:"type"`
		Data mount.Event `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventTypeMount, msg.Type)
	assert.Equal(t, "gdrive", msg.Data.State.Name)
	assert.Equal(t, models.MountStatusMounting, msg.Data.Previous)

	buses.runs.Publish(syncer.Event{Kind: syncer.EventStarted, Run: models.SyncRun{Task: "photos"}})
	var runMsg struct {
		Type string       `json:"type"`
		Data syncer.Event `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&runMsg))
	assert.Equal(t, EventTypeRun, runMsg.Type)
	assert.Equal(t, syncer.EventStarted, runMsg.Data.Kind)

	conn.Close()
	waitSubscribed(t, buses.mounts.Subscribers, 0)
	waitSubscribed(t, buses.runs.Subscribers, 0)
	waitSubscribed(t, buses.schedules.Subscribers, 0)
}

func TestEventsStream_TypeFilter(t *testing.T) {
	srv, buses := newEventsServer(t, EventsConfig{})
	conn := dialEvents(t, srv, "?types=schedule", nil)

	waitSubscribed(t, buses.schedules.Subscribers, 1)
	assert.Equal(t, 0, buses.mounts.Subscribers())
	assert.Equal(t, 0, buses.runs.Subscribers())

	buses.schedules.Publish(scheduler.Event{Kind: scheduler.EventMissed, Task: "photos"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Type string          `json:"type"`
		Data scheduler.Event `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventTypeSchedule, msg.Type)
	assert.Equal(t, scheduler.EventMissed, msg.Data.Kind)
}

func TestEventsStream_ClosedOnShutdown(t *testing.T) {
	srv, buses := newEventsServer(t, EventsConfig{})
	conn := dialEvents(t, srv, "?types=mount", nil)
	waitSubscribed(t, buses.mounts.Subscribers, 1)

	buses.mounts.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestEventsStream_Rejects(t *testing.T) {
	srv, _ := newEventsServer(t, EventsConfig{AllowedOrigins: []string{"http://localhost:5173"}})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"

	t.Run("unknown type", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(url+"?types=mount,bogus", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("foreign origin", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("allowed origin", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://localhost:5173"}})
		require.NoError(t, err)
		conn.Close()
	})
}
