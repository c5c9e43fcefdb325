package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/mount"
	"github.com/GamblerIX/RCloneGUI/internal/scheduler"
	"github.com/GamblerIX/RCloneGUI/internal/syncer"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Event stream message types.
const (
	EventTypeMount    = "mount"
	EventTypeRun      = "run"
	EventTypeSchedule = "schedule"
)

// MountEvents is a source of mount state changes.
type MountEvents interface {
	Subscribe() chan mount.Event
	Unsubscribe(ch chan mount.Event)
}

// RunEvents is a source of sync run events.
type RunEvents interface {
	Subscribe() chan syncer.Event
	Unsubscribe(ch chan syncer.Event)
}

// ScheduleEvents is a source of scheduler events.
type ScheduleEvents interface {
	Subscribe() chan scheduler.Event
	Unsubscribe(ch chan scheduler.Event)
}

// EventMessage is one message on the event stream.
type EventMessage struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// EventsConfig holds event stream settings.
type EventsConfig struct {
	// AllowedOrigins restricts browser connections. Empty allows all origins.
	AllowedOrigins []string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

// DefaultEventsConfig returns the default event stream settings.
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 512,
	}
}

// EventsHandler streams mount, run and schedule events over a websocket.
type EventsHandler struct {
	mounts    MountEvents
	runs      RunEvents
	schedules ScheduleEvents
	config    EventsConfig
	upgrader  websocket.Upgrader
	logger    zerolog.Logger
}

// NewEventsHandler creates a new EventsHandler. Any source may be nil.
func NewEventsHandler(mounts MountEvents, runs RunEvents, schedules ScheduleEvents, cfg EventsConfig, logger zerolog.Logger) *EventsHandler {
	defaults := DefaultEventsConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}

	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[strings.ToLower(o)] = struct{}{}
	}

	return &EventsHandler{
		mounts:    mounts,
		runs:      runs,
		schedules: schedules,
		config:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(origins) == 0 {
					return true
				}
				_, ok := origins[strings.ToLower(origin)]
				return ok
			},
		},
		logger: logger.With().Str("component", "events_handler").Logger(),
	}
}

// RegisterRoutes registers the event stream route on the given router group.
func (h *EventsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.Stream)
}

// Stream upgrades the connection and forwards events until the client goes
// away or the daemon shuts down. The optional types query parameter is a
// comma separated subset of mount, run and schedule.
// GET /api/v1/events?types=
func (h *EventsHandler) Stream(c *gin.Context) {
	want, err := parseEventTypes(c.Query("types"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}
	defer conn.Close()

	var (
		mountCh    chan mount.Event
		runCh      chan syncer.Event
		scheduleCh chan scheduler.Event
	)
	if h.mounts != nil && want[EventTypeMount] {
		mountCh = h.mounts.Subscribe()
		defer h.mounts.Unsubscribe(mountCh)
	}
	if h.runs != nil && want[EventTypeRun] {
		runCh = h.runs.Subscribe()
		defer h.runs.Unsubscribe(runCh)
	}
	if h.schedules != nil && want[EventTypeSchedule] {
		scheduleCh = h.schedules.Subscribe()
		defer h.schedules.Unsubscribe(scheduleCh)
	}

	closed := make(chan struct{})
	go h.readPump(conn, closed)

	h.logger.Debug().Str("client_ip", c.ClientIP()).Msg("event stream opened")
	h.writePump(conn, closed, mountCh, runCh, scheduleCh)
	h.logger.Debug().Str("client_ip", c.ClientIP()).Msg("event stream closed")
}

// readPump discards client messages and keeps the read deadline fresh.
func (h *EventsHandler) readPump(conn *websocket.Conn, closed chan struct{}) {
	defer close(closed)

	conn.SetReadLimit(h.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

// writePump forwards events to the client. A nil channel never fires.
func (h *EventsHandler) writePump(conn *websocket.Conn, closed <-chan struct{}, mountCh chan mount.Event, runCh chan syncer.Event, scheduleCh chan scheduler.Event) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		var msg EventMessage
		select {
		case <-closed:
			return

		case ev, ok := <-mountCh:
			if !ok {
				h.closeConn(conn)
				return
			}
			msg = EventMessage{Type: EventTypeMount, Data: ev}

		case ev, ok := <-runCh:
			if !ok {
				h.closeConn(conn)
				return
			}
			msg = EventMessage{Type: EventTypeRun, Data: ev}

		case ev, ok := <-scheduleCh:
			if !ok {
				h.closeConn(conn)
				return
			}
			msg = EventMessage{Type: EventTypeSchedule, Data: ev}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		msg.Time = time.Now().UTC()
		conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.Debug().Err(err).Msg("websocket write error")
			return
		}
	}
}

func (h *EventsHandler) closeConn(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
}

func parseEventTypes(raw string) (map[string]bool, error) {
	all := map[string]bool{EventTypeMount: true, EventTypeRun: true, EventTypeSchedule: true}
	if strings.TrimSpace(raw) == "" {
		return all, nil
	}
	want := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if !all[t] {
			return nil, fmt.Errorf("unknown event type %q", t)
		}
		want[t] = true
	}
	return want, nil
}
