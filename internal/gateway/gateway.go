// Package gateway exposes the job subscription over WebSocket: the first
// client message is the job request, everything after that is a stream of
// progress events ending with the terminal complete event.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/codeswarm/codeswarm/internal/common/errors"
	"github.com/codeswarm/codeswarm/internal/common/logger"
	"github.com/codeswarm/codeswarm/internal/job"
	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
)

// ControlMessage is what clients may send after the initial job request.
type ControlMessage struct {
	Action string `json:"action"` // cancel
}

// Handler upgrades job subscriptions and bridges hub events onto the wire.
type Handler struct {
	controller *job.Controller
	logger     *logger.Logger
	upgrader   websocket.Upgrader
}

func NewHandler(ctrl *job.Controller, log *logger.Logger) *Handler {
	return &Handler{
		controller: ctrl,
		logger:     log.WithFields(zap.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleJob is the gin handler for GET /ws/jobs. It upgrades the
// connection, reads the job request, starts the job, and streams events
// until terminal or disconnect. A disconnect only detaches the subscriber;
// the agents keep running.
func (h *Handler) HandleJob(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	go h.serve(conn)
}

// HandleJobAttach is the gin handler for GET /ws/jobs/:id. It attaches a
// subscriber to an already running job.
func (h *Handler) HandleJobAttach(c *gin.Context) {
	jobID := c.Param("id")
	j, err := h.controller.Registry().Get(jobID)
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	conn, upErr := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if upErr != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(upErr))
		return
	}

	sub := j.Hub.Subscribe()
	go h.readPump(conn, j)
	go h.writePump(conn, sub)
}

// serve runs the full create-and-stream flow for one connection.
func (h *Handler) serve(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var req v1.JobRequest
	if err := conn.ReadJSON(&req); err != nil {
		h.rejectAndClose(conn, "", apperrors.BadRequest("invalid job request: "+err.Error()))
		return
	}

	j, err := h.controller.Create(req)
	if err != nil {
		h.rejectAndClose(conn, "", err)
		return
	}

	sub := j.Hub.Subscribe()
	go h.controller.Run(context.Background(), j)

	go h.readPump(conn, j)
	h.writePump(conn, sub)
}

// rejectAndClose reports a fatal creation error as a synthetic event pair:
// one error event and one terminal complete event classified failed.
func (h *Handler) rejectAndClose(conn *websocket.Conn, jobID string, err error) {
	defer conn.Close()
	now := time.Now().UnixMilli()

	events := []v1.ProgressEvent{
		{
			JobID:       jobID,
			AgentKey:    v1.AgentKeyJob,
			Kind:        v1.EventError,
			Payload:     err.Error(),
			TimestampMS: now,
			Seq:         1,
		},
	}

	summary, marshalErr := json.Marshal(v1.JobSummary{
		JobID:          jobID,
		Classification: v1.JobFailed,
	})
	if marshalErr == nil {
		events = append(events, v1.ProgressEvent{
			JobID:       jobID,
			AgentKey:    v1.AgentKeyJob,
			Kind:        v1.EventComplete,
			Payload:     string(summary),
			TimestampMS: now,
			Seq:         2,
		})
	}

	for _, e := range events {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if writeErr := conn.WriteJSON(e); writeErr != nil {
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump watches the connection for control messages and disconnects.
// A disconnect never cancels the job.
func (h *Handler) readPump(conn *websocket.Conn, j *job.Job) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg ControlMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.logger.Warn("Invalid control message", zap.Error(err))
			continue
		}

		switch msg.Action {
		case "cancel":
			if err := h.controller.Cancel(j.ID); err != nil {
				h.logger.Warn("Cancel failed", zap.String("job_id", j.ID), zap.Error(err))
			}
		default:
			h.logger.Warn("Unknown action", zap.String("action", msg.Action))
		}
	}
}

// writePump forwards hub events to the connection until the hub closes
// (job terminal) or the write fails (client gone). On write failure it
// detaches the subscriber and leaves the job running.
func (h *Handler) writePump(conn *websocket.Conn, sub *job.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Terminal event already delivered; say goodbye.
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				sub.Unsubscribe()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sub.Unsubscribe()
				return
			}
		}
	}
}
