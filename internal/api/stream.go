package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/orbital/internal/common/logger"
	"github.com/kandev/orbital/internal/events/bus"
)

var streamUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventSubscriber is the event bus's read-side surface a streaming
// handler needs. The event bus (internal/events/bus) satisfies this.
type EventSubscriber interface {
	Subscribe(subject string, handler bus.EventHandler) (bus.Subscription, error)
}

// StreamHandler upgrades a connection to WebSocket and relays a single
// job's lifecycle and audit events to the operator console. One-way
// server push only; it never reads client-to-server messages.
type StreamHandler struct {
	bus    EventSubscriber
	logger *logger.Logger
}

// NewStreamHandler creates a StreamHandler.
func NewStreamHandler(eventBus EventSubscriber, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "job-stream")),
	}
}

// Stream upgrades the request and streams every orbital.job.* /
// orbital.task.* / orbital.audit.* event whose job_id matches :jobId,
// until it has sent the job's done, failed or cancelled event or the
// client disconnects.
// GET /jobs/:jobId/stream
func (h *StreamHandler) Stream(c *gin.Context) {
	jobID := c.Param("jobId")

	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithJobID(jobID).WithError(err).Error("failed to upgrade stream connection")
		return
	}
	defer conn.Close()

	events := make(chan *bus.Event, 32)
	handler := func(ctx context.Context, event *bus.Event) error {
		if id, ok := event.Data["job_id"].(string); !ok || id != jobID {
			return nil
		}
		select {
		case events <- event:
		default:
			h.logger.WithJobID(jobID).Warn("dropping stream event, client too slow")
		}
		return nil
	}

	sub, err := h.bus.Subscribe("orbital.job.>", handler)
	if err != nil {
		h.logger.WithJobID(jobID).WithError(err).Error("failed to subscribe to job events")
		return
	}
	defer sub.Unsubscribe()

	taskSub, err := h.bus.Subscribe("orbital.task.>", handler)
	if err != nil {
		h.logger.WithJobID(jobID).WithError(err).Error("failed to subscribe to task events")
		return
	}
	defer taskSub.Unsubscribe()

	auditSub, err := h.bus.Subscribe("orbital.audit.>", handler)
	if err != nil {
		h.logger.WithJobID(jobID).WithError(err).Error("failed to subscribe to audit events")
		return
	}
	defer auditSub.Unsubscribe()

	ctx := c.Request.Context()
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		case event := <-events:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			if event.Type == bus.SubjectJobDone || event.Type == bus.SubjectJobFailed || event.Type == bus.SubjectJobCancelled {
				return
			}
		}
	}
}
