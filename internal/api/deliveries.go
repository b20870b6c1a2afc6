// deliveries.go implements the internal endpoints the external email and push
// functions call: pulling the rows claimed for them, reporting per-row outcomes and
// reading queue depth. Routes sit behind the service key middleware.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/conpanion/conpanion/internal/apperr"
	"github.com/conpanion/conpanion/internal/db/models"
	"github.com/conpanion/conpanion/internal/db/repositories"
)

const (
	defaultClaimLimit = 50
	maxClaimLimit     = 500
)

// DeliveryQueue is the queue access used by DeliveryHandlers
type DeliveryQueue interface {
	ListProcessingEmails(ctx context.Context, limit int) ([]*models.EmailQueueEntry, error)
	ListProcessingPush(ctx context.Context, limit int) ([]*models.PushDelivery, error)
	UpdateStatus(ctx context.Context, channel models.Channel, id uuid.UUID, u repositories.StatusUpdate) (*uuid.UUID, bool, error)
	CountByStatus(ctx context.Context, channel models.Channel) (map[models.QueueStatus]int, error)
}

// DeliveryRecorder writes the per-channel outcome onto the notification
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, notificationID uuid.UUID, channel models.Channel, status models.DeliveryStatus, errMsg *string) error
}

// DeliveryHandlers handles the internal delivery endpoints
type DeliveryHandlers struct {
	queue    DeliveryQueue
	recorder DeliveryRecorder
}

// NewDeliveryHandlers creates delivery handlers
func NewDeliveryHandlers(queue DeliveryQueue, recorder DeliveryRecorder) *DeliveryHandlers {
	return &DeliveryHandlers{queue: queue, recorder: recorder}
}

func channelParam(c *gin.Context) (models.Channel, bool) {
	ch := models.Channel(c.Param("channel"))
	if ch != models.ChannelEmail && ch != models.ChannelPush {
		badRequest(c, "channel must be email or push")
		return "", false
	}
	return ch, true
}

type claimRequest struct {
	Limit int `json:"limit"`
}

// Claim returns the rows in "processing" for the channel, oldest due first. The
// scheduled drain job moved them out of "pending" before calling the function.
// POST /internal/v1/deliveries/:channel/claim
func (h *DeliveryHandlers) Claim(c *gin.Context) {
	ch, ok := channelParam(c)
	if !ok {
		return
	}
	var req claimRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	if req.Limit <= 0 {
		req.Limit = defaultClaimLimit
	}
	if req.Limit > maxClaimLimit {
		req.Limit = maxClaimLimit
	}

	ctx := c.Request.Context()
	var (
		items any
		err   error
	)
	switch ch {
	case models.ChannelEmail:
		var rows []*models.EmailQueueEntry
		rows, err = h.queue.ListProcessingEmails(ctx, req.Limit)
		if rows == nil {
			rows = []*models.EmailQueueEntry{}
		}
		items = rows
	case models.ChannelPush:
		var rows []*models.PushDelivery
		rows, err = h.queue.ListProcessingPush(ctx, req.Limit)
		if rows == nil {
			rows = []*models.PushDelivery{}
		}
		items = rows
	}
	if err != nil {
		respondError(c, apperr.Wrap(err, "failed to list queued deliveries"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"channel": ch, "items": items})
}

type statusRequest struct {
	Status models.QueueStatus `json:"status" binding:"required"`
	Error  *string            `json:"error"`
}

// ReportStatus records the outcome of one queued delivery. The matching
// notification gets a delivery record for the channel.
// POST /internal/v1/deliveries/:channel/:id/status
func (h *DeliveryHandlers) ReportStatus(c *gin.Context) {
	ch, ok := channelParam(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req statusRequest
	if !bindJSON(c, &req) {
		return
	}

	var delivery models.DeliveryStatus
	switch req.Status {
	case models.QueueSent:
		delivery = models.DeliverySent
		req.Error = nil
	case models.QueueFailed:
		delivery = models.DeliveryFailed
	default:
		badRequest(c, "status must be sent or failed")
		return
	}

	ctx := c.Request.Context()
	notificationID, found, err := h.queue.UpdateStatus(ctx, ch, id, repositories.StatusUpdate{Status: req.Status, ErrorMessage: req.Error})
	if err != nil {
		respondError(c, apperr.Wrap(err, "failed to update delivery status"))
		return
	}
	if !found {
		respondError(c, apperr.New(apperr.NotFound, "no queued delivery awaiting an outcome with this id"))
		return
	}
	if notificationID != nil {
		if err := h.recorder.RecordDelivery(ctx, *notificationID, ch, delivery, req.Error); err != nil {
			respondError(c, apperr.Wrap(err, "failed to record delivery"))
			return
		}
	}
	c.Status(http.StatusNoContent)
}

// Stats returns the queue depth per status for both channels
// GET /internal/v1/deliveries/stats
func (h *DeliveryHandlers) Stats(c *gin.Context) {
	out := gin.H{}
	for _, ch := range []models.Channel{models.ChannelEmail, models.ChannelPush} {
		counts, err := h.queue.CountByStatus(c.Request.Context(), ch)
		if err != nil {
			respondError(c, apperr.Wrap(err, "failed to count queue"))
			return
		}
		out[string(ch)] = counts
	}
	c.JSON(http.StatusOK, out)
}
