package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmehdipour/teatrace/internal/http/middleware"
	"github.com/jmehdipour/teatrace/internal/model"
	"github.com/jmehdipour/teatrace/internal/repository"
	"github.com/jmehdipour/teatrace/internal/service/outbox"
	"github.com/jmehdipour/teatrace/internal/service/status"
)

// Submitter is the write side used by the handlers. outbox.Service implements it.
type Submitter interface {
	RegisterUser(ctx context.Context, in outbox.RegisterUserInput) (string, error)
	RecordHarvest(ctx context.Context, userID int64, in outbox.RecordHarvestInput) (string, error)
	RecordProcessing(ctx context.Context, userID int64, harvestID string, st model.ProcessingStatus) (string, error)
	CreateBatch(ctx context.Context, userID int64, in outbox.CreateBatchInput) (string, error)
	CreateConsignment(ctx context.Context, userID int64, in outbox.CreateConsignmentInput) (string, error)
	UpdateConsignment(ctx context.Context, userID int64, shipmentID string, in outbox.UpdateConsignmentInput) (string, error)
}

// Reader is the read side. status.Service implements it.
type Reader interface {
	GetStatus(ctx context.Context, requestID string) (status.View, error)
	PacketHistory(ctx context.Context, packetID string) (model.PacketHistory, error)
}

type handlers struct {
	w   Submitter
	r   Reader
	log *zap.Logger
}

func accepted(c echo.Context, requestID string) error {
	return c.JSON(http.StatusAccepted, map[string]string{"request_id": requestID})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

// fail maps service errors onto responses.
func (h *handlers) fail(c echo.Context, err error) error {
	var pe *outbox.PersistenceError
	switch {
	case errors.Is(err, model.ErrInvalidArgument):
		return badRequest(c, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.As(err, &pe):
		h.log.Error("persist request", zap.String("method", pe.Method.String()), zap.Error(pe.Err))
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "request not stored", "retryable": true})
	default:
		h.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (h *handlers) registerUser(c echo.Context) error {
	var req outbox.RegisterUserInput
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "bad request")
	}
	role, ok := model.ParseRole(req.Role.String())
	if !ok {
		return badRequest(c, "invalid role")
	}
	req.Role = role
	req.Location = strings.TrimSpace(req.Location)

	id, err := h.w.RegisterUser(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return accepted(c, id)
}

func (h *handlers) recordHarvest(c echo.Context) error {
	uid, _ := middleware.UserIDFromCtx(c)
	var req outbox.RecordHarvestInput
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "bad request")
	}
	req.Quality = strings.TrimSpace(req.Quality)
	req.Location = strings.TrimSpace(req.Location)

	id, err := h.w.RecordHarvest(c.Request().Context(), uid, req)
	if err != nil {
		return h.fail(c, err)
	}
	return accepted(c, id)
}

type processingReq struct {
	Status string `json:"status"`
}

func (h *handlers) recordProcessing(c echo.Context) error {
	uid, _ := middleware.UserIDFromCtx(c)
	var req processingReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "bad request")
	}
	st, ok := model.ParseProcessingStatus(req.Status)
	if !ok {
		return badRequest(c, "invalid processing status")
	}

	id, err := h.w.RecordProcessing(c.Request().Context(), uid, c.Param("id"), st)
	if err != nil {
		return h.fail(c, err)
	}
	return accepted(c, id)
}

func (h *handlers) createBatch(c echo.Context) error {
	uid, _ := middleware.UserIDFromCtx(c)
	var req outbox.CreateBatchInput
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "bad request")
	}

	id, err := h.w.CreateBatch(c.Request().Context(), uid, req)
	if err != nil {
		return h.fail(c, err)
	}
	return accepted(c, id)
}

func (h *handlers) createConsignment(c echo.Context) error {
	uid, _ := middleware.UserIDFromCtx(c)
	var req outbox.CreateConsignmentInput
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "bad request")
	}
	if cr, ok := model.ParseCarrier(req.Carrier.String()); ok {
		req.Carrier = cr
	}

	id, err := h.w.CreateConsignment(c.Request().Context(), uid, req)
	if err != nil {
		return h.fail(c, err)
	}
	return accepted(c, id)
}

func (h *handlers) updateConsignment(c echo.Context) error {
	uid, _ := middleware.UserIDFromCtx(c)
	var req outbox.UpdateConsignmentInput
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "bad request")
	}
	st, ok := model.ParseTrackStatus(req.Status.String())
	if !ok {
		return badRequest(c, "invalid track status")
	}
	req.Status = st

	id, err := h.w.UpdateConsignment(c.Request().Context(), uid, c.Param("id"), req)
	if err != nil {
		return h.fail(c, err)
	}
	return accepted(c, id)
}

func (h *handlers) getStatus(c echo.Context) error {
	v, err := h.r.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *handlers) packetHistory(c echo.Context) error {
	hist, err := h.r.PacketHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, hist)
}
