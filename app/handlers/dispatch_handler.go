package handlers

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/percytech/broadcast-pipeline/app/dto"
	"github.com/percytech/broadcast-pipeline/app/middleware"
	businessflow "github.com/percytech/broadcast-pipeline/business_flow"
	"github.com/percytech/broadcast-pipeline/utils"
)

// DispatchHandlerInterface defines the contract for manual dispatch triggers
type DispatchHandlerInterface interface {
	DispatchBroadcast(c fiber.Ctx) error
	RetryBroadcast(c fiber.Ctx) error
}

// DispatchHandler exposes the dispatcher and retry passes over HTTP. The
// scheduler runs the same passes on its own cadence; these endpoints exist for
// operators who need to push a broadcast forward without waiting for a tick.
type DispatchHandler struct {
	dispatchFlow businessflow.DispatchFlow
}

// NewDispatchHandler creates a new dispatch handler
func NewDispatchHandler(dispatchFlow businessflow.DispatchFlow) *DispatchHandler {
	return &DispatchHandler{dispatchFlow: dispatchFlow}
}

func (h *DispatchHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *DispatchHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// DispatchBroadcast runs one dispatch pass over the broadcast's pending entries
func (h *DispatchHandler) DispatchBroadcast(c fiber.Ctx) error {
	broadcastUUID := c.Params("uuid")
	if broadcastUUID == "" {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Broadcast UUID is required", "MISSING_BROADCAST_UUID", nil)
	}

	report, err := h.dispatchFlow.DispatchPending(h.createRequestContext(c, "/api/v1/broadcasts/"+broadcastUUID+"/dispatch"), broadcastUUID)
	if err != nil {
		if businessflow.IsBroadcastNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Broadcast not found", "BROADCAST_NOT_FOUND", nil)
		}
		if businessflow.IsInvalidBroadcastState(err) {
			return h.ErrorResponse(c, fiber.StatusConflict, "Broadcast is not dispatchable in its current state", "INVALID_BROADCAST_STATE", nil)
		}

		log.Println("Broadcast dispatch failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Broadcast dispatch failed", "DISPATCH_FAILED", nil)
	}

	middleware.CountDispatched("sent", report.Succeeded)
	middleware.CountDispatched("failed", report.Failed)
	middleware.CountDispatched("skipped", report.Skipped)

	return h.SuccessResponse(c, fiber.StatusOK, "Dispatch pass completed", report)
}

// RetryBroadcast re-enqueues failed entries below the retry cap
func (h *DispatchHandler) RetryBroadcast(c fiber.Ctx) error {
	broadcastUUID := c.Params("uuid")
	if broadcastUUID == "" {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Broadcast UUID is required", "MISSING_BROADCAST_UUID", nil)
	}

	report, err := h.dispatchFlow.RetryEligible(h.createRequestContext(c, "/api/v1/broadcasts/"+broadcastUUID+"/retry"), broadcastUUID)
	if err != nil {
		if businessflow.IsBroadcastNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Broadcast not found", "BROADCAST_NOT_FOUND", nil)
		}
		if businessflow.IsInvalidBroadcastState(err) {
			return h.ErrorResponse(c, fiber.StatusConflict, "Broadcast is not retryable in its current state", "INVALID_BROADCAST_STATE", nil)
		}

		log.Println("Broadcast retry failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Broadcast retry failed", "RETRY_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Retry pass completed", report)
}

// createRequestContext creates a context with timeout and request-scoped values
func (h *DispatchHandler) createRequestContext(c fiber.Ctx, endpoint string) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	_ = cancel

	ctx = context.WithValue(ctx, utils.RequestIDKey, c.Get("X-Request-ID"))
	ctx = context.WithValue(ctx, utils.UserAgentKey, c.Get("User-Agent"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)

	return ctx
}
