package handlers

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/percytech/broadcast-pipeline/app/dto"
	businessflow "github.com/percytech/broadcast-pipeline/business_flow"
	"github.com/percytech/broadcast-pipeline/utils"
)

// BroadcastHandlerInterface defines the contract for broadcast handlers
type BroadcastHandlerInterface interface {
	CreateBroadcast(c fiber.Ctx) error
	ScheduleBroadcast(c fiber.Ctx) error
	CancelBroadcast(c fiber.Ctx) error
	SubmitBroadcast(c fiber.Ctx) error
	GetBroadcast(c fiber.Ctx) error
	ListBroadcasts(c fiber.Ctx) error
	GetBroadcastStats(c fiber.Ctx) error
	DownloadDeliveryReport(c fiber.Ctx) error
}

// BroadcastHandler handles broadcast-related HTTP requests
type BroadcastHandler struct {
	broadcastFlow businessflow.BroadcastFlow
	validator     *validator.Validate
}

// NewBroadcastHandler creates a new broadcast handler
func NewBroadcastHandler(broadcastFlow businessflow.BroadcastFlow) *BroadcastHandler {
	return &BroadcastHandler{
		broadcastFlow: broadcastFlow,
		validator:     validator.New(),
	}
}

func (h *BroadcastHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *BroadcastHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// CreateBroadcast handles draft creation
func (h *BroadcastHandler) CreateBroadcast(c fiber.Ctx) error {
	var req dto.CreateBroadcastRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}

	if err := h.validator.Struct(&req); err != nil {
		var validationErrors []string
		for _, err := range err.(validator.ValidationErrors) {
			validationErrors = append(validationErrors, getValidationErrorMessage(err))
		}
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationErrors)
	}

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))

	result, err := h.broadcastFlow.CreateBroadcast(h.createRequestContext(c, "/api/v1/broadcasts"), &req, metadata)
	if err != nil {
		if businessflow.IsInvalidCriteria(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid recipient criteria", "INVALID_CRITERIA", err.Error())
		}

		log.Println("Broadcast creation failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Broadcast creation failed", "BROADCAST_CREATION_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusCreated, "Broadcast created successfully", result)
}

// ScheduleBroadcast moves a draft to scheduled
func (h *BroadcastHandler) ScheduleBroadcast(c fiber.Ctx) error {
	broadcastUUID := c.Params("uuid")
	if broadcastUUID == "" {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Broadcast UUID is required", "MISSING_BROADCAST_UUID", nil)
	}

	var req dto.ScheduleBroadcastRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	req.UUID = broadcastUUID

	if err := h.validator.Struct(&req); err != nil {
		var validationErrors []string
		for _, err := range err.(validator.ValidationErrors) {
			validationErrors = append(validationErrors, getValidationErrorMessage(err))
		}
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationErrors)
	}

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))

	result, err := h.broadcastFlow.ScheduleBroadcast(h.createRequestContext(c, "/api/v1/broadcasts/"+broadcastUUID+"/schedule"), &req, metadata)
	if err != nil {
		if businessflow.IsBroadcastNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Broadcast not found", "BROADCAST_NOT_FOUND", nil)
		}
		if businessflow.IsInvalidBroadcastState(err) {
			return h.ErrorResponse(c, fiber.StatusConflict, "Broadcast cannot be scheduled in its current state", "INVALID_BROADCAST_STATE", nil)
		}
		if IsScheduleTimeError(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Scheduled time must be in the future", "SCHEDULE_TIME_IN_PAST", nil)
		}

		log.Println("Broadcast scheduling failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Broadcast scheduling failed", "BROADCAST_SCHEDULE_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Broadcast scheduled successfully", result)
}

// CancelBroadcast cancels a draft or scheduled broadcast
func (h *BroadcastHandler) CancelBroadcast(c fiber.Ctx) error {
	broadcastUUID := c.Params("uuid")
	if broadcastUUID == "" {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Broadcast UUID is required", "MISSING_BROADCAST_UUID", nil)
	}

	req := dto.CancelBroadcastRequest{UUID: broadcastUUID}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Broadcast UUID is invalid", "VALIDATION_ERROR", nil)
	}

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))

	result, err := h.broadcastFlow.CancelBroadcast(h.createRequestContext(c, "/api/v1/broadcasts/"+broadcastUUID+"/cancel"), &req, metadata)
	if err != nil {
		if businessflow.IsBroadcastNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Broadcast not found", "BROADCAST_NOT_FOUND", nil)
		}
		if businessflow.IsBroadcastNotCancellable(err) {
			return h.ErrorResponse(c, fiber.StatusConflict, "Broadcast cannot be cancelled in its current state", "BROADCAST_NOT_CANCELLABLE", nil)
		}

		log.Println("Broadcast cancellation failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Broadcast cancellation failed", "BROADCAST_CANCEL_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Broadcast cancelled successfully", result)
}

// SubmitBroadcast starts the send pipeline for a broadcast
func (h *BroadcastHandler) SubmitBroadcast(c fiber.Ctx) error {
	broadcastUUID := c.Params("uuid")
	if broadcastUUID == "" {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Broadcast UUID is required", "MISSING_BROADCAST_UUID", nil)
	}

	req := dto.SubmitBroadcastRequest{UUID: broadcastUUID}
	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Broadcast UUID is invalid", "VALIDATION_ERROR", nil)
	}

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))

	result, err := h.broadcastFlow.SubmitBroadcast(h.createRequestContextWithTimeout(c, "/api/v1/broadcasts/"+broadcastUUID+"/submit", 2*time.Minute), &req, metadata)
	if err != nil {
		if businessflow.IsBroadcastNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Broadcast not found", "BROADCAST_NOT_FOUND", nil)
		}
		if businessflow.IsInvalidBroadcastState(err) {
			return h.ErrorResponse(c, fiber.StatusConflict, "Broadcast cannot be submitted in its current state", "INVALID_BROADCAST_STATE", nil)
		}
		if businessflow.IsComplianceBlocked(err) {
			return h.ErrorResponse(c, fiber.StatusForbidden, "Campaign is not cleared to send", "COMPLIANCE_BLOCKED", err.Error())
		}
		if businessflow.IsInvalidCriteria(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid recipient criteria", "INVALID_CRITERIA", err.Error())
		}

		log.Println("Broadcast submission failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Broadcast submission failed", "BROADCAST_SUBMIT_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Broadcast submitted successfully", result)
}

// GetBroadcast returns one broadcast
func (h *BroadcastHandler) GetBroadcast(c fiber.Ctx) error {
	broadcastUUID := c.Params("uuid")
	if broadcastUUID == "" {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Broadcast UUID is required", "MISSING_BROADCAST_UUID", nil)
	}

	result, err := h.broadcastFlow.GetBroadcast(h.createRequestContext(c, "/api/v1/broadcasts/"+broadcastUUID), broadcastUUID)
	if err != nil {
		if businessflow.IsBroadcastNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Broadcast not found", "BROADCAST_NOT_FOUND", nil)
		}

		log.Println("Broadcast lookup failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Broadcast lookup failed", "BROADCAST_LOOKUP_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Broadcast retrieved successfully", result)
}

// ListBroadcasts pages through broadcasts of an inbox
func (h *BroadcastHandler) ListBroadcasts(c fiber.Ctx) error {
	inboxID, err := strconv.ParseUint(c.Query("inbox_id"), 10, 64)
	if err != nil || inboxID == 0 {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "inbox_id query parameter is required", "MISSING_INBOX_ID", nil)
	}

	page := 1
	if v := c.Query("page"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			page = parsed
		}
	}
	pageSize := utils.DefaultPageSize
	if v := c.Query("page_size"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			pageSize = parsed
		}
	}

	req := dto.ListBroadcastsRequest{
		InboxID:  inboxID,
		Status:   c.Query("status"),
		Page:     page,
		PageSize: pageSize,
	}

	if err := h.validator.Struct(&req); err != nil {
		var validationErrors []string
		for _, err := range err.(validator.ValidationErrors) {
			validationErrors = append(validationErrors, getValidationErrorMessage(err))
		}
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationErrors)
	}

	result, err := h.broadcastFlow.ListBroadcasts(h.createRequestContext(c, "/api/v1/broadcasts"), &req)
	if err != nil {
		log.Println("Broadcast listing failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Broadcast listing failed", "BROADCAST_LIST_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Broadcasts retrieved successfully", result)
}

// GetBroadcastStats returns a fresh ledger recount for a broadcast
func (h *BroadcastHandler) GetBroadcastStats(c fiber.Ctx) error {
	broadcastUUID := c.Params("uuid")
	if broadcastUUID == "" {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Broadcast UUID is required", "MISSING_BROADCAST_UUID", nil)
	}

	result, err := h.broadcastFlow.GetBroadcastStats(h.createRequestContext(c, "/api/v1/broadcasts/"+broadcastUUID+"/stats"), broadcastUUID)
	if err != nil {
		if businessflow.IsBroadcastNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Broadcast not found", "BROADCAST_NOT_FOUND", nil)
		}

		log.Println("Broadcast stats failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Broadcast stats failed", "BROADCAST_STATS_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Broadcast stats retrieved successfully", result)
}

// DownloadDeliveryReport streams the per-recipient ledger as an XLSX file
func (h *BroadcastHandler) DownloadDeliveryReport(c fiber.Ctx) error {
	broadcastUUID := c.Params("uuid")
	if broadcastUUID == "" {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Broadcast UUID is required", "MISSING_BROADCAST_UUID", nil)
	}

	report, err := h.broadcastFlow.BuildDeliveryReport(h.createRequestContextWithTimeout(c, "/api/v1/broadcasts/"+broadcastUUID+"/report", 2*time.Minute), broadcastUUID)
	if err != nil {
		if businessflow.IsBroadcastNotFound(err) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Broadcast not found", "BROADCAST_NOT_FOUND", nil)
		}

		log.Println("Delivery report failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Delivery report failed", "REPORT_FAILED", nil)
	}

	c.Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set("Content-Disposition", `attachment; filename="broadcast-`+broadcastUUID+`.xlsx"`)
	return c.Send(report)
}

// IsScheduleTimeError reports whether the error is a schedule-time validation failure
func IsScheduleTimeError(err error) bool {
	return businessflow.IsScheduleTimeInPast(err)
}

// createRequestContext creates a context with timeout and request-scoped values for business flows
func (h *BroadcastHandler) createRequestContext(c fiber.Ctx, endpoint string) context.Context {
	return h.createRequestContextWithTimeout(c, endpoint, 30*time.Second)
}

// createRequestContextWithTimeout creates a context with custom timeout and request-scoped values
func (h *BroadcastHandler) createRequestContextWithTimeout(c fiber.Ctx, endpoint string, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	_ = cancel

	ctx = context.WithValue(ctx, utils.RequestIDKey, c.Get("X-Request-ID"))
	ctx = context.WithValue(ctx, utils.UserAgentKey, c.Get("User-Agent"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)

	return ctx
}
