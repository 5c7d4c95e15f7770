package handlers

import (
	"context"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/percytech/broadcast-pipeline/app/dto"
	"github.com/percytech/broadcast-pipeline/app/middleware"
	businessflow "github.com/percytech/broadcast-pipeline/business_flow"
	"github.com/percytech/broadcast-pipeline/utils"
)

// ReceiptHandlerInterface defines the contract for the carrier DLR webhook
type ReceiptHandlerInterface interface {
	HandleReceipt(c fiber.Ctx) error
}

// ReceiptHandler ingests carrier delivery receipts
type ReceiptHandler struct {
	dispatchFlow businessflow.DispatchFlow
	validator    *validator.Validate
}

// NewReceiptHandler creates a new receipt handler
func NewReceiptHandler(dispatchFlow businessflow.DispatchFlow) *ReceiptHandler {
	return &ReceiptHandler{
		dispatchFlow: dispatchFlow,
		validator:    validator.New(),
	}
}

func (h *ReceiptHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *ReceiptHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// HandleReceipt folds one carrier receipt into the recipient ledger. The
// carrier retries on non-2xx, so transient failures return 500 and permanent
// ones return 200 with the receipt dropped.
func (h *ReceiptHandler) HandleReceipt(c fiber.Ctx) error {
	var req dto.DeliveryReceiptRequest
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

	if err := h.dispatchFlow.HandleReceipt(h.createRequestContext(c), &req); err != nil {
		if businessflow.IsInvalidTransition(err) {
			// The receipt arrived out of order or duplicated; acknowledge so
			// the carrier stops replaying it
			log.Println("Dropping out-of-order receipt", req.MessageID, err)
			return h.SuccessResponse(c, fiber.StatusOK, "Receipt ignored", nil)
		}

		log.Println("Receipt processing failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Receipt processing failed", "RECEIPT_FAILED", nil)
	}

	middleware.CountReceipt(req.Status)
	return h.SuccessResponse(c, fiber.StatusOK, "Receipt processed", nil)
}

// createRequestContext creates a context with timeout and request-scoped values
func (h *ReceiptHandler) createRequestContext(c fiber.Ctx) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	_ = cancel

	ctx = context.WithValue(ctx, utils.RequestIDKey, c.Get("X-Request-ID"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, "/api/v1/receipts")

	return ctx
}
