package controller

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/vibast-solutions/ms-go-account-notifications/app/dto"
	"github.com/vibast-solutions/ms-go-account-notifications/app/entity"
	"github.com/vibast-solutions/ms-go-account-notifications/app/queue"
	"github.com/vibast-solutions/ms-go-account-notifications/app/repository"
	"github.com/vibast-solutions/ms-go-account-notifications/app/scheduler"
	"github.com/vibast-solutions/ms-go-account-notifications/app/service"
)

// Notifier is the part of service.NotificationService the HTTP layer uses.
type Notifier interface {
	Submit(ctx context.Context, requestID string, msg queue.NotificationMessage) (scheduler.JobHandle, error)
	Status(ctx context.Context, requestID string) (*entity.NotificationHistory, error)
}

type NotificationController struct {
	notifier Notifier
}

type statusResponse struct {
	RequestID string    `json:"request_id"`
	Recipient string    `json:"recipient"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewNotificationController constructs the HTTP notification controller.
func NewNotificationController(notifier Notifier) *NotificationController {
	return &NotificationController{notifier: notifier}
}

// SubmitEmail validates the request and schedules the notification.
func (c *NotificationController) SubmitEmail(ctx echo.Context) error {
	req, err := dto.FromEchoContext(ctx)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := req.Validate(); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.submit(ctx, req.RequestID, queue.NewNotificationMessage(req.Recipient, req.Subject, req.Content))
}

// SubmitAccountOpened schedules the account-opening notification.
func (c *NotificationController) SubmitAccountOpened(ctx echo.Context) error {
	req, err := dto.AccountOpenedFromEchoContext(ctx)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := req.Validate(); err != nil {
		return ctx.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.submit(ctx, req.RequestID, service.AccountOpenedMessage(req.FirstName, req.Email, req.CurrencyCode))
}

func (c *NotificationController) submit(ctx echo.Context, requestID string, msg queue.NotificationMessage) error {
	handle, err := c.notifier.Submit(ctx.Request().Context(), requestID, msg)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDuplicateRequestID):
			return ctx.JSON(http.StatusBadRequest, map[string]string{"error": "duplicate request_id"})
		case errors.Is(err, service.ErrMissingRequestID), errors.Is(err, service.ErrMissingRecipient):
			return ctx.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to schedule notification"})
		}
	}

	return ctx.JSON(http.StatusAccepted, map[string]string{
		"message": "notification scheduled",
		"job_id":  handle.ID,
	})
}

// Status reports the delivery state of a submitted notification.
func (c *NotificationController) Status(ctx echo.Context) error {
	requestID := ctx.Param("request_id")
	history, err := c.notifier.Status(ctx.Request().Context(), requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ctx.JSON(http.StatusNotFound, map[string]string{"error": "notification not found"})
		}
		return ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load notification"})
	}

	return ctx.JSON(http.StatusOK, statusResponse{
		RequestID: history.RequestID,
		Recipient: history.Recipient,
		Status:    entity.StatusName(history.Status),
		Attempts:  history.Attempts,
		LastError: history.LastError,
		CreatedAt: history.CreatedAt,
		UpdatedAt: history.UpdatedAt,
	})
}
