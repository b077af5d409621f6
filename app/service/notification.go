package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-account-notifications/app/entity"
	"github.com/vibast-solutions/ms-go-account-notifications/app/queue"
	"github.com/vibast-solutions/ms-go-account-notifications/app/scheduler"
)

// PublishJobType is the scheduler job that moves a notification onto the queue.
const PublishJobType = "notification.publish"

const (
	accountOpenedSubject = "Yeni hesap acilisi"
	accountOpenedContent = "Merhaba, %s, Adiniza %s doviz cinsi hesabiniz acilmistir."
)

type JobScheduler interface {
	Schedule(ctx context.Context, jobType string, payload interface{}, delay time.Duration) (scheduler.JobHandle, error)
}

type EnvelopePublisher interface {
	PublishEnvelope(ctx context.Context, env queue.Envelope) error
}

type publishPayload struct {
	RequestID string                    `json:"request_id"`
	Message   queue.NotificationMessage `json:"message"`
}

// NotificationService ties submission, delayed publishing and delivery
// together.
type NotificationService struct {
	emails    *EmailService
	scheduler JobScheduler
	publisher EnvelopePublisher
	delay     time.Duration
	log       logrus.FieldLogger
}

func NewNotificationService(emails *EmailService, scheduler JobScheduler, publisher EnvelopePublisher, delay time.Duration, logger logrus.FieldLogger) *NotificationService {
	return &NotificationService{
		emails:    emails,
		scheduler: scheduler,
		publisher: publisher,
		delay:     delay,
		log:       logger,
	}
}

// AccountOpenedMessage builds the notification sent after an account was
// opened for a customer.
func AccountOpenedMessage(firstName string, email string, currencyCode string) queue.NotificationMessage {
	return queue.NewNotificationMessage(email, accountOpenedSubject, fmt.Sprintf(accountOpenedContent, firstName, currencyCode))
}

// Submit records the request and schedules its publication. The caller gets
// an answer before anything touches the broker.
func (s *NotificationService) Submit(ctx context.Context, requestID string, msg queue.NotificationMessage) (scheduler.JobHandle, error) {
	if requestID == "" {
		return scheduler.JobHandle{}, ErrMissingRequestID
	}
	if msg.Recipient == "" {
		return scheduler.JobHandle{}, ErrMissingRecipient
	}

	if err := s.emails.CreateRequest(ctx, requestID, msg.Recipient, msg.Subject, msg.Content); err != nil {
		return scheduler.JobHandle{}, err
	}

	handle, err := s.scheduler.Schedule(ctx, PublishJobType, publishPayload{RequestID: requestID, Message: msg}, s.delay)
	if err != nil {
		if delErr := s.emails.DeleteRequest(context.WithoutCancel(ctx), requestID); delErr != nil {
			s.log.WithError(delErr).WithField("request_id", requestID).Error("delete history after failed schedule")
		}
		return scheduler.JobHandle{}, fmt.Errorf("schedule notification: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"job_id":     handle.ID,
		"run_at":     handle.RunAt.Format(time.RFC3339),
	}).Info("notification scheduled")
	return handle, nil
}

// HandlePublishJob runs on the scheduler worker and publishes the message.
func (s *NotificationService) HandlePublishJob(ctx context.Context, job scheduler.Job) error {
	var payload publishPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return scheduler.Permanent(fmt.Errorf("decode publish payload: %w", err))
	}

	env := queue.Envelope{MessageID: payload.RequestID, Attempt: 1, Message: payload.Message}
	if err := s.publisher.PublishEnvelope(ctx, env); err != nil {
		var pubErr *queue.PublishError
		if errors.As(err, &pubErr) && pubErr.Fatal() {
			return scheduler.Permanent(err)
		}
		return err
	}

	if payload.RequestID != "" {
		if err := s.emails.MarkQueued(context.WithoutCancel(ctx), payload.RequestID); err != nil {
			s.log.WithError(err).WithField("request_id", payload.RequestID).Error("update status to queued")
		}
	}
	return nil
}

// Deliver is the consumer handler.
func (s *NotificationService) Deliver(ctx context.Context, env queue.Envelope) error {
	ctx = WithDelivery(ctx, Delivery{RequestID: env.MessageID, Attempt: env.Attempt})
	return s.emails.Send(ctx, env.Message.Recipient, env.Message.Subject, env.Message.Content)
}

// DeadLettered is the consumer dead-letter hook.
func (s *NotificationService) DeadLettered(ctx context.Context, env queue.Envelope, reason string) {
	if env.MessageID == "" {
		return
	}
	if err := s.emails.MarkDeadLettered(ctx, env.MessageID, reason); err != nil {
		s.log.WithError(err).WithField("request_id", env.MessageID).Error("update status to permanent failure")
	}
}

// Status returns the history record of a submitted notification.
func (s *NotificationService) Status(ctx context.Context, requestID string) (*entity.NotificationHistory, error) {
	return s.emails.Status(ctx, requestID)
}
