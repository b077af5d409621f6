package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-account-notifications/app/entity"
	"github.com/vibast-solutions/ms-go-account-notifications/app/lock"
	"github.com/vibast-solutions/ms-go-account-notifications/app/preparer"
	"github.com/vibast-solutions/ms-go-account-notifications/app/provider"
	"github.com/vibast-solutions/ms-go-account-notifications/app/repository"
)

const lockTTL = 2 * time.Minute

type EmailService struct {
	preparer preparer.EmailPreparer
	provider provider.EmailProvider
	history  *repository.NotificationHistoryRepository
	locker   lock.Locker
	log      logrus.FieldLogger
}

// NewEmailService builds the email service with dependencies.
func NewEmailService(preparer preparer.EmailPreparer, provider provider.EmailProvider, history *repository.NotificationHistoryRepository, locker lock.Locker, logger logrus.FieldLogger) *EmailService {
	return &EmailService{preparer: preparer, provider: provider, history: history, locker: locker, log: logger}
}

// CreateRequest records a notification request in history.
func (s *EmailService) CreateRequest(ctx context.Context, requestID string, recipient string, subject string, content string) error {
	if err := s.history.Create(ctx, requestID, recipient, subject, content, entity.NotificationStatusNew); err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrDuplicateRequestID
		}
		return err
	}
	return nil
}

// DeleteRequest removes a history entry by request ID.
func (s *EmailService) DeleteRequest(ctx context.Context, requestID string) error {
	return s.history.DeleteByRequestID(ctx, requestID)
}

// MarkQueued records that the notification reached the broker, unless a
// consumer already started on it.
func (s *EmailService) MarkQueued(ctx context.Context, requestID string) error {
	_, err := s.history.MarkQueued(ctx, requestID)
	return err
}

// MarkDeadLettered records that delivery was given up.
func (s *EmailService) MarkDeadLettered(ctx context.Context, requestID string, reason string) error {
	return s.history.MarkFailed(ctx, requestID, entity.NotificationStatusPermanentFailure, reason)
}

// Status returns the history record of a request.
func (s *EmailService) Status(ctx context.Context, requestID string) (*entity.NotificationHistory, error) {
	return s.history.FindByRequestID(ctx, requestID)
}

// Send prepares and dispatches one email. When ctx carries a Delivery with a
// request ID the send is serialised by a lock and tracked in history;
// otherwise only the send happens. Every failure is a *DeliveryError.
func (s *EmailService) Send(ctx context.Context, recipient string, subject string, content string) error {
	if recipient == "" {
		return permanentFailure("validate", ErrMissingRecipient)
	}

	delivery, _ := DeliveryFromContext(ctx)
	requestID := delivery.RequestID
	log := s.log.WithFields(logrus.Fields{"request_id": requestID, "attempt": delivery.Attempt})

	if requestID != "" && s.locker != nil {
		lease, err := lock.Hold(ctx, s.locker, requestID, lockTTL)
		if err != nil {
			return transientFailure("acquire lock", err)
		}
		defer func() {
			if err := lease.Release(ctx); err != nil {
				log.WithError(err).Warn("release delivery lock")
			}
		}()
	}

	tracked := requestID != "" && s.history != nil
	if tracked {
		if err := s.history.StartAttempt(ctx, requestID); err != nil {
			return transientFailure("update status to processing", err)
		}
	}

	raw, err := s.preparer.Prepare(ctx, recipient, subject, content)
	if err != nil {
		if tracked {
			s.recordFailure(ctx, log, requestID, entity.NotificationStatusPermanentFailure, err)
		}
		return permanentFailure("prepare email content", err)
	}

	if tracked {
		if err := s.history.UpdateContent(ctx, requestID, string(raw)); err != nil {
			s.recordFailure(ctx, log, requestID, entity.NotificationStatusTemporaryFailure, err)
			return transientFailure("update history content", err)
		}
	}

	if err := s.provider.SendRaw(ctx, recipient, raw); err != nil {
		if provider.IsRejected(err) {
			if tracked {
				s.recordFailure(ctx, log, requestID, entity.NotificationStatusPermanentFailure, err)
			}
			return permanentFailure("send", err)
		}
		if tracked {
			s.recordFailure(ctx, log, requestID, entity.NotificationStatusTemporaryFailure, err)
		}
		return transientFailure("send", err)
	}

	if tracked {
		// The mail is out; a redelivery here would only send it twice.
		if err := s.history.UpdateStatus(context.WithoutCancel(ctx), requestID, entity.NotificationStatusSuccess); err != nil {
			log.WithError(err).Error("update status to success")
		}
	}
	log.WithField("recipient", recipient).Info("email sent")
	return nil
}

func (s *EmailService) recordFailure(ctx context.Context, log logrus.FieldLogger, requestID string, status int16, cause error) {
	if err := s.history.MarkFailed(context.WithoutCancel(ctx), requestID, status, cause.Error()); err != nil {
		log.WithError(err).WithField("status", entity.StatusName(status)).Error("record delivery failure")
	}
}
