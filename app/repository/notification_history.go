package repository

import (
	"context"
	"database/sql"
	"errors"
	"unicode/utf8"

	"github.com/vibast-solutions/ms-go-account-notifications/app/entity"
)

var ErrNotFound = errors.New("notification history not found")

type NotificationHistoryRepository struct {
	db *sql.DB
}

// NewNotificationHistoryRepository constructs a repository backed by MySQL.
func NewNotificationHistoryRepository(db *sql.DB) *NotificationHistoryRepository {
	return &NotificationHistoryRepository{db: db}
}

// Create inserts a new notification history record.
func (r *NotificationHistoryRepository) Create(ctx context.Context, requestID string, recipient string, subject string, content string, status int16) error {
	const query = `
		INSERT INTO notification_history (request_id, recipient, subject, content, status, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, 0, '')
	`
	_, err := r.db.ExecContext(ctx, query, requestID, recipient, subject, content, status)
	return err
}

// DeleteByRequestID removes a history record by request ID.
func (r *NotificationHistoryRepository) DeleteByRequestID(ctx context.Context, requestID string) error {
	const query = `
		DELETE FROM notification_history
		WHERE request_id = ?
	`
	_, err := r.db.ExecContext(ctx, query, requestID)
	return err
}

// FindByRequestID loads a history record.
func (r *NotificationHistoryRepository) FindByRequestID(ctx context.Context, requestID string) (*entity.NotificationHistory, error) {
	const query = `
		SELECT request_id, recipient, subject, status, attempts, last_error, created_at, updated_at
		FROM notification_history
		WHERE request_id = ?
	`
	var h entity.NotificationHistory
	err := r.db.QueryRowContext(ctx, query, requestID).Scan(
		&h.RequestID, &h.Recipient, &h.Subject, &h.Status, &h.Attempts, &h.LastError, &h.CreatedAt, &h.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// UpdateStatus updates the status for a request ID.
func (r *NotificationHistoryRepository) UpdateStatus(ctx context.Context, requestID string, status int16) error {
	const query = `
		UPDATE notification_history
		SET status = ?
		WHERE request_id = ?
	`
	_, err := r.db.ExecContext(ctx, query, status, requestID)
	return err
}

// MarkQueued moves a record from New to Queued. Records a consumer already
// picked up keep their status; it reports whether the row changed.
func (r *NotificationHistoryRepository) MarkQueued(ctx context.Context, requestID string) (bool, error) {
	const query = `
		UPDATE notification_history
		SET status = ?
		WHERE request_id = ? AND status = ?
	`
	res, err := r.db.ExecContext(ctx, query, entity.NotificationStatusQueued, requestID, entity.NotificationStatusNew)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// StartAttempt marks the record as processing and counts the delivery attempt.
func (r *NotificationHistoryRepository) StartAttempt(ctx context.Context, requestID string) error {
	const query = `
		UPDATE notification_history
		SET status = ?, attempts = attempts + 1
		WHERE request_id = ?
	`
	_, err := r.db.ExecContext(ctx, query, entity.NotificationStatusProcessing, requestID)
	return err
}

// MarkFailed stores a failure status together with the error that caused it.
func (r *NotificationHistoryRepository) MarkFailed(ctx context.Context, requestID string, status int16, lastError string) error {
	const query = `
		UPDATE notification_history
		SET status = ?, last_error = ?
		WHERE request_id = ?
	`
	_, err := r.db.ExecContext(ctx, query, status, truncate(lastError, 1024), requestID)
	return err
}

// UpdateContent updates the stored raw content for a request ID.
func (r *NotificationHistoryRepository) UpdateContent(ctx context.Context, requestID string, content string) error {
	const query = `
		UPDATE notification_history
		SET content = ?
		WHERE request_id = ?
	`
	_, err := r.db.ExecContext(ctx, query, content, requestID)
	return err
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
