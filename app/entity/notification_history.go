package entity

import "time"

const (
	NotificationStatusNew              int16 = 0
	NotificationStatusProcessing       int16 = 1
	NotificationStatusQueued           int16 = 5
	NotificationStatusSuccess          int16 = 10
	NotificationStatusTemporaryFailure int16 = 40
	NotificationStatusPermanentFailure int16 = 50
)

type NotificationHistory struct {
	RequestID string
	Recipient string
	Subject   string
	Content   string
	Status    int16
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatusName returns the label used in API responses and metrics.
func StatusName(status int16) string {
	switch status {
	case NotificationStatusNew:
		return "new"
	case NotificationStatusProcessing:
		return "processing"
	case NotificationStatusQueued:
		return "queued"
	case NotificationStatusSuccess:
		return "success"
	case NotificationStatusTemporaryFailure:
		return "temporary_failure"
	case NotificationStatusPermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}
