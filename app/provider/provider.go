package provider

import (
	"context"
	"errors"
	"fmt"
)

// EmailProvider hands a prepared MIME message to a mail transport.
// Implementations never retry; redelivery goes through the broker.
type EmailProvider interface {
	SendRaw(ctx context.Context, recipient string, raw []byte) error
}

// RejectedError is a definitive refusal by the transport. Sending the same
// message again will be refused again.
type RejectedError struct {
	Transport string
	Err       error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected message: %v", e.Transport, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

func (e *RejectedError) Permanent() bool { return true }

func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}
