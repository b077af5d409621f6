package service

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateRequestID = errors.New("duplicate request_id")
	ErrMissingRequestID   = errors.New("request_id is required")
	ErrMissingRecipient   = errors.New("recipient is required")
)

// DeliveryError reports a failed email dispatch. Permanent failures cannot
// succeed on redelivery.
type DeliveryError struct {
	Stage     string
	Err       error
	permanent bool
}

func transientFailure(stage string, err error) *DeliveryError {
	return &DeliveryError{Stage: stage, Err: err}
}

func permanentFailure(stage string, err error) *DeliveryError {
	return &DeliveryError{Stage: stage, Err: err, permanent: true}
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver email: %s: %v", e.Stage, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func (e *DeliveryError) Permanent() bool {
	return e.permanent
}
