package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultPublishTimeout = 10 * time.Second

// PublishError reports a failed publish. The producer never retries.
type PublishError struct {
	Op  string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish notification: %s: %v", e.Op, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Fatal reports a broker-side configuration mismatch that a retry cannot fix.
func (e *PublishError) Fatal() bool {
	return IsPreconditionFailed(e.Err)
}

type EmailProducer struct {
	dial    Dialer
	queue   QueueDescriptor
	timeout time.Duration
	log     logrus.FieldLogger

	// OnPublish, when set, observes the outcome of every publish.
	OnPublish func(err error)
}

// NewEmailProducer constructs a producer that opens a fresh connection and
// channel for every publish.
func NewEmailProducer(dial Dialer, timeout time.Duration, logger logrus.FieldLogger) *EmailProducer {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &EmailProducer{
		dial:    dial,
		queue:   MailQueue,
		timeout: timeout,
		log:     logger,
	}
}

// Publish enqueues msg as a first attempt without a message id.
func (p *EmailProducer) Publish(ctx context.Context, msg NotificationMessage) error {
	return p.PublishEnvelope(ctx, Envelope{Attempt: 1, Message: msg})
}

// PublishEnvelope declares the mail queue and publishes env to it. It
// returns once the broker accepted the frame.
func (p *EmailProducer) PublishEnvelope(ctx context.Context, env Envelope) (err error) {
	if p.OnPublish != nil {
		defer func() { p.OnPublish(err) }()
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	publishing, err := env.Publishing()
	if err != nil {
		return &PublishError{Op: "encode", Err: err}
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return &PublishError{Op: "dial", Err: err}
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			p.log.WithError(closeErr).Debug("closing producer connection")
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		return &PublishError{Op: "open channel", Err: err}
	}
	defer func() {
		if closeErr := ch.Close(); closeErr != nil {
			p.log.WithError(closeErr).Debug("closing producer channel")
		}
	}()

	if _, err := p.queue.Declare(ch); err != nil {
		return &PublishError{Op: "declare queue " + p.queue.Name, Err: err}
	}

	if err := ch.PublishWithContext(ctx, "", p.queue.Name, false, false, publishing); err != nil {
		return &PublishError{Op: "publish to " + p.queue.Name, Err: err}
	}

	p.log.WithFields(logrus.Fields{
		"request_id": env.MessageID,
		"attempt":    env.Attempt,
		"queue":      p.queue.Name,
	}).Info("notification published")
	return nil
}
