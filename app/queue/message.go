package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	QueueName           = "mail"
	RetryQueueName      = "mail.retry"
	DeadLetterQueueName = "mail.dead"

	AttemptHeader    = "x-attempt"
	DeadReasonHeader = "x-dead-reason"
	LastErrorHeader  = "x-last-error"

	contentTypeJSON = "application/json"
)

var ErrMissingRecipient = errors.New("notification recipient is empty")

// QueueDescriptor is the declaration both sides of the queue agree on.
type QueueDescriptor struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Args       amqp.Table
}

// MailQueue is the work queue notifications are published to.
var MailQueue = QueueDescriptor{Name: QueueName, Durable: true}

// RetryQueueFor returns a durable holding queue whose expired messages are
// routed back to target through the default exchange.
func RetryQueueFor(target QueueDescriptor) QueueDescriptor {
	return QueueDescriptor{
		Name:    target.Name + ".retry",
		Durable: true,
		Args: amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": target.Name,
		},
	}
}

// DeadLetterQueueFor returns the durable parking queue for target.
func DeadLetterQueueFor(target QueueDescriptor) QueueDescriptor {
	return QueueDescriptor{Name: target.Name + ".dead", Durable: true}
}

// Declare declares the queue on ch.
func (q QueueDescriptor) Declare(ch Channel) (amqp.Queue, error) {
	return ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Args)
}

// NotificationMessage is the body of every message on the mail queue.
// It is a value type and is never modified once built.
type NotificationMessage struct {
	Recipient string `json:"email"`
	Subject   string `json:"subject"`
	Content   string `json:"content"`
}

// NewNotificationMessage builds a message. The recipient is expected to be
// validated by the caller.
func NewNotificationMessage(recipient, subject, content string) NotificationMessage {
	return NotificationMessage{Recipient: recipient, Subject: subject, Content: content}
}

// Encode serializes the message for transport.
func (m NotificationMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeError marks a payload that can never become a NotificationMessage.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode notification message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DecodeNotificationMessage parses a payload produced by Encode. Unknown
// fields are ignored and missing subject/content decode as empty strings.
func DecodeNotificationMessage(body []byte) (NotificationMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return NotificationMessage{}, &DecodeError{Err: errors.New("payload is not a JSON object")}
	}

	var msg NotificationMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return NotificationMessage{}, &DecodeError{Err: err}
	}
	if strings.TrimSpace(msg.Recipient) == "" {
		return NotificationMessage{}, &DecodeError{Err: ErrMissingRecipient}
	}
	return msg, nil
}

// Envelope is a message together with its delivery metadata.
type Envelope struct {
	MessageID string
	Attempt   int
	Message   NotificationMessage
}

// Publishing builds the AMQP publishing for the envelope.
func (e Envelope) Publishing() (amqp.Publishing, error) {
	body, err := e.Message.Encode()
	if err != nil {
		return amqp.Publishing{}, err
	}
	attempt := e.Attempt
	if attempt < 1 {
		attempt = 1
	}
	return amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    e.MessageID,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{AttemptHeader: int32(attempt)},
		Body:         body,
	}, nil
}

// EnvelopeFromDelivery decodes a broker delivery. A missing or unreadable
// attempt header counts as the first attempt.
func EnvelopeFromDelivery(d amqp.Delivery) (Envelope, error) {
	msg, err := DecodeNotificationMessage(d.Body)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		MessageID: d.MessageId,
		Attempt:   attemptFromHeaders(d.Headers),
		Message:   msg,
	}, nil
}

func attemptFromHeaders(headers amqp.Table) int {
	var attempt int
	switch v := headers[AttemptHeader].(type) {
	case int:
		attempt = v
	case int8:
		attempt = int(v)
	case int16:
		attempt = int(v)
	case int32:
		attempt = int(v)
	case int64:
		attempt = int(v)
	case uint8:
		attempt = int(v)
	case uint16:
		attempt = int(v)
	case uint32:
		attempt = int(v)
	case float64:
		attempt = int(v)
	}
	if attempt < 1 {
		return 1
	}
	return attempt
}
