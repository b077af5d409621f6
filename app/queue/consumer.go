package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
	"unicode/utf8"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-account-notifications/app/retry"
)

var ErrDeliveriesClosed = errors.New("delivery channel closed by broker")

const (
	DeadReasonPoison    = "poison"
	DeadReasonExhausted = "attempts_exhausted"
	DeadReasonPermanent = "permanent_failure"

	maxLastErrorLen = 512
)

// State is the consumer lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateSubscribed
	StateProcessing
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateProcessing:
		return "processing"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome is the decision taken for one delivery.
type Outcome string

const (
	OutcomeAck         Outcome = "ack"
	OutcomeNackRequeue Outcome = "nack_requeue"
	OutcomeRetry       Outcome = "retry"
	OutcomeDeadLetter  Outcome = "dead_letter"
	OutcomeDiscard     Outcome = "discard"
)

// Handler performs the side effect for one notification.
type Handler interface {
	Deliver(ctx context.Context, env Envelope) error
}

// Hooks lets callers observe the consumer. Every field is optional.
type Hooks struct {
	OnState      func(State)
	OnOutcome    func(outcome Outcome, elapsed time.Duration)
	OnDeadLetter func(ctx context.Context, env Envelope, reason string)
}

type ConsumerConfig struct {
	// Retry bounds redelivery of failed notifications. MaxAttempts == 0
	// requeues failed deliveries forever.
	Retry         retry.Policy
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
	HandleTimeout time.Duration
	SettleTimeout time.Duration
	Hooks         Hooks
}

type EmailConsumer struct {
	dial         Dialer
	handler      Handler
	consumerName string
	cfg          ConsumerConfig
	log          logrus.FieldLogger

	queue      QueueDescriptor
	retryQueue QueueDescriptor
	deadQueue  QueueDescriptor

	state atomic.Int32
}

// NewEmailConsumer constructs an AMQP consumer for the mail queue.
func NewEmailConsumer(dial Dialer, handler Handler, consumerName string, cfg ConsumerConfig, logger logrus.FieldLogger) *EmailConsumer {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
		if cfg.ReconnectMax < cfg.ReconnectMin {
			cfg.ReconnectMax = cfg.ReconnectMin
		}
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 30 * time.Second
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 5 * time.Second
	}

	return &EmailConsumer{
		dial:         dial,
		handler:      handler,
		consumerName: consumerName,
		cfg:          cfg,
		log:          logger.WithField("consumer", consumerName),
		queue:        MailQueue,
		retryQueue:   RetryQueueFor(MailQueue),
		deadQueue:    DeadLetterQueueFor(MailQueue),
	}
}

// State returns the current lifecycle state.
func (c *EmailConsumer) State() State {
	return State(c.state.Load())
}

func (c *EmailConsumer) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.log.WithField("state", s.String()).Debug("consumer state changed")
	if c.cfg.Hooks.OnState != nil {
		c.cfg.Hooks.OnState(s)
	}
}

// Run consumes until ctx is cancelled, reconnecting with backoff whenever
// the connection or channel is lost. It only returns an error for a queue
// declaration that conflicts with the broker.
func (c *EmailConsumer) Run(ctx context.Context) error {
	defer c.setState(StateClosed)

	reconnect := retry.Policy{BaseDelay: c.cfg.ReconnectMin, MaxDelay: c.cfg.ReconnectMax}
	failures := 0

	for {
		if ctx.Err() != nil {
			c.log.Info("consumer shutting down")
			return nil
		}

		c.setState(StateConnecting)
		subscribed, err := c.session(ctx)
		if ctx.Err() != nil {
			c.log.Info("consumer shutting down")
			return nil
		}
		if IsPreconditionFailed(err) {
			return fmt.Errorf("declare queues: %w", err)
		}

		c.setState(StateDisconnected)
		if subscribed {
			failures = 0
		}
		failures++
		wait := reconnect.Backoff(failures)
		c.log.WithError(err).WithField("retry_in", wait.String()).Warn("consumer disconnected")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.log.Info("consumer shutting down")
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection lifetime. It reports whether the
// subscription was established.
func (c *EmailConsumer) session(ctx context.Context) (bool, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	for _, q := range []QueueDescriptor{c.queue, c.retryQueue, c.deadQueue} {
		if _, err := q.Declare(ch); err != nil {
			return false, fmt.Errorf("declare %s: %w", q.Name, err)
		}
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return false, fmt.Errorf("set qos: %w", err)
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	deliveries, err := ch.Consume(c.queue.Name, c.consumerName, false, false, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("consume %s: %w", c.queue.Name, err)
	}

	c.setState(StateSubscribed)
	c.log.WithField("queue", c.queue.Name).Info("consumer subscribed")

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case amqpErr := <-connClosed:
			return true, fmt.Errorf("connection closed: %v", amqpErr)
		case amqpErr := <-chClosed:
			return true, fmt.Errorf("channel closed: %v", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return true, ErrDeliveriesClosed
			}
			c.processDelivery(ctx, ch, d)
		}
	}
}

// processDelivery always settles d with exactly one Ack or Nack.
func (c *EmailConsumer) processDelivery(ctx context.Context, ch Channel, d amqp.Delivery) {
	started := time.Now()
	log := c.log.WithFields(logrus.Fields{
		"delivery_tag": d.DeliveryTag,
		"request_id":   d.MessageId,
		"redelivered":  d.Redelivered,
	})

	c.setState(StateProcessing)
	var outcome Outcome
	defer func() {
		c.setState(StateSubscribed)
		if c.cfg.Hooks.OnOutcome != nil {
			c.cfg.Hooks.OnOutcome(outcome, time.Since(started))
		}
	}()

	env, err := EnvelopeFromDelivery(d)
	if err != nil {
		log.WithError(err).Error("poison message")
		outcome = c.deadLetter(ctx, ch, d, nil, DeadReasonPoison, err, log)
		return
	}
	log = log.WithField("attempt", env.Attempt)
	log.Info("processing notification")

	err = c.invoke(ctx, env)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.WithError(ackErr).Error("ack failed")
		}
		outcome = OutcomeAck
		log.Info("notification delivered")
		return
	}

	log = log.WithError(err)
	switch {
	case isPermanent(err):
		log.Error("notification failed permanently")
		outcome = c.deadLetter(ctx, ch, d, &env, DeadReasonPermanent, err, log)
	case c.cfg.Retry.Unbounded():
		log.Warn("notification failed, requeueing")
		c.nack(log, d, true)
		outcome = OutcomeNackRequeue
	case c.cfg.Retry.Exhausted(env.Attempt):
		log.Error("notification failed, attempts exhausted")
		outcome = c.deadLetter(ctx, ch, d, &env, DeadReasonExhausted, err, log)
	default:
		outcome = c.scheduleRetry(ctx, ch, d, env, log)
	}
}

// invoke runs the handler with a timeout, turning a panic into an error.
func (c *EmailConsumer) invoke(ctx context.Context, env Envelope) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandleTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery handler panicked: %v", r)
		}
	}()
	return c.handler.Deliver(ctx, env)
}

// scheduleRetry parks a copy of d with the next attempt number in the retry
// queue and acks the original. If the copy cannot be published the original
// is requeued instead.
func (c *EmailConsumer) scheduleRetry(ctx context.Context, ch Channel, d amqp.Delivery, env Envelope, log logrus.FieldLogger) Outcome {
	delay := c.cfg.Retry.Backoff(env.Attempt)
	publishing := republish(d)
	publishing.Headers[AttemptHeader] = int32(env.Attempt + 1)
	publishing.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)

	settleCtx, cancel := c.settleContext(ctx)
	defer cancel()
	if err := ch.PublishWithContext(settleCtx, "", c.retryQueue.Name, false, false, publishing); err != nil {
		log.WithField("publish_error", err.Error()).Error("retry publish failed, requeueing")
		c.nack(log, d, true)
		return OutcomeNackRequeue
	}

	if err := d.Ack(false); err != nil {
		log.WithField("ack_error", err.Error()).Error("ack after retry publish failed")
	}
	log.WithField("retry_in", delay.String()).Warn("notification failed, retry scheduled")
	return OutcomeRetry
}

// deadLetter moves d to the dead-letter queue. env is nil for poison
// payloads.
func (c *EmailConsumer) deadLetter(ctx context.Context, ch Channel, d amqp.Delivery, env *Envelope, reason string, cause error, log logrus.FieldLogger) Outcome {
	publishing := republish(d)
	publishing.Headers[DeadReasonHeader] = reason
	publishing.Headers[LastErrorHeader] = truncate(cause.Error(), maxLastErrorLen)

	settleCtx, cancel := c.settleContext(ctx)
	defer cancel()
	if err := ch.PublishWithContext(settleCtx, "", c.deadQueue.Name, false, false, publishing); err != nil {
		if env == nil {
			// A poison payload can never succeed, so it is dropped rather than recycled.
			log.WithFields(logrus.Fields{
				"publish_error": err.Error(),
				"payload":       string(d.Body),
			}).Error("dead-letter publish failed, discarding poison message")
			c.nack(log, d, false)
			return OutcomeDiscard
		}
		log.WithField("publish_error", err.Error()).Error("dead-letter publish failed, requeueing")
		c.nack(log, d, true)
		return OutcomeNackRequeue
	}

	if err := d.Ack(false); err != nil {
		log.WithField("ack_error", err.Error()).Error("ack after dead-letter failed")
	}
	if env != nil && c.cfg.Hooks.OnDeadLetter != nil {
		c.cfg.Hooks.OnDeadLetter(settleCtx, *env, reason)
	}
	log.WithField("reason", reason).Warn("notification dead-lettered")
	return OutcomeDeadLetter
}

func (c *EmailConsumer) nack(log logrus.FieldLogger, d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		log.WithField("nack_error", err.Error()).Error("nack failed")
	}
}

// settleContext outlives cancellation of ctx so a delivery being processed
// during shutdown is still settled.
func (c *EmailConsumer) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SettleTimeout)
}

// republish copies d into a publishing that keeps its body and metadata.
func republish(d amqp.Delivery) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	contentType := d.ContentType
	if contentType == "" {
		contentType = contentTypeJSON
	}
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Body:         d.Body,
	}
}

func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
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
