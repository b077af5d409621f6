package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// journal is a shared, ordered record of what happened during a test.
type journal struct {
	mu      sync.Mutex
	entries []string
	changed chan struct{}
}

func newJournal() *journal {
	return &journal{changed: make(chan struct{}, 64)}
}

func (j *journal) add(format string, args ...interface{}) {
	j.mu.Lock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
	j.mu.Unlock()
	select {
	case j.changed <- struct{}{}:
	default:
	}
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) count(entry string) int {
	n := 0
	for _, e := range j.snapshot() {
		if e == entry {
			n++
		}
	}
	return n
}

func (j *journal) waitFor(t *testing.T, entry string) {
	t.Helper()
	j.waitForCount(t, entry, 1)
}

func (j *journal) waitForCount(t *testing.T, entry string, n int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if j.count(entry) >= n {
			return
		}
		select {
		case <-j.changed:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d x %q, journal: %v", n, entry, j.snapshot())
		}
	}
}

// fakeAcker records settlements in the journal.
type fakeAcker struct {
	j *journal
}

func (a fakeAcker) Ack(tag uint64, _ bool) error {
	a.j.add("ack:%d", tag)
	return nil
}

func (a fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	a.j.add("nack:%d:requeue=%t", tag, requeue)
	return nil
}

func (a fakeAcker) Reject(tag uint64, requeue bool) error {
	a.j.add("reject:%d:requeue=%t", tag, requeue)
	return nil
}

type declaration struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	args       amqp.Table
}

type publication struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu          sync.Mutex
	j           *journal
	declareErr  error
	publishErr  map[string]error
	qosErr      error
	declared    []declaration
	published   []publication
	deliveries  chan amqp.Delivery
	autoAck     bool
	prefetch    int
	closeNotify chan *amqp.Error
	closed      bool
}

func newFakeChannel(j *journal) *fakeChannel {
	return &fakeChannel{
		j:          j,
		publishErr: map[string]error{},
		deliveries: make(chan amqp.Delivery, 16),
	}
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declareErr != nil {
		return amqp.Queue{}, c.declareErr
	}
	c.declared = append(c.declared, declaration{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive, args: args})
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	err := c.publishErr[key]
	if err == nil {
		c.published = append(c.published, publication{exchange: exchange, key: key, msg: msg})
	}
	c.mu.Unlock()
	if err == nil && c.j != nil {
		c.j.add("publish:%s", key)
	}
	return err
}

func (c *fakeChannel) Consume(_, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoAck = autoAck
	return c.deliveries, nil
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetchCount
	return c.qosErr
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeNotify = receiver
	return receiver
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) publications(key string) []publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []publication
	for _, p := range c.published {
		if p.key == key {
			out = append(out, p)
		}
	}
	return out
}

type fakeConnection struct {
	mu          sync.Mutex
	channel     *fakeChannel
	channelErr  error
	closeNotify chan *amqp.Error
	closed      bool
}

func (c *fakeConnection) Channel() (Channel, error) {
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	return c.channel, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeNotify = receiver
	return receiver
}

func (c *fakeConnection) notifier() chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeNotify
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// scriptedDialer hands out the given connections in order; a nil entry
// yields a dial error.
type scriptedDialer struct {
	mu    sync.Mutex
	conns []*fakeConnection
	calls int
}

func (d *scriptedDialer) dial(_ context.Context) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.conns) == 0 {
		return nil, errors.New("broker unreachable")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	if conn == nil {
		return nil, errors.New("broker unreachable")
	}
	return conn, nil
}

func (d *scriptedDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func delivery(t *testing.T, j *journal, tag uint64, requestID string, attempt int, msg NotificationMessage) amqp.Delivery {
	t.Helper()
	pub, err := Envelope{MessageID: requestID, Attempt: attempt, Message: msg}.Publishing()
	if err != nil {
		t.Fatalf("Publishing: %v", err)
	}
	return amqp.Delivery{
		Acknowledger: fakeAcker{j: j},
		DeliveryTag:  tag,
		MessageId:    pub.MessageId,
		ContentType:  pub.ContentType,
		Headers:      pub.Headers,
		Body:         pub.Body,
	}
}
