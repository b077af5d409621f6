package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-sql-driver/mysql"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/vibast-solutions/ms-go-account-notifications/app/entity"
	"github.com/vibast-solutions/ms-go-account-notifications/app/queue"
	"github.com/vibast-solutions/ms-go-account-notifications/app/scheduler"
)

type scheduledCall struct {
	jobType string
	payload interface{}
	delay   time.Duration
}

type fakeScheduler struct {
	calls []scheduledCall
	err   error
}

func (s *fakeScheduler) Schedule(_ context.Context, jobType string, payload interface{}, delay time.Duration) (scheduler.JobHandle, error) {
	s.calls = append(s.calls, scheduledCall{jobType: jobType, payload: payload, delay: delay})
	if s.err != nil {
		return scheduler.JobHandle{}, s.err
	}
	return scheduler.JobHandle{ID: "job-1", RunAt: time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)}, nil
}

type fakePublisher struct {
	envelopes []queue.Envelope
	err       error
}

func (p *fakePublisher) PublishEnvelope(_ context.Context, env queue.Envelope) error {
	if p.err != nil {
		return p.err
	}
	p.envelopes = append(p.envelopes, env)
	return nil
}

func jobFor(t *testing.T, payload interface{}) scheduler.Job {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return scheduler.Job{ID: "job-1", Type: PublishJobType, Payload: body}
}

func TestNotificationServiceSubmit(t *testing.T) {
	t.Parallel()

	repo, mock, cleanup := newRepo(t)
	defer cleanup()

	sched := &fakeScheduler{}
	emails := NewEmailService(fakePreparer{}, &fakeProvider{}, repo, &fakeLocker{}, testLogger())
	svc := NewNotificationService(emails, sched, &fakePublisher{}, 5*time.Second, testLogger())

	mock.ExpectExec("INSERT INTO notification_history").
		WithArgs("req-1", "a@b.com", "Hi", "Hello", entity.NotificationStatusNew).
		WillReturnResult(sqlmock.NewResult(1, 1))

	msg := queue.NewNotificationMessage("a@b.com", "Hi", "Hello")
	handle, err := svc.Submit(context.Background(), "req-1", msg)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if handle.ID != "job-1" {
		t.Fatalf("unexpected handle %+v", handle)
	}

	if len(sched.calls) != 1 {
		t.Fatalf("expected one scheduled job, got %d", len(sched.calls))
	}
	call := sched.calls[0]
	if call.jobType != PublishJobType || call.delay != 5*time.Second {
		t.Fatalf("unexpected schedule call %+v", call)
	}
	payload, ok := call.payload.(publishPayload)
	if !ok || payload.RequestID != "req-1" || payload.Message != msg {
		t.Fatalf("unexpected payload %+v", call.payload)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNotificationServiceSubmitDuplicate(t *testing.T) {
	t.Parallel()

	repo, mock, cleanup := newRepo(t)
	defer cleanup()

	sched := &fakeScheduler{}
	emails := NewEmailService(fakePreparer{}, &fakeProvider{}, repo, &fakeLocker{}, testLogger())
	svc := NewNotificationService(emails, sched, &fakePublisher{}, time.Second, testLogger())

	mock.ExpectExec("INSERT INTO notification_history").
		WillReturnError(&mysql.MySQLError{Number: 1062})

	if _, err := svc.Submit(context.Background(), "req-1", queue.NewNotificationMessage("a@b.com", "", "")); !errors.Is(err, ErrDuplicateRequestID) {
		t.Fatalf("expected ErrDuplicateRequestID, got %v", err)
	}
	if len(sched.calls) != 0 {
		t.Fatalf("duplicate must not be scheduled")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNotificationServiceSubmitScheduleFailureRemovesHistory(t *testing.T) {
	t.Parallel()

	repo, mock, cleanup := newRepo(t)
	defer cleanup()

	schedErr := errors.New("redis: connection refused")
	emails := NewEmailService(fakePreparer{}, &fakeProvider{}, repo, &fakeLocker{}, testLogger())
	svc := NewNotificationService(emails, &fakeScheduler{err: schedErr}, &fakePublisher{}, time.Second, testLogger())

	mock.ExpectExec("INSERT INTO notification_history").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM notification_history").
		WithArgs("req-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if _, err := svc.Submit(context.Background(), "req-1", queue.NewNotificationMessage("a@b.com", "Hi", "Hello")); !errors.Is(err, schedErr) {
		t.Fatalf("expected schedule error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNotificationServiceSubmitValidation(t *testing.T) {
	t.Parallel()

	repo, mock, cleanup := newRepo(t)
	defer cleanup()

	emails := NewEmailService(fakePreparer{}, &fakeProvider{}, repo, &fakeLocker{}, testLogger())
	svc := NewNotificationService(emails, &fakeScheduler{}, &fakePublisher{}, time.Second, testLogger())

	if _, err := svc.Submit(context.Background(), "", queue.NewNotificationMessage("a@b.com", "", "")); !errors.Is(err, ErrMissingRequestID) {
		t.Fatalf("expected ErrMissingRequestID, got %v", err)
	}
	if _, err := svc.Submit(context.Background(), "req-1", queue.NewNotificationMessage("", "", "")); !errors.Is(err, ErrMissingRecipient) {
		t.Fatalf("expected ErrMissingRecipient, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNotificationServiceHandlePublishJob(t *testing.T) {
	t.Parallel()

	repo, mock, cleanup := newRepo(t)
	defer cleanup()

	pub := &fakePublisher{}
	emails := NewEmailService(fakePreparer{}, &fakeProvider{}, repo, &fakeLocker{}, testLogger())
	svc := NewNotificationService(emails, &fakeScheduler{}, pub, time.Second, testLogger())

	mock.ExpectExec("UPDATE notification_history").
		WithArgs(entity.NotificationStatusQueued, "req-1", entity.NotificationStatusNew).
		WillReturnResult(sqlmock.NewResult(0, 1))

	msg := queue.NewNotificationMessage("a@b.com", "Hi", "Hello")
	if err := svc.HandlePublishJob(context.Background(), jobFor(t, publishPayload{RequestID: "req-1", Message: msg})); err != nil {
		t.Fatalf("HandlePublishJob: %v", err)
	}

	if len(pub.envelopes) != 1 {
		t.Fatalf("expected one publish, got %d", len(pub.envelopes))
	}
	env := pub.envelopes[0]
	if env.MessageID != "req-1" || env.Attempt != 1 || env.Message != msg {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNotificationServicePublishAfterFastDelivery(t *testing.T) {
	t.Parallel()

	repo, mock, cleanup := newRepo(t)
	defer cleanup()

	pub := &fakePublisher{}
	emails := NewEmailService(fakePreparer{raw: []byte("raw")}, &fakeProvider{}, repo, &fakeLocker{}, testLogger())
	svc := NewNotificationService(emails, &fakeScheduler{}, pub, time.Second, testLogger())

	// The consumer finishes the delivery before the publish job records
	// Queued; the guarded update must leave Success in place.
	expectStartAttempt(mock, "req-1")
	mock.ExpectExec("UPDATE notification_history").
		WithArgs("raw", "req-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE notification_history").
		WithArgs(entity.NotificationStatusSuccess, "req-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("AND status = \\?").
		WithArgs(entity.NotificationStatusQueued, "req-1", entity.NotificationStatusNew).
		WillReturnResult(sqlmock.NewResult(0, 0))

	msg := queue.NewNotificationMessage("a@b.com", "Hi", "Hello")
	if err := svc.Deliver(context.Background(), queue.Envelope{MessageID: "req-1", Attempt: 1, Message: msg}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := svc.HandlePublishJob(context.Background(), jobFor(t, publishPayload{RequestID: "req-1", Message: msg})); err != nil {
		t.Fatalf("HandlePublishJob: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNotificationServiceHandlePublishJobErrors(t *testing.T) {
	t.Parallel()

	repo, _, cleanup := newRepo(t)
	defer cleanup()
	emails := NewEmailService(fakePreparer{}, &fakeProvider{}, repo, &fakeLocker{}, testLogger())
	payload := publishPayload{RequestID: "req-1", Message: queue.NewNotificationMessage("a@b.com", "Hi", "Hello")}

	transient := &queue.PublishError{Op: "dial", Err: errors.New("connection refused")}
	svc := NewNotificationService(emails, &fakeScheduler{}, &fakePublisher{err: transient}, time.Second, testLogger())
	err := svc.HandlePublishJob(context.Background(), jobFor(t, payload))
	if err == nil || scheduler.IsPermanent(err) {
		t.Fatalf("dial failure must be retried, got %v", err)
	}

	fatal := &queue.PublishError{Op: "declare queue mail", Err: &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED"}}
	svc = NewNotificationService(emails, &fakeScheduler{}, &fakePublisher{err: fatal}, time.Second, testLogger())
	if err := svc.HandlePublishJob(context.Background(), jobFor(t, payload)); !scheduler.IsPermanent(err) {
		t.Fatalf("declaration mismatch must be permanent, got %v", err)
	}

	bad := scheduler.Job{ID: "job-2", Type: PublishJobType, Payload: json.RawMessage(`"not an object"`)}
	if err := svc.HandlePublishJob(context.Background(), bad); !scheduler.IsPermanent(err) {
		t.Fatalf("undecodable payload must be permanent, got %v", err)
	}
}

func TestNotificationServiceDeliverAndDeadLettered(t *testing.T) {
	t.Parallel()

	repo, mock, cleanup := newRepo(t)
	defer cleanup()

	prov := &fakeProvider{}
	locker := &fakeLocker{}
	emails := NewEmailService(fakePreparer{raw: []byte("raw")}, prov, repo, locker, testLogger())
	svc := NewNotificationService(emails, &fakeScheduler{}, &fakePublisher{}, time.Second, testLogger())

	expectStartAttempt(mock, "req-1")
	mock.ExpectExec("UPDATE notification_history").WithArgs("raw", "req-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE notification_history").WithArgs(entity.NotificationStatusSuccess, "req-1").WillReturnResult(sqlmock.NewResult(0, 1))

	env := queue.Envelope{MessageID: "req-1", Attempt: 2, Message: queue.NewNotificationMessage("a@b.com", "Hi", "Hello")}
	if err := svc.Deliver(context.Background(), env); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(locker.acquired) != 1 || locker.acquired[0] != "delivery:req-1" {
		t.Fatalf("expected per-notification lock, got %v", locker.acquired)
	}

	mock.ExpectExec("UPDATE notification_history").
		WithArgs(entity.NotificationStatusPermanentFailure, queue.DeadReasonExhausted, "req-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	svc.DeadLettered(context.Background(), env, queue.DeadReasonExhausted)

	// Messages without a request id are not tracked.
	svc.DeadLettered(context.Background(), queue.Envelope{Message: env.Message}, queue.DeadReasonPoison)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNotificationServiceThroughScheduler(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	repo, mock, cleanup := newRepo(t)
	defer cleanup()

	sched := scheduler.New(scheduler.NewRedisStore(client, "test"), scheduler.Config{}, testLogger())
	pub := &fakePublisher{}
	emails := NewEmailService(fakePreparer{}, &fakeProvider{}, repo, &fakeLocker{}, testLogger())
	svc := NewNotificationService(emails, sched, pub, 0, testLogger())
	sched.Register(PublishJobType, scheduler.HandlerFunc(svc.HandlePublishJob))

	mock.ExpectExec("INSERT INTO notification_history").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE notification_history").
		WithArgs(entity.NotificationStatusQueued, "req-1", entity.NotificationStatusNew).
		WillReturnResult(sqlmock.NewResult(0, 1))

	msg := AccountOpenedMessage("Ada", "ada@b.com", "EUR")
	if _, err := svc.Submit(context.Background(), "req-1", msg); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(pub.envelopes) != 0 {
		t.Fatalf("Submit must not publish synchronously")
	}

	// run_at is stored with millisecond precision, rounded up.
	time.Sleep(2 * time.Millisecond)
	if n, err := sched.Poll(context.Background()); err != nil || n != 1 {
		t.Fatalf("Poll: n=%d err=%v", n, err)
	}
	if len(pub.envelopes) != 1 || pub.envelopes[0].Message != msg || pub.envelopes[0].MessageID != "req-1" {
		t.Fatalf("unexpected publishes %+v", pub.envelopes)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAccountOpenedMessage(t *testing.T) {
	t.Parallel()

	msg := AccountOpenedMessage("Ayse", "ayse@b.com", "TRY")
	if msg.Recipient != "ayse@b.com" || msg.Subject != "Yeni hesap acilisi" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Content != "Merhaba, Ayse, Adiniza TRY doviz cinsi hesabiniz acilmistir." {
		t.Fatalf("unexpected content %q", msg.Content)
	}
}
