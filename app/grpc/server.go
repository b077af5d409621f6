package grpc

import (
	"context"
	"errors"

	"github.com/vibast-solutions/ms-go-account-notifications/app/dto"
	"github.com/vibast-solutions/ms-go-account-notifications/app/queue"
	"github.com/vibast-solutions/ms-go-account-notifications/app/scheduler"
	"github.com/vibast-solutions/ms-go-account-notifications/app/service"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type Submitter interface {
	Submit(ctx context.Context, requestID string, msg queue.NotificationMessage) (scheduler.JobHandle, error)
}

type Server struct {
	submitter Submitter
}

// NewServer constructs a gRPC server handler.
func NewServer(submitter Submitter) *Server {
	return &Server{submitter: submitter}
}

// SubmitNotification validates the request and schedules the notification.
func (s *Server) SubmitNotification(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msg := dto.FromStruct(req)
	if err := msg.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return s.submit(ctx, msg.RequestID, queue.NewNotificationMessage(msg.Recipient, msg.Subject, msg.Content))
}

// SubmitAccountOpened schedules the account-opening notification.
func (s *Server) SubmitAccountOpened(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msg := dto.AccountOpenedFromStruct(req)
	if err := msg.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return s.submit(ctx, msg.RequestID, service.AccountOpenedMessage(msg.FirstName, msg.Email, msg.CurrencyCode))
}

func (s *Server) submit(ctx context.Context, requestID string, msg queue.NotificationMessage) (*structpb.Struct, error) {
	handle, err := s.submitter.Submit(ctx, requestID, msg)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDuplicateRequestID):
			return nil, status.Error(codes.AlreadyExists, "duplicate request_id")
		case errors.Is(err, service.ErrMissingRequestID), errors.Is(err, service.ErrMissingRecipient):
			return nil, status.Error(codes.InvalidArgument, err.Error())
		default:
			return nil, status.Error(codes.Internal, "failed to schedule notification")
		}
	}

	return structpb.NewStruct(map[string]interface{}{
		"success": true,
		"job_id":  handle.ID,
	})
}
