package dto

import (
	"errors"
	"net/mail"
	"strings"

	"github.com/labstack/echo/v4"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	ErrMissingFields       = errors.New("request_id and recipient are required")
	ErrMissingAccountField = errors.New("request_id, email, first_name, and currency_code are required")
	ErrInvalidRecipient    = errors.New("recipient must be a valid email address")
	ErrInvalidSubject      = errors.New("subject must not contain line breaks")
)

type SubmitNotificationRequest struct {
	RequestID string `json:"request_id"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Content   string `json:"content"`
}

// FromEchoContext binds and normalizes a request from Echo.
func FromEchoContext(ctx echo.Context) (SubmitNotificationRequest, error) {
	var req SubmitNotificationRequest
	if err := ctx.Bind(&req); err != nil {
		return SubmitNotificationRequest{}, err
	}
	req.normalize()
	return req, nil
}

// FromStruct converts and normalizes a gRPC request message.
func FromStruct(msg *structpb.Struct) SubmitNotificationRequest {
	req := SubmitNotificationRequest{
		RequestID: stringField(msg, "request_id"),
		Recipient: stringField(msg, "recipient"),
		Subject:   stringField(msg, "subject"),
		Content:   stringField(msg, "content"),
	}
	req.normalize()
	return req
}

// Validate checks required fields and format constraints. Subject and
// content may be empty.
func (r *SubmitNotificationRequest) Validate() error {
	if r.RequestID == "" || r.Recipient == "" {
		return ErrMissingFields
	}
	if !validAddress(r.Recipient) {
		return ErrInvalidRecipient
	}
	if strings.ContainsAny(r.Subject, "\r\n") {
		return ErrInvalidSubject
	}
	return nil
}

func (r *SubmitNotificationRequest) normalize() {
	r.RequestID = strings.TrimSpace(r.RequestID)
	r.Recipient = strings.TrimSpace(r.Recipient)
	r.Subject = strings.TrimSpace(r.Subject)
	r.Content = strings.TrimSpace(r.Content)
}

// AccountOpenedRequest carries the data of a freshly opened account.
type AccountOpenedRequest struct {
	RequestID    string `json:"request_id"`
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	CurrencyCode string `json:"currency_code"`
}

func AccountOpenedFromEchoContext(ctx echo.Context) (AccountOpenedRequest, error) {
	var req AccountOpenedRequest
	if err := ctx.Bind(&req); err != nil {
		return AccountOpenedRequest{}, err
	}
	req.normalize()
	return req, nil
}

func AccountOpenedFromStruct(msg *structpb.Struct) AccountOpenedRequest {
	req := AccountOpenedRequest{
		RequestID:    stringField(msg, "request_id"),
		Email:        stringField(msg, "email"),
		FirstName:    stringField(msg, "first_name"),
		CurrencyCode: stringField(msg, "currency_code"),
	}
	req.normalize()
	return req
}

func (r *AccountOpenedRequest) Validate() error {
	if r.RequestID == "" || r.Email == "" || r.FirstName == "" || r.CurrencyCode == "" {
		return ErrMissingAccountField
	}
	if !validAddress(r.Email) {
		return ErrInvalidRecipient
	}
	return nil
}

func (r *AccountOpenedRequest) normalize() {
	r.RequestID = strings.TrimSpace(r.RequestID)
	r.Email = strings.TrimSpace(r.Email)
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.CurrencyCode = strings.ToUpper(strings.TrimSpace(r.CurrencyCode))
}

// validAddress accepts a bare address only, not "Name <addr>".
func validAddress(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

func stringField(msg *structpb.Struct, key string) string {
	if msg == nil {
		return ""
	}
	v, ok := msg.GetFields()[key]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}
