package preparer

import (
	"context"
	"errors"
	"fmt"
)

var ErrEmptyMessage = errors.New("prepared raw message is empty")

// EmailPreparer turns a notification into the MIME bytes a provider sends.
type EmailPreparer interface {
	Prepare(ctx context.Context, recipient string, subject string, content string) ([]byte, error)
}

// Message carries one notification through the steps of a Chain. Raw stays
// empty until a rendering step fills it; signing steps rewrite it in place.
type Message struct {
	Recipient string
	Subject   string
	Content   string
	Raw       []byte
}

type Step interface {
	Prepare(ctx context.Context, msg *Message) error
}

// StepFunc adapts a function to a Step.
type StepFunc func(ctx context.Context, msg *Message) error

func (f StepFunc) Prepare(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Chain runs its steps in order and stops at the first failure.
type Chain []Step

// NewChain drops nil steps.
func NewChain(steps ...Step) Chain {
	c := make(Chain, 0, len(steps))
	for _, step := range steps {
		if step != nil {
			c = append(c, step)
		}
	}
	return c
}

func (c Chain) Prepare(ctx context.Context, recipient string, subject string, content string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg := Message{Recipient: recipient, Subject: subject, Content: content}
	for i, step := range c {
		if err := step.Prepare(ctx, &msg); err != nil {
			return nil, fmt.Errorf("prepare step %d (%T): %w", i, step, err)
		}
	}
	if len(msg.Raw) == 0 {
		return nil, ErrEmptyMessage
	}
	return msg.Raw, nil
}
