package preparer

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestChain(t *testing.T) {
	t.Parallel()

	var order []string
	render := StepFunc(func(_ context.Context, msg *Message) error {
		order = append(order, "render")
		msg.Raw = []byte("raw:" + msg.Recipient)
		return nil
	})
	sign := StepFunc(func(_ context.Context, msg *Message) error {
		order = append(order, "sign")
		msg.Raw = append([]byte("signed|"), msg.Raw...)
		return nil
	})

	raw, err := NewChain(render, nil, sign).Prepare(context.Background(), "a@b.com", "", "")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if string(raw) != "signed|raw:a@b.com" {
		t.Fatalf("unexpected raw %q", raw)
	}
	if len(order) != 2 || order[0] != "render" || order[1] != "sign" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestChainEmptyResult(t *testing.T) {
	t.Parallel()

	if _, err := NewChain().Prepare(context.Background(), "a@b.com", "", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestChainStopsAtFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	reached := false
	failing := StepFunc(func(context.Context, *Message) error { return boom })
	after := StepFunc(func(context.Context, *Message) error { reached = true; return nil })

	_, err := NewChain(failing, after).Prepare(context.Background(), "a@b.com", "", "")
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "step 0") {
		t.Fatalf("expected wrapped step error, got %v", err)
	}
	if reached {
		t.Fatalf("steps after a failure must not run")
	}
}

func TestChainCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewChain(NewRawPreparer("noreply@bank.example", "")).Prepare(ctx, "a@b.com", "s", "c"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
