package provider

import (
	"context"

	"github.com/sirupsen/logrus"
)

// NoopProvider accepts every message without sending it. Used for local
// runs where no relay is reachable.
type NoopProvider struct {
	log logrus.FieldLogger
}

func NewNoopProvider(logger logrus.FieldLogger) *NoopProvider {
	return &NoopProvider{log: logger}
}

func (p *NoopProvider) SendRaw(ctx context.Context, recipient string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{
		"recipient": recipient,
		"bytes":     len(raw),
	}).Info("noop provider dropped email")
	return nil
}
