package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type SESConfig struct {
	From string
	// ConfigurationSet, when set, routes sending events to the named SES
	// configuration set.
	ConfigurationSet string
}

type SESProvider struct {
	client sesAPI
	cfg    SESConfig
}

func NewSESProvider(awsCfg aws.Config, cfg SESConfig) *SESProvider {
	return &SESProvider{client: sesv2.NewFromConfig(awsCfg), cfg: cfg}
}

// SendRaw hands the prepared MIME message to SES v2. Rejections that no
// retry can fix come back as *RejectedError; throttling and outages do not.
func (p *SESProvider) SendRaw(ctx context.Context, recipient string, raw []byte) error {
	if recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	if len(raw) == 0 {
		return fmt.Errorf("raw content is required")
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(p.cfg.From),
		Destination:      &types.Destination{ToAddresses: []string{recipient}},
		Content:          &types.EmailContent{Raw: &types.RawMessage{Data: raw}},
	}
	if p.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(p.cfg.ConfigurationSet)
	}

	if _, err := p.client.SendEmail(ctx, input); err != nil {
		err = fmt.Errorf("ses send raw email: %w", err)
		if sesRejected(err) {
			return &RejectedError{Transport: "ses", Err: err}
		}
		return err
	}
	return nil
}

func sesRejected(err error) bool {
	var (
		rejected   *types.MessageRejected
		unverified *types.MailFromDomainNotVerifiedException
		badRequest *types.BadRequestException
	)
	return errors.As(err, &rejected) || errors.As(err, &unverified) || errors.As(err, &badRequest)
}
