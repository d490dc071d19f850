package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/notifyhub/reminder-engine/internal/domain"
)

// SESClient is the subset of the SES API the email sink needs.
type SESClient interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESEmail delivers email through AWS SES.
type SESEmail struct {
	client           SESClient
	from             string
	configurationSet string
}

// NewSESEmail loads the default AWS credential chain for region.
func NewSESEmail(ctx context.Context, region, from, configurationSet string) (*SESEmail, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := ses.NewFromConfig(cfg, func(o *ses.Options) {
		// The job queue owns retries.
		o.RetryMaxAttempts = 1
	})
	return NewSESEmailWithClient(client, from, configurationSet), nil
}

func NewSESEmailWithClient(client SESClient, from, configurationSet string) *SESEmail {
	return &SESEmail{client: client, from: from, configurationSet: configurationSet}
}

func (s *SESEmail) Send(ctx context.Context, address, subject, body string) error {
	const op = "ses send"
	to := strings.TrimSpace(address)
	if to == "" {
		return domain.Invalid(op, errors.New("destination required"))
	}

	input := &ses.SendEmailInput{
		Destination: &types.Destination{ToAddresses: []string{to}},
		Source:      aws.String(s.from),
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body:    &types.Body{Text: &types.Content{Data: aws.String(body)}},
		},
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return classifySESError(op, err)
	}
	return nil
}

func classifySESError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return domain.Permanent(op, err)
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == 429 || code >= 500 {
			return domain.Transient(op, err)
		}
		if code >= 400 {
			return domain.Permanent(op, err)
		}
	}
	return domain.Transient(op, err)
}

var _ EmailSink = (*SESEmail)(nil)
