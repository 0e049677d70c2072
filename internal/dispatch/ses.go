package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"

	"github.com/amishk599/gigradar/internal/model"
	"github.com/amishk599/gigradar/internal/render"
)

// Ensure SESDispatcher implements model.Dispatcher.
var _ model.Dispatcher = (*SESDispatcher)(nil)

// SESAPI is the subset of the SES client the dispatcher calls.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESDispatcher sends email through Amazon SES.
type SESDispatcher struct {
	client        SESAPI
	source        string
	publicBaseURL string
	logger        *slog.Logger
}

// NewSESDispatcher loads the default AWS credential chain for region.
func NewSESDispatcher(ctx context.Context, region, from, fromName, publicBaseURL string, logger *slog.Logger) (*SESDispatcher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return NewSESDispatcherWithClient(ses.NewFromConfig(cfg), from, fromName, publicBaseURL, logger), nil
}

// NewSESDispatcherWithClient wires an existing client.
func NewSESDispatcherWithClient(client SESAPI, from, fromName, publicBaseURL string, logger *slog.Logger) *SESDispatcher {
	source := from
	if fromName != "" {
		source = fmt.Sprintf("%s <%s>", fromName, from)
	}
	return &SESDispatcher{client: client, source: source, publicBaseURL: publicBaseURL, logger: logger}
}

// Deliver implements model.Dispatcher.
func (d *SESDispatcher) Deliver(ctx context.Context, to model.Recipient, msg model.Message) error {
	msg = render.WithUnsubscribe(msg, render.UnsubscribeURL(d.publicBaseURL, to.UnsubscribeToken))

	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	out, err := d.client.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{ToAddresses: []string{to.Address}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
		Source: aws.String(d.source),
	})
	if err != nil {
		return classifySES(err)
	}
	d.logger.Debug("email sent via ses", "subscriber_id", to.SubscriberID, "message_id", aws.ToString(out.MessageId))
	return nil
}

// classifySES maps SES API error codes onto delivery outcomes. Unknown
// codes and transport errors are retryable.
func classifySES(err error) error {
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return fmt.Errorf("ses: %s: %w", rejected.ErrorMessage(), model.ErrPermanent)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "MailFromDomainNotVerifiedException", "ConfigurationSetDoesNotExist", "InvalidParameterValue":
			return fmt.Errorf("ses %s: %s: %w", apiErr.ErrorCode(), apiErr.ErrorMessage(), model.ErrPermanent)
		}
	}
	return fmt.Errorf("ses: %w", err)
}
