package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
)

// sesAPI is the part of the SES v2 client the transport needs
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// permanentSESErrors are rejections a retry would not fix
var permanentSESErrors = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"AccountSuspendedException":          true,
	"SendingPausedException":             true,
	"BadRequestException":                true,
	"NotFoundException":                  true,
}

// SESTransport sends raw messages through Amazon SES v2
type SESTransport struct {
	client sesAPI
	signer Signer
	logger *slog.Logger
	now    func() time.Time
}

// LoadAWSConfig builds an AWS config. Empty keys fall back to the default
// credential chain.
func LoadAWSConfig(ctx context.Context, region, accessKey, secretKey string) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return cfg, nil
}

// NewSESTransport creates a new SES transport. signer may be nil.
func NewSESTransport(client sesAPI, signer Signer, logger *slog.Logger) *SESTransport {
	return &SESTransport{
		client: client,
		signer: signer,
		logger: logger.With("component", "mailer.ses"),
		now:    time.Now,
	}
}

// Send composes the message and submits it as raw content
func (t *SESTransport) Send(ctx context.Context, msg *Message) error {
	raw, err := Compose(msg, t.now())
	if err != nil {
		return err
	}
	raw = sign(t.signer, msg.From, raw, t.logger)

	out, err := t.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	})
	if err != nil {
		return categorizeSESError(err)
	}

	t.logger.Debug("message sent via SES", "id", msg.ID, "ses_message_id", aws.ToString(out.MessageId))
	return nil
}

func categorizeSESError(err error) *DeliveryError {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &DeliveryError{
			Temporary: !permanentSESErrors[apiErr.ErrorCode()],
			Message:   fmt.Sprintf("ses: %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage()),
		}
	}
	return &DeliveryError{Temporary: true, Message: "ses: " + err.Error()}
}
