package mailer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/foxzi/drip/internal/config"
	"github.com/foxzi/drip/internal/dkim"
	"github.com/foxzi/drip/internal/sandbox"
	"github.com/foxzi/drip/internal/sendry"
)

// New builds the configured transport wrapped with the send timeout.
// sandboxStorage is only used by the sandbox transport.
func New(ctx context.Context, cfg config.MailerConfig, sandboxStorage *sandbox.Storage, logger *slog.Logger) (Mailer, error) {
	var signer Signer
	if cfg.DKIM.Enabled {
		s, err := dkim.NewSignerFromFile(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		signer = s
		logger.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
	}

	var transport Mailer
	switch cfg.Transport {
	case "smtp":
		transport = NewSMTPTransport(SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			TLS:      cfg.SMTP.TLS,
			Helo:     cfg.SMTP.Helo,
			Timeout:  cfg.Timeout,
		}, signer, logger)
	case "ses":
		awsCfg, err := LoadAWSConfig(ctx, cfg.SES.Region, cfg.SES.AccessKey, cfg.SES.SecretKey)
		if err != nil {
			return nil, err
		}
		transport = NewSESTransport(sesv2.NewFromConfig(awsCfg), signer, logger)
	case "sendry":
		transport = NewSendryTransport(sendry.NewClient(cfg.Sendry.BaseURL, cfg.Sendry.APIKey, cfg.Timeout), logger)
	case "sandbox":
		if sandboxStorage == nil {
			return nil, fmt.Errorf("sandbox transport requires sandbox storage")
		}
		transport = NewSandboxTransport(sandboxStorage, signer, logger)
	default:
		return nil, fmt.Errorf("unknown mailer transport: %s", cfg.Transport)
	}

	logger.Info("mailer configured", "transport", cfg.Transport, "timeout", cfg.Timeout)
	return WithTimeout(transport, cfg.Timeout), nil
}

// NewAttachmentLoaderFromConfig creates a loader with an S3 client for s3:// paths
func NewAttachmentLoaderFromConfig(ctx context.Context, cfg config.MailerConfig) (*AttachmentLoader, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg.Attachments.S3Region, cfg.SES.AccessKey, cfg.SES.SecretKey)
	if err != nil {
		return nil, err
	}
	return NewAttachmentLoader(cfg.Attachments.BaseDir, s3.NewFromConfig(awsCfg)), nil
}
