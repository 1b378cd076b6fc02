package drip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foxzi/drip/internal/email"
	"github.com/foxzi/drip/internal/mailer"
	"github.com/foxzi/drip/internal/metrics"
	"github.com/foxzi/drip/internal/models"
	"github.com/foxzi/drip/internal/ratelimit"
	"github.com/foxzi/drip/internal/repository"
	"github.com/foxzi/drip/internal/template"
	"github.com/foxzi/drip/internal/token"
	"github.com/google/uuid"
)

// Outcome of a delivery attempt
type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeFailed Outcome = "failed"
)

// DriverConfig holds sender identity and pacing
type DriverConfig struct {
	From      string
	FromName  string
	ReplyTo   string
	PublicURL string        // base of tracking and unsubscribe links
	SendDelay time.Duration // pause after every attempt
}

// Driver renders a step for one subscriber and hands it to the mailer
type Driver struct {
	cfg         DriverConfig
	engine      *template.Engine
	logs        *repository.DeliveryLogRepository
	mailer      mailer.Mailer
	attachments *mailer.AttachmentLoader
	tokens      *token.Signer
	limiter     *ratelimit.Limiter
	clock       Clock
	collector   *metrics.Collector
	logger      *slog.Logger
}

// DriverDeps are the collaborators of a Driver. Attachments, Limiter and
// Collector are optional.
type DriverDeps struct {
	Engine      *template.Engine
	Logs        *repository.DeliveryLogRepository
	Mailer      mailer.Mailer
	Attachments *mailer.AttachmentLoader
	Tokens      *token.Signer
	Limiter     *ratelimit.Limiter
	Clock       Clock
	Collector   *metrics.Collector
}

func NewDriver(cfg DriverConfig, deps DriverDeps, logger *slog.Logger) *Driver {
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")

	return &Driver{
		cfg:         cfg,
		engine:      deps.Engine,
		logs:        deps.Logs,
		mailer:      deps.Mailer,
		attachments: deps.Attachments,
		tokens:      deps.Tokens,
		limiter:     deps.Limiter,
		clock:       deps.Clock,
		collector:   deps.Collector,
		logger:      logger.With("component", "driver"),
	}
}

// LocalizedContent picks the subject and body for a locale. Each override
// field wins over the generic one when it is not empty.
func LocalizedContent(step *models.SequenceStep, locale string) template.Template {
	t := template.Template{Subject: step.Subject, Body: step.Body}

	var subject, body string
	switch locale {
	case "am":
		subject, body = step.SubjectAM, step.BodyAM
	case "en":
		subject, body = step.SubjectEN, step.BodyEN
	}
	if strings.TrimSpace(subject) != "" {
		t.Subject = subject
	}
	if strings.TrimSpace(body) != "" {
		t.Body = body
	}
	return t
}

// Deliver sends the step to the enrolled subscriber. A transport failure
// is an OutcomeFailed with a nil error: the log row stays in sending and
// the step counts as consumed. A non-nil error means nothing was handed
// to the transport.
func (d *Driver) Deliver(ctx context.Context, ec models.EnrollmentContext, step *models.SequenceStep) (Outcome, error) {
	if err := d.checkQuota(ctx, ec.Email); err != nil {
		return "", err
	}

	logID := uuid.New().String()
	data := template.Data{
		Email:        ec.Email,
		FirstName:    ec.FirstName,
		Locale:       ec.Locale,
		CustomFields: ec.CustomFields,
	}

	if d.cfg.PublicURL != "" {
		data.PixelURL = d.cfg.PublicURL + "/t/o/" + logID + ".gif"
		data.ClickURL = d.cfg.PublicURL + "/t/c/" + logID
		if d.tokens != nil {
			tok, err := d.tokens.Sign(token.Unsubscribe{
				SubscriberID: ec.SubscriberID,
				SequenceID:   ec.SequenceID,
				LogID:        logID,
			}, d.clock.Now())
			if err != nil {
				return "", err
			}
			data.UnsubscribeURL = d.cfg.PublicURL + "/u/" + tok
		}
	}

	content := LocalizedContent(step, ec.Locale)
	rendered, err := d.engine.Render(&content, data)
	if err != nil {
		return "", fmt.Errorf("failed to render step %d: %w", step.Position, err)
	}

	entry := &models.DeliveryLogEntry{
		ID:           logID,
		SubscriberID: ec.SubscriberID,
		SequenceID:   ec.SequenceID,
		EmailType:    models.EmailTypeSequence,
		ReferenceID:  step.ID,
		Subject:      rendered.Subject,
		CreatedAt:    d.clock.Now(),
	}
	if err := d.logs.Create(ctx, entry); err != nil {
		return "", err
	}

	logger := d.logger.With(
		"log_id", logID,
		"enrollment_id", ec.EnrollmentID,
		"sequence", ec.SequenceName,
		"position", step.Position,
	)

	defer d.pause(ctx)

	msg := &mailer.Message{
		ID:       logID,
		From:     d.cfg.From,
		FromName: d.cfg.FromName,
		ReplyTo:  d.cfg.ReplyTo,
		To:       ec.Email,
		Subject:  rendered.Subject,
		HTML:     rendered.HTML,
		Text:     rendered.Text,
		Headers:  map[string]string{},
	}
	if data.UnsubscribeURL != "" {
		msg.Headers["List-Unsubscribe"] = "<" + data.UnsubscribeURL + ">"
		msg.Headers["List-Unsubscribe-Post"] = "List-Unsubscribe=One-Click"
	}

	if len(step.Attachments) > 0 {
		if d.attachments == nil {
			return d.fail(ctx, logger, logID, fmt.Errorf("step has attachments but no attachment loader is configured"))
		}
		files, err := d.attachments.Load(ctx, step.Attachments)
		if err != nil {
			return d.fail(ctx, logger, logID, err)
		}
		msg.Attachments = files
	}

	if err := d.mailer.Send(ctx, msg); err != nil {
		return d.fail(ctx, logger, logID, err)
	}

	if err := d.logs.MarkSent(ctx, logID, d.clock.Now()); err != nil {
		logger.Error("failed to mark delivery sent", "error", err)
	}
	d.collector.TrackDelivery(string(OutcomeSent))
	logger.Info("step delivered", "to", ec.Email)
	return OutcomeSent, nil
}

func (d *Driver) fail(ctx context.Context, logger *slog.Logger, logID string, cause error) (Outcome, error) {
	if err := d.logs.MarkFailed(ctx, logID, cause.Error()); err != nil {
		logger.Error("failed to record delivery error", "error", err)
	}
	d.collector.TrackDelivery(string(OutcomeFailed))
	logger.Warn("delivery failed",
		"error", cause,
		"temporary", mailer.IsTemporaryError(cause),
	)
	return OutcomeFailed, nil
}

func (d *Driver) checkQuota(ctx context.Context, to string) error {
	if d.limiter == nil {
		return nil
	}

	res, err := d.limiter.Allow(ctx, &ratelimit.Request{RecipientDomain: email.ExtractDomain(to)})
	if err != nil {
		return fmt.Errorf("failed to check quota: %w", err)
	}
	if res.Allowed {
		return nil
	}

	d.collector.TrackQuotaDenied(string(res.DeniedBy))
	if res.DeniedBy == ratelimit.LevelRecipientDomain {
		return &domainQuotaError{domain: res.DeniedKey, retryAfter: res.RetryAfter}
	}
	return fmt.Errorf("%w: retry after %s", ErrQuotaExceeded, res.RetryAfter)
}

// pause waits the configured inter-send delay unless ctx ends first
func (d *Driver) pause(ctx context.Context) {
	if d.cfg.SendDelay <= 0 {
		return
	}
	t := time.NewTimer(d.cfg.SendDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
