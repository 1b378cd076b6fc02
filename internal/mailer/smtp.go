package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// TLS modes for the relay connection
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// SMTPConfig describes the relay used by SMTPTransport
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      string
	Helo     string
	Timeout  time.Duration

	// InsecureSkipVerify is only meant for tests against local servers
	InsecureSkipVerify bool
}

// SMTPTransport relays messages through one submission server
type SMTPTransport struct {
	cfg    SMTPConfig
	signer Signer
	logger *slog.Logger
	now    func() time.Time
}

// NewSMTPTransport creates a new relay transport. signer may be nil.
func NewSMTPTransport(cfg SMTPConfig, signer Signer, logger *slog.Logger) *SMTPTransport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Helo == "" {
		cfg.Helo = "localhost"
	}
	return &SMTPTransport{
		cfg:    cfg,
		signer: signer,
		logger: logger.With("component", "mailer.smtp"),
		now:    time.Now,
	}
}

// Send composes, signs and relays the message
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	raw, err := Compose(msg, t.now())
	if err != nil {
		return err
	}
	raw = sign(t.signer, msg.From, raw, t.logger)

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	dialer := &net.Dialer{Timeout: t.cfg.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(t.cfg.Timeout))
	}

	tlsConfig := &tls.Config{
		ServerName:         t.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.cfg.InsecureSkipVerify,
	}

	var client *smtp.Client
	switch t.cfg.TLS {
	case TLSImplicit:
		client = smtp.NewClient(tls.Client(conn, tlsConfig))
	case TLSStartTLS:
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return categorizeError(err, "STARTTLS")
		}
	default:
		client = smtp.NewClient(conn)
	}
	defer client.Close()

	if err := client.Hello(t.cfg.Helo); err != nil {
		return categorizeError(err, "HELO")
	}

	if t.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	if err := client.SendMail(msg.From, []string{msg.To}, bytes.NewReader(raw)); err != nil {
		return categorizeError(err, "SEND")
	}

	client.Quit()

	t.logger.Debug("message relayed",
		"relay", addr,
		"message_id", msg.ID,
		"to", msg.To,
	)

	return nil
}

// categorizeError maps SMTP reply codes: 5xx is permanent, everything else
// is treated as temporary
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &DeliveryError{
			Temporary: smtpErr.Code < 500,
			Message:   msg,
		}
	}

	return &DeliveryError{
		Temporary: true,
		Message:   msg,
	}
}
