package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/foxzi/drip/internal/sendry"
)

// sendryAPI is the part of the Sendry client the transport needs
type sendryAPI interface {
	Send(ctx context.Context, req *sendry.SendRequest) (*sendry.SendResponse, error)
}

// SendryTransport hands messages to a Sendry server over its HTTP API.
// Sendry signs and queues on its side, so no local DKIM is applied.
type SendryTransport struct {
	client sendryAPI
	logger *slog.Logger
}

// NewSendryTransport creates a new Sendry transport
func NewSendryTransport(client sendryAPI, logger *slog.Logger) *SendryTransport {
	return &SendryTransport{
		client: client,
		logger: logger.With("component", "mailer.sendry"),
	}
}

// Send submits the message
func (t *SendryTransport) Send(ctx context.Context, msg *Message) error {
	if len(msg.Attachments) > 0 {
		return &DeliveryError{Message: "sendry transport does not support attachments"}
	}
	if msg.To == "" || msg.From == "" {
		return &DeliveryError{Message: "sender and recipient are required"}
	}

	headers := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if msg.ID != "" {
		headers["Message-ID"] = msg.MessageID()
	}
	if msg.ReplyTo != "" {
		headers["Reply-To"] = msg.ReplyTo
	}

	from := msg.From
	if msg.FromName != "" {
		from = fmt.Sprintf("%q <%s>", msg.FromName, msg.From)
	}

	resp, err := t.client.Send(ctx, &sendry.SendRequest{
		From:    from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Body:    msg.Text,
		HTML:    msg.HTML,
		Headers: headers,
	})
	if err != nil {
		return categorizeAPIError(err)
	}

	t.logger.Debug("message queued on sendry", "id", msg.ID, "sendry_id", resp.ID, "status", resp.Status)
	return nil
}

// categorizeAPIError treats client errors as permanent except throttling
func categorizeAPIError(err error) *DeliveryError {
	var apiErr *sendry.APIError
	if errors.As(err, &apiErr) {
		temporary := apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
		return &DeliveryError{Temporary: temporary, Message: "sendry: " + apiErr.Error()}
	}
	return &DeliveryError{Temporary: true, Message: "sendry: " + err.Error()}
}
