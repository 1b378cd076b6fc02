package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/foxzi/drip/internal/sandbox"
)

var simulatedErrors = []string{
	"550 User not found",
	"451 Temporary failure",
	"452 Insufficient storage",
	"421 Service not available",
}

// SandboxTransport captures messages in sandbox storage instead of sending them
type SandboxTransport struct {
	storage     *sandbox.Storage
	signer      Signer
	logger      *slog.Logger
	failureRate float64
	rand        *rand.Rand
	now         func() time.Time
}

// NewSandboxTransport creates a capturing transport. signer may be nil.
func NewSandboxTransport(storage *sandbox.Storage, signer Signer, logger *slog.Logger) *SandboxTransport {
	return &SandboxTransport{
		storage: storage,
		signer:  signer,
		logger:  logger.With("component", "mailer.sandbox"),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// SetErrorSimulation makes a share of sends fail with a canned SMTP reply.
// Rates outside (0, 1] disable simulation.
func (t *SandboxTransport) SetErrorSimulation(rate float64) {
	if rate <= 0 || rate > 1 {
		rate = 0
	}
	t.failureRate = rate
}

// Send stores the composed message
func (t *SandboxTransport) Send(ctx context.Context, msg *Message) error {
	now := t.now()
	raw, err := Compose(msg, now)
	if err != nil {
		return err
	}
	raw = sign(t.signer, msg.From, raw, t.logger)

	captured := &sandbox.Message{
		ID:         msg.ID,
		From:       msg.From,
		To:         msg.To,
		Subject:    msg.Subject,
		Data:       raw,
		CapturedAt: now,
	}

	var simulated *DeliveryError
	if t.failureRate > 0 && t.rand.Float64() < t.failureRate {
		reply := simulatedErrors[t.rand.Intn(len(simulatedErrors))]
		captured.SimulatedErr = reply
		simulated = &DeliveryError{
			Temporary: strings.HasPrefix(reply, "4"),
			Message:   "simulated: " + reply,
		}
	}

	if err := t.storage.Save(ctx, captured); err != nil {
		return fmt.Errorf("sandbox: failed to save message: %w", err)
	}

	if simulated != nil {
		t.logger.Info("sandbox: simulated failure", "id", msg.ID, "to", msg.To, "error", simulated.Message)
		return simulated
	}

	t.logger.Info("sandbox: message captured", "id", msg.ID, "to", msg.To, "subject", msg.Subject)
	return nil
}
