package drip

import (
	"context"
	"fmt"

	"github.com/foxzi/drip/internal/models"
	"github.com/foxzi/drip/internal/repository"
)

// Evaluator decides whether a step is sent or consumed silently
type Evaluator struct {
	sequences   *repository.SequenceRepository
	subscribers *repository.SubscriberRepository
	logs        *repository.DeliveryLogRepository
}

func NewEvaluator(sequences *repository.SequenceRepository, subscribers *repository.SubscriberRepository, logs *repository.DeliveryLogRepository) *Evaluator {
	return &Evaluator{sequences: sequences, subscribers: subscribers, logs: logs}
}

// ShouldSend reports whether every declared predicate of the step at
// position holds for the subscriber. Absent conditions pass.
func (e *Evaluator) ShouldSend(ctx context.Context, subscriberID, sequenceID string, position int, cond *models.Conditions) (bool, error) {
	if cond.IsEmpty() {
		return true, nil
	}

	if cond.PreviousEmailOpened && position > 1 {
		ok, err := e.previousOpened(ctx, subscriberID, sequenceID, position-1)
		if err != nil || !ok {
			return false, err
		}
	}

	if len(cond.HasTags) > 0 {
		held, want, err := e.subscribers.CountTags(ctx, subscriberID, cond.HasTags)
		if err != nil {
			return false, err
		}
		if held != want {
			return false, nil
		}
	}

	if len(cond.NotHasTags) > 0 {
		held, _, err := e.subscribers.CountTags(ctx, subscriberID, cond.NotHasTags)
		if err != nil {
			return false, err
		}
		if held > 0 {
			return false, nil
		}
	}

	return true, nil
}

// previousOpened fails open when the previous step no longer exists
func (e *Evaluator) previousOpened(ctx context.Context, subscriberID, sequenceID string, position int) (bool, error) {
	prev, err := e.sequences.GetStep(ctx, sequenceID, position)
	if err != nil {
		return false, fmt.Errorf("failed to load step %d: %w", position, err)
	}
	if prev == nil {
		return true, nil
	}
	return e.logs.HasEngagement(ctx, subscriberID, prev.ID)
}
