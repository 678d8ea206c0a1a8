package pipeline

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/jon9314/Odyssey/pkg/ledger"
	"github.com/jon9314/Odyssey/pkg/proposal"
	"github.com/jon9314/Odyssey/pkg/queue"
)

// Recover queues the work proposals are waiting on when no live task exists
// for it, for example after a crash between a ledger write and the enqueue.
// Proposals left in proposed are scheduled for validation, and under the
// auto policy validation_passed proposals are approved and merged.
// It returns how many tasks were queued. Queuing a task twice is harmless;
// the second run finds the proposal in another state and does nothing.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	waiting, err := p.deps.Ledger.InStatus(ctx,
		proposal.StatusProposed,
		proposal.StatusValidationPending,
		proposal.StatusValidationPassed,
		proposal.StatusUserApproved,
		proposal.StatusAutoApproved,
		proposal.StatusMergePending,
	)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}

	queued := 0
	for _, prop := range waiting {
		switch prop.Status {
		case proposal.StatusProposed:
			// Submit stopped between creating the record and scheduling it
			_, err := p.deps.Ledger.UpdateStatus(ctx, prop.ID, proposal.StatusValidationPending,
				ledger.WithExpected(proposal.StatusProposed))
			if stale(err) {
				continue
			}
			if err != nil {
				return queued, fmt.Errorf("recover %s: %w", prop.ID, err)
			}
		case proposal.StatusValidationPassed:
			scheduled, err := p.autoApprove(ctx, prop)
			if err != nil {
				return queued, fmt.Errorf("recover %s: %w", prop.ID, err)
			}
			if scheduled {
				queued++
			}
			continue
		case proposal.StatusUserApproved, proposal.StatusAutoApproved:
			// Approved but never moved on to merge_pending
			if _, err := p.scheduleMerge(ctx, prop.ID, prop.Status); err != nil {
				if stale(err) {
					continue
				}
				return queued, fmt.Errorf("recover %s: %w", prop.ID, err)
			}
			queued++
			continue
		}

		kind := queue.KindValidate
		if prop.Status == proposal.StatusMergePending {
			kind = queue.KindMerge
		}
		live, err := p.hasLiveTask(ctx, prop.ID, kind)
		if err != nil {
			return queued, fmt.Errorf("recover %s: %w", prop.ID, err)
		}
		if live {
			continue
		}
		if _, err := p.deps.Queue.Enqueue(ctx, kind, prop.ID); err != nil {
			return queued, fmt.Errorf("recover %s: %w", prop.ID, err)
		}
		queued++
	}

	p.logger.Infof("recovery queued %d tasks for %d waiting proposals", queued, len(waiting))
	return queued, nil
}

func (p *Pipeline) hasLiveTask(ctx context.Context, id string, kind queue.Kind) (bool, error) {
	tasks, err := p.deps.Queue.Tasks(ctx, id)
	if err != nil {
		return false, err
	}
	return lo.SomeBy(tasks, func(t *queue.Task) bool {
		return t.Kind == kind && (t.State == queue.StatePending || t.State == queue.StateRunning)
	}), nil
}
