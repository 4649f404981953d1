package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"skillchat/internal/observability"

	"github.com/adhocore/gronx"
	"github.com/hashicorp/go-multierror"
)

const reconcilePageSize = 100

// ReconcileUnread recomputes every member's unread counter from the messages
// they can see but have not seen, and corrects counters that drifted. It
// returns the number of corrected counters.
func (s *MessagingService) ReconcileUnread(ctx context.Context) (int, error) {
	var (
		result    *multierror.Error
		corrected int
		afterID   uint
	)
	for {
		ids, err := s.chatRepo.ListConversationIDs(ctx, afterID, reconcilePageSize)
		if err != nil {
			return corrected, multierror.Append(result, err).ErrorOrNil()
		}
		if len(ids) == 0 {
			break
		}
		for _, convID := range ids {
			n, err := s.reconcileConversation(ctx, convID)
			corrected += n
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("conversation %d: %w", convID, err))
			}
		}
		afterID = ids[len(ids)-1]
		if ctx.Err() != nil {
			return corrected, multierror.Append(result, ctx.Err()).ErrorOrNil()
		}
	}
	return corrected, result.ErrorOrNil()
}

func (s *MessagingService) reconcileConversation(ctx context.Context, convID uint) (int, error) {
	unlock := s.locks.Lock(convID)
	defer unlock()

	conv, err := s.chatRepo.GetConversation(ctx, convID)
	if err != nil {
		return 0, err
	}
	corrected := 0
	for _, m := range conv.Members {
		want, err := s.chatRepo.CountUnseen(ctx, convID, m.UserID)
		if err != nil {
			return corrected, err
		}
		if int(want) == m.UnreadCount {
			continue
		}
		if err := s.chatRepo.SetUnread(ctx, convID, m.UserID, int(want)); err != nil {
			return corrected, err
		}
		corrected++
		observability.UnreadCorrections.Inc()
	}
	return corrected, nil
}

// Reconciler runs ReconcileUnread on a cron schedule.
type Reconciler struct {
	svc  *MessagingService
	cron string
}

// NewReconciler validates cronExpr and returns a scheduler for svc.
func NewReconciler(svc *MessagingService, cronExpr string) (*Reconciler, error) {
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid reconcile cron expression: %s", cronExpr)
	}
	return &Reconciler{svc: svc, cron: cronExpr}, nil
}

// Start runs the schedule until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	logger := observability.GlobalLogger
	logger.Info("unread reconciler started", slog.String("cron", r.cron))
	go func() {
		for {
			next, err := gronx.NextTickAfter(r.cron, time.Now().UTC(), false)
			if err != nil {
				logger.Error("reconcile next tick failed", slog.String("cron", r.cron), slog.String("error", err.Error()))
				next = time.Now().Add(time.Minute)
			}

			select {
			case <-ctx.Done():
				logger.Info("unread reconciler stopping")
				return
			case <-time.After(time.Until(next)):
			}

			corrected, err := r.svc.ReconcileUnread(ctx)
			if err != nil {
				observability.LogAsyncOperationError(ctx, "reconcile_unread", err, map[string]interface{}{"corrected": corrected})
				continue
			}
			if corrected > 0 {
				logger.Info("unread counters reconciled", slog.Int("corrected", corrected))
			}
		}
	}()
}
