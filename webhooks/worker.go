package webhooks

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/fic_sync/config"
	"github.com/mmdatafocus/fic_sync/ficapi"
	"github.com/mmdatafocus/fic_sync/models"
	"github.com/mmdatafocus/fic_sync/utils"
	"github.com/sirupsen/logrus"
)

// Worker applies one SyncTask: it fetches the current remote state and
// overwrites the local snapshot, so out-of-order tasks converge.
type Worker struct {
	Accounts    AccountStore
	Ledger      Ledger
	Resources   ResourceStore
	Remote      RemoteFactory
	Logger      *logrus.Logger
	PhoneRegion string
	Now         func() time.Time
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return nowUTC()
}

func (w *Worker) Process(ctx context.Context, task SyncTask) error {
	ctx = utils.SetAccountIdInContext(ctx, task.AccountId)
	if task.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, task.CorrelationId)
	}
	log := w.Logger.WithFields(logrus.Fields{
		"account_id":     task.AccountId,
		"category":       task.Category,
		"remote_id":      task.RemoteId,
		"action":         task.Action,
		"ledger_id":      task.LedgerEntryId,
		"correlation_id": task.CorrelationId,
	})

	if task.LedgerEntryId != 0 {
		entry, err := w.Ledger.Get(ctx, task.LedgerEntryId)
		if err != nil {
			log.WithError(err).Warn("ledger entry lookup failed; processing anyway")
		} else if entry.Status == models.LedgerStatusProcessed {
			log.Debug("ledger entry already processed; skipping redelivered task")
			return nil
		}
	}

	err := w.apply(ctx, task)
	if err != nil {
		log.WithError(err).Warn("resource sync failed")
		w.markFailed(ctx, task, err)
		return err
	}

	if task.LedgerEntryId != 0 {
		transitioned, mErr := w.Ledger.MarkProcessed(ctx, task.LedgerEntryId)
		if mErr != nil {
			log.WithError(mErr).Error("failed to mark ledger entry processed")
		} else if !transitioned {
			log.Debug("ledger entry was processed concurrently")
		}
	}
	log.Info("resource synced")
	return nil
}

func (w *Worker) apply(ctx context.Context, task SyncTask) error {
	kind, ok := lookupResourceKind(task.Category)
	if !ok {
		return fmt.Errorf("unknown resource category %q", task.Category)
	}
	if task.Action == models.ResourceActionDeleted {
		return w.Resources.MarkDeleted(ctx, task.AccountId, task.Category, task.RemoteId)
	}

	account, err := w.Accounts.Get(ctx, task.AccountId)
	if err != nil {
		return err
	}
	remote, err := w.Remote.ForAccount(account)
	if err != nil {
		return err
	}
	snap, err := kind.fetch(ctx, remote, task.RemoteId, w.PhoneRegion)
	if ficapi.IsPermanentlyGone(err) {
		// Deleted remotely after the event was emitted.
		return w.Resources.MarkDeleted(ctx, task.AccountId, task.Category, task.RemoteId)
	}
	if err != nil {
		return err
	}
	snap.AccountId = task.AccountId
	snap.Category = task.Category
	snap.RemoteId = task.RemoteId
	snap.Deleted = false
	snap.SyncedAt = w.now()
	return w.Resources.Save(ctx, snap)
}

func (w *Worker) markFailed(ctx context.Context, task SyncTask, cause error) {
	if task.LedgerEntryId == 0 {
		return
	}
	if err := w.Ledger.MarkFailed(ctx, task.LedgerEntryId, cause.Error()); err != nil {
		config.LogError(w.Logger, "webhooks", "Worker.markFailed", "mark ledger entry failed", task, err)
	}
}
