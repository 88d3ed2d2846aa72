package webhooks

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mmdatafocus/fic_sync/ficapi"
	"github.com/mmdatafocus/fic_sync/models"
	"github.com/mmdatafocus/fic_sync/utils"
	"github.com/sirupsen/logrus"
)

const DefaultRenewalLead = 15 * 24 * time.Hour

// SelectRenewals returns the subscriptions due for renewal: expires_at in
// (now, now+lead]. Rows without an expiry never expire; rows already past
// their expiry are skipped with a warning, the next reconcile expires them.
func SelectRenewals(subs []models.WebhookSubscription, now time.Time, lead time.Duration, logger *logrus.Logger) []models.WebhookSubscription {
	deadline := now.Add(lead)
	var due []models.WebhookSubscription
	for _, s := range subs {
		if s.ExpiresAt == nil {
			continue
		}
		if !s.ExpiresAt.After(now) {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"account_id": s.AccountId,
					"remote_id":  s.RemoteId,
					"expires_at": s.ExpiresAt,
				}).Warn("subscription already expired; skipping renewal")
			}
			continue
		}
		if s.ExpiresAt.After(deadline) {
			continue
		}
		due = append(due, s)
	}
	return due
}

type RenewalOptions struct {
	DryRun bool
	// AccountId restricts the sweep to one account; 0 sweeps all.
	AccountId uint
}

type RenewalResult struct {
	AccountId   uint       `json:"account_id"`
	RemoteId    string     `json:"remote_id"`
	NewRemoteId string     `json:"new_remote_id,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type RenewalSummary struct {
	Considered int             `json:"considered"`
	Renewed    int             `json:"renewed"`
	Failed     int             `json:"failed"`
	Results    []RenewalResult `json:"results"`
}

// RenewalSweeper renews subscriptions before the remote lets them lapse.
type RenewalSweeper struct {
	Accounts AccountStore
	Store    SubscriptionStore
	Remote   RemoteFactory
	Sinks    SinkConfig
	Lead     time.Duration
	Logger   *logrus.Logger
	Now      func() time.Time
}

func (s *RenewalSweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return nowUTC()
}

func (s *RenewalSweeper) lead() time.Duration {
	if s.Lead > 0 {
		return s.Lead
	}
	return DefaultRenewalLead
}

// Sweep renews every due subscription. One failure never stops the sweep.
func (s *RenewalSweeper) Sweep(ctx context.Context, opts RenewalOptions) (*RenewalSummary, error) {
	ctx = utils.SystemContext(ctx)
	rows, err := s.Store.ListRenewable(ctx, opts.AccountId)
	if err != nil {
		return nil, err
	}
	owned := rows[:0]
	for _, row := range rows {
		if _, ok := s.Sinks.OwnRoute(row.Sink); !ok {
			s.Logger.WithFields(logrus.Fields{
				"account_id": row.AccountId,
				"remote_id":  row.RemoteId,
				"sink":       row.Sink,
			}).Info("subscription sink not issued by this service; skipping renewal")
			continue
		}
		owned = append(owned, row)
	}
	due := SelectRenewals(owned, s.now(), s.lead(), s.Logger)
	summary := &RenewalSummary{Considered: len(due)}

	var result *multierror.Error
	for i := range due {
		sub := due[i]
		res := RenewalResult{AccountId: sub.AccountId, RemoteId: sub.RemoteId, ExpiresAt: sub.ExpiresAt}
		if opts.DryRun {
			summary.Results = append(summary.Results, res)
			continue
		}
		renewed, err := s.renewOne(ctx, &sub)
		if err != nil {
			summary.Failed++
			res.Error = err.Error()
			result = multierror.Append(result, fmt.Errorf("renew %s: %w", sub.RemoteId, err))
		} else {
			summary.Renewed++
			res.NewRemoteId = renewed.Id
			res.ExpiresAt = renewed.ExpiresAt()
		}
		summary.Results = append(summary.Results, res)
	}
	s.Logger.WithFields(logrus.Fields{
		"considered": summary.Considered,
		"renewed":    summary.Renewed,
		"failed":     summary.Failed,
		"dry_run":    opts.DryRun,
	}).Info("subscription renewal sweep finished")
	return summary, result.ErrorOrNil()
}

// renewOne registers a fresh subscription with the same sink and types,
// points the local row at it and dismisses the old one. The old remote
// subscription is only deleted once the replacement is stored.
func (s *RenewalSweeper) renewOne(ctx context.Context, sub *models.WebhookSubscription) (*ficapi.CreatedSubscription, error) {
	log := s.Logger.WithFields(logrus.Fields{"account_id": sub.AccountId, "remote_id": sub.RemoteId})
	if _, err := Renew(ctx, sub.Status); err != nil {
		return nil, err
	}
	account, err := s.Accounts.Get(ctx, sub.AccountId)
	if err != nil {
		return nil, err
	}
	remote, err := s.Remote.ForAccount(account)
	if err != nil {
		return nil, err
	}

	created, err := remote.CreateSubscriptionRaw(ctx, s.Sinks.createRequest(sub.Sink, sub.Types))
	if err != nil {
		log.WithError(err).Error("failed to create renewal subscription")
		return nil, err
	}
	var secret *string
	if created.Secret != "" {
		secret = &created.Secret
	}
	if err := s.Store.ApplyRenewal(ctx, sub.ID, created.Id, secret, created.ExpiresAt()); err != nil {
		log.WithError(err).WithField("new_remote_id", created.Id).Error("renewed remotely but failed to store renewal")
		return nil, err
	}
	if created.Id != sub.RemoteId {
		if err := remote.DeleteSubscription(ctx, sub.RemoteId); err != nil && !ficapi.IsPermanentlyGone(err) {
			// The row already points at the replacement. The leftover shows up
			// as newly discovered on the next reconcile.
			log.WithError(err).Warn("failed to dismiss renewed subscription")
		}
	}
	log.WithField("new_remote_id", created.Id).Info("subscription renewed")
	return created, nil
}
