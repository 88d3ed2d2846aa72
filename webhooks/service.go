package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/fic_sync/ficapi"
	"github.com/mmdatafocus/fic_sync/models"
	"github.com/sirupsen/logrus"
)

// NewSubscriptionInput is the admin request to register a subscription.
// Group and Sink are derived from Types when empty.
type NewSubscriptionInput struct {
	AccountId uint     `json:"account_id" validate:"required"`
	Types     []string `json:"types" validate:"required,min=1,dive,required"`
	Group     string   `json:"group" validate:"omitempty,max=64"`
	Sink      string   `json:"sink" validate:"omitempty,url"`
}

// Service is the management surface shared by the admin API and ficctl.
type Service struct {
	Accounts   AccountStore
	Store      SubscriptionStore
	Remote     RemoteFactory
	Reconciler *Reconciler
	Renewals   *RenewalSweeper
	Locker     Locker
	Sinks      SinkConfig
	Logger     *logrus.Logger
	Now        func() time.Time

	validateOnce sync.Once
	validate     *validator.Validate
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return nowUTC()
}

func (s *Service) validateStruct(v interface{}) error {
	s.validateOnce.Do(func() { s.validate = validator.New() })
	return s.validate.Struct(v)
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &ValidationError{Field: strings.ToLower(verrs[0].Field()), Reason: "failed " + verrs[0].Tag()}
	}
	return &ValidationError{Field: "request", Reason: err.Error()}
}

func (s *Service) remoteFor(ctx context.Context, accountId uint) (*models.TenantAccount, Remote, error) {
	account, err := s.Accounts.Get(ctx, accountId)
	if err != nil {
		return nil, nil, err
	}
	remote, err := s.Remote.ForAccount(account)
	if err != nil {
		return nil, nil, err
	}
	return account, remote, nil
}

// CreateSubscription validates the input, registers the subscription on the
// remote (returning an existing identical one when present) and stores it.
func (s *Service) CreateSubscription(ctx context.Context, in NewSubscriptionInput) (*models.WebhookSubscription, []string, error) {
	if err := s.validateStruct(in); err != nil {
		return nil, nil, toValidationError(err)
	}
	for _, t := range in.Types {
		if _, _, ok := ParseEventType(t); !ok && ResolveEventGroup(t) == DefaultEventGroup {
			return nil, nil, &ValidationError{Field: "types", Reason: fmt.Sprintf("unrecognised event type %q", t)}
		}
	}
	typesGroup, _ := GroupForTypes(in.Types)
	group := in.Group
	if group == "" {
		group = typesGroup
	} else if group != typesGroup {
		return nil, nil, &ValidationError{Field: "group", Reason: fmt.Sprintf("types resolve to %q", typesGroup)}
	}
	sink := in.Sink
	if sink == "" {
		if s.Sinks.PublicBaseURL == "" {
			return nil, nil, &ValidationError{Field: "sink", Reason: "no public base URL configured"}
		}
		sink = s.Sinks.SinkFor(in.AccountId, group)
	}
	if u, err := url.Parse(sink); err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, nil, &ValidationError{Field: "sink", Reason: "must be an absolute https URL"}
	}

	_, remote, err := s.remoteFor(ctx, in.AccountId)
	if err != nil {
		return nil, nil, err
	}
	log := s.Logger.WithFields(logrus.Fields{"account_id": in.AccountId, "event_group": group})

	created, err := remote.CreateSubscription(ctx, s.Sinks.createRequest(sink, in.Types))
	if err != nil {
		log.WithError(err).Error("failed to create remote subscription")
		return nil, nil, err
	}
	for _, w := range created.Warnings {
		log.WithField("warning", w).Warn("remote warning on subscription create")
	}

	now := s.now()
	types := created.Types
	if len(types) == 0 {
		types = in.Types
	}
	expiresAt := created.ExpiresAt()
	status := DeriveStatus(created.Verified, expiresAt, 0, now)
	row := &models.WebhookSubscription{
		AccountId:          in.AccountId,
		RemoteId:           created.Id,
		EventGroup:         group,
		Types:              types,
		Sink:               sink,
		Verified:           created.Verified,
		Active:             IsRoutable(status),
		Status:             status,
		ExpiresAt:          expiresAt,
		VerificationMethod: s.Sinks.VerificationMethod,
		LastSeenRemoteAt:   &now,
	}
	if created.Secret != "" {
		secret := created.Secret
		row.Secret = &secret
	}
	if err := s.Store.Upsert(ctx, row); err != nil {
		log.WithError(err).WithField("remote_id", created.Id).Error("created remotely but failed to store subscription")
		return nil, created.Warnings, err
	}
	if created.Duplicate {
		log.WithField("remote_id", created.Id).Info("identical subscription already registered")
	} else {
		log.WithField("remote_id", created.Id).Info("subscription created")
	}
	stored, err := s.Store.FindByRemoteId(ctx, created.Id)
	if err != nil || stored == nil {
		return row, created.Warnings, nil
	}
	return stored, created.Warnings, nil
}

func (s *Service) ownedSubscription(ctx context.Context, accountId uint, remoteId string) (*models.WebhookSubscription, error) {
	sub, err := s.Store.FindByRemoteId(ctx, remoteId)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.AccountId != accountId {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// DeleteSubscription dismisses the remote subscription and removes the row.
// A subscription the remote no longer knows (404/410) is still removed
// locally.
func (s *Service) DeleteSubscription(ctx context.Context, accountId uint, remoteId string) error {
	if _, err := s.ownedSubscription(ctx, accountId, remoteId); err != nil {
		return err
	}
	_, remote, err := s.remoteFor(ctx, accountId)
	if err != nil {
		return err
	}
	log := s.Logger.WithFields(logrus.Fields{"account_id": accountId, "remote_id": remoteId})
	if err := remote.DeleteSubscription(ctx, remoteId); err != nil {
		if !ficapi.IsPermanentlyGone(err) {
			log.WithError(err).Error("failed to delete remote subscription")
			return err
		}
		log.WithError(err).Info("remote subscription already gone")
	}
	if err := s.Store.DeleteByRemoteId(ctx, remoteId); err != nil {
		return err
	}
	log.Info("subscription deleted")
	return nil
}

func verifyLockKey(remoteId string) string {
	return "fic:verify:" + remoteId
}

// RetryVerification asks the remote to re-run the handshake. At most
// MaxVerificationAttempts are allowed, VerificationSpacing apart. Exhausted
// subscriptions must be deleted and recreated.
func (s *Service) RetryVerification(ctx context.Context, accountId uint, remoteId string) (*models.WebhookSubscription, error) {
	sub, err := s.ownedSubscription(ctx, accountId, remoteId)
	if err != nil {
		return nil, err
	}
	if sub.Verified {
		return sub, ErrAlreadyVerified
	}
	if sub.VerificationAttempts >= MaxVerificationAttempts {
		return sub, ErrVerificationExhausted
	}

	if s.Locker != nil {
		unlock, err := s.Locker.Lock(ctx, verifyLockKey(remoteId), 30*time.Second)
		if errors.Is(err, ErrLockHeld) {
			return sub, &VerificationTooSoonError{NextAllowedAt: s.now().Add(VerificationSpacing)}
		}
		if err != nil {
			return sub, err
		}
		defer unlock()
	}

	now := s.now()
	claimed, err := s.Store.ClaimVerificationAttempt(ctx, sub.ID, MaxVerificationAttempts, VerificationSpacing, now)
	if err != nil {
		return sub, err
	}
	if !claimed {
		fresh, ferr := s.Store.FindByRemoteId(ctx, remoteId)
		if ferr == nil && fresh != nil {
			sub = fresh
		}
		if sub.VerificationAttempts >= MaxVerificationAttempts {
			return sub, ErrVerificationExhausted
		}
		next := now.Add(VerificationSpacing)
		if sub.LastVerificationAt != nil {
			next = sub.LastVerificationAt.Add(VerificationSpacing)
		}
		return sub, &VerificationTooSoonError{NextAllowedAt: next}
	}

	_, remote, err := s.remoteFor(ctx, accountId)
	if err != nil {
		return sub, err
	}
	log := s.Logger.WithFields(logrus.Fields{
		"account_id": accountId,
		"remote_id":  remoteId,
		"attempt":    sub.VerificationAttempts + 1,
	})
	if err := remote.VerifySubscription(ctx, remoteId); err != nil {
		log.WithError(err).Warn("verification retry rejected by remote")
		return sub, err
	}
	log.Info("verification retry requested")
	if fresh, err := s.Store.FindByRemoteId(ctx, remoteId); err == nil && fresh != nil {
		sub = fresh
	}
	return sub, nil
}

func (s *Service) ListSubscriptions(ctx context.Context, accountId uint) ([]models.WebhookSubscription, error) {
	if _, err := s.Accounts.Get(ctx, accountId); err != nil {
		return nil, err
	}
	return s.Store.ListByAccount(ctx, accountId)
}

// Sync reconciles one account and applies the result.
func (s *Service) Sync(ctx context.Context, accountId uint, trigger string) (*ReconciliationReport, error) {
	return s.Reconciler.ReconcileAccount(ctx, accountId, ReconcileOptions{Trigger: trigger})
}

// FixURLs reconciles one account and recreates subscriptions whose sink
// URL encodes the wrong account or group.
func (s *Service) FixURLs(ctx context.Context, accountId uint, dryRun bool) (*ReconciliationReport, error) {
	return s.Reconciler.ReconcileAccount(ctx, accountId, ReconcileOptions{DryRun: dryRun, FixURLs: true, Trigger: "fix-urls"})
}

// Diagnose is a dry-run reconcile: it reports without changing anything.
func (s *Service) Diagnose(ctx context.Context, accountId uint) (*ReconciliationReport, error) {
	return s.Reconciler.ReconcileAccount(ctx, accountId, ReconcileOptions{DryRun: true, FixURLs: true, Trigger: "diagnose"})
}

func (s *Service) Renew(ctx context.Context, opts RenewalOptions) (*RenewalSummary, error) {
	return s.Renewals.Sweep(ctx, opts)
}
