package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mmdatafocus/fic_sync/ficapi"
	"github.com/mmdatafocus/fic_sync/models"
	"github.com/mmdatafocus/fic_sync/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

type ReconcileOptions struct {
	// DryRun computes the report without touching the remote or the store.
	DryRun bool
	// FixURLs also recreates subscriptions whose sink still encodes a stale
	// group, so deliveries arrive on the corrected route.
	FixURLs bool
	// Trigger is recorded on the run row (sync, fix-urls, api, schedule).
	Trigger string
}

type Outcome string

const (
	OutcomeMatched            Outcome = "matched"
	OutcomeGroupCorrected     Outcome = "group_corrected"
	OutcomeMisroutedRecreated Outcome = "misrouted_recreated"
	OutcomeNewlyDiscovered    Outcome = "newly_discovered"
	OutcomeOrphaned           Outcome = "orphaned"
	OutcomeErrored            Outcome = "errored"

	// OutcomeMisrouted is a dry-run finding: the sink points at another
	// account and an applied pass would recreate it.
	OutcomeMisrouted Outcome = "misrouted"
)

// Discrepancy is a disagreement between the group encoded in the sink URL,
// the group implied by the registered types and the stored group.
type Discrepancy struct {
	RemoteId     string      `json:"remote_id"`
	URLGroup     string      `json:"url_group,omitempty"`
	TypesGroup   string      `json:"types_group,omitempty"`
	StoredGroup  string      `json:"stored_group,omitempty"`
	Effective    string      `json:"effective_group"`
	Source       GroupSource `json:"source"`
	URLAccountId uint        `json:"url_account_id,omitempty"`
}

type ReconcileItem struct {
	RemoteId    string                    `json:"remote_id"`
	Outcome     Outcome                   `json:"outcome"`
	EventGroup  string                    `json:"event_group"`
	Status      models.SubscriptionStatus `json:"status,omitempty"`
	Verified    bool                      `json:"verified"`
	Sink        string                    `json:"sink"`
	PlannedSink string                    `json:"planned_sink,omitempty"`
	Types       []string                  `json:"types"`
	ExpiresAt   *time.Time                `json:"expires_at,omitempty"`
	NewRemoteId string                    `json:"new_remote_id,omitempty"`
	Error       string                    `json:"error,omitempty"`
}

type ReconciliationReport struct {
	AccountId          uint            `json:"account_id"`
	DryRun             bool            `json:"dry_run"`
	Matched            int             `json:"matched"`
	GroupCorrected     int             `json:"group_corrected"`
	MisroutedRecreated int             `json:"misrouted_recreated"`
	Misrouted          int             `json:"misrouted"`
	NewlyDiscovered    int             `json:"newly_discovered"`
	Orphaned           int             `json:"orphaned"`
	Errored            int             `json:"errored"`
	Discrepancies      []Discrepancy   `json:"discrepancies"`
	Items              []ReconcileItem `json:"items"`
	Errors             []string        `json:"errors"`
	StartedAt          time.Time       `json:"started_at"`
	FinishedAt         time.Time       `json:"finished_at"`
}

func (r *ReconciliationReport) add(item ReconcileItem) {
	switch item.Outcome {
	case OutcomeMatched:
		r.Matched++
	case OutcomeGroupCorrected:
		r.GroupCorrected++
	case OutcomeMisroutedRecreated:
		r.MisroutedRecreated++
	case OutcomeMisrouted:
		r.Misrouted++
	case OutcomeNewlyDiscovered:
		r.NewlyDiscovered++
	case OutcomeOrphaned:
		r.Orphaned++
	case OutcomeErrored:
		r.Errored++
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", item.RemoteId, item.Error))
	}
	r.Items = append(r.Items, item)
}

// Reconciler merges the remote subscription list, the local rows and the
// routing encoded in sink URLs. Registered types decide the group.
type Reconciler struct {
	Accounts AccountStore
	Store    SubscriptionStore
	Remote   RemoteFactory
	Runs     RunRecorder
	Locker   Locker
	Sinks    SinkConfig
	Logger   *logrus.Logger
	Now      func() time.Time
	LockTTL  time.Duration

	flight singleflight.Group
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return nowUTC()
}

func reconcileLockKey(accountId uint) string {
	return fmt.Sprintf("fic:reconcile:%d", accountId)
}

// ReconcileAccount runs one pass for accountId. Concurrent calls in this
// process share one pass; across processes the account lock applies.
func (r *Reconciler) ReconcileAccount(ctx context.Context, accountId uint, opts ReconcileOptions) (*ReconciliationReport, error) {
	key := fmt.Sprintf("%d:%t:%t", accountId, opts.DryRun, opts.FixURLs)
	v, err, _ := r.flight.Do(key, func() (interface{}, error) {
		return r.reconcileLocked(ctx, accountId, opts)
	})
	report, _ := v.(*ReconciliationReport)
	return report, err
}

func (r *Reconciler) reconcileLocked(ctx context.Context, accountId uint, opts ReconcileOptions) (*ReconciliationReport, error) {
	if !opts.DryRun && r.Locker != nil {
		ttl := r.LockTTL
		if ttl <= 0 {
			ttl = 2 * time.Minute
		}
		unlock, err := r.Locker.Lock(ctx, reconcileLockKey(accountId), ttl)
		if errors.Is(err, ErrLockHeld) {
			return nil, ErrReconcileInProgress
		}
		if err != nil {
			return nil, err
		}
		defer unlock()
	}
	return r.reconcile(ctx, accountId, opts)
}

func (r *Reconciler) reconcile(ctx context.Context, accountId uint, opts ReconcileOptions) (*ReconciliationReport, error) {
	ctx = utils.SystemContext(ctx)
	ctx, span := otel.Tracer("fic_sync/webhooks").Start(ctx, "reconcile.account",
		trace.WithAttributes(
			attribute.Int64("account_id", int64(accountId)),
			attribute.Bool("dry_run", opts.DryRun),
		))
	defer span.End()

	report := &ReconciliationReport{AccountId: accountId, DryRun: opts.DryRun, StartedAt: r.now()}
	log := r.Logger.WithFields(logrus.Fields{"account_id": accountId, "dry_run": opts.DryRun})

	account, err := r.Accounts.Get(ctx, accountId)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}
	remote, err := r.Remote.ForAccount(account)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}

	remoteSubs, err := remote.ListSubscriptions(ctx)
	if err != nil {
		log.WithError(err).Error("failed to list remote subscriptions")
		span.SetStatus(codes.Error, err.Error())
		report.Errors = append(report.Errors, err.Error())
		report.FinishedAt = r.now()
		return report, fmt.Errorf("list remote subscriptions: %w", err)
	}

	seen := map[string]bool{}
	for _, rs := range remoteSubs {
		seen[rs.Id] = true
		item := r.reconcileOne(ctx, remote, account, rs, opts, report, log)
		if item.NewRemoteId != "" {
			seen[item.NewRemoteId] = true
		}
		report.add(item)
	}

	r.detectOrphans(ctx, account.ID, seen, opts, report, log)

	report.FinishedAt = r.now()
	span.SetAttributes(
		attribute.Int("matched", report.Matched),
		attribute.Int("group_corrected", report.GroupCorrected),
		attribute.Int("misrouted_recreated", report.MisroutedRecreated),
		attribute.Int("errored", report.Errored),
	)
	log.WithFields(logrus.Fields{
		"matched":             report.Matched,
		"group_corrected":     report.GroupCorrected,
		"misrouted_recreated": report.MisroutedRecreated,
		"newly_discovered":    report.NewlyDiscovered,
		"orphaned":            report.Orphaned,
		"errored":             report.Errored,
	}).Info("subscription reconciliation finished")

	if !opts.DryRun && r.Runs != nil {
		r.recordRun(ctx, report, opts, log)
	}
	return report, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, remote Remote, account *models.TenantAccount, rs ficapi.Subscription, opts ReconcileOptions, report *ReconciliationReport, log *logrus.Entry) ReconcileItem {
	log = log.WithField("remote_id", rs.Id)
	item := ReconcileItem{
		RemoteId:  rs.Id,
		Verified:  rs.Verified,
		Sink:      rs.Sink,
		Types:     rs.Types,
		ExpiresAt: rs.ExpiresAt(),
	}

	route, routeOK := r.Sinks.OwnRoute(rs.Sink)
	if !routeOK && rs.Sink != "" {
		if _, parsed := ParseSinkURL(rs.Sink); parsed {
			log.WithField("sink", rs.Sink).Info("sink belongs to another system or host; ignoring its route")
		}
	}
	typesGroup, typesOK := GroupForTypes(rs.Types)
	effective, source := EffectiveGroup(typesGroup, typesOK, route.Group, routeOK)
	item.EventGroup = effective

	local, err := r.Store.FindByRemoteId(ctx, rs.Id)
	if err != nil {
		item.Outcome = OutcomeErrored
		item.Error = err.Error()
		return item
	}

	d := Discrepancy{RemoteId: rs.Id, Effective: effective, Source: source}
	mismatch := false
	if routeOK {
		d.URLGroup = route.Group
		if route.AccountId != account.ID {
			d.URLAccountId = route.AccountId
			mismatch = true
		}
	}
	if typesOK {
		d.TypesGroup = typesGroup
	}
	if typesOK && routeOK && typesGroup != route.Group {
		mismatch = true
		log.WithFields(logrus.Fields{
			"url_group":   route.Group,
			"types_group": typesGroup,
			"winner":      source,
		}).Warn("subscription group differs between sink URL and registered types")
	}
	if local != nil {
		d.StoredGroup = local.EventGroup
		if local.EventGroup != effective {
			mismatch = true
		}
	}
	if mismatch {
		report.Discrepancies = append(report.Discrepancies, d)
	}

	if routeOK && route.AccountId != account.ID {
		log.WithField("url_account_id", route.AccountId).Warn("subscription sink points at another account; recreating")
		item.Outcome = OutcomeMisroutedRecreated
		return r.recreate(ctx, remote, account, rs, effective, opts, item, report, log)
	}

	now := r.now()
	attempts := 0
	if local != nil {
		attempts = local.VerificationAttempts
	}
	status := DeriveStatus(rs.Verified, item.ExpiresAt, attempts, now)
	item.Status = status
	if local != nil {
		if err := Transition(ctx, local.Status, status); err != nil {
			log.WithFields(logrus.Fields{
				"from": local.Status,
				"to":   status,
			}).WithError(err).Warn("remote state outside local lifecycle; applying remote state")
		}
	}

	switch {
	case local == nil:
		item.Outcome = OutcomeNewlyDiscovered
	case local.EventGroup != effective:
		item.Outcome = OutcomeGroupCorrected
	default:
		item.Outcome = OutcomeMatched
	}

	if opts.FixURLs && routeOK && route.Group != effective {
		return r.recreate(ctx, remote, account, rs, effective, opts, item, report, log)
	}

	if opts.DryRun {
		return item
	}
	row := &models.WebhookSubscription{
		AccountId:          account.ID,
		RemoteId:           rs.Id,
		EventGroup:         effective,
		Types:              rs.Types,
		Sink:               rs.Sink,
		Verified:           rs.Verified,
		Active:             IsRoutable(status),
		Status:             status,
		ExpiresAt:          item.ExpiresAt,
		VerificationMethod: rs.VerificationMethod,
		LastSeenRemoteAt:   &now,
	}
	if err := r.Store.Upsert(ctx, row); err != nil {
		log.WithError(err).Error("failed to upsert subscription")
		item.Outcome = OutcomeErrored
		item.Error = err.Error()
	}
	return item
}

// recreate deletes rs remotely and locally and registers the same types on
// the corrected sink. The remote delete cannot be undone, so a failed
// create leaves the account under-subscribed and is reported loudly.
func (r *Reconciler) recreate(ctx context.Context, remote Remote, account *models.TenantAccount, rs ficapi.Subscription, group string, opts ReconcileOptions, item ReconcileItem, report *ReconciliationReport, log *logrus.Entry) ReconcileItem {
	sink := r.Sinks.SinkFor(account.ID, group)
	if opts.DryRun {
		item.PlannedSink = sink
		if item.Outcome == OutcomeMisroutedRecreated {
			item.Outcome = OutcomeMisrouted
		}
		return item
	}

	if err := remote.DeleteSubscription(ctx, rs.Id); err != nil {
		if !ficapi.IsPermanentlyGone(err) {
			log.WithError(err).Error("failed to delete subscription before recreation")
			item.Outcome = OutcomeErrored
			item.Error = err.Error()
			return item
		}
		log.WithError(err).Info("remote subscription already dismissed")
	}
	if err := r.Store.DeleteByRemoteId(ctx, rs.Id); err != nil {
		log.WithError(err).Error("failed to delete local subscription row")
	}

	created, err := remote.CreateSubscriptionRaw(ctx, r.Sinks.createRequest(sink, rs.Types))
	if err != nil {
		log.WithFields(logrus.Fields{
			"types": rs.Types,
			"sink":  sink,
		}).WithError(err).Error("RECREATE FAILED after remote delete; account is missing this subscription until it is recreated")
		item.Outcome = OutcomeErrored
		item.Error = "recreate after delete: " + err.Error()
		return item
	}

	now := r.now()
	types := created.Types
	if len(types) == 0 {
		types = rs.Types
	}
	expiresAt := created.ExpiresAt()
	status := DeriveStatus(created.Verified, expiresAt, 0, now)
	row := &models.WebhookSubscription{
		AccountId:          account.ID,
		RemoteId:           created.Id,
		EventGroup:         group,
		Types:              types,
		Sink:               sink,
		Verified:           created.Verified,
		Active:             IsRoutable(status),
		Status:             status,
		ExpiresAt:          expiresAt,
		VerificationMethod: r.Sinks.VerificationMethod,
		LastSeenRemoteAt:   &now,
	}
	if created.Secret != "" {
		secret := created.Secret
		row.Secret = &secret
	}
	if err := r.Store.Upsert(ctx, row); err != nil {
		log.WithError(err).WithField("new_remote_id", created.Id).Error("recreated subscription but failed to store it")
		report.Errors = append(report.Errors, fmt.Sprintf("%s: store recreated %s: %v", rs.Id, created.Id, err))
	}
	item.NewRemoteId = created.Id
	item.Sink = sink
	item.Status = status
	item.Verified = created.Verified
	item.Types = types
	item.ExpiresAt = expiresAt
	log.WithField("new_remote_id", created.Id).Info("subscription recreated on corrected sink")
	return item
}

// detectOrphans flags local rows the remote no longer lists.
func (r *Reconciler) detectOrphans(ctx context.Context, accountId uint, seen map[string]bool, opts ReconcileOptions, report *ReconciliationReport, log *logrus.Entry) {
	locals, err := r.Store.ListByAccount(ctx, accountId)
	if err != nil {
		log.WithError(err).Error("failed to list local subscriptions")
		report.Errors = append(report.Errors, "list local subscriptions: "+err.Error())
		return
	}
	orphans := 0
	for _, l := range locals {
		if seen[l.RemoteId] || l.Status == models.SubscriptionStatusDeleted {
			continue
		}
		orphans++
		report.add(ReconcileItem{
			RemoteId:   l.RemoteId,
			Outcome:    OutcomeOrphaned,
			EventGroup: l.EventGroup,
			Status:     models.SubscriptionStatusDeleted,
			Sink:       l.Sink,
			Types:      l.Types,
		})
	}
	if orphans == 0 || opts.DryRun {
		return
	}
	keep := make([]string, 0, len(seen))
	for id := range seen {
		keep = append(keep, id)
	}
	if _, err := r.Store.MarkDeletedExcept(ctx, accountId, keep); err != nil {
		log.WithError(err).Error("failed to mark orphaned subscriptions deleted")
		report.Errors = append(report.Errors, "mark orphans: "+err.Error())
	}
}

func (r *Reconciler) recordRun(ctx context.Context, report *ReconciliationReport, opts ReconcileOptions, log *logrus.Entry) {
	details, _ := json.Marshal(struct {
		Discrepancies []Discrepancy `json:"discrepancies"`
		Errors        []string      `json:"errors"`
	}{report.Discrepancies, report.Errors})
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	trigger := opts.Trigger
	if trigger == "" {
		trigger = "sync"
	}
	run := &models.SubscriptionReconcileRun{
		AccountId:          report.AccountId,
		Trigger:            trigger,
		Matched:            report.Matched,
		GroupCorrected:     report.GroupCorrected,
		MisroutedRecreated: report.MisroutedRecreated,
		NewlyDiscovered:    report.NewlyDiscovered,
		Orphaned:           report.Orphaned,
		Errored:            report.Errored,
		DetailsJSON:        details,
		CorrelationId:      correlationId,
		StartedAt:          report.StartedAt,
		FinishedAt:         report.FinishedAt,
	}
	if err := r.Runs.RecordRun(ctx, run); err != nil {
		log.WithError(err).Warn("failed to record reconcile run")
	}
}

// ReconcileAll reconciles every active account. A failing account does not
// stop the others; failures are aggregated in the returned error.
func (r *Reconciler) ReconcileAll(ctx context.Context, opts ReconcileOptions) ([]*ReconciliationReport, error) {
	ctx = utils.SystemContext(ctx)
	accounts, err := r.Accounts.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var (
		reports []*ReconciliationReport
		result  *multierror.Error
	)
	for _, acc := range accounts {
		if ctx.Err() != nil {
			result = multierror.Append(result, ctx.Err())
			break
		}
		report, err := r.ReconcileAccount(ctx, acc.ID, opts)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			r.Logger.WithField("account_id", acc.ID).WithError(err).Error("account reconciliation failed")
			result = multierror.Append(result, fmt.Errorf("account %d: %w", acc.ID, err))
		}
	}
	return reports, result.ErrorOrNil()
}
