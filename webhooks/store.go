package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mmdatafocus/fic_sync/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SubscriptionStore persists WebhookSubscription rows keyed by remote id.
type SubscriptionStore interface {
	// Upsert inserts or updates by remote id in one statement. The secret and
	// verification method are only overwritten when set on sub.
	Upsert(ctx context.Context, sub *models.WebhookSubscription) error
	FindByRemoteId(ctx context.Context, remoteId string) (*models.WebhookSubscription, error)
	FindActiveByRoute(ctx context.Context, accountId uint, group string) ([]models.WebhookSubscription, error)
	ListByAccount(ctx context.Context, accountId uint) ([]models.WebhookSubscription, error)
	// ListRenewable returns active and expiring rows, optionally for one account.
	ListRenewable(ctx context.Context, accountId uint) ([]models.WebhookSubscription, error)
	DeleteByRemoteId(ctx context.Context, remoteId string) error
	MarkDeletedExcept(ctx context.Context, accountId uint, keepRemoteIds []string) (int, error)
	ApplyRenewal(ctx context.Context, id uint, remoteId string, secret *string, expiresAt *time.Time) error
	// ClaimVerificationAttempt atomically records one manual verify attempt if
	// the cap and spacing allow it.
	ClaimVerificationAttempt(ctx context.Context, id uint, maxAttempts int, spacing time.Duration, now time.Time) (bool, error)
}

type gormSubscriptionStore struct {
	db     *gorm.DB
	system string
}

// NewSubscriptionStore returns the gorm store. system is the sink path
// segment this service registers (SinkConfig.System); it scopes the stale
// sink route match.
func NewSubscriptionStore(db *gorm.DB, system string) SubscriptionStore {
	return &gormSubscriptionStore{db: db, system: system}
}

var upsertColumns = []string{
	"account_id", "event_group", "types", "sink", "verified", "active",
	"status", "expires_at", "last_seen_remote_at", "updated_at",
}

func (s *gormSubscriptionStore) Upsert(ctx context.Context, sub *models.WebhookSubscription) error {
	cols := append([]string(nil), upsertColumns...)
	if sub.HasSecret() {
		cols = append(cols, "secret")
	}
	if sub.VerificationMethod != "" {
		cols = append(cols, "verification_method")
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(sub).Error
}

func (s *gormSubscriptionStore) FindByRemoteId(ctx context.Context, remoteId string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := s.db.WithContext(ctx).Where("remote_id = ?", remoteId).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *gormSubscriptionStore) FindActiveByRoute(ctx context.Context, accountId uint, group string) ([]models.WebhookSubscription, error) {
	q := s.db.WithContext(ctx).Where("account_id = ? AND active = ?", accountId, true)
	if s.system != "" {
		// A row whose group was corrected by reconcile keeps receiving on the
		// route encoded in its sink until the URL is repaired.
		q = q.Where("event_group = ? OR sink LIKE ?", group, sinkRoutePattern(s.system, accountId, group))
	} else {
		q = q.Where("event_group = ?", group)
	}
	var subs []models.WebhookSubscription
	err := q.Order("id ASC").Find(&subs).Error
	return subs, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// sinkRoutePattern matches sinks ending in /webhooks/<system>/<id>/<group>
// under any base URL. Literal segments are escaped for LIKE with MySQL's
// default backslash escape.
func sinkRoutePattern(system string, accountId uint, group string) string {
	return "%" + likeEscaper.Replace(fmt.Sprintf("/webhooks/%s/%d/%s",
		url.PathEscape(system), accountId, url.PathEscape(group)))
}

func (s *gormSubscriptionStore) ListByAccount(ctx context.Context, accountId uint) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountId).
		Order("event_group ASC, id ASC").
		Find(&subs).Error
	return subs, err
}

func (s *gormSubscriptionStore) ListRenewable(ctx context.Context, accountId uint) ([]models.WebhookSubscription, error) {
	q := s.db.WithContext(ctx).Where("status IN ?", []models.SubscriptionStatus{
		models.SubscriptionStatusActive,
		models.SubscriptionStatusExpiring,
	})
	if accountId != 0 {
		q = q.Where("account_id = ?", accountId)
	}
	var subs []models.WebhookSubscription
	err := q.Order("expires_at ASC").Find(&subs).Error
	return subs, err
}

func (s *gormSubscriptionStore) DeleteByRemoteId(ctx context.Context, remoteId string) error {
	return s.db.WithContext(ctx).Where("remote_id = ?", remoteId).Delete(&models.WebhookSubscription{}).Error
}

func (s *gormSubscriptionStore) MarkDeletedExcept(ctx context.Context, accountId uint, keepRemoteIds []string) (int, error) {
	q := s.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Where("account_id = ? AND status <> ?", accountId, models.SubscriptionStatusDeleted)
	if len(keepRemoteIds) > 0 {
		q = q.Where("remote_id NOT IN ?", keepRemoteIds)
	}
	res := q.Updates(map[string]interface{}{
		"status":     models.SubscriptionStatusDeleted,
		"active":     false,
		"updated_at": time.Now(),
	})
	return int(res.RowsAffected), res.Error
}

func (s *gormSubscriptionStore) ApplyRenewal(ctx context.Context, id uint, remoteId string, secret *string, expiresAt *time.Time) error {
	update := map[string]interface{}{
		"remote_id":             remoteId,
		"expires_at":            expiresAt,
		"status":                models.SubscriptionStatusActive,
		"active":                true,
		"verification_attempts": 0,
		"updated_at":            time.Now(),
	}
	if secret != nil && *secret != "" {
		update["secret"] = secret
	}
	return s.db.WithContext(ctx).Model(&models.WebhookSubscription{}).Where("id = ?", id).Updates(update).Error
}

func (s *gormSubscriptionStore) ClaimVerificationAttempt(ctx context.Context, id uint, maxAttempts int, spacing time.Duration, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Where("id = ? AND verification_attempts < ?", id, maxAttempts).
		Where("last_verification_at IS NULL OR last_verification_at <= ?", now.Add(-spacing)).
		Updates(map[string]interface{}{
			"verification_attempts": gorm.Expr("verification_attempts + 1"),
			"last_verification_at":  now,
		})
	return res.RowsAffected == 1, res.Error
}
