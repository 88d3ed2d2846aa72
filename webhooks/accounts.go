package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/fic_sync/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountStore interface {
	Get(ctx context.Context, id uint) (*models.TenantAccount, error)
	ListActive(ctx context.Context) ([]models.TenantAccount, error)
}

type gormAccountStore struct {
	db *gorm.DB
}

func NewAccountStore(db *gorm.DB) AccountStore {
	return &gormAccountStore{db: db}
}

func (s *gormAccountStore) Get(ctx context.Context, id uint) (*models.TenantAccount, error) {
	var acc models.TenantAccount
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *gormAccountStore) ListActive(ctx context.Context) ([]models.TenantAccount, error) {
	var accs []models.TenantAccount
	err := s.db.WithContext(ctx).
		Where("status = ?", models.AccountStatusActive).
		Order("id ASC").
		Find(&accs).Error
	return accs, err
}

// ResourceStore keeps the last fetched snapshot of each remote resource.
type ResourceStore interface {
	Save(ctx context.Context, snap *models.SyncedResource) error
	MarkDeleted(ctx context.Context, accountId uint, category models.ResourceCategory, remoteId string) error
}

type gormResourceStore struct {
	db *gorm.DB
}

func NewResourceStore(db *gorm.DB) ResourceStore {
	return &gormResourceStore{db: db}
}

func (s *gormResourceStore) Save(ctx context.Context, snap *models.SyncedResource) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "category"}, {Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "email", "phone", "vat_number", "number", "amount_gross",
			"currency", "date", "deleted", "payload_json", "synced_at", "updated_at",
		}),
	}).Create(snap).Error
}

func (s *gormResourceStore) MarkDeleted(ctx context.Context, accountId uint, category models.ResourceCategory, remoteId string) error {
	now := time.Now().UTC()
	snap := &models.SyncedResource{
		AccountId: accountId,
		Category:  category,
		RemoteId:  remoteId,
		Deleted:   true,
		SyncedAt:  now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "category"}, {Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"deleted", "synced_at", "updated_at"}),
	}).Create(snap).Error
}

// RunRecorder stores applied reconciliation runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *models.SubscriptionReconcileRun) error
}

type gormRunRecorder struct {
	db *gorm.DB
}

func NewRunRecorder(db *gorm.DB) RunRecorder {
	return &gormRunRecorder{db: db}
}

func (r *gormRunRecorder) RecordRun(ctx context.Context, run *models.SubscriptionReconcileRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}
