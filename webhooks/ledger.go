package webhooks

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/fic_sync/models"
	"gorm.io/gorm"
)

// StalePendingAfter is how long a pending entry is trusted to be in flight.
// Older pending entries are re-armed on redelivery.
const StalePendingAfter = 10 * time.Minute

type RecordOutcome string

const (
	RecordInserted  RecordOutcome = "inserted"
	RecordDuplicate RecordOutcome = "duplicate"
	RecordRearmed   RecordOutcome = "rearmed"
)

type LedgerFilter struct {
	AccountId uint
	Status    models.LedgerStatus
	Limit     int
}

// Ledger is the event deduplication ledger.
type Ledger interface {
	// Record inserts entry as pending. An existing processed or fresh pending
	// entry with the same key yields RecordDuplicate; a failed or stale one is
	// set back to pending and yields RecordRearmed. entry.ID is set in both
	// non-duplicate cases.
	Record(ctx context.Context, entry *models.EventLedgerEntry) (RecordOutcome, error)
	Get(ctx context.Context, id uint) (*models.EventLedgerEntry, error)
	// MarkProcessed reports whether this call performed the transition.
	MarkProcessed(ctx context.Context, id uint) (bool, error)
	MarkFailed(ctx context.Context, id uint, reason string) error
	List(ctx context.Context, f LedgerFilter) ([]models.EventLedgerEntry, error)
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// decideRedelivery is shared by the gorm and in-memory ledgers.
func decideRedelivery(existing *models.EventLedgerEntry, now time.Time) RecordOutcome {
	switch existing.Status {
	case models.LedgerStatusProcessed:
		return RecordDuplicate
	case models.LedgerStatusPending:
		if now.Sub(existing.UpdatedAt) < StalePendingAfter {
			return RecordDuplicate
		}
		return RecordRearmed
	default:
		return RecordRearmed
	}
}

type gormLedger struct {
	db  *gorm.DB
	now func() time.Time
}

func NewLedger(db *gorm.DB) Ledger {
	return &gormLedger{db: db, now: nowUTC}
}

func (l *gormLedger) Record(ctx context.Context, entry *models.EventLedgerEntry) (RecordOutcome, error) {
	entry.Status = models.LedgerStatusPending
	db := l.db.WithContext(ctx)
	if err := db.Create(entry).Error; err == nil {
		return RecordInserted, nil
	} else if !isDuplicateKeyErr(err) {
		return "", err
	}

	var existing models.EventLedgerEntry
	if err := db.Where(
		"account_id = ? AND event_type = ? AND resource_category = ? AND resource_id = ? AND event_id = ?",
		entry.AccountId, entry.EventType, entry.ResourceCategory, entry.ResourceId, entry.EventId,
	).First(&existing).Error; err != nil {
		return "", err
	}
	entry.ID = existing.ID

	outcome := decideRedelivery(&existing, l.now())
	if outcome != RecordRearmed {
		return outcome, nil
	}
	// Conditional on the observed status so two concurrent redeliveries
	// cannot both re-arm the same entry.
	res := db.Model(&models.EventLedgerEntry{}).
		Where("id = ? AND status = ? AND updated_at = ?", existing.ID, existing.Status, existing.UpdatedAt).
		Updates(map[string]interface{}{
			"status":     models.LedgerStatusPending,
			"last_error": nil,
			"updated_at": l.now(),
		})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return RecordDuplicate, nil
	}
	return RecordRearmed, nil
}

func (l *gormLedger) Get(ctx context.Context, id uint) (*models.EventLedgerEntry, error) {
	var e models.EventLedgerEntry
	if err := l.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (l *gormLedger) MarkProcessed(ctx context.Context, id uint) (bool, error) {
	now := l.now()
	res := l.db.WithContext(ctx).Model(&models.EventLedgerEntry{}).
		Where("id = ? AND status <> ?", id, models.LedgerStatusProcessed).
		Updates(map[string]interface{}{
			"status":       models.LedgerStatusProcessed,
			"processed_at": now,
			"last_error":   nil,
			"attempts":     gorm.Expr("attempts + 1"),
			"updated_at":   now,
		})
	return res.RowsAffected == 1, res.Error
}

func (l *gormLedger) MarkFailed(ctx context.Context, id uint, reason string) error {
	return l.db.WithContext(ctx).Model(&models.EventLedgerEntry{}).
		Where("id = ? AND status <> ?", id, models.LedgerStatusProcessed).
		Updates(map[string]interface{}{
			"status":     models.LedgerStatusFailed,
			"last_error": reason,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": l.now(),
		}).Error
}

func (l *gormLedger) List(ctx context.Context, f LedgerFilter) ([]models.EventLedgerEntry, error) {
	q := l.db.WithContext(ctx).Model(&models.EventLedgerEntry{})
	if f.AccountId != 0 {
		q = q.Where("account_id = ?", f.AccountId)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.EventLedgerEntry
	err := q.Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}
