package gormrepo

import (
	"errors"

	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/openfms/telematics-gateway/internal/storage"
	"github.com/openfms/telematics-gateway/internal/storage/models"
)

// Repository is the gorm-backed CoreRepo implementation. isTx marks a
// child repository bound to an already-open transaction so nested
// WithTx calls reuse it instead of opening a second one.
type Repository struct {
	db   *gorm.DB
	isTx bool
}

func New(db *gorm.DB) storage.CoreRepo {
	return &Repository{db: db}
}

func (r *Repository) WithTx(ctx context.Context, fn func(storage.CoreRepo) error) error {
	if r.isTx {
		return fn(r)
	}

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}

	child := &Repository{db: tx, isTx: true}
	if err := fn(child); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

// EnsureDevice inserts the IMEI into the allow-list if absent, else
// refreshes updated_at.
func (r *Repository) EnsureDevice(ctx context.Context, imei string) (*models.Device, error) {
	record := &models.Device{IMEI: imei}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "imei"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"updated_at": gorm.Expr("NOW()")}),
		}).
		Create(record).Error
	if err != nil {
		return nil, err
	}
	var device models.Device
	if err := r.db.WithContext(ctx).Where("imei = ?", imei).First(&device).Error; err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *Repository) ListDeviceIMEIs(ctx context.Context) ([]string, error) {
	var imeis []string
	err := r.db.WithContext(ctx).Model(&models.Device{}).Pluck("imei", &imeis).Error
	return imeis, err
}

func (r *Repository) ListDevices(ctx context.Context, limit, offset int) ([]models.Device, error) {
	var devices []models.Device
	q := r.db.WithContext(ctx).Order("imei ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// UpsertDeviceStatus writes the full row, matching the Redis-side
// field-wise merge is the gateway's job before calling this; the SQL
// row itself is always a full replace on flush.
func (r *Repository) UpsertDeviceStatus(ctx context.Context, status *models.DeviceStatus) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "imei"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "lat", "lon", "speed_kmh", "course_deg", "acc", "satellites", "updated_at",
			}),
		}).
		Create(status).Error
}

func (r *Repository) GetDeviceStatus(ctx context.Context, imei string) (*models.DeviceStatus, error) {
	var status models.DeviceStatus
	err := r.db.WithContext(ctx).Where("imei = ?", imei).First(&status).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return &status, err
}

func (r *Repository) ListDeviceStatuses(ctx context.Context) ([]models.DeviceStatus, error) {
	var statuses []models.DeviceStatus
	if err := r.db.WithContext(ctx).Find(&statuses).Error; err != nil {
		return nil, err
	}
	return statuses, nil
}

func (r *Repository) EnqueueCommand(ctx context.Context, imei, command string) (int64, error) {
	entry := &models.CommandQueueEntry{IMEI: imei, Command: command}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return 0, err
	}
	return entry.ID, nil
}

func (r *Repository) ListPendingCommands(ctx context.Context, imei string) ([]models.CommandQueueEntry, error) {
	var entries []models.CommandQueueEntry
	err := r.db.WithContext(ctx).
		Where("imei = ?", imei).
		Order("created_at ASC").
		Find(&entries).Error
	return entries, err
}

func (r *Repository) ListAllPendingCommands(ctx context.Context) ([]models.CommandQueueEntry, error) {
	var entries []models.CommandQueueEntry
	err := r.db.WithContext(ctx).
		Order("imei ASC, created_at ASC").
		Find(&entries).Error
	return entries, err
}

func (r *Repository) AckCommand(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Delete(&models.CommandQueueEntry{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *Repository) AppendDeviceEvent(ctx context.Context, event *models.DeviceEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *Repository) ListRecentDeviceEvents(ctx context.Context, imei string, limit int) ([]models.DeviceEvent, error) {
	var events []models.DeviceEvent
	q := r.db.WithContext(ctx).Where("imei = ?", imei).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
