// Package storage defines the SQL-facing contract the presence store
// and admin API use; no caller reaches for raw SQL directly.
package storage

import (
	"context"
	"time"

	"github.com/openfms/telematics-gateway/internal/storage/models"
)

// CoreRepo is the SQL-backed source of truth for device authorisation,
// live status, and the downlink command queue. Implementations must
// support nested WithTx calls (reuse the outer transaction rather than
// starting a new one) so callers can compose multi-step writes.
type CoreRepo interface {
	WithTx(ctx context.Context, fn func(repo CoreRepo) error) error

	// ---------- devices (allow-list) ----------
	EnsureDevice(ctx context.Context, imei string) (*models.Device, error)
	ListDeviceIMEIs(ctx context.Context) ([]string, error)
	ListDevices(ctx context.Context, limit, offset int) ([]models.Device, error)

	// ---------- device_status ----------
	UpsertDeviceStatus(ctx context.Context, status *models.DeviceStatus) error
	GetDeviceStatus(ctx context.Context, imei string) (*models.DeviceStatus, error)
	ListDeviceStatuses(ctx context.Context) ([]models.DeviceStatus, error)

	// ---------- command_queue ----------
	// EnqueueCommand inserts a pending command and returns its row id.
	EnqueueCommand(ctx context.Context, imei, command string) (int64, error)
	// ListPendingCommands returns every pending command for an IMEI in
	// FIFO (createdAt) order.
	ListPendingCommands(ctx context.Context, imei string) ([]models.CommandQueueEntry, error)
	// ListAllPendingCommands returns every pending command across all
	// IMEIs, grouped implicitly by createdAt order within each IMEI; the
	// background sync uses it to rebuild the Redis mirror.
	ListAllPendingCommands(ctx context.Context) ([]models.CommandQueueEntry, error)
	// AckCommand deletes a dispatched command's row. Deletion only
	// happens after the socket write that delivered it succeeded.
	AckCommand(ctx context.Context, id int64) error

	// ---------- device_events (supplemental audit trail) ----------
	AppendDeviceEvent(ctx context.Context, event *models.DeviceEvent) error
	ListRecentDeviceEvents(ctx context.Context, imei string, limit int) ([]models.DeviceEvent, error)
}

// StatusTimestamp is a small helper so callers don't need to import
// time just to stamp a DeviceStatus before upserting it.
func StatusTimestamp() time.Time { return time.Now().UTC() }
