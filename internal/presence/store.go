// Package presence fronts the IMEI allow-list, live device status,
// and downlink command queue with Redis for the hot path while
// keeping PostgreSQL as the durable source of truth. Per-packet writes
// (LOGIN, HEARTBEAT, LOCATION, ALARM) land in Redis only, so every
// connected device's status update costs one Redis round trip, never
// a synchronous Postgres one; the background Syncer periodically
// flushes Redis's live status hash into SQL.
package presence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openfms/telematics-gateway/internal/model"
	"github.com/openfms/telematics-gateway/internal/storage"
	"github.com/openfms/telematics-gateway/internal/storage/models"
	redisstorage "github.com/openfms/telematics-gateway/internal/storage/redis"
)

// Store is the presence and command-queue facade the session
// supervisor and admin API call into. It never exposes raw SQL or
// Redis handles to its callers.
type Store struct {
	repo  storage.CoreRepo
	redis *redisstorage.Client
	log   *zap.Logger
}

func New(repo storage.CoreRepo, redis *redisstorage.Client, log *zap.Logger) *Store {
	return &Store{repo: repo, redis: redis, log: log}
}

// IsAuthorised is the sole hot-path gate for LOGIN: a Redis set
// membership check. Callers must not fall back to SQL on a Redis
// error; that defeats the purpose of the mirror and would put a
// database round trip in the per-connection LOGIN path.
func (s *Store) IsAuthorised(ctx context.Context, imei string) (bool, error) {
	return s.redis.IsAuthorised(ctx, imei)
}

// UpsertStatus merges the device's live status into its Redis hash
// entry. This is the hot path called on every LOGIN/HEARTBEAT/
// LOCATION/ALARM packet across every connected device, so it touches
// only Redis; the background Syncer is responsible for flushing this
// into SQL on its own schedule. The position fields are written only
// when the status carries a position (non-zero lat or lon), so a
// status-only update leaves the last known position in place.
func (s *Store) UpsertStatus(ctx context.Context, status *model.DeviceStatus) error {
	fields := map[string]any{
		"status":    status.Status,
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if status.Lat != 0 || status.Lon != 0 {
		fields["lat"] = status.Lat
		fields["lon"] = status.Lon
		fields["speedKmh"] = status.SpeedKmh
		fields["courseDeg"] = status.CourseDeg
		fields["acc"] = status.Acc
		fields["satellites"] = status.Satellites
	}
	if err := s.redis.UpsertStatusFields(ctx, status.IMEI, fields); err != nil {
		return fmt.Errorf("upsert status fields: %w", err)
	}
	return nil
}

// EnqueueCommand inserts the command into SQL and the Redis FIFO
// inside a single transaction: if the Redis push fails, the SQL
// insert is rolled back so the two stores never disagree about
// whether a command is pending.
func (s *Store) EnqueueCommand(ctx context.Context, imei, command string) (int64, error) {
	var id int64
	err := s.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
		var err error
		id, err = repo.EnqueueCommand(ctx, imei, command)
		if err != nil {
			return fmt.Errorf("enqueue command row: %w", err)
		}
		entry := &model.CommandQueueEntry{ID: id, IMEI: imei, Command: command, CreatedAt: time.Now().UTC()}
		if err := s.redis.EnqueueCommand(ctx, imei, entry); err != nil {
			return fmt.Errorf("mirror command to redis: %w", err)
		}
		return nil
	})
	return id, err
}

// PopCommand removes and returns the oldest pending command for an
// IMEI from the Redis FIFO, for the supervisor's inline drain.
func (s *Store) PopCommand(ctx context.Context, imei string) (*model.CommandQueueEntry, error) {
	return s.redis.PopCommand(ctx, imei)
}

// RequeueCommand re-inserts a command at the head of the queue after
// a failed socket write, so the next triggering packet retries it
// before any newer command.
func (s *Store) RequeueCommand(ctx context.Context, imei string, entry *model.CommandQueueEntry) error {
	return s.redis.PushCommandFront(ctx, imei, entry)
}

// RemoveCommand drops a command from the Redis FIFO by ID without
// popping the head, for an immediate dispatch that bypasses the normal
// PopCommand drain; without this the same command would be delivered
// again the next time drainCommand pops the queue.
func (s *Store) RemoveCommand(ctx context.Context, imei string, id int64) error {
	return s.redis.RemoveCommand(ctx, imei, id)
}

// AckCommand deletes the SQL row for a command once its socket write
// has succeeded. Only SQL is touched; Redis already dropped the entry
// when it was popped.
func (s *Store) AckCommand(ctx context.Context, id int64) error {
	return s.repo.AckCommand(ctx, id)
}

// AppendEvent records a best-effort audit row; callers should not let
// a failure here affect the hot path.
func (s *Store) AppendEvent(ctx context.Context, imei string, ptype model.PacketType, rawHex string) {
	err := s.repo.AppendDeviceEvent(ctx, &models.DeviceEvent{IMEI: imei, Type: string(ptype), RawHex: rawHex})
	if err != nil {
		s.log.Warn("append device event failed", zap.String("imei", imei), zap.Error(err))
	}
}
