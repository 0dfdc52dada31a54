package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openfms/telematics-gateway/internal/model"
	"github.com/openfms/telematics-gateway/internal/storage"
	"github.com/openfms/telematics-gateway/internal/storage/models"
	redisstorage "github.com/openfms/telematics-gateway/internal/storage/redis"
)

const defaultSyncInterval = 5 * time.Minute

// Syncer periodically reconciles the Redis mirrors (allow-list,
// status hash, command queues) against SQL, the durable source of
// truth. Runs are single-flighted: if a sync is still running when
// the next tick fires, the tick is skipped rather than queued.
type Syncer struct {
	repo     storage.CoreRepo
	redis    *redisstorage.Client
	log      *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	running bool
}

func NewSyncer(repo storage.CoreRepo, redis *redisstorage.Client, log *zap.Logger) *Syncer {
	return &Syncer{repo: repo, redis: redis, log: log, interval: defaultSyncInterval}
}

// RunOnce performs a single synchronous reconciliation pass. The
// gateway calls this before any TCP acceptor starts listening so the
// Redis allow-list is populated before the first LOGIN can arrive.
func (s *Syncer) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.syncAllowList(ctx); err != nil {
		return err
	}
	s.syncStatuses(ctx)
	s.syncCommandQueues(ctx)
	return nil
}

// Start runs RunOnce on a fixed interval until ctx is cancelled.
// Callers must call RunOnce once synchronously beforehand; Start only
// handles the recurring ticks.
func (s *Syncer) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.log.Warn("presence sync failed", zap.Error(err))
			}
		}
	}
}

func (s *Syncer) syncAllowList(ctx context.Context) error {
	imeis, err := s.repo.ListDeviceIMEIs(ctx)
	if err != nil {
		return err
	}
	return s.redis.RebuildAllowList(ctx, imeis)
}

// syncStatuses flushes Redis's live status hash into SQL: it is the
// only writer of device_status, since the per-packet hot path
// (presence.Store.UpsertStatus) never touches Postgres directly.
func (s *Syncer) syncStatuses(ctx context.Context) {
	statuses, err := s.redis.GetAllStatuses(ctx)
	if err != nil {
		s.log.Warn("get all statuses from redis failed", zap.Error(err))
		return
	}
	for _, st := range statuses {
		row := &models.DeviceStatus{
			IMEI:       st.IMEI,
			Status:     st.Status,
			Lat:        st.Lat,
			Lon:        st.Lon,
			SpeedKmh:   st.SpeedKmh,
			CourseDeg:  st.CourseDeg,
			Acc:        st.Acc,
			Satellites: int32(st.Satellites),
		}
		if err := s.repo.UpsertDeviceStatus(ctx, row); err != nil {
			s.log.Warn("flush status to sql failed", zap.String("imei", st.IMEI), zap.Error(err))
		}
	}
}

func (s *Syncer) syncCommandQueues(ctx context.Context) {
	entries, err := s.repo.ListAllPendingCommands(ctx)
	if err != nil {
		s.log.Warn("list pending commands failed", zap.Error(err))
		return
	}
	byIMEI := make(map[string][]*model.CommandQueueEntry)
	for i := range entries {
		e := entries[i]
		byIMEI[e.IMEI] = append(byIMEI[e.IMEI], &model.CommandQueueEntry{
			ID: e.ID, IMEI: e.IMEI, Command: e.Command, CreatedAt: e.CreatedAt,
		})
	}
	for imei, refs := range byIMEI {
		if err := s.redis.ReplaceCommandQueue(ctx, imei, refs); err != nil {
			s.log.Warn("resync command queue failed", zap.String("imei", imei), zap.Error(err))
		}
	}
}
