package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openfms/telematics-gateway/internal/presence"
	"github.com/openfms/telematics-gateway/internal/session"
	"github.com/openfms/telematics-gateway/internal/storage"
	"github.com/openfms/telematics-gateway/internal/storage/models"
	redisstorage "github.com/openfms/telematics-gateway/internal/storage/redis"
)

func setupTestRedis(t *testing.T) *redisstorage.Client {
	t.Helper()
	rdb := goredis.NewClient(&goredis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("redis not available, skipping")
	}
	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})
	return &redisstorage.Client{Client: rdb}
}

type fakeRepo struct {
	commands []models.CommandQueueEntry
	nextID   int64
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(storage.CoreRepo) error) error { return fn(f) }
func (f *fakeRepo) EnsureDevice(ctx context.Context, imei string) (*models.Device, error) {
	return &models.Device{IMEI: imei}, nil
}
func (f *fakeRepo) ListDeviceIMEIs(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeRepo) ListDevices(ctx context.Context, limit, offset int) ([]models.Device, error) {
	return nil, nil
}
func (f *fakeRepo) UpsertDeviceStatus(ctx context.Context, status *models.DeviceStatus) error {
	return nil
}
func (f *fakeRepo) GetDeviceStatus(ctx context.Context, imei string) (*models.DeviceStatus, error) {
	return nil, nil
}
func (f *fakeRepo) ListDeviceStatuses(ctx context.Context) ([]models.DeviceStatus, error) {
	return nil, nil
}
func (f *fakeRepo) EnqueueCommand(ctx context.Context, imei, command string) (int64, error) {
	f.nextID++
	f.commands = append(f.commands, models.CommandQueueEntry{ID: f.nextID, IMEI: imei, Command: command})
	return f.nextID, nil
}
func (f *fakeRepo) ListPendingCommands(ctx context.Context, imei string) ([]models.CommandQueueEntry, error) {
	return nil, nil
}
func (f *fakeRepo) ListAllPendingCommands(ctx context.Context) ([]models.CommandQueueEntry, error) {
	return nil, nil
}
func (f *fakeRepo) AckCommand(ctx context.Context, id int64) error { return nil }
func (f *fakeRepo) AppendDeviceEvent(ctx context.Context, event *models.DeviceEvent) error {
	return nil
}
func (f *fakeRepo) ListRecentDeviceEvents(ctx context.Context, imei string, limit int) ([]models.DeviceEvent, error) {
	return nil, nil
}

func newTestEngine(t *testing.T, secretKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	redisClient := setupTestRedis(t)
	repo := &fakeRepo{}
	ps := presence.New(repo, redisClient, zap.NewNop())

	r := gin.New()
	RegisterRoutes(r, &Handlers{
		Presence:  ps,
		Sessions:  session.New(),
		StartedAt: time.Now(),
		Log:       zap.NewNop(),
	}, secretKey)
	return r
}

func TestHealthRouteIsUnauthenticated(t *testing.T) {
	r := newTestEngine(t, "secret")
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestInfoRouteIsUnauthenticated(t *testing.T) {
	r := newTestEngine(t, "secret")
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/info", nil)
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "telematics-gateway", body["service"])
}

func TestEnqueueCommandRequiresBearerAuth(t *testing.T) {
	r := newTestEngine(t, "secret")
	rr := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]string{"command": "RESET#"})
	req := httptest.NewRequest(http.MethodPost, "/api/commands/123456789012345", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestEnqueueCommandPersistsWithValidAuth(t *testing.T) {
	r := newTestEngine(t, "secret")
	rr := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]string{"command": "RESET#"})
	req := httptest.NewRequest(http.MethodPost, "/api/commands/123456789012345", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestEnqueueCommandRejectsMissingBody(t *testing.T) {
	r := newTestEngine(t, "secret")
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/commands/123456789012345", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
