package gateway

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openfms/telematics-gateway/internal/model"
	"github.com/openfms/telematics-gateway/internal/presence"
	"github.com/openfms/telematics-gateway/internal/protocol"
	"github.com/openfms/telematics-gateway/internal/session"
	"github.com/openfms/telematics-gateway/internal/storage"
	"github.com/openfms/telematics-gateway/internal/storage/models"
	redisstorage "github.com/openfms/telematics-gateway/internal/storage/redis"
	"github.com/openfms/telematics-gateway/internal/tcpserver"
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

// freeAddr grabs an ephemeral port by briefly listening on it, then
// hands the address to a tcpserver.Server to bind to.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

type fakeRepo struct {
	devices map[string]bool
	mu      sync.Mutex
	events  []*models.DeviceEvent
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(storage.CoreRepo) error) error {
	return fn(f)
}
func (f *fakeRepo) EnsureDevice(ctx context.Context, imei string) (*models.Device, error) {
	f.devices[imei] = true
	return &models.Device{IMEI: imei}, nil
}
func (f *fakeRepo) ListDeviceIMEIs(ctx context.Context) ([]string, error) {
	var out []string
	for imei := range f.devices {
		out = append(out, imei)
	}
	return out, nil
}
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
	return 1, nil
}
func (f *fakeRepo) ListPendingCommands(ctx context.Context, imei string) ([]models.CommandQueueEntry, error) {
	return nil, nil
}
func (f *fakeRepo) ListAllPendingCommands(ctx context.Context) ([]models.CommandQueueEntry, error) {
	return nil, nil
}
func (f *fakeRepo) AckCommand(ctx context.Context, id int64) error { return nil }
func (f *fakeRepo) AppendDeviceEvent(ctx context.Context, event *models.DeviceEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeRepo) eventsFor(imei string) []*models.DeviceEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.DeviceEvent
	for _, e := range f.events {
		if e.IMEI == imei {
			out = append(out, e)
		}
	}
	return out
}
func (f *fakeRepo) ListRecentDeviceEvents(ctx context.Context, imei string, limit int) ([]models.DeviceEvent, error) {
	return nil, nil
}

// fakeCodec is a minimal line-delimited test protocol: "LOGIN:<imei>\n"
// logs in, anything else is treated as a LOCATION frame carrying no GPS
// fix. It lets the supervisor's state machine be exercised without a
// real GT06/Teltonika wire format.
type fakeCodec struct{}

func (fakeCodec) DecodeFrame(frame []byte, ctx *protocol.ConnContext) (*protocol.Packet, error) {
	s := string(frame)
	if len(s) >= 6 && s[:6] == "LOGIN:" {
		return &protocol.Packet{Type: model.PacketLogin, IMEI: s[6:], RequiresAck: true}, nil
	}
	return &protocol.Packet{Type: model.PacketLocation, IMEI: ctx.IMEI, RequiresAck: false}, nil
}
func (fakeCodec) EncodeAck(p *protocol.Packet) []byte { return []byte("ACK\n") }
func (fakeCodec) EncodeCommand(text string, serial uint16) []byte {
	return []byte(fmt.Sprintf("CMD:%s:%d\n", text, serial))
}
func (fakeCodec) ToDeviceRecord(p *protocol.Packet, imei string) *model.DeviceRecord {
	return &model.DeviceRecord{IMEI: imei, PacketType: p.Type}
}

// rejectingCodec wraps fakeCodec with a Teltonika-style one-shot
// handshake reject byte, so handleLogin's negative-ack branch can be
// exercised without the real Teltonika wire format.
type rejectingCodec struct{ fakeCodec }

func (rejectingCodec) EncodeLoginAck(accept bool) []byte {
	if accept {
		return []byte("Y")
	}
	return []byte("N")
}

// fakeReassembler splits on '\n'.
type fakeReassembler struct {
	buf []byte
}

func (r *fakeReassembler) Append(p []byte) { r.buf = append(r.buf, p...) }
func (r *fakeReassembler) TryTakeFrame() ([]byte, protocol.FrameStatus) {
	for i, b := range r.buf {
		if b == '\n' {
			frame := r.buf[:i]
			r.buf = r.buf[i+1:]
			return frame, protocol.OK
		}
	}
	return nil, protocol.NeedMore
}

func newTestSupervisor(t *testing.T) (*Supervisor, *tcpserver.Server, string) {
	t.Helper()
	redisClient := setupTestRedis(t)
	repo := &fakeRepo{devices: make(map[string]bool)}
	ps := presence.New(repo, redisClient, zap.NewNop())

	sup := NewSupervisor(
		model.ProtocolGT06, fakeCodec{},
		func() protocol.Reassembler { return &fakeReassembler{} },
		ps, session.New(), nil, nil, zap.NewNop(), time.Second,
	)

	addr := freeAddr(t)
	srv := tcpserver.New(tcpserver.Config{
		Addr:         addr,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}, zap.NewNop())
	srv.SetConnHandler(sup.Handle)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return sup, srv, addr
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestSupervisor_UnauthorisedNonLoginFrameCloses(t *testing.T) {
	_, _, addr := newTestSupervisor(t)
	conn := dial(t, addr)

	_, err := conn.Write([]byte("HELLO\n"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err, "connection should be closed on out-of-order frame")
}

func TestSupervisor_LoginWithUnknownIMEICloses(t *testing.T) {
	_, _, addr := newTestSupervisor(t)
	conn := dial(t, addr)

	_, err := conn.Write([]byte("LOGIN:999999999999999\n"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err, "connection should be closed for an unauthorised imei")
}

func TestSupervisor_LoginWithUnknownIMEIWritesNegativeAckForRejectingCodec(t *testing.T) {
	redisClient := setupTestRedis(t)
	repo := &fakeRepo{devices: make(map[string]bool)}
	ps := presence.New(repo, redisClient, zap.NewNop())

	sup := NewSupervisor(
		model.ProtocolTeltonika, rejectingCodec{},
		func() protocol.Reassembler { return &fakeReassembler{} },
		ps, session.New(), nil, nil, zap.NewNop(), time.Second,
	)
	addr := freeAddr(t)
	srv := tcpserver.New(tcpserver.Config{Addr: addr, ReadTimeout: time.Second, WriteTimeout: time.Second}, zap.NewNop())
	srv.SetConnHandler(sup.Handle)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	conn := dial(t, addr)
	_, err := conn.Write([]byte("LOGIN:999999999999999\n"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err, "the reject byte must arrive before the connection closes")
	assert.Equal(t, "N", string(buf[:n]))

	_, err = conn.Read(buf)
	assert.Error(t, err, "connection should close after the negative ack")
}

func TestSupervisor_LoginWithKnownIMEIAcksAndBinds(t *testing.T) {
	redisClient := setupTestRedis(t)
	repo := &fakeRepo{devices: make(map[string]bool)}
	ps := presence.New(repo, redisClient, zap.NewNop())
	require.NoError(t, redisClient.RebuildAllowList(context.Background(), []string{"123456789012345"}))

	registry := session.New()
	sup := NewSupervisor(
		model.ProtocolGT06, fakeCodec{},
		func() protocol.Reassembler { return &fakeReassembler{} },
		ps, registry, nil, nil, zap.NewNop(), time.Second,
	)
	addr := freeAddr(t)
	srv := tcpserver.New(tcpserver.Config{Addr: addr, ReadTimeout: time.Second, WriteTimeout: time.Second}, zap.NewNop())
	srv.SetConnHandler(sup.Handle)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	conn := dial(t, addr)
	_, err := conn.Write([]byte("LOGIN:123456789012345\n"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ACK\n", string(buf[:n]))

	time.Sleep(50 * time.Millisecond)
	_, ok := registry.GetConn("123456789012345")
	assert.True(t, ok)

	events := repo.eventsFor("123456789012345")
	require.Len(t, events, 1, "a successful login must append an audit event")
	assert.Equal(t, string(model.PacketLogin), events[0].Type)
}

func TestErrIsChecksum(t *testing.T) {
	assert.True(t, errIsChecksum(fmt.Errorf("bad CRC checksum")))
	assert.True(t, errIsChecksum(fmt.Errorf("invalid crc")))
	assert.False(t, errIsChecksum(fmt.Errorf("short frame")))
}
