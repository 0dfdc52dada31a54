// Package gateway implements the per-connection session supervisor:
// the decode/ACK/command-drain loop that sits between the raw TCP
// connection and the presence store. One Supervisor instance is
// shared by every connection on a protocol's port; per-connection
// state lives in connState.
package gateway

import (
	"context"
	"encoding/hex"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openfms/telematics-gateway/internal/metrics"
	"github.com/openfms/telematics-gateway/internal/model"
	"github.com/openfms/telematics-gateway/internal/presence"
	"github.com/openfms/telematics-gateway/internal/protocol"
	"github.com/openfms/telematics-gateway/internal/session"
	"github.com/openfms/telematics-gateway/internal/tcpserver"
	"github.com/openfms/telematics-gateway/internal/thirdparty"
)

const maxConsecutiveDecodeErrors = 3

// loginRejecter is satisfied by codecs whose handshake defines a
// one-shot reject byte distinct from the per-frame EncodeAck (currently
// only Teltonika's 0x00; GT06's LOGIN ack has no negative form, so its
// codec does not implement this and handleLogin just closes).
type loginRejecter interface {
	EncodeLoginAck(accept bool) []byte
}

// closeReason labels why the supervisor ended a connection, for logging.
type closeReason string

const (
	closeTimeout      closeReason = "TIMEOUT"
	closeProtocolErr  closeReason = "PROTOCOL_ERROR"
	closeUnauthorised closeReason = "UNAUTHORISED"
	closeOutOfOrder   closeReason = "OUT_OF_ORDER"
)

// Supervisor wires one protocol's codec and reassembler factory to
// the shared presence store, session registry, metrics and webhook
// pusher. Bind it to a tcpserver.Server via SetConnHandler(sup.Handle).
type Supervisor struct {
	protocol     model.Protocol
	codec        protocol.Codec
	newReassembler func() protocol.Reassembler
	presence     *presence.Store
	sessions     session.Registry
	metrics      *metrics.AppMetrics
	pusher       *thirdparty.Pusher
	log          *zap.Logger
	idleTimeout  time.Duration
	connsActive  func() // increments the port's active-connection gauge
	connsDone    func() // decrements it
}

func NewSupervisor(
	proto model.Protocol,
	codec protocol.Codec,
	newReassembler func() protocol.Reassembler,
	ps *presence.Store,
	sessions session.Registry,
	m *metrics.AppMetrics,
	pusher *thirdparty.Pusher,
	log *zap.Logger,
	idleTimeout time.Duration,
) *Supervisor {
	return &Supervisor{
		protocol:       proto,
		codec:          codec,
		newReassembler: newReassembler,
		presence:       ps,
		sessions:       sessions,
		metrics:        m,
		pusher:         pusher,
		log:            log,
		idleTimeout:    idleTimeout,
	}
}

// SetConnGauges wires the per-port active-connection gauge increment
// and decrement hooks.
func (s *Supervisor) SetConnGauges(inc, dec func()) {
	s.connsActive, s.connsDone = inc, dec
}

// connState is the supervisor's per-connection state, confined to the
// connection's own read-callback goroutine (tcpserver.ConnContext
// invokes onRead from a single goroutine per connection, so no lock
// is needed here).
type connState struct {
	cc             *tcpserver.ConnContext
	reassembler    protocol.Reassembler
	imei           string
	authorized     bool
	consecutiveErr int
	lastActivity   time.Time
	serial         uint32
}

// Handle is installed as the tcpserver.Server's connection handler. It
// sets up per-connection state and the idle-timeout watchdog, then
// installs the byte callback that drives decoding.
func (s *Supervisor) Handle(cc *tcpserver.ConnContext) {
	if s.connsActive != nil {
		s.connsActive()
	}
	st := &connState{
		cc:          cc,
		reassembler: s.newReassembler(),
		lastActivity: time.Now(),
	}

	cc.SetOnRead(func(b []byte) {
		st.lastActivity = time.Now()
		st.reassembler.Append(b)
		s.drainFrames(cc, st)
	})

	go s.watchIdle(cc, st)

	go func() {
		<-cc.Done()
		if s.connsDone != nil {
			s.connsDone()
		}
		if st.imei != "" {
			s.sessions.Unbind(st.imei)
			status := &model.DeviceStatus{IMEI: st.imei, Status: model.StatusDisconnected, UpdatedAt: time.Now().UTC()}
			if err := s.presence.UpsertStatus(context.Background(), status); err != nil {
				s.log.Warn("presence upsert failed on disconnect", zap.String("imei", st.imei), zap.Error(err))
			}
		}
	}()
}

func (s *Supervisor) watchIdle(cc *tcpserver.ConnContext, st *connState) {
	if s.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(s.idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-cc.Done():
			return
		case <-ticker.C:
			if time.Since(st.lastActivity) > s.idleTimeout {
				s.log.Info("closing idle connection",
					zap.String("imei", st.imei), zap.String("reason", string(closeTimeout)))
				_ = cc.Close()
				return
			}
		}
	}
}

func (s *Supervisor) drainFrames(cc *tcpserver.ConnContext, st *connState) {
	for {
		frame, status := st.reassembler.TryTakeFrame()
		switch status {
		case protocol.NeedMore:
			return
		case protocol.Invalid:
			// Framing-level Invalid (bytes matching no known frame shape)
			// closes immediately: unlike a checksum mismatch there's no
			// way to resync without risking unbounded buffer growth, so
			// it gets no strike allowance.
			s.log.Info("closing connection on invalid framing",
				zap.String("imei", st.imei), zap.String("reason", string(closeProtocolErr)))
			_ = cc.Close()
			return
		}

		ctx := &protocol.ConnContext{IMEI: st.imei, Authorized: st.authorized}
		pkt, err := s.codec.DecodeFrame(frame, ctx)
		if err != nil {
			st.consecutiveErr++
			s.recordFrameMetric("decode", "error")
			if errIsChecksum(err) {
				s.recordChecksumFailure()
			}
			if st.consecutiveErr >= maxConsecutiveDecodeErrors {
				s.log.Info("closing connection after repeated decode errors",
					zap.String("imei", st.imei), zap.String("reason", string(closeProtocolErr)))
				_ = cc.Close()
				return
			}
			continue
		}
		st.consecutiveErr = 0
		s.recordFrameMetric(string(pkt.Type), "ok")

		if !s.handlePacket(cc, st, pkt) {
			return
		}
	}
}

func (s *Supervisor) recordFrameMetric(ptype, result string) {
	if s.metrics == nil {
		return
	}
	switch s.protocol {
	case model.ProtocolGT06:
		s.metrics.GT06FramesTotal.WithLabelValues(ptype, result).Inc()
	case model.ProtocolTeltonika:
		s.metrics.TeltonikaFramesTotal.WithLabelValues(ptype, result).Inc()
	}
}

func (s *Supervisor) recordChecksumFailure() {
	if s.metrics == nil {
		return
	}
	s.metrics.ChecksumFailuresTotal.WithLabelValues(string(s.protocol)).Inc()
}

func errIsChecksum(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "checksum") || strings.Contains(msg, "crc")
}

// handlePacket applies the LOGIN/authorisation state machine and, for
// authorised traffic, ACKs, persists presence, fans the record out to
// the webhook, and drains one queued command. It returns false if the
// connection was closed.
func (s *Supervisor) handlePacket(cc *tcpserver.ConnContext, st *connState, pkt *protocol.Packet) bool {
	ctx := context.Background()

	if pkt.Type == model.PacketLogin {
		return s.handleLogin(ctx, cc, st, pkt)
	}

	if !st.authorized {
		s.log.Info("closing unauthorised connection on non-login frame",
			zap.String("reason", string(closeOutOfOrder)))
		_ = cc.Close()
		return false
	}

	if pkt.RequiresAck {
		_ = cc.Write(s.codec.EncodeAck(pkt))
	}

	record := s.codec.ToDeviceRecord(pkt, st.imei)
	s.updatePresenceAndForward(ctx, st.imei, pkt, record)
	s.drainCommand(ctx, cc, st.imei)
	return true
}

func (s *Supervisor) handleLogin(ctx context.Context, cc *tcpserver.ConnContext, st *connState, pkt *protocol.Packet) bool {
	if st.authorized {
		if pkt.IMEI == st.imei {
			// Idempotent re-login on the same connection: ACK, no rebind.
			if pkt.RequiresAck {
				_ = cc.Write(s.codec.EncodeAck(pkt))
			}
			return true
		}
		s.log.Info("closing connection on re-login with different imei",
			zap.String("imei", st.imei), zap.String("newImei", pkt.IMEI),
			zap.String("reason", string(closeProtocolErr)))
		_ = cc.Close()
		return false
	}

	ok, err := s.presence.IsAuthorised(ctx, pkt.IMEI)
	if err != nil {
		s.log.Error("authorisation check failed", zap.String("imei", pkt.IMEI), zap.Error(err))
		_ = cc.Close()
		return false
	}
	if !ok {
		s.log.Info("rejecting login for unknown imei",
			zap.String("imei", pkt.IMEI), zap.String("reason", string(closeUnauthorised)))
		if lr, ok := s.codec.(loginRejecter); ok {
			_ = cc.Write(lr.EncodeLoginAck(false))
		}
		_ = cc.Close()
		return false
	}

	st.imei = pkt.IMEI
	st.authorized = true
	s.sessions.Bind(pkt.IMEI, &BoundConn{Conn: cc, Supervisor: s})
	s.sessions.Touch(pkt.IMEI, time.Now())

	s.log.Info("device authorised",
		zap.String("imei", pkt.IMEI),
		zap.String("remoteAddr", cc.RemoteAddr().String()),
		zap.String("packetType", string(pkt.Type)))

	status := &model.DeviceStatus{IMEI: pkt.IMEI, Status: model.StatusConnected, UpdatedAt: time.Now().UTC()}
	if err := s.presence.UpsertStatus(ctx, status); err != nil {
		s.log.Warn("presence upsert failed on login", zap.String("imei", pkt.IMEI), zap.Error(err))
	}
	s.presence.AppendEvent(ctx, pkt.IMEI, pkt.Type, hex.EncodeToString(pkt.Raw))

	if pkt.RequiresAck {
		_ = cc.Write(s.codec.EncodeAck(pkt))
	}

	s.drainCommand(ctx, cc, pkt.IMEI)
	return true
}

func (s *Supervisor) updatePresenceAndForward(ctx context.Context, imei string, pkt *protocol.Packet, record *model.DeviceRecord) {
	s.sessions.Touch(imei, time.Now())

	go func() {
		if pkt.Type == model.PacketHeartbeat {
			status := &model.DeviceStatus{IMEI: imei, Status: model.StatusConnected, UpdatedAt: time.Now().UTC()}
			if err := s.presence.UpsertStatus(ctx, status); err != nil {
				s.log.Warn("presence upsert failed", zap.String("imei", imei), zap.Error(err))
			}
			return
		}
		if pkt.Type == model.PacketLocation || pkt.Type == model.PacketAlarm {
			if record.Location != nil {
				status := &model.DeviceStatus{
					IMEI:      imei,
					Status:    model.StatusConnected,
					Lat:       record.Location.Lat,
					Lon:       record.Location.Lon,
					SpeedKmh:  record.Location.SpeedKmh,
					CourseDeg: record.Location.CourseDeg,
					UpdatedAt: time.Now().UTC(),
				}
				if acc, ok := record.Sensors["acc"].(bool); ok {
					status.Acc = acc
				}
				status.Satellites = record.Location.Satellites
				if err := s.presence.UpsertStatus(ctx, status); err != nil {
					s.log.Warn("presence upsert failed", zap.String("imei", imei), zap.Error(err))
				}
			}
		}
	}()

	if pkt.Type == model.PacketAlarm {
		go s.presence.AppendEvent(ctx, imei, pkt.Type, hex.EncodeToString(pkt.Raw))
	}

	go func() {
		if thirdparty.IsAlarmWithSensorFlag(record) {
			if err := s.pusher.ForwardWithRetry(ctx, record); err != nil {
				s.log.Warn("alarm webhook forward exhausted retries", zap.String("imei", imei), zap.Error(err))
			}
			return
		}
		s.pusher.Forward(ctx, record)
	}()
}

// drainCommand pops at most one pending command for imei and writes
// it to the connection, retrying via RequeueCommand on write failure.
// cc.Write blocks until the frame has actually reached the socket, so
// AckCommand only ever runs after a real delivery, not an enqueue.
func (s *Supervisor) drainCommand(ctx context.Context, cc *tcpserver.ConnContext, imei string) {
	entry, err := s.presence.PopCommand(ctx, imei)
	if err != nil {
		s.log.Warn("pop command failed", zap.String("imei", imei), zap.Error(err))
		return
	}
	if entry == nil {
		return
	}
	serial := uint16(atomic.AddUint32(&commandSerial, 1))
	frame := s.codec.EncodeCommand(entry.Command, serial)
	if err := cc.Write(frame); err != nil {
		s.log.Warn("command dispatch write failed, requeueing", zap.String("imei", imei), zap.Error(err))
		if err := s.presence.RequeueCommand(ctx, imei, entry); err != nil {
			s.log.Error("requeue command failed", zap.String("imei", imei), zap.Error(err))
		}
		return
	}
	if err := s.presence.AckCommand(ctx, entry.ID); err != nil {
		s.log.Warn("ack command failed", zap.Int64("id", entry.ID), zap.Error(err))
	}
}

var commandSerial uint32

// BoundConn is what the session registry holds for an authorised
/// IMEI: the live socket plus the supervisor (and therefore codec)
// that owns it, so the admin API can dispatch a command without
// knowing which protocol the IMEI speaks.
type BoundConn struct {
	Conn       *tcpserver.ConnContext
	Supervisor *Supervisor
}

// DispatchCommand encodes and writes a command entry to an already
// bound connection, used by the admin API's immediate-dispatch path.
// It also removes the entry from the Redis FIFO, since this bypasses
// the normal PopCommand-based drain that would otherwise remove it;
// skipping that would deliver the same command again on the device's
// next HEARTBEAT/LOCATION.
func (b *BoundConn) DispatchCommand(ctx context.Context, entry *model.CommandQueueEntry) error {
	serial := uint16(atomic.AddUint32(&commandSerial, 1))
	frame := b.Supervisor.codec.EncodeCommand(entry.Command, serial)
	if err := b.Conn.Write(frame); err != nil {
		return err
	}
	if err := b.Supervisor.presence.RemoveCommand(ctx, entry.IMEI, entry.ID); err != nil {
		b.Supervisor.log.Warn("remove dispatched command from redis queue failed",
			zap.String("imei", entry.IMEI), zap.Error(err))
	}
	return b.Supervisor.presence.AckCommand(ctx, entry.ID)
}
