// Package gt06 implements the GT06/Concox wire protocol: framing,
// checksum, and the LOGIN/HEARTBEAT/LOCATION/STATUS/command codec.
package gt06

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/openfms/telematics-gateway/internal/model"
	"github.com/openfms/telematics-gateway/internal/protocol"
)

const (
	cmdLogin          = 0x01
	cmdHeartbeat      = 0x13
	cmdLocation       = 0x12
	cmdLocationAlt    = 0x22
	cmdLocationAlarm  = 0x16
	cmdLocationAlarm2 = 0x26
	cmdStatus         = 0x1A
	cmdCommand        = 0x80
)

var (
	ErrFrameTooShort = errors.New("gt06: frame too short")
	ErrChecksum      = errors.New("gt06: checksum mismatch")
	ErrBadStart      = errors.New("gt06: unrecognised start bytes")
)

// Codec decodes and encodes GT06 frames. CRCFallback enables the
// additive-checksum fallback for clone devices that don't implement
// CRC-ITU faithfully; it is off by default (GT06_CRC_FALLBACK).
type Codec struct {
	CRCFallback bool
}

func NewCodec(crcFallback bool) *Codec { return &Codec{CRCFallback: crcFallback} }

// DecodeFrame decodes one complete frame produced by Reassembler.
func (c *Codec) DecodeFrame(frame []byte, ctx *protocol.ConnContext) (*protocol.Packet, error) {
	if len(frame) < 3 {
		return nil, ErrFrameTooShort
	}
	var lenFieldStart, lenFieldEnd int
	switch {
	case frame[0] == startShort && frame[1] == startShort:
		lenFieldStart, lenFieldEnd = 2, 3
	case frame[0] == startLong && frame[1] == startLong:
		lenFieldStart, lenFieldEnd = 2, 4
	default:
		return nil, ErrBadStart
	}
	// payload runs from lenFieldEnd to len(frame)-2 (terminator excluded).
	payload := frame[lenFieldEnd : len(frame)-2]
	if len(payload) < 1+2+2 {
		return nil, ErrFrameTooShort
	}
	protoByte := payload[0]
	content := payload[1 : len(payload)-4]
	serial := uint16(payload[len(payload)-4])<<8 | uint16(payload[len(payload)-3])
	checksum := uint16(payload[len(payload)-2])<<8 | uint16(payload[len(payload)-1])

	// checksum covers the length field through serial, i.e. everything
	// up to but not including the checksum itself.
	checkRange := frame[lenFieldStart : len(frame)-4]
	if crcITU(checkRange) != checksum {
		if !c.CRCFallback || additiveChecksum(checkRange) != checksum {
			return nil, ErrChecksum
		}
	}

	pkt := &protocol.Packet{
		Protocol:    model.ProtocolGT06,
		Raw:         frame,
		RequiresAck: true,
		Serial:      serial,
		Timestamp:   time.Now().UTC(),
	}

	switch protoByte {
	case cmdLogin:
		imei, err := decodeLoginIMEI(content)
		if err != nil {
			return nil, err
		}
		pkt.Type = model.PacketLogin
		pkt.IMEI = imei
	case cmdHeartbeat:
		pkt.Type = model.PacketHeartbeat
		pkt.IMEI = ctx.IMEI
		pkt.Payload = decodeHeartbeat(content)
	case cmdLocation, cmdLocationAlt, cmdLocationAlarm, cmdLocationAlarm2:
		loc, err := decodeLocation(content)
		if err != nil {
			return nil, err
		}
		pkt.Type = model.PacketLocation
		if protoByte == cmdLocationAlarm || protoByte == cmdLocationAlarm2 {
			pkt.Type = model.PacketAlarm
		}
		pkt.IMEI = ctx.IMEI
		pkt.Payload = loc
	case cmdStatus:
		pkt.Type = model.PacketStatus
		pkt.IMEI = ctx.IMEI
		pkt.Payload = decodeStatus(content)
	case cmdCommand:
		pkt.Type = model.PacketUnknown
		pkt.RequiresAck = false
		pkt.IMEI = ctx.IMEI
	default:
		pkt.Type = model.PacketUnknown
		pkt.RequiresAck = false
		pkt.IMEI = ctx.IMEI
	}
	return pkt, nil
}

// decodeLoginIMEI concatenates the per-byte hex representation of the
// 8-byte BCD-like IMEI field and strips leading zeros, keeping at least
// one digit.
func decodeLoginIMEI(content []byte) (string, error) {
	if len(content) < 8 {
		return "", ErrFrameTooShort
	}
	hexStr := hex.EncodeToString(content[:8])
	i := 0
	for i < len(hexStr)-1 && hexStr[i] == '0' {
		i++
	}
	return hexStr[i:], nil
}

// heartbeatPayload is the 5-byte HEARTBEAT body.
type heartbeatPayload struct {
	TerminalInfo byte
	VoltageLevel byte
	GSMSignal    byte
	AlarmLang    uint16
}

func decodeHeartbeat(content []byte) *heartbeatPayload {
	if len(content) < 5 {
		return &heartbeatPayload{}
	}
	return &heartbeatPayload{
		TerminalInfo: content[0],
		VoltageLevel: content[1],
		GSMSignal:    content[2],
		AlarmLang:    uint16(content[3])<<8 | uint16(content[4]),
	}
}

// locationPayload is the decoded LOCATION body.
type locationPayload struct {
	Timestamp  time.Time
	Satellites int
	LatMag     float64
	LonMag     float64
	SpeedKmh   float64
	CourseDeg  float64
	North      bool
	West       bool
	GPSFixed   bool
	GPSRealtime bool
	MCC        uint16
	MNC        byte
	LAC        uint16
	CellID     uint32
	HasLBS     bool
	Acc        bool
	HasAcc     bool
}

func decodeLocation(content []byte) (*locationPayload, error) {
	if len(content) < 6+1+4+4+1+2 {
		return nil, ErrFrameTooShort
	}
	off := 0
	year := 2000 + int(content[off])
	month, day, hour, min, sec := int(content[off+1]), int(content[off+2]), int(content[off+3]), int(content[off+4]), int(content[off+5])
	off += 6
	ts := time.Date(year, time.Month(month), day, hour, min, sec, 0, time.UTC)

	gpsByte := content[off]
	satellites := int(gpsByte & 0x0F)
	off++

	latRaw := uint32(content[off])<<24 | uint32(content[off+1])<<16 | uint32(content[off+2])<<8 | uint32(content[off+3])
	off += 4
	lonRaw := uint32(content[off])<<24 | uint32(content[off+1])<<16 | uint32(content[off+2])<<8 | uint32(content[off+3])
	off += 4

	speed := float64(content[off])
	off++

	status := uint16(content[off])<<8 | uint16(content[off+1])
	off += 2

	p := &locationPayload{
		Timestamp:   ts,
		Satellites:  satellites,
		LatMag:      float64(latRaw) / 1800000.0,
		LonMag:      float64(lonRaw) / 1800000.0,
		SpeedKmh:    speed,
		CourseDeg:   float64(status & 0x03FF),
		North:       status&(1<<10) != 0,
		West:        status&(1<<11) != 0,
		GPSFixed:    status&(1<<12) != 0,
		GPSRealtime: status&(1<<13) != 0,
	}

	if len(content) >= off+8 {
		lbs := content[off : off+8]
		p.MCC = uint16(lbs[0])<<8 | uint16(lbs[1])
		p.MNC = lbs[2]
		p.LAC = uint16(lbs[3])<<8 | uint16(lbs[4])
		p.CellID = uint32(lbs[5])<<16 | uint32(lbs[6])<<8 | uint32(lbs[7])
		p.HasLBS = true
		off += 8
	}
	if len(content) > off {
		p.Acc = content[off]&0x01 != 0
		p.HasAcc = true
	}
	return p, nil
}

// statusPayload is the decoded STATUS (0x1A) body; kept opaque beyond
// the raw bytes since the spec does not define field semantics for it.
type statusPayload struct {
	Raw []byte
}

func decodeStatus(content []byte) *statusPayload {
	return &statusPayload{Raw: content}
}

// EncodeAck builds the positive acknowledgement for LOGIN, HEARTBEAT,
// LOCATION, ALARM and STATUS: 0x78 0x78 | 0x05 | protocolByte |
// serial(2 BE) | CRC(2 BE) | 0x0D 0x0A.
func (c *Codec) EncodeAck(p *protocol.Packet) []byte {
	protoByte := ackProtocolByte(p)
	body := []byte{0x05, protoByte, byte(p.Serial >> 8), byte(p.Serial)}
	crc := crcITU(body)
	out := make([]byte, 0, 2+len(body)+2+2)
	out = append(out, startShort, startShort)
	out = append(out, body...)
	out = append(out, byte(crc>>8), byte(crc))
	out = append(out, 0x0D, 0x0A)
	return out
}

func ackProtocolByte(p *protocol.Packet) byte {
	switch p.Type {
	case model.PacketLogin:
		return cmdLogin
	case model.PacketHeartbeat:
		return cmdHeartbeat
	case model.PacketAlarm:
		return cmdLocationAlarm
	case model.PacketStatus:
		return cmdStatus
	default:
		return cmdLocation
	}
}

// EncodeCommand builds the 0x80 downlink command envelope: start |
// totalLen | 0x80 | contentLen(2 BE) | commandBytes | serial(2 BE) |
// CRC(2 BE) | 0x0D 0x0A.
func (c *Codec) EncodeCommand(text string, serial uint16) []byte {
	cmdBytes := []byte(text)
	contentLen := len(cmdBytes)
	// body = protocolByte(1) + contentLen(2) + cmdBytes + serial(2)
	body := make([]byte, 0, 1+2+contentLen+2)
	body = append(body, cmdCommand, byte(contentLen>>8), byte(contentLen))
	body = append(body, cmdBytes...)
	body = append(body, byte(serial>>8), byte(serial))
	totalLen := len(body) + 2 // + checksum

	out := make([]byte, 0, 2+1+len(body)+2+2)
	out = append(out, startShort, startShort, byte(totalLen))
	out = append(out, body...)
	crc := crcITU(append([]byte{byte(totalLen)}, body...))
	out = append(out, byte(crc>>8), byte(crc))
	out = append(out, 0x0D, 0x0A)
	return out
}

// ToDeviceRecord projects a decoded packet into the webhook-facing
// shape. location is only materialised for LOCATION/ALARM packets.
func (c *Codec) ToDeviceRecord(p *protocol.Packet, imei string) *model.DeviceRecord {
	rec := &model.DeviceRecord{
		IMEI:       imei,
		Protocol:   model.ProtocolGT06,
		PacketType: p.Type,
		Timestamp:  p.Timestamp,
		RawHex:     hex.EncodeToString(p.Raw),
	}
	loc, ok := p.Payload.(*locationPayload)
	if !ok {
		return rec
	}
	lat, lon := loc.LatMag, loc.LonMag
	if !loc.North {
		lat = -lat
	}
	if loc.West {
		lon = -lon
	}
	valid := loc.GPSFixed && lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 && !(lat == 0 && lon == 0)
	rec.Location = &model.Location{
		Lat:            lat,
		Lon:            lon,
		AltitudeMeters: 0,
		SpeedKmh:       loc.SpeedKmh,
		CourseDeg:      loc.CourseDeg,
		Satellites:     loc.Satellites,
		Timestamp:      loc.Timestamp,
		Valid:          valid,
	}
	sensors := map[string]any{
		"gpsFixed":    loc.GPSFixed,
		"gpsRealtime": loc.GPSRealtime,
		"satellites":  loc.Satellites,
		"serial":      p.Serial,
	}
	if loc.HasLBS {
		sensors["mcc"] = loc.MCC
		sensors["mnc"] = loc.MNC
		sensors["lac"] = loc.LAC
		sensors["cellId"] = loc.CellID
	}
	if loc.HasAcc {
		sensors["acc"] = loc.Acc
	}
	if p.Type == model.PacketAlarm {
		sensors["alarm"] = true
	}
	rec.Sensors = sensors
	return rec
}
