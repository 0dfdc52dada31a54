// Package teltonika implements the Teltonika AVL wire protocol: the
// IMEI handshake, codec 8/8E/16 location records, codec 12 command
// envelope, and CRC-16/IBM framing.
package teltonika

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"

	"github.com/openfms/telematics-gateway/internal/model"
	"github.com/openfms/telematics-gateway/internal/protocol"
)

const (
	codecID8     = 0x08
	codecID8E    = 0x8E
	codecID16    = 0x10
	codecID12    = 0x0C
	cmdTypeReq   = 0x05
	cmdTypeResp  = 0x06
)

var (
	ErrFrameTooShort   = errors.New("teltonika: frame too short")
	ErrUnsupportedCodec = errors.New("teltonika: unsupported codec id")
	ErrCRCMismatch     = errors.New("teltonika: crc mismatch")
)

// Codec decodes and encodes Teltonika frames. StrictCRC rejects frames
// whose CRC-16/IBM does not match instead of decoding opportunistically
// (TELTONIKA_STRICT_CRC).
type Codec struct {
	StrictCRC bool
}

func NewCodec(strictCRC bool) *Codec { return &Codec{StrictCRC: strictCRC} }

// avlRecord is one decoded GPS/IO tuple.
type avlRecord struct {
	Timestamp      time.Time
	Priority       byte
	Lat            float64
	Lon            float64
	AltitudeMeters float64
	AngleDeg       float64
	Satellites     int
	SpeedKmh       float64
	EventIoID      uint32
	IO             map[uint32]int64
}

// avlPayload is the decoded body of an AVL data frame.
type avlPayload struct {
	CodecID     byte
	RecordCount int
	Records     []avlRecord
}

// commandResponsePayload is the decoded body of a codec 12 frame
// arriving from the device (a response to a previously dispatched
// downlink command).
type commandResponsePayload struct {
	Text string
}

// DecodeFrame dispatches on frame shape: a 17-byte buffer starting
// with the fixed length 15 is the IMEI handshake; everything else is
// an AVL envelope (preamble + length + codec-specific body + CRC).
func (c *Codec) DecodeFrame(frame []byte, ctx *protocol.ConnContext) (*protocol.Packet, error) {
	if len(frame) == 17 && frame[0] == 0x00 && frame[1] == 0x0F {
		return c.decodeIMEIFrame(frame)
	}
	return c.decodeAVLFrame(frame, ctx)
}

func (c *Codec) decodeIMEIFrame(frame []byte) (*protocol.Packet, error) {
	imei := string(frame[2:17])
	return &protocol.Packet{
		Type:        model.PacketLogin,
		Protocol:    model.ProtocolTeltonika,
		IMEI:        imei,
		Timestamp:   time.Now().UTC(),
		Raw:         frame,
		RequiresAck: true,
	}, nil
}

func (c *Codec) decodeAVLFrame(frame []byte, ctx *protocol.ConnContext) (*protocol.Packet, error) {
	if len(frame) < 12 {
		return nil, ErrFrameTooShort
	}
	dataLength := binary.BigEndian.Uint32(frame[4:8])
	content := frame[8 : 8+int(dataLength)]
	crcField := frame[8+int(dataLength):]
	crc := binary.BigEndian.Uint32(crcField)
	computed := uint32(crc16IBM(content))
	if computed != crc {
		if c.StrictCRC {
			return nil, ErrCRCMismatch
		}
		// decode opportunistically; still acknowledged.
	}

	if len(content) < 2 {
		return nil, ErrFrameTooShort
	}
	codecID := content[0]

	pkt := &protocol.Packet{
		Protocol:    model.ProtocolTeltonika,
		IMEI:        ctx.IMEI,
		Raw:         frame,
		RequiresAck: true,
		Timestamp:   time.Now().UTC(),
	}

	if codecID == codecID12 {
		resp, err := decodeCommandResponse(content)
		if err != nil {
			return nil, err
		}
		pkt.Type = model.PacketUnknown
		pkt.Payload = resp
		return pkt, nil
	}

	payload, err := decodeAVLRecords(content, codecID)
	if err != nil {
		return nil, err
	}
	pkt.Type = model.PacketLocation
	if len(payload.Records) > 0 && payload.Records[0].Priority > 0 {
		pkt.Type = model.PacketAlarm
	}
	pkt.Payload = payload
	return pkt, nil
}

func decodeCommandResponse(content []byte) (*commandResponsePayload, error) {
	// content: codecId(1) | quantity1(1) | type(1) | size(4 BE) | ascii | quantity2(1)
	if len(content) < 7 {
		return nil, ErrFrameTooShort
	}
	size := binary.BigEndian.Uint32(content[3:7])
	end := 7 + int(size)
	if end > len(content) {
		return nil, ErrFrameTooShort
	}
	return &commandResponsePayload{Text: string(content[7:end])}, nil
}

func decodeAVLRecords(content []byte, codecID byte) (*avlPayload, error) {
	if codecID != codecID8 && codecID != codecID8E && codecID != codecID16 {
		return nil, ErrUnsupportedCodec
	}
	if len(content) < 2 {
		return nil, ErrFrameTooShort
	}
	recordCount := int(content[1])
	off := 2
	idWidth := 1
	countWidth := 1
	if codecID == codecID8E {
		idWidth = 2
		countWidth = 2
	}

	records := make([]avlRecord, 0, recordCount)
	for i := 0; i < recordCount; i++ {
		rec, n, err := decodeOneRecord(content[off:], codecID, idWidth, countWidth)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		off += n
	}
	return &avlPayload{CodecID: codecID, RecordCount: recordCount, Records: records}, nil
}

func decodeOneRecord(b []byte, codecID byte, idWidth, countWidth int) (avlRecord, int, error) {
	const fixedLen = 8 + 1 + 4 + 4 + 2 + 2 + 1 + 2
	if len(b) < fixedLen {
		return avlRecord{}, 0, ErrFrameTooShort
	}
	off := 0
	ms := binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	priority := b[off]
	off++

	lonRaw := int32(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	latRaw := int32(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	altitude := int16(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	angle := binary.BigEndian.Uint16(b[off : off+2])
	off += 2
	satellites := int(b[off])
	off++
	speed := binary.BigEndian.Uint16(b[off : off+2])
	off += 2

	rec := avlRecord{
		Timestamp:      time.UnixMilli(int64(ms)).UTC(),
		Priority:       priority,
		Lat:            float64(latRaw) / 1e7,
		Lon:            float64(lonRaw) / 1e7,
		AltitudeMeters: float64(altitude),
		AngleDeg:       float64(angle),
		Satellites:     satellites,
		SpeedKmh:       float64(speed),
		IO:             map[uint32]int64{},
	}

	ioLen, eventIoID, io, err := decodeIOBlock(b[off:], codecID, idWidth, countWidth)
	if err != nil {
		return avlRecord{}, 0, err
	}
	rec.EventIoID = eventIoID
	rec.IO = io
	off += ioLen
	return rec, off, nil
}

// decodeIOBlock parses eventIoId, totalIoCount, four fixed-width
// stages, and (codec 8E only) a trailing variable-length stage.
func decodeIOBlock(b []byte, codecID byte, idWidth, countWidth int) (int, uint32, map[uint32]int64, error) {
	off := 0
	if len(b) < idWidth+countWidth {
		return 0, 0, nil, ErrFrameTooShort
	}
	eventIoID := readUint(b[off : off+idWidth])
	off += idWidth
	_ = readUint(b[off : off+countWidth]) // totalIoCount; recomputed from stage counts below
	off += countWidth

	io := map[uint32]int64{}
	valueWidths := [4]int{1, 2, 4, 8}
	for stage := 0; stage < 4; stage++ {
		if len(b) < off+countWidth {
			return 0, 0, nil, ErrFrameTooShort
		}
		stageCount := int(readUint(b[off : off+countWidth]))
		off += countWidth
		valueWidth := valueWidths[stage]
		for i := 0; i < stageCount; i++ {
			if len(b) < off+idWidth+valueWidth {
				return 0, 0, nil, ErrFrameTooShort
			}
			id := readUint(b[off : off+idWidth])
			off += idWidth
			val := readUint(b[off : off+valueWidth])
			off += valueWidth
			io[uint32(id)] = int64(val)
		}
	}

	if codecID == codecID8E {
		if len(b) < off+2 {
			return 0, 0, nil, ErrFrameTooShort
		}
		nx := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		for i := 0; i < nx; i++ {
			if len(b) < off+4 {
				return 0, 0, nil, ErrFrameTooShort
			}
			id := uint32(binary.BigEndian.Uint16(b[off : off+2]))
			length := int(binary.BigEndian.Uint16(b[off+2 : off+4]))
			off += 4
			if len(b) < off+length {
				return 0, 0, nil, ErrFrameTooShort
			}
			if length <= 8 {
				io[id] = int64(readUint(b[off : off+length]))
			}
			off += length
		}
	}
	return off, uint32(eventIoID), io, nil
}

func readUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// EncodeAck builds the acknowledgement for an AVL data frame: 4 bytes
// BE carrying the accepted record count. LOGIN (the IMEI handshake)
// is acknowledged separately via EncodeLoginAck, since its ack shape
// (single accept/reject byte) differs from every other packet type.
func (c *Codec) EncodeAck(p *protocol.Packet) []byte {
	if p.Type == model.PacketLogin {
		return c.EncodeLoginAck(true)
	}
	payload, ok := p.Payload.(*avlPayload)
	count := 0
	if ok {
		count = payload.RecordCount
	}
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(count))
	return out
}

// EncodeLoginAck builds the one-shot IMEI handshake response: 0x01 if
// the IMEI is in the allow-list, 0x00 otherwise (the gateway then
// closes the connection).
func (c *Codec) EncodeLoginAck(accept bool) []byte {
	if accept {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// EncodeCommand builds the codec 12 downlink command envelope:
// preamble(4 zero) | dataLen(4 BE) | 0x0C | 0x01 | 0x05 | size(4 BE) |
// commandAscii | 0x01 | CRC(4 BE).
func (c *Codec) EncodeCommand(text string, serial uint16) []byte {
	cmdBytes := []byte(text)
	body := make([]byte, 0, 3+4+len(cmdBytes)+1)
	body = append(body, codecID12, 0x01, cmdTypeReq)
	sizeField := make([]byte, 4)
	binary.BigEndian.PutUint32(sizeField, uint32(len(cmdBytes)))
	body = append(body, sizeField...)
	body = append(body, cmdBytes...)
	body = append(body, 0x01)

	out := make([]byte, 0, 8+len(body)+4)
	out = append(out, 0, 0, 0, 0)
	dataLen := make([]byte, 4)
	binary.BigEndian.PutUint32(dataLen, uint32(len(body)))
	out = append(out, dataLen...)
	out = append(out, body...)
	crc := uint32(crc16IBM(body))
	crcField := make([]byte, 4)
	binary.BigEndian.PutUint32(crcField, crc)
	out = append(out, crcField...)
	return out
}

// ToDeviceRecord projects the first AVL record of the batch into the
// webhook-facing shape, matching the spec's "implementation MAY emit
// one record per AVL tuple" allowance by keeping the simpler
// first-record projection.
func (c *Codec) ToDeviceRecord(p *protocol.Packet, imei string) *model.DeviceRecord {
	rec := &model.DeviceRecord{
		IMEI:       imei,
		Protocol:   model.ProtocolTeltonika,
		PacketType: p.Type,
		Timestamp:  p.Timestamp,
		RawHex:     hex.EncodeToString(p.Raw),
	}
	payload, ok := p.Payload.(*avlPayload)
	if !ok || len(payload.Records) == 0 {
		return rec
	}
	first := payload.Records[0]
	valid := first.Lat >= -90 && first.Lat <= 90 && first.Lon >= -180 && first.Lon <= 180 && !(first.Lat == 0 && first.Lon == 0)
	rec.Location = &model.Location{
		Lat:            first.Lat,
		Lon:            first.Lon,
		AltitudeMeters: first.AltitudeMeters,
		SpeedKmh:       first.SpeedKmh,
		CourseDeg:      first.AngleDeg,
		Satellites:     first.Satellites,
		Timestamp:      first.Timestamp,
		Valid:          valid,
	}
	sensors := map[string]any{
		"priority":  first.Priority,
		"eventIoId": first.EventIoID,
	}
	for id, val := range first.IO {
		sensors["io_"+itoa(id)] = val
	}
	if p.Type == model.PacketAlarm {
		sensors["alarm"] = true
	}
	rec.Sensors = sensors
	return rec
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
