// Package protocol defines the contracts every wire protocol codec
// implements: framing (Reassembler) and decoding (Codec). The concrete
// GT06 and Teltonika implementations live in sibling packages; the
// gateway dispatches on listening port, not on a runtime type switch.
package protocol

import (
	"time"

	"github.com/openfms/telematics-gateway/internal/model"
)

// FrameStatus is the outcome of one TryTakeFrame call.
type FrameStatus int

const (
	NeedMore FrameStatus = iota
	Invalid
	OK
)

// Reassembler turns an append-only byte stream into complete protocol
// frames. It is stateless with respect to frame semantics; it only knows
// framing. Implementations are single-writer, owned by the connection's
// own goroutine.
type Reassembler interface {
	// Append grows the internal buffer by p. Constant-time.
	Append(p []byte)
	// TryTakeFrame returns the next complete frame and consumes its
	// bytes from the buffer, or reports that more bytes are needed, or
	// that the buffered prefix can never form a valid frame. Never
	// blocks.
	TryTakeFrame() (frame []byte, status FrameStatus)
}

// Packet is the in-memory result of one successful frame decode.
type Packet struct {
	Type        model.PacketType
	Protocol    model.Protocol
	IMEI        string
	Timestamp   time.Time
	Raw         []byte
	RequiresAck bool
	Serial      uint16
	Payload     any
}

// Codec decodes frames produced by a matching Reassembler, builds their
// acknowledgements, encodes downlink commands and projects packets into
// the webhook-facing DeviceRecord shape.
type Codec interface {
	DecodeFrame(frame []byte, ctx *ConnContext) (*Packet, error)
	EncodeAck(p *Packet) []byte
	EncodeCommand(text string, serial uint16) []byte
	ToDeviceRecord(p *Packet, imei string) *model.DeviceRecord
}

// ConnContext is the minimal per-connection state a codec needs to
// decode a frame: the IMEI already bound on the connection (if any) and
// whether it is authorised. The gateway's own connection wrapper
// satisfies this via a thin adapter so codecs stay decoupled from
// tcpserver.
type ConnContext struct {
	IMEI       string
	Authorized bool
}
