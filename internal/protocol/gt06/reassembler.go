package gt06

import "github.com/openfms/telematics-gateway/internal/protocol"

const (
	startShort = 0x78
	startLong  = 0x79
)

// Reassembler implements protocol.Reassembler for GT06/Concox framing:
// start bytes 0x7878 (short, 1-byte length) or 0x7979 (long, 2-byte BE
// length), terminated by 0x0D0A.
type Reassembler struct {
	buf []byte
}

func NewReassembler() *Reassembler { return &Reassembler{} }

func (r *Reassembler) Append(p []byte) {
	r.buf = append(r.buf, p...)
}

func (r *Reassembler) TryTakeFrame() ([]byte, protocol.FrameStatus) {
	if len(r.buf) < 2 {
		return nil, protocol.NeedMore
	}
	switch {
	case r.buf[0] == startShort && r.buf[1] == startShort:
		return r.takeShort()
	case r.buf[0] == startLong && r.buf[1] == startLong:
		return r.takeLong()
	default:
		return nil, protocol.Invalid
	}
}

func (r *Reassembler) takeShort() ([]byte, protocol.FrameStatus) {
	if len(r.buf) < 3 {
		return nil, protocol.NeedMore
	}
	payloadLen := int(r.buf[2])
	if payloadLen == 0 {
		return nil, protocol.Invalid
	}
	// total = start(2) + lenByte(1) + payload(payloadLen) + terminator(2)
	total := 3 + payloadLen + 2
	if len(r.buf) < total {
		return nil, protocol.NeedMore
	}
	if r.buf[total-2] != 0x0D || r.buf[total-1] != 0x0A {
		return nil, protocol.Invalid
	}
	frame := r.buf[:total]
	r.buf = r.buf[total:]
	return frame, protocol.OK
}

func (r *Reassembler) takeLong() ([]byte, protocol.FrameStatus) {
	if len(r.buf) < 4 {
		return nil, protocol.NeedMore
	}
	payloadLen := int(r.buf[2])<<8 | int(r.buf[3])
	if payloadLen == 0 {
		return nil, protocol.Invalid
	}
	total := 4 + payloadLen + 2
	if len(r.buf) < total {
		return nil, protocol.NeedMore
	}
	if r.buf[total-2] != 0x0D || r.buf[total-1] != 0x0A {
		return nil, protocol.Invalid
	}
	frame := r.buf[:total]
	r.buf = r.buf[total:]
	return frame, protocol.OK
}
