package teltonika

import "github.com/openfms/telematics-gateway/internal/protocol"

// maxAVLDataLength caps a single AVL frame's declared data length; a
// larger value is treated as INVALID rather than buffered forever.
const maxAVLDataLength = 64 * 1024

// Reassembler implements protocol.Reassembler for Teltonika framing.
// The first frame on a connection is always the one-shot IMEI
// handshake (2-byte BE length, fixed 15, followed by 15 ASCII
// digits); every frame after that is an AVL data frame (4-byte zero
// preamble, 4-byte BE data length, data, 4-byte CRC).
type Reassembler struct {
	buf          []byte
	imeiReceived bool
}

func NewReassembler() *Reassembler { return &Reassembler{} }

func (r *Reassembler) Append(p []byte) {
	r.buf = append(r.buf, p...)
}

func (r *Reassembler) TryTakeFrame() ([]byte, protocol.FrameStatus) {
	if !r.imeiReceived {
		return r.takeIMEI()
	}
	return r.takeAVL()
}

func (r *Reassembler) takeIMEI() ([]byte, protocol.FrameStatus) {
	if len(r.buf) < 2 {
		return nil, protocol.NeedMore
	}
	length := int(r.buf[0])<<8 | int(r.buf[1])
	if length != 15 {
		return nil, protocol.Invalid
	}
	total := 2 + 15
	if len(r.buf) < total {
		return nil, protocol.NeedMore
	}
	frame := r.buf[:total]
	r.buf = r.buf[total:]
	r.imeiReceived = true
	return frame, protocol.OK
}

func (r *Reassembler) takeAVL() ([]byte, protocol.FrameStatus) {
	if len(r.buf) < 8 {
		return nil, protocol.NeedMore
	}
	for i := 0; i < 4; i++ {
		if r.buf[i] != 0 {
			return nil, protocol.Invalid
		}
	}
	dataLength := int(r.buf[4])<<24 | int(r.buf[5])<<16 | int(r.buf[6])<<8 | int(r.buf[7])
	if dataLength <= 0 || dataLength > maxAVLDataLength {
		return nil, protocol.Invalid
	}
	total := 8 + dataLength + 4
	if len(r.buf) < total {
		return nil, protocol.NeedMore
	}
	frame := r.buf[:total]
	r.buf = r.buf[total:]
	return frame, protocol.OK
}
