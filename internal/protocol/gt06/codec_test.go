package gt06

import (
	"encoding/hex"
	"testing"

	"github.com/openfms/telematics-gateway/internal/model"
	"github.com/openfms/telematics-gateway/internal/protocol"
)

func decodeHexFrame(t *testing.T, hexStr string) []byte {
	t.Helper()
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		t.Fatalf("bad test fixture: %v", err)
	}
	return b
}

func TestDecodeFrame_Login(t *testing.T) {
	frame := decodeHexFrame(t, "78780d010000000003332210000158d90d0a")
	_, err := NewCodec(false).DecodeFrame(frame, &protocol.ConnContext{})
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
}

func TestLoginAck_S1(t *testing.T) {
	// S1 from the scenario table: login frame, serial 0x0001.
	frame := decodeHexFrame(t, "78780d010000000003332210000158d90d0a")
	codec := NewCodec(false)
	pkt, err := codec.DecodeFrame(frame, &protocol.ConnContext{})
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if pkt.Type != model.PacketLogin {
		t.Fatalf("expected LOGIN, got %s", pkt.Type)
	}
	if pkt.IMEI != "3332210" {
		t.Fatalf("expected IMEI 3332210, got %s", pkt.IMEI)
	}
	ack := codec.EncodeAck(pkt)
	// Worked example: CRC-ITU of 05 01 00 01 = D9DC.
	want := decodeHexFrame(t, "787805010001d9dc0d0a")
	if len(ack) != len(want) {
		t.Fatalf("expected %d-byte ack, got %d bytes", len(want), len(ack))
	}
	if ack[0] != startShort || ack[1] != startShort {
		t.Fatalf("ack missing start bytes")
	}
	if ack[len(ack)-2] != 0x0D || ack[len(ack)-1] != 0x0A {
		t.Fatalf("ack missing terminator")
	}
	gotSerial := uint16(ack[4])<<8 | uint16(ack[5])
	if gotSerial != 0x0001 {
		t.Fatalf("ack serial = %04X, want 0001", gotSerial)
	}
	gotCRC := uint16(ack[6])<<8 | uint16(ack[7])
	if gotCRC != 0xD9DC {
		t.Fatalf("ack crc = %04X, want D9DC", gotCRC)
	}
}

func TestLocation_HemisphereS3(t *testing.T) {
	// latMag 14.9 -> raw 26_820_000, lonMag 5.2 -> raw 9_360_000.
	content := buildLocationContent(t, 26820000, 9360000, 0x140A /* bits10,12 set, bit11 clear, course 10 */)
	loc, err := decodeLocation(content)
	if err != nil {
		t.Fatalf("decode location: %v", err)
	}
	if !loc.North {
		t.Fatalf("expected north hemisphere bit set")
	}
	if loc.West {
		t.Fatalf("expected east hemisphere (west bit clear)")
	}
	if loc.LatMag != 14.9 || loc.LonMag != 5.2 {
		t.Fatalf("unexpected magnitudes: lat=%v lon=%v", loc.LatMag, loc.LonMag)
	}
	if loc.CourseDeg != 10 {
		t.Fatalf("expected course 10, got %v", loc.CourseDeg)
	}
}

func buildLocationContent(t *testing.T, latRaw, lonRaw uint32, status uint16) []byte {
	t.Helper()
	b := make([]byte, 0, 18)
	b = append(b, 24, 1, 1, 0, 0, 0) // date/time YY MM DD HH MM SS
	b = append(b, 0x01)             // gps byte: 1 satellite
	b = append(b, byte(latRaw>>24), byte(latRaw>>16), byte(latRaw>>8), byte(latRaw))
	b = append(b, byte(lonRaw>>24), byte(lonRaw>>16), byte(lonRaw>>8), byte(lonRaw))
	b = append(b, 0) // speed
	b = append(b, byte(status>>8), byte(status))
	return b
}

func TestCRCRoundTrip_P2(t *testing.T) {
	codec := NewCodec(false)
	pkt := &protocol.Packet{Type: model.PacketHeartbeat, Serial: 0x00AB}
	ack := codec.EncodeAck(pkt)
	body := ack[2 : len(ack)-2-2]
	crc := crcITU(body)
	gotCRC := uint16(ack[len(ack)-4])<<8 | uint16(ack[len(ack)-3])
	if crc != gotCRC {
		t.Fatalf("crc mismatch: computed %04X, encoded %04X", crc, gotCRC)
	}
	gotSerial := uint16(ack[4])<<8 | uint16(ack[5])
	if gotSerial != pkt.Serial {
		t.Fatalf("serial echo mismatch: got %04X want %04X", gotSerial, pkt.Serial)
	}
}

func TestReassembler_SplitChunks_P1(t *testing.T) {
	frame := decodeHexFrame(t, "78780d010000000003332210000158d90d0a")
	whole := NewReassembler()
	whole.Append(frame)
	f1, status1 := whole.TryTakeFrame()
	if status1 != protocol.OK {
		t.Fatalf("expected OK on whole buffer, got %v", status1)
	}

	split := NewReassembler()
	for i := 0; i < len(frame); i++ {
		split.Append(frame[i : i+1])
	}
	f2, status2 := split.TryTakeFrame()
	if status2 != protocol.OK {
		t.Fatalf("expected OK on byte-split buffer, got %v", status2)
	}
	if string(f1) != string(f2) {
		t.Fatalf("split delivery produced a different frame")
	}
}

func TestReassembler_InvalidStart(t *testing.T) {
	r := NewReassembler()
	r.Append([]byte{0xAA, 0xBB, 0x00})
	_, status := r.TryTakeFrame()
	if status != protocol.Invalid {
		t.Fatalf("expected Invalid for unrecognised start bytes, got %v", status)
	}
}

func TestReassembler_ZeroLengthInvalid(t *testing.T) {
	r := NewReassembler()
	r.Append([]byte{startShort, startShort, 0x00})
	_, status := r.TryTakeFrame()
	if status != protocol.Invalid {
		t.Fatalf("expected Invalid for zero-length short frame, got %v", status)
	}
}
