package gt06

import (
	"testing"

	"github.com/openfms/telematics-gateway/internal/protocol"
)

func TestReassembler_NeedMore(t *testing.T) {
	r := NewReassembler()
	r.Append([]byte{startShort, startShort, 0x0D})
	_, status := r.TryTakeFrame()
	if status != protocol.NeedMore {
		t.Fatalf("expected NeedMore on partial frame, got %v", status)
	}
}

func TestReassembler_BackToBackFrames(t *testing.T) {
	login := decodeHexFrame(t, "78780d010000000003332210000158d90d0a")
	r := NewReassembler()
	r.Append(login)
	r.Append(login)

	f1, s1 := r.TryTakeFrame()
	if s1 != protocol.OK || string(f1) != string(login) {
		t.Fatalf("first frame mismatch: status=%v", s1)
	}
	f2, s2 := r.TryTakeFrame()
	if s2 != protocol.OK || string(f2) != string(login) {
		t.Fatalf("second frame mismatch: status=%v", s2)
	}
	_, s3 := r.TryTakeFrame()
	if s3 != protocol.NeedMore {
		t.Fatalf("expected NeedMore once buffer drained, got %v", s3)
	}
}

func TestReassembler_LongFrame(t *testing.T) {
	// 0x7979 start, 2-byte BE length, same login payload as the short variant.
	payload := decodeHexFrame(t, "010000000003332210000158d9")
	frame := append([]byte{startLong, startLong, 0x00, byte(len(payload))}, payload...)
	frame = append(frame, 0x0D, 0x0A)

	r := NewReassembler()
	r.Append(frame)
	got, status := r.TryTakeFrame()
	if status != protocol.OK {
		t.Fatalf("expected OK for long frame, got %v", status)
	}
	if len(got) != len(frame) {
		t.Fatalf("expected frame of length %d, got %d", len(frame), len(got))
	}
}

func TestReassembler_BadTerminator(t *testing.T) {
	r := NewReassembler()
	// length byte says 1, but the bytes that follow don't end in 0x0D0A.
	r.Append([]byte{startShort, startShort, 0x01, 0xFF, 0xFF, 0xFF})
	_, status := r.TryTakeFrame()
	if status != protocol.Invalid {
		t.Fatalf("expected Invalid for bad terminator, got %v", status)
	}
}
