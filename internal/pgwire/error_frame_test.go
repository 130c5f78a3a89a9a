package pgwire

import (
	"encoding/binary"
	"testing"
)

func TestNoPrimaryErrorFrameLayout(t *testing.T) {
	frame := NoPrimaryErrorFrame("hi")

	if frame[0] != 'E' {
		t.Fatalf("frame[0] = %q, want 'E'", frame[0])
	}

	length := binary.BigEndian.Uint32(frame[1:5])
	// Length covers the length field itself plus everything after it,
	// excluding the leading type byte: it must equal the number of bytes
	// remaining in the frame from offset 1 onward.
	if int(length) != len(frame)-1 {
		t.Fatalf("length field = %d, want %d (total frame bytes minus type byte)", length, len(frame)-1)
	}

	rest := frame[5:]
	wantRest := "SFATAL\x00C08006\x00Mhi\x00\x00"
	if string(rest) != wantRest {
		t.Fatalf("fields = %q, want %q", rest, wantRest)
	}
}

func TestNoPrimaryErrorFrameTerminator(t *testing.T) {
	frame := NoPrimaryErrorFrame("no healthy PostgreSQL primary available")
	if frame[len(frame)-1] != 0x00 {
		t.Fatalf("last byte = %#x, want 0x00", frame[len(frame)-1])
	}
	length := binary.BigEndian.Uint32(frame[1:5])
	if int(length) != len(frame)-1 {
		t.Fatalf("length field = %d, want %d", length, len(frame)-1)
	}
}
