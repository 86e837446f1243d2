package codec

import (
	"bytes"
	"testing"
)

func TestToBytesChecksum(t *testing.T) {
	pkg := New(0x01, 7, 42, []byte("hello"))
	b := pkg.ToBytes()
	if len(b) != HeaderSize+5 {
		t.Fatalf("expected %d bytes, got %d", HeaderSize+5, len(b))
	}
	if b[14] != 0x01 {
		t.Fatalf("expected type byte 0x01, got %#x", b[14])
	}
	if b[15] != b[14]^0xFF {
		t.Fatalf("checkbit byte 15 (%#x) must equal byte 14 XOR 0xFF (%#x)", b[15], b[14]^0xFF)
	}
}

func TestFeedRoundTrip(t *testing.T) {
	tests := []struct {
		tp     uint8
		pid    uint16
		partID uint64
		body   []byte
	}{
		{0x00, 0, 0, nil},
		{0x01, 1, 42, []byte("announce")},
		{0xe0, 0xffff, 1 << 40, bytes.Repeat([]byte{0xAB}, 1000)},
	}

	for _, tt := range tests {
		pkg := New(tt.tp, tt.pid, tt.partID, tt.body)
		wire := pkg.ToBytes()

		dec := &Decoder{}
		got, err := dec.Feed(wire)
		if err != nil {
			t.Fatalf("feed returned error: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 decoded package, got %d", len(got))
		}
		out := got[0]
		if out.Type != tt.tp || out.PID != tt.pid || out.PartID != tt.partID {
			t.Fatalf("header mismatch: got %+v, want tp=%#x pid=%d partID=%d", out, tt.tp, tt.pid, tt.partID)
		}
		if !bytes.Equal(out.Body, tt.body) {
			t.Fatalf("body mismatch: got %q, want %q", out.Body, tt.body)
		}
	}
}

func TestFeedPartialFrame(t *testing.T) {
	pkg := New(0x02, 5, 1, []byte("partial-body"))
	wire := pkg.ToBytes()

	dec := &Decoder{}
	got, err := dec.Feed(wire[:HeaderSize+3])
	if err != nil {
		t.Fatalf("unexpected error on partial header+body: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no packages yet, got %d", len(got))
	}

	got, err = dec.Feed(wire[HeaderSize+3:])
	if err != nil {
		t.Fatalf("unexpected error completing frame: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 package once the frame completed, got %d", len(got))
	}
	if !bytes.Equal(got[0].Body, []byte("partial-body")) {
		t.Fatalf("body mismatch: got %q", got[0].Body)
	}
}

func TestFeedMultipleFramesInOneBuffer(t *testing.T) {
	a := New(0x01, 1, 0, []byte("a"))
	b := New(0x02, 2, 0, []byte("bb"))

	var buf bytes.Buffer
	buf.Write(a.ToBytes())
	buf.Write(b.ToBytes())

	dec := &Decoder{}
	got, err := dec.Feed(buf.Bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 packages, got %d", len(got))
	}
	if got[0].PID != 1 || got[1].PID != 2 {
		t.Fatalf("packages out of order: %+v", got)
	}
}

func TestFeedBadCheckbitDrainsBuffer(t *testing.T) {
	pkg := New(0x01, 1, 0, []byte("body"))
	wire := pkg.ToBytes()
	wire[15] ^= 0x01 // flip a single bit of the checkbit byte

	dec := &Decoder{}
	got, err := dec.Feed(wire)
	if err == nil {
		t.Fatal("expected an error for a corrupted checkbit")
	}
	if len(got) != 0 {
		t.Fatalf("expected no packages decoded from a corrupted frame, got %d", len(got))
	}

	// The buffer must have been drained: feeding a clean frame afterwards
	// must not be corrupted by leftover bytes from the bad frame.
	clean := New(0x02, 2, 0, []byte("clean"))
	got, err = dec.Feed(clean.ToBytes())
	if err != nil {
		t.Fatalf("unexpected error after resync: %v", err)
	}
	if len(got) != 1 || string(got[0].Body) != "clean" {
		t.Fatalf("expected to recover and decode the clean frame, got %+v", got)
	}
}

func TestMakeBinaryPassesBodyThrough(t *testing.T) {
	raw := []byte{1, 2, 3}
	pkg, err := Make(0x00, 0, 0, raw, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(pkg.Body, raw) {
		t.Fatalf("expected binary body to pass through unchanged, got %v", pkg.Body)
	}
}

func TestMakeNonBinaryEncodesMsgpack(t *testing.T) {
	pkg, err := Make(0x01, 0, 0, "hello", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out string
	if err := pkg.Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out != "hello" {
		t.Fatalf("expected %q, got %q", "hello", out)
	}
}
